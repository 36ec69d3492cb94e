package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/copyrelay/backend/internal/models"
)

const leaderAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeWatchlist struct {
	entries map[string]models.WatchedAddress
}

func (f *fakeWatchlist) Lookup(address string) (models.WatchedAddress, bool) {
	w, ok := f.entries[address]
	return w, ok
}

type fakeObservations struct {
	mu      sync.Mutex
	inserts int
	seen    map[string]bool
	err     error
}

func (f *fakeObservations) Insert(_ context.Context, o *models.TradeObservation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[o.ID] {
		return false, nil
	}
	f.seen[o.ID] = true
	f.inserts++
	return true, nil
}

func (f *fakeObservations) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

func (f *fakeObservations) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePublisher struct {
	mu        sync.Mutex
	published []models.TradeEvent
	signal    chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{signal: make(chan struct{}, 16)}
}

func (f *fakePublisher) PublishTradeEvent(_ context.Context, ev *models.TradeEvent) (int64, error) {
	f.mu.Lock()
	f.published = append(f.published, *ev)
	f.mu.Unlock()
	f.signal <- struct{}{}
	return 1, nil
}

func (f *fakePublisher) waitForPublish(t *testing.T) models.TradeEvent {
	t.Helper()
	select {
	case <-f.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func (f *fakePublisher) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeDedup struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeDedup) MarkIfNew(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func watchedLeader() *fakeWatchlist {
	return &fakeWatchlist{entries: map[string]models.WatchedAddress{
		leaderAddr: {Address: leaderAddr, Role: models.RoleLeader, Active: true},
	}}
}

func observation(txID string) models.TradeWebhook {
	return models.TradeWebhook{
		TxID:      txID,
		Address:   leaderAddr,
		MarketID:  "mkt-1",
		Outcome:   "YES",
		Side:      string(models.SideBuy),
		AmountUSD: 100,
		Price:     0.5,
		Timestamp: time.Now().Unix(),
	}
}

func TestIngest_AcceptsAndPublishes(t *testing.T) {
	obs := &fakeObservations{}
	pub := newFakePublisher()
	g := NewGateway(watchedLeader(), obs, pub, &fakeDedup{}, nil, nil)

	res := g.Ingest(context.Background(), observation("0xabc:1"))
	if res.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %q (%s)", res.Status, res.Message)
	}

	ev := pub.waitForPublish(t)
	if ev.ObservationID != "0xabc:1" {
		t.Fatalf("published wrong observation: %s", ev.ObservationID)
	}
	if ev.AddressType != string(models.RoleLeader) {
		t.Fatalf("expected leader address type, got %q", ev.AddressType)
	}
	if obs.insertCount() != 1 {
		t.Fatalf("expected 1 insert, got %d", obs.insertCount())
	}
}

func TestIngest_DuplicateDeliveryIsNoOp(t *testing.T) {
	obs := &fakeObservations{}
	pub := newFakePublisher()
	g := NewGateway(watchedLeader(), obs, pub, &fakeDedup{}, nil, nil)

	first := g.Ingest(context.Background(), observation("0xdef:0"))
	if first.Status != StatusAccepted {
		t.Fatalf("first delivery: %q", first.Status)
	}
	pub.waitForPublish(t)

	second := g.Ingest(context.Background(), observation("0xdef:0"))
	if second.Status != StatusAccepted {
		t.Fatalf("duplicate must still answer accepted, got %q", second.Status)
	}

	// Give a stray publish a moment to surface, then assert exactly one.
	time.Sleep(100 * time.Millisecond)
	if obs.insertCount() != 1 {
		t.Fatalf("duplicate stored twice: %d inserts", obs.insertCount())
	}
	if pub.publishCount() != 1 {
		t.Fatalf("duplicate published: %d publishes", pub.publishCount())
	}
}

func TestIngest_DedupDownFallsOpenButStoreStillBlocks(t *testing.T) {
	obs := &fakeObservations{}
	pub := newFakePublisher()
	g := NewGateway(watchedLeader(), obs, pub, &fakeDedup{err: errors.New("redis down")}, nil, nil)

	g.Ingest(context.Background(), observation("0x111:0"))
	pub.waitForPublish(t)

	res := g.Ingest(context.Background(), observation("0x111:0"))
	if res.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %q", res.Status)
	}
	time.Sleep(100 * time.Millisecond)
	if pub.publishCount() != 1 {
		t.Fatalf("row uniqueness should block republish, got %d publishes", pub.publishCount())
	}
}

func TestIngest_UnwatchedAddressIsAcceptedNoOp(t *testing.T) {
	obs := &fakeObservations{}
	pub := newFakePublisher()
	g := NewGateway(&fakeWatchlist{}, obs, pub, &fakeDedup{}, nil, nil)

	res := g.Ingest(context.Background(), observation("0x222:0"))
	if res.Status != StatusAccepted {
		t.Fatalf("unwatched address must be acknowledged, got %q", res.Status)
	}
	if obs.insertCount() != 0 {
		t.Fatal("unwatched observation must not be stored")
	}
	if pub.publishCount() != 0 {
		t.Fatal("unwatched observation must not be published")
	}
}

func TestIngest_RejectsBadInput(t *testing.T) {
	g := NewGateway(watchedLeader(), &fakeObservations{}, newFakePublisher(), &fakeDedup{}, nil, nil)

	cases := []func(*models.TradeWebhook){
		func(p *models.TradeWebhook) { p.TxID = "" },
		func(p *models.TradeWebhook) { p.Address = "nonsense" },
		func(p *models.TradeWebhook) { p.MarketID = "" },
		func(p *models.TradeWebhook) { p.Side = "HOLD" },
		func(p *models.TradeWebhook) { p.AmountUSD = 0 },
		func(p *models.TradeWebhook) { p.Price = -1 },
	}
	for i, mutate := range cases {
		payload := observation("0x333:0")
		mutate(&payload)
		if res := g.Ingest(context.Background(), payload); res.Status != StatusRejected {
			t.Fatalf("case %d: expected rejected, got %q (%s)", i, res.Status, res.Message)
		}
	}
}

func TestIngest_PersistFailureAcceptedButNotPublished(t *testing.T) {
	obs := &fakeObservations{err: errors.New("db down")}
	pub := newFakePublisher()
	g := NewGateway(watchedLeader(), obs, pub, &fakeDedup{}, nil, nil)

	res := g.Ingest(context.Background(), observation("0x444:0"))
	if res.Status != StatusAccepted {
		t.Fatalf("persist failure must not surface as a caller error, got %q", res.Status)
	}

	// Without the stored row nothing backs idempotency for this id, so
	// the event must wait for the indexer's redelivery.
	time.Sleep(100 * time.Millisecond)
	if pub.publishCount() != 0 {
		t.Fatalf("unpersisted observation must not fan out, got %d publishes", pub.publishCount())
	}
}

func TestIngest_RedeliveryAfterPersistFailureFansOutOnce(t *testing.T) {
	obs := &fakeObservations{err: errors.New("db down")}
	pub := newFakePublisher()
	g := NewGateway(watchedLeader(), obs, pub, &fakeDedup{}, nil, nil)

	g.Ingest(context.Background(), observation("0x555:0"))

	// The DB recovers and the indexer redelivers after the dedup TTL has
	// lapsed: swap in a fresh dedup so the mark is fresh again.
	obs.setErr(nil)
	g.dedup = &fakeDedup{}

	res := g.Ingest(context.Background(), observation("0x555:0"))
	if res.Status != StatusAccepted {
		t.Fatalf("redelivery: %q", res.Status)
	}
	pub.waitForPublish(t)

	time.Sleep(100 * time.Millisecond)
	if pub.publishCount() != 1 {
		t.Fatalf("one id must fan out exactly once, got %d publishes", pub.publishCount())
	}
	if obs.insertCount() != 1 {
		t.Fatalf("expected 1 stored row, got %d", obs.insertCount())
	}
}
