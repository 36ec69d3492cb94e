package listener

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/copyrelay/backend/internal/execution"
	"github.com/copyrelay/backend/internal/models"
)

const (
	leaderAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	traderAddr = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fakeWatchlist struct {
	entries map[string]models.WatchedAddress
}

func (f *fakeWatchlist) Lookup(address string) (models.WatchedAddress, bool) {
	w, ok := f.entries[address]
	return w, ok
}

type fakeAllocations struct {
	allocs []models.CopyAllocation
	err    error
}

func (f *fakeAllocations) GetActiveByLeader(_ context.Context, _ string) ([]models.CopyAllocation, error) {
	return f.allocs, f.err
}

type fakePositions struct {
	byUser map[int64]*models.Position
}

func (f *fakePositions) GetActiveByUserAndMarket(_ context.Context, userID int64, _, _ string) (*models.Position, error) {
	return f.byUser[userID], nil
}

type fakeExposure struct {
	net float64
}

func (f *fakeExposure) NetPositionUSD(_ context.Context, _, _ string) (float64, error) {
	return f.net, nil
}

type fakeBalances struct {
	byUser map[int64]float64
	err    error
}

func (f *fakeBalances) GetBalance(_ context.Context, userID int64) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.byUser[userID], nil
}

type fakeDedup struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (f *fakeDedup) MarkIfNew(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	requests []execution.Request
	failFor  map[int64]bool
}

func (f *fakeExecutor) Execute(_ context.Context, req execution.Request) execution.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.failFor[req.UserID] {
		return execution.Result{FailureReason: "venue rejected order: market closed"}
	}
	return execution.Result{Success: true, FilledAmount: req.AmountUSD}
}

func (f *fakeExecutor) executed() []execution.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execution.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func leaderWatchlist() *fakeWatchlist {
	return &fakeWatchlist{entries: map[string]models.WatchedAddress{
		leaderAddr: {Address: leaderAddr, Role: models.RoleLeader, Active: true},
		traderAddr: {Address: traderAddr, Role: models.RoleIndependentTrader, Active: true},
	}}
}

func proportionalAlloc(id, follower int64, ratio float64) models.CopyAllocation {
	return models.CopyAllocation{
		ID: id, FollowerID: follower, LeaderAddress: leaderAddr,
		Policy: models.Proportional{Ratio: ratio}, Active: true,
	}
}

func buyEvent(obsID string, amountUSD float64) *models.TradeEvent {
	return &models.TradeEvent{
		ObservationID: obsID,
		Address:       leaderAddr,
		MarketID:      "mkt-1",
		Outcome:       "YES",
		Side:          string(models.SideBuy),
		AmountUSD:     amountUSD,
		Price:         0.5,
		AddressType:   string(models.RoleLeader),
	}
}

func newTestListener(allocs *fakeAllocations, positions *fakePositions, exposure *fakeExposure,
	balances *fakeBalances, exec *fakeExecutor) *Listener {
	return New(leaderWatchlist(), allocs, positions, exposure, balances, &fakeDedup{}, exec, nil,
		Config{MinOrderUSD: 1, MaxConcurrent: 4})
}

func TestHandleEvent_FanOutIsolation(t *testing.T) {
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{
		proportionalAlloc(1, 101, 0.1),
		proportionalAlloc(2, 102, 0.1),
		proportionalAlloc(3, 103, 0.1),
	}}
	exec := &fakeExecutor{failFor: map[int64]bool{102: true}}
	balances := &fakeBalances{byUser: map[int64]float64{101: 1000, 102: 1000, 103: 1000}}
	l := newTestListener(allocs, &fakePositions{}, &fakeExposure{}, balances, exec)

	s := l.HandleEvent(context.Background(), buyEvent("0xaaa:0", 500)).Wait()

	if s.Dispatched != 3 {
		t.Fatalf("dispatched = %d, want 3", s.Dispatched)
	}
	if s.Succeeded != 2 || s.Failed != 1 {
		t.Fatalf("one follower's failure must not block the others: %+v", s)
	}
}

func TestHandleEvent_NonLeaderDiscarded(t *testing.T) {
	exec := &fakeExecutor{}
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{proportionalAlloc(1, 101, 0.5)}}
	l := newTestListener(allocs, &fakePositions{}, &fakeExposure{}, &fakeBalances{}, exec)

	ev := buyEvent("0xbbb:0", 100)
	ev.Address = traderAddr
	s := l.HandleEvent(context.Background(), ev).Wait()

	if s.Dispatched != 0 {
		t.Fatalf("independent trader events must never replicate, dispatched = %d", s.Dispatched)
	}
	if len(exec.executed()) != 0 {
		t.Fatal("executor called for a non-leader event")
	}
}

func TestHandleEvent_RedeliveryDedupedPerFollower(t *testing.T) {
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{
		proportionalAlloc(1, 101, 0.1),
		proportionalAlloc(2, 102, 0.1),
	}}
	exec := &fakeExecutor{}
	balances := &fakeBalances{byUser: map[int64]float64{101: 1000, 102: 1000}}
	dedup := &fakeDedup{}
	l := New(leaderWatchlist(), allocs, &fakePositions{}, &fakeExposure{}, balances, dedup, exec, nil,
		Config{MinOrderUSD: 1, MaxConcurrent: 4})

	ev := buyEvent("0xccc:0", 500)
	first := l.HandleEvent(context.Background(), ev).Wait()
	if first.Succeeded != 2 {
		t.Fatalf("first delivery: %+v", first)
	}

	second := l.HandleEvent(context.Background(), ev).Wait()
	if second.Skipped != 2 || second.Succeeded != 0 {
		t.Fatalf("redelivery must skip every follower: %+v", second)
	}
	if n := len(exec.executed()); n != 2 {
		t.Fatalf("redelivery reached the executor: %d executions", n)
	}
}

func TestHandleEvent_BuySizing(t *testing.T) {
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{proportionalAlloc(1, 101, 0.1)}}
	exec := &fakeExecutor{}
	balances := &fakeBalances{byUser: map[int64]float64{101: 1000}}
	l := newTestListener(allocs, &fakePositions{}, &fakeExposure{}, balances, exec)

	l.HandleEvent(context.Background(), buyEvent("0xddd:0", 500)).Wait()

	reqs := exec.executed()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(reqs))
	}
	req := reqs[0]
	if req.AmountUSD != 50 {
		t.Fatalf("sized $%.2f, want $50", req.AmountUSD)
	}
	if !req.IsCopyTrade || req.AllocationID != 1 || req.LeaderAddress != leaderAddr {
		t.Fatalf("copy metadata missing: %+v", req)
	}
}

func TestHandleEvent_SellScalesFollowerPosition(t *testing.T) {
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{proportionalAlloc(1, 101, 0.1)}}
	exec := &fakeExecutor{}
	positions := &fakePositions{byUser: map[int64]*models.Position{
		101: {ID: "pos-1", UserID: 101, MarketID: "mkt-1", Outcome: "YES", SizeUSD: 80, EntryPrice: 0.4, Status: models.PositionActive},
	}}
	// Leader sells $50; their stored net after the sell is $50, so the
	// pre-sell exposure was $100 and the ratio is one half.
	l := newTestListener(allocs, positions, &fakeExposure{net: 50}, &fakeBalances{}, exec)

	ev := buyEvent("0xeee:0", 50)
	ev.Side = string(models.SideSell)
	s := l.HandleEvent(context.Background(), ev).Wait()

	if s.Succeeded != 1 {
		t.Fatalf("sell not dispatched: %+v", s)
	}
	reqs := exec.executed()
	if reqs[0].Side != models.SideSell {
		t.Fatalf("expected sell, got %s", reqs[0].Side)
	}
	if reqs[0].AmountUSD != 40 {
		t.Fatalf("expected half of the $80 position, got $%.2f", reqs[0].AmountUSD)
	}
	if reqs[0].Position == nil || reqs[0].Position.ID != "pos-1" {
		t.Fatal("sell must target the follower's own position")
	}
}

func TestHandleEvent_SellWithoutPositionSkips(t *testing.T) {
	allocs := &fakeAllocations{allocs: []models.CopyAllocation{proportionalAlloc(1, 101, 0.1)}}
	exec := &fakeExecutor{}
	l := newTestListener(allocs, &fakePositions{}, &fakeExposure{net: 0}, &fakeBalances{}, exec)

	ev := buyEvent("0xfff:0", 50)
	ev.Side = string(models.SideSell)
	s := l.HandleEvent(context.Background(), ev).Wait()

	if s.Skipped != 1 || s.Failed != 0 {
		t.Fatalf("follower without the position must skip cleanly: %+v", s)
	}
	if len(exec.executed()) != 0 {
		t.Fatal("no order should be placed for a missing position")
	}
}

func TestHandleEvent_AllocationLookupFailure(t *testing.T) {
	allocs := &fakeAllocations{err: errors.New("db down")}
	exec := &fakeExecutor{}
	l := newTestListener(allocs, &fakePositions{}, &fakeExposure{}, &fakeBalances{}, exec)

	s := l.HandleEvent(context.Background(), buyEvent("0x123:0", 100)).Wait()
	if s.Dispatched != 0 {
		t.Fatalf("lookup failure must not dispatch: %+v", s)
	}
}
