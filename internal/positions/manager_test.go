package positions

import (
	"context"
	"sync"
	"testing"

	"github.com/copyrelay/backend/internal/models"
)

type fakeFeed struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
}

func (f *fakeFeed) Subscribe(marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, marketID)
	return nil
}

func (f *fakeFeed) Unsubscribe(marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, marketID)
	return nil
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes), len(f.unsubscribes)
}

func TestSubscriptionManager_FirstOpenSubscribes(t *testing.T) {
	feed := &fakeFeed{}
	m := NewSubscriptionManager(feed, nil)

	m.OnPositionOpened("mkt-1")
	m.OnPositionOpened("mkt-1")
	m.OnPositionOpened("mkt-1")

	subs, _ := feed.counts()
	if subs != 1 {
		t.Fatalf("expected a single subscribe for repeated opens, got %d", subs)
	}
	if m.Refcount("mkt-1") != 3 {
		t.Fatalf("refcount = %d, want 3", m.Refcount("mkt-1"))
	}
}

func TestSubscriptionManager_LastCloseUnsubscribes(t *testing.T) {
	feed := &fakeFeed{}
	m := NewSubscriptionManager(feed, nil)

	m.OnPositionOpened("mkt-1")
	m.OnPositionOpened("mkt-1")

	m.OnPositionClosed("mkt-1")
	if _, unsubs := feed.counts(); unsubs != 0 {
		t.Fatal("unsubscribed while a position is still open")
	}

	m.OnPositionClosed("mkt-1")
	if _, unsubs := feed.counts(); unsubs != 1 {
		t.Fatal("expected unsubscribe when the last position closed")
	}
	if m.Refcount("mkt-1") != 0 {
		t.Fatalf("refcount = %d, want 0", m.Refcount("mkt-1"))
	}
}

func TestSubscriptionManager_CloseWithoutOpenIsSafe(t *testing.T) {
	feed := &fakeFeed{}
	m := NewSubscriptionManager(feed, nil)

	m.OnPositionClosed("mkt-1")

	if _, unsubs := feed.counts(); unsubs != 0 {
		t.Fatal("unmatched close must not reach the feed")
	}
	if m.Refcount("mkt-1") != 0 {
		t.Fatal("refcount must not go negative")
	}
}

func TestSubscriptionManager_IndependentMarkets(t *testing.T) {
	feed := &fakeFeed{}
	m := NewSubscriptionManager(feed, nil)

	m.OnPositionOpened("mkt-1")
	m.OnPositionOpened("mkt-2")
	m.OnPositionClosed("mkt-1")

	if m.Refcount("mkt-1") != 0 || m.Refcount("mkt-2") != 1 {
		t.Fatalf("markets must count independently: mkt-1=%d mkt-2=%d",
			m.Refcount("mkt-1"), m.Refcount("mkt-2"))
	}
}

type fakeManagerStore struct {
	active []models.Position
}

func (f *fakeManagerStore) GetAllActive(_ context.Context) ([]models.Position, error) {
	return f.active, nil
}

func (f *fakeManagerStore) GetActiveByMarket(_ context.Context, _ string) ([]models.Position, error) {
	return nil, nil
}

func (f *fakeManagerStore) UpdateLive(_ context.Context, _ string, _, _, _ float64) error {
	return nil
}

func TestSubscriptionManager_Prime(t *testing.T) {
	feed := &fakeFeed{}
	m := NewSubscriptionManager(feed, nil)

	store := &fakeManagerStore{active: []models.Position{
		{ID: "a", MarketID: "mkt-1"},
		{ID: "b", MarketID: "mkt-1"},
		{ID: "c", MarketID: "mkt-2"},
	}}
	if err := m.Prime(context.Background(), store); err != nil {
		t.Fatalf("prime: %v", err)
	}

	subs, _ := feed.counts()
	if subs != 2 {
		t.Fatalf("expected one subscribe per distinct market, got %d", subs)
	}
	if m.Refcount("mkt-1") != 2 || m.Refcount("mkt-2") != 1 {
		t.Fatal("refcounts not seeded from active positions")
	}
}
