package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSubscribeSet_IdempotentWhileDisconnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	if err := c.Subscribe("mkt-1"); err != nil {
		t.Fatalf("subscribe while disconnected: %v", err)
	}
	if err := c.Subscribe("mkt-1"); err != nil {
		t.Fatalf("repeat subscribe: %v", err)
	}
	if err := c.Subscribe("mkt-2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	markets := c.SubscribedMarkets()
	sort.Strings(markets)
	if len(markets) != 2 || markets[0] != "mkt-1" || markets[1] != "mkt-2" {
		t.Fatalf("subscribed set = %v", markets)
	}

	if err := c.Unsubscribe("mkt-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := c.Unsubscribe("mkt-1"); err != nil {
		t.Fatalf("repeat unsubscribe: %v", err)
	}
	if got := c.SubscribedMarkets(); len(got) != 1 || got[0] != "mkt-2" {
		t.Fatalf("subscribed set after unsubscribe = %v", got)
	}
}

func TestHandleEvent_PriceChange(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	c.handleFrame([]byte(`{"event_type":"price_change","asset_id":"mkt-1","price":"0.62"}`))

	select {
	case upd := <-c.Updates():
		if upd.MarketID != "mkt-1" || upd.Price != 0.62 {
			t.Fatalf("update = %+v", upd)
		}
	default:
		t.Fatal("no update produced")
	}
}

func TestHandleEvent_IgnoresOtherEventTypes(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	c.handleFrame([]byte(`{"event_type":"book","asset_id":"mkt-1","price":"0.62"}`))
	c.handleFrame([]byte(`{"event_type":"price_change","asset_id":"mkt-1","price":"garbage"}`))
	c.handleFrame([]byte(`not even json`))

	select {
	case upd := <-c.Updates():
		t.Fatalf("unexpected update: %+v", upd)
	default:
	}
}

func TestHandleFrame_BatchedEvents(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	c.handleFrame([]byte(`[
		{"event_type":"price_change","asset_id":"mkt-1","price":"0.10"},
		{"event_type":"price_change","asset_id":"mkt-2","price":"0.20"}
	]`))

	var got []PriceUpdate
	for i := 0; i < 2; i++ {
		select {
		case upd := <-c.Updates():
			got = append(got, upd)
		default:
			t.Fatalf("expected 2 updates, got %d", len(got))
		}
	}
	if got[0].MarketID != "mkt-1" || got[1].MarketID != "mkt-2" {
		t.Fatalf("batch order wrong: %+v", got)
	}
}

func TestHandleEvent_FallsBackToMarketField(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, nil)

	c.handleFrame([]byte(`{"event_type":"price_change","market":"mkt-9","price":"0.33"}`))

	select {
	case upd := <-c.Updates():
		if upd.MarketID != "mkt-9" {
			t.Fatalf("market id = %q", upd.MarketID)
		}
	default:
		t.Fatal("no update produced")
	}
}

func TestRun_ConnectsAndDeliversPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			AssetsIDs []string `json:"assets_ids"`
			Type      string   `json:"type"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.AssetsIDs

		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event_type":"price_change","asset_id":"mkt-1","price":"0.75"}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(Config{URL: wsURL, PingInterval: time.Second}, nil)
	_ = c.Subscribe("mkt-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case markets := <-subscribed:
		if len(markets) != 1 || markets[0] != "mkt-1" {
			t.Fatalf("resubscribe payload = %v", markets)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the subscription replay")
	}

	select {
	case upd := <-c.Updates():
		if upd.MarketID != "mkt-1" || upd.Price != 0.75 {
			t.Fatalf("update = %+v", upd)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("price update never arrived")
	}
}
