// Package feed maintains the live price connection to the venue. One
// persistent websocket carries all subscribed markets; the subscription
// set kept here is the source of truth and is replayed in full after
// every reconnect.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingMessage = "PING"
	pongMessage = "PONG"
)

// PriceUpdate is one tick for one market.
type PriceUpdate struct {
	MarketID string
	Price    float64
	At       time.Time
}

type Config struct {
	URL          string
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

// Notifier receives an operator alert when the feed stays down across
// several redial attempts. May be nil.
type Notifier interface {
	Send(msg string)
}

// alertAfterDrops is how many consecutive failed serve attempts count as
// a prolonged outage worth an operator alert.
const alertAfterDrops = 3

type Client struct {
	cfg      Config
	dialer   *websocket.Dialer
	logger   *zap.Logger
	notifier Notifier

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]struct{}

	writeMu sync.Mutex

	updates chan PriceUpdate
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
		subscribed: make(map[string]struct{}),
		updates:    make(chan PriceUpdate, 1024),
	}
}

// SetNotifier attaches the operator alert sink. Call before Run.
func (c *Client) SetNotifier(n Notifier) {
	c.notifier = n
}

// Updates is the stream of price ticks. The channel is buffered and the
// read loop drops ticks rather than block on a slow consumer.
func (c *Client) Updates() <-chan PriceUpdate {
	return c.updates
}

// Subscribe adds a market to the live set, sending an incremental
// subscribe when connected. Safe to call while disconnected; the set is
// replayed on the next (re)connect.
func (c *Client) Subscribe(marketID string) error {
	c.mu.Lock()
	if _, ok := c.subscribed[marketID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[marketID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("feed subscribe", zap.String("market", marketID))
	if conn == nil {
		return nil
	}
	return c.sendSubscription("subscribe", []string{marketID})
}

// Unsubscribe removes a market from the live set.
func (c *Client) Unsubscribe(marketID string) error {
	c.mu.Lock()
	if _, ok := c.subscribed[marketID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subscribed, marketID)
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("feed unsubscribe", zap.String("market", marketID))
	if conn == nil {
		return nil
	}
	return c.sendSubscription("unsubscribe", []string{marketID})
}

// SubscribedMarkets returns a snapshot of the live set.
func (c *Client) SubscribedMarkets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		out = append(out, id)
	}
	return out
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials and serves the connection until ctx is cancelled, redialing
// with exponential backoff after every drop.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.BackoffMin
	drops := 0

	for {
		if ctx.Err() != nil {
			return
		}

		dialed, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if dialed {
			// The outage counter tracks attempts that never got a
			// connection up; a served session resets it.
			drops = 0
			backoff = c.cfg.BackoffMin
		}
		c.logger.Warn("feed connection lost, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))

		drops++
		if drops == alertAfterDrops && c.notifier != nil {
			c.notifier.Send(fmt.Sprintf(
				"⚠️ Price feed down after %d attempts (%s). Live P&L and TP/SL are running on the poll fallback.",
				drops, c.cfg.URL))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	markets := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		markets = append(markets, id)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info("feed connected",
		zap.String("url", c.cfg.URL), zap.Int("markets", len(markets)))

	// The server is not trusted to remember subscriptions across
	// connections; replay the whole set.
	if len(markets) > 0 {
		if err := c.sendSubscription("", markets); err != nil {
			return true, fmt.Errorf("resubscribe: %w", err)
		}
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	return true, c.readLoop(ctx, conn)
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(pingMessage))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Missing two heartbeat responses means the connection is dead even
	// if TCP has not noticed yet.
	deadline := 2*c.cfg.PingInterval + c.cfg.PingInterval/2

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg := string(raw)
		if msg == pongMessage || msg == pingMessage {
			continue
		}
		c.handleFrame(raw)
	}
}

// priceChangeMessage is the unsolicited price event from the venue feed.
type priceChangeMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

func (c *Client) handleFrame(raw []byte) {
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\r' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 {
		return
	}

	// Events may arrive one per frame or batched in an array.
	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			c.logger.Warn("feed bad batch frame", zap.Error(err))
			return
		}
		for _, one := range batch {
			c.handleEvent(one)
		}
		return
	}
	c.handleEvent(trimmed)
}

func (c *Client) handleEvent(raw []byte) {
	var msg priceChangeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("feed undecodable event", zap.Error(err))
		return
	}
	if msg.EventType != "price_change" {
		return
	}

	marketID := msg.AssetID
	if marketID == "" {
		marketID = msg.Market
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || price <= 0 {
		return
	}

	update := PriceUpdate{MarketID: marketID, Price: price, At: time.Now()}
	select {
	case c.updates <- update:
	default:
		// Never block the read loop; the debouncer only needs the
		// latest price anyway.
		c.logger.Warn("dropping price update: channel full",
			zap.String("market", marketID))
	}
}

// sendSubscription writes a subscription message. operation is empty for
// the initial full subscribe after a dial, "subscribe"/"unsubscribe" for
// incremental changes on a live connection.
func (c *Client) sendSubscription(operation string, markets []string) error {
	payload := map[string]any{
		"assets_ids": markets,
		"type":       "market",
	}
	if operation != "" {
		payload["operation"] = operation
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(payload)
}
