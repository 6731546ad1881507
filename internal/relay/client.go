// Package relay implements the websocket transport to messaging relays:
// publish with acknowledgement, open-ended subscriptions and bounded
// one-shot requests.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/wire"
)

const (
	subChanBuffer  = 64
	publishTimeout = 10 * time.Second
)

type ack struct {
	ok     bool
	detail string
}

type subscription struct {
	events chan wire.Event
	eose   chan struct{}
}

// Client maintains a single relay connection, dialed lazily and re-dialed
// on next use after a failure.
type Client struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]*subscription
	acks    map[string]chan ack
	nextSub int
}

// NewClient builds a client for one relay URL. No connection is made yet.
func NewClient(url string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		logger: logger,
		subs:   make(map[string]*subscription),
		acks:   make(map[string]chan ack),
	}
}

// URL returns the relay address this client talks to.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	go c.readLoop(conn)
	return conn, nil
}

// Publish sends an event and waits for the relay's acknowledgement.
func (c *Client) Publish(ctx context.Context, ev *wire.Event) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	ackCh := make(chan ack, 1)
	c.mu.Lock()
	c.acks[ev.ID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, []interface{}{"EVENT", ev}); err != nil {
		return fmt.Errorf("publish to %s: %w", c.url, err)
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s: ack timeout", c.url)
	case a := <-ackCh:
		if !a.ok {
			return fmt.Errorf("publish to %s: rejected: %s", c.url, a.detail)
		}
		return nil
	}
}

// Subscribe opens a non-terminating subscription. The returned channel
// closes when the connection drops or cancel is called; callers decide
// whether to re-subscribe.
func (c *Client) Subscribe(ctx context.Context, filter wire.Filter) (<-chan wire.Event, func(), error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.nextSub++
	subID := fmt.Sprintf("sub-%d", c.nextSub)
	sub := &subscription{events: make(chan wire.Event, subChanBuffer), eose: make(chan struct{})}
	c.subs[subID] = sub
	c.mu.Unlock()

	if err := c.writeFrame(conn, []interface{}{"REQ", subID, filter}); err != nil {
		c.dropSub(subID)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", c.url, err)
	}

	cancel := func() {
		_ = c.writeFrame(conn, []interface{}{"CLOSE", subID})
		c.dropSub(subID)
	}
	return sub.events, cancel, nil
}

// Request collects stored events until the relay signals end-of-stored or
// the context expires, then closes the subscription. A timeout is not an
// error: callers get whatever arrived in the window.
func (c *Client) Request(ctx context.Context, filter wire.Filter) ([]wire.Event, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextSub++
	subID := fmt.Sprintf("req-%d", c.nextSub)
	sub := &subscription{events: make(chan wire.Event, subChanBuffer), eose: make(chan struct{})}
	c.subs[subID] = sub
	c.mu.Unlock()
	defer func() {
		_ = c.writeFrame(conn, []interface{}{"CLOSE", subID})
		c.dropSub(subID)
	}()

	if err := c.writeFrame(conn, []interface{}{"REQ", subID, filter}); err != nil {
		return nil, fmt.Errorf("request to %s: %w", c.url, err)
	}

	var events []wire.Event
	for {
		select {
		case <-ctx.Done():
			return events, nil
		case <-sub.eose:
			return events, nil
		case ev, open := <-sub.events:
			if !open {
				return events, nil
			}
			events = append(events, ev)
		}
	}
}

// Close tears down the connection and every live subscription.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) dropSub(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[subID]; ok {
		delete(c.subs, subID)
		close(sub.events)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		c.logger.Debug("discarding malformed frame", zap.String("relay", c.url))
		return
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			return
		}
		var subID string
		var ev wire.Event
		if json.Unmarshal(parts[1], &subID) != nil || json.Unmarshal(parts[2], &ev) != nil {
			return
		}
		// The send happens under c.mu so a concurrent dropSub or teardown
		// cannot close the channel between the map read and the send.
		c.mu.Lock()
		if sub, ok := c.subs[subID]; ok {
			select {
			case sub.events <- ev:
			default:
				c.logger.Warn("subscription buffer full, dropping event", zap.String("relay", c.url), zap.String("sub", subID))
			}
		}
		c.mu.Unlock()
	case "EOSE":
		var subID string
		if json.Unmarshal(parts[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		sub, ok := c.subs[subID]
		c.mu.Unlock()
		if ok {
			select {
			case <-sub.eose:
			default:
				close(sub.eose)
			}
		}
	case "OK":
		if len(parts) < 3 {
			return
		}
		var evID string
		var okFlag bool
		detail := ""
		if json.Unmarshal(parts[1], &evID) != nil || json.Unmarshal(parts[2], &okFlag) != nil {
			return
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &detail)
		}
		c.mu.Lock()
		ackCh, ok := c.acks[evID]
		c.mu.Unlock()
		if ok {
			select {
			case ackCh <- ack{ok: okFlag, detail: detail}:
			default:
			}
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for _, sub := range c.subs {
		close(sub.events)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("relay connection lost", zap.String("relay", c.url), zap.Error(cause))
}
