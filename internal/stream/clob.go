// Package stream implements the two WebSocket clients: the CLOB channel
// feed (market books and private fills) and the real-time event bus.
// Both auto-reconnect and replay every tracked subscription before any
// message is delivered, so consumers never observe a silent gap in
// coverage after a drop.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polyclob/internal/clierr"
	"polyclob/pkg/types"
)

const (
	writeTimeout = 10 * time.Second

	clobPingInterval = 50 * time.Second
	clobPongWait     = 90 * time.Second
)

// CLOBHandler receives one parsed frame. Panics are recovered and
// logged; a misbehaving handler cannot kill the reader loop.
type CLOBHandler func(msg *types.CLOBMessage)

type clobSub struct {
	frame   types.CLOBSubscribeMsg
	handler CLOBHandler
}

// CLOBClient maintains one connection to the CLOB WebSocket with
// subscription tracking and bounded reconnection.
type CLOBClient struct {
	url            string
	reconnectDelay time.Duration
	maxReconnects  int
	pingInterval   time.Duration
	pongWait       time.Duration
	logger         *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu sync.Mutex
	subs  map[string]clobSub

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewCLOBClient(url string, reconnectDelay time.Duration, maxReconnects int, logger *slog.Logger) *CLOBClient {
	return &CLOBClient{
		url:            url,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		pingInterval:   clobPingInterval,
		pongWait:       clobPongWait,
		logger:         logger.With("component", "clob_stream"),
		subs:           make(map[string]clobSub),
	}
}

// SubscribeMarket tracks a market-channel subscription for a token and
// sends the frame if connected. The subscription survives reconnects.
func (c *CLOBClient) SubscribeMarket(tokenID string, handler CLOBHandler) error {
	if tokenID == "" || handler == nil {
		return clierr.New(clierr.KindValidation, "subscribe_market", "token id and handler are required")
	}
	frame := types.CLOBSubscribeMsg{Type: "subscribe", Channel: "market", Market: tokenID}
	return c.track("market:"+tokenID, frame, handler)
}

// SubscribeUser tracks the authenticated user channel for private fills.
func (c *CLOBClient) SubscribeUser(auth *types.WSAuth, handler CLOBHandler) error {
	if auth == nil || auth.APIKey == "" {
		return clierr.New(clierr.KindAuth, "subscribe_user", "user channel requires API credentials")
	}
	if handler == nil {
		return clierr.New(clierr.KindValidation, "subscribe_user", "handler is required")
	}
	frame := types.CLOBSubscribeMsg{Type: "subscribe", Channel: "user", Auth: auth}
	return c.track("user", frame, handler)
}

func (c *CLOBClient) track(key string, frame types.CLOBSubscribeMsg, handler CLOBHandler) error {
	c.subMu.Lock()
	c.subs[key] = clobSub{frame: frame, handler: handler}
	c.subMu.Unlock()

	// Best effort while live; the reconnect path replays anyway.
	if err := c.writeJSON(frame); err != nil {
		c.logger.Debug("subscription deferred until connect", "key", key)
	}
	return nil
}

// Unsubscribe drops a tracked subscription ("market:<tokenID>" or "user")
// and tells the server when connected.
func (c *CLOBClient) Unsubscribe(key string) {
	c.subMu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.subMu.Unlock()

	if ok {
		frame := sub.frame
		frame.Type = "unsubscribe"
		if err := c.writeJSON(frame); err != nil {
			c.logger.Debug("unsubscribe frame not sent", "key", key)
		}
	}
}

// Start launches the connection loop. It returns immediately; the loop
// runs until Close, ctx cancellation, or the reconnect budget is spent.
func (c *CLOBClient) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return clierr.New(clierr.KindStream, "clob_start", "client is closed")
	}
	if c.cancel != nil {
		return clierr.New(clierr.KindStream, "clob_start", "already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

func (c *CLOBClient) run(ctx context.Context) {
	defer close(c.done)

	attempts := 0
	for {
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0 // only consecutive failures count against the budget
		}

		attempts++
		if c.maxReconnects > 0 && attempts >= c.maxReconnects {
			c.logger.Error("reconnect budget exhausted, stopping", "attempts", attempts, "error", err)
			return
		}
		c.logger.Warn("clob stream disconnected, reconnecting",
			"error", err, "attempt", attempts, "delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *CLOBClient) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// The socket must die with this function even on a panic upstream.
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.resubscribeAll(); err != nil {
		return false, fmt.Errorf("resubscribe: %w", err)
	}
	c.logger.Info("clob stream connected", "url", c.url)

	// A peer that stops answering pings must fail the read within
	// pongWait so the reconnect path engages.
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.dispatch(data)
	}
}

// pingLoop keeps the connection's liveness probe going. WriteControl is
// safe to call concurrently with writeJSON.
func (c *CLOBClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *CLOBClient) resubscribeAll() error {
	c.subMu.Lock()
	frames := make([]types.CLOBSubscribeMsg, 0, len(c.subs))
	for _, sub := range c.subs {
		frames = append(frames, sub.frame)
	}
	c.subMu.Unlock()

	for _, frame := range frames {
		if err := c.writeJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

// dispatch parses a frame and fans it out to matching handlers with the
// registry lock released.
func (c *CLOBClient) dispatch(data []byte) {
	var msg types.CLOBMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("ignoring non-json frame", "size", len(data))
		return
	}
	msg.Raw = data

	c.subMu.Lock()
	handlers := make([]CLOBHandler, 0, 2)
	for key, sub := range c.subs {
		switch {
		case msg.Channel == "user" && key == "user":
			handlers = append(handlers, sub.handler)
		case msg.Channel != "user" && key == "market:"+msg.Market.TokenID:
			handlers = append(handlers, sub.handler)
		}
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		c.invoke(h, &msg)
	}
}

func (c *CLOBClient) invoke(h CLOBHandler, msg *types.CLOBMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscription handler panicked", "panic", r, "event_type", msg.EventType)
		}
	}()
	h(msg)
}

func (c *CLOBClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return clierr.New(clierr.KindStream, "clob_write", "not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close stops the loop and closes the socket. Subscriptions do not
// survive Close.
func (c *CLOBClient) Close() error {
	c.runMu.Lock()
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	if done != nil {
		<-done
	}

	c.subMu.Lock()
	c.subs = make(map[string]clobSub)
	c.subMu.Unlock()
	return nil
}
