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

const maxRTDSBackoff = 300 * time.Second

// RTDSHandler receives one event-bus message. Panics are recovered.
type RTDSHandler func(msg *types.RTDSMessage)

// StatusHandler is notified on every connection state transition.
type StatusHandler func(status types.StreamStatus)

type rtdsSub struct {
	sub     types.RTDSSubscription
	handler RTDSHandler
}

// RTDSClient connects to the real-time data service. Subscriptions are
// tracked and replayed on every reconnect before any message is
// dispatched; reconnect backoff doubles per attempt up to 300s and
// resets on a successful open.
type RTDSClient struct {
	url           string
	pingInterval  time.Duration
	autoReconnect bool
	logger        *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu    sync.Mutex
	subs     []rtdsSub
	onStatus StatusHandler

	statsMu     sync.Mutex
	connectedAt time.Time
	messages    uint64
	reconnects  int
	attempts    int
	lastPong    time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewRTDSClient(url string, pingInterval time.Duration, autoReconnect bool, logger *slog.Logger) *RTDSClient {
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}
	return &RTDSClient{
		url:           url,
		pingInterval:  pingInterval,
		autoReconnect: autoReconnect,
		logger:        logger.With("component", "rtds_stream"),
	}
}

// OnStatus registers the connection state callback.
func (c *RTDSClient) OnStatus(h StatusHandler) {
	c.subMu.Lock()
	c.onStatus = h
	c.subMu.Unlock()
}

// Subscribe tracks a topic/type subscription and sends the frame when
// connected. Duplicate topic/type pairs replace the previous handler.
func (c *RTDSClient) Subscribe(sub types.RTDSSubscription, handler RTDSHandler) error {
	if sub.Topic == "" || sub.Type == "" {
		return clierr.New(clierr.KindValidation, "rtds_subscribe", "topic and type are required")
	}
	if handler == nil {
		return clierr.New(clierr.KindValidation, "rtds_subscribe", "handler is required")
	}

	c.subMu.Lock()
	replaced := false
	for i, existing := range c.subs {
		if existing.sub.Topic == sub.Topic && existing.sub.Type == sub.Type {
			c.subs[i] = rtdsSub{sub: sub, handler: handler}
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, rtdsSub{sub: sub, handler: handler})
	}
	c.subMu.Unlock()

	frame := types.RTDSFrame{Action: "subscribe", Subscriptions: []types.RTDSSubscription{sub}}
	if err := c.writeJSON(frame); err != nil {
		c.logger.Debug("subscription deferred until connect", "topic", sub.Topic, "type", sub.Type)
	}
	return nil
}

// Unsubscribe drops a tracked topic/type pair.
func (c *RTDSClient) Unsubscribe(topic, msgType string) {
	c.subMu.Lock()
	var removed *types.RTDSSubscription
	for i, existing := range c.subs {
		if existing.sub.Topic == topic && existing.sub.Type == msgType {
			sub := existing.sub
			removed = &sub
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.subMu.Unlock()

	if removed != nil {
		frame := types.RTDSFrame{Action: "unsubscribe", Subscriptions: []types.RTDSSubscription{*removed}}
		if err := c.writeJSON(frame); err != nil {
			c.logger.Debug("unsubscribe frame not sent", "topic", topic)
		}
	}
}

// Start launches the connection loop.
func (c *RTDSClient) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return clierr.New(clierr.KindStream, "rtds_start", "client is closed")
	}
	if c.cancel != nil {
		return clierr.New(clierr.KindStream, "rtds_start", "already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

func (c *RTDSClient) run(ctx context.Context) {
	defer close(c.done)
	defer c.setStatus(types.StreamDisconnected)

	for {
		c.setStatus(types.StreamConnecting)
		err := c.connectAndRead(ctx)
		c.setStatus(types.StreamDisconnected)
		if ctx.Err() != nil {
			return
		}
		if !c.autoReconnect {
			c.logger.Warn("rtds stream closed, auto-reconnect disabled", "error", err)
			return
		}

		delay := c.nextBackoff()
		c.logger.Warn("rtds stream disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextBackoff bumps the attempt counter and returns min(2^attempts, 300s).
func (c *RTDSClient) nextBackoff() time.Duration {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	delay := time.Second << uint(c.attempts)
	if delay > maxRTDSBackoff || delay <= 0 {
		delay = maxRTDSBackoff
	}
	c.attempts++
	c.reconnects++
	return delay
}

func (c *RTDSClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	// Some deployments answer the app-level ping with a control pong
	// instead of a "pong" text frame; both feed liveness.
	conn.SetPongHandler(func(string) error {
		c.statsMu.Lock()
		c.lastPong = time.Now()
		c.statsMu.Unlock()
		return nil
	})

	// Tracked subscriptions go out before any callback can fire.
	if err := c.replaySubscriptions(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	c.statsMu.Lock()
	c.attempts = 0
	c.connectedAt = time.Now()
	c.lastPong = time.Now()
	c.statsMu.Unlock()
	c.setStatus(types.StreamConnected)
	c.logger.Info("rtds stream connected", "url", c.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *RTDSClient) replaySubscriptions() error {
	c.subMu.Lock()
	subs := make([]types.RTDSSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s.sub)
	}
	c.subMu.Unlock()

	if len(subs) == 0 {
		return nil
	}
	return c.writeJSON(types.RTDSFrame{Action: "subscribe", Subscriptions: subs})
}

func (c *RTDSClient) handleFrame(data []byte) {
	c.statsMu.Lock()
	c.messages++
	c.statsMu.Unlock()

	var msg types.RTDSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Plain-text frames: "pong" feeds liveness, anything else is noise.
		if string(data) == "pong" {
			c.statsMu.Lock()
			c.lastPong = time.Now()
			c.statsMu.Unlock()
			return
		}
		c.logger.Debug("ignoring non-json frame", "size", len(data))
		return
	}

	// Payload-less frames are system acks.
	if len(msg.Payload) == 0 {
		c.logger.Debug("system message", "topic", msg.Topic, "type", msg.Type)
		return
	}

	c.subMu.Lock()
	var handler RTDSHandler
	for _, s := range c.subs {
		if s.sub.Topic == msg.Topic && (s.sub.Type == msg.Type || s.sub.Type == "*") {
			handler = s.handler
			break
		}
	}
	c.subMu.Unlock()

	if handler == nil {
		c.logger.Debug("no handler for message", "topic", msg.Topic, "type", msg.Type)
		return
	}
	c.invoke(handler, &msg)
}

func (c *RTDSClient) invoke(h RTDSHandler, msg *types.RTDSMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscription handler panicked", "panic", r, "topic", msg.Topic)
		}
	}()
	h(msg)
}

func (c *RTDSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeText("ping"); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *RTDSClient) setStatus(status types.StreamStatus) {
	c.subMu.Lock()
	h := c.onStatus
	c.subMu.Unlock()
	if h != nil {
		h(status)
	}
}

func (c *RTDSClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return clierr.New(clierr.KindStream, "rtds_write", "not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *RTDSClient) writeText(s string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return clierr.New(clierr.KindStream, "rtds_write", "not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// Stats reports a point-in-time health view.
func (c *RTDSClient) Stats() types.StreamStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats := types.StreamStats{
		Messages:    c.messages,
		Reconnects:  c.reconnects,
		BackoffStep: c.attempts,
	}
	if !c.connectedAt.IsZero() {
		stats.Uptime = time.Since(c.connectedAt)
	}
	if !c.lastPong.IsZero() {
		stats.LastPongAge = time.Since(c.lastPong)
	}
	return stats
}

// Close stops the loop and closes the socket.
func (c *RTDSClient) Close() error {
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
	c.subs = nil
	c.subMu.Unlock()
	return nil
}
