package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polyclob/pkg/types"
)

var upgrader = websocket.Upgrader{}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer runs handler once per incoming connection.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCLOBResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	var resubscribed atomic.Bool
	url := wsServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)

		var frame types.CLOBSubscribeMsg
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Channel != "market" || frame.Market != "tok1" {
			t.Errorf("unexpected frame: %+v", frame)
		}

		if n == 1 {
			return // drop the first connection to force a reconnect
		}
		resubscribed.Store(true)
		conn.WriteJSON(map[string]any{
			"channel":    "market",
			"market":     map[string]string{"token_id": "tok1"},
			"event_type": "book",
		})
		time.Sleep(200 * time.Millisecond)
	})

	var received atomic.Int32
	c := NewCLOBClient(url, 20*time.Millisecond, 10, discard())
	defer c.Close()

	c.SubscribeMarket("tok1", func(msg *types.CLOBMessage) {
		if msg.EventType == "book" {
			received.Add(1)
		}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return received.Load() >= 1 },
		"message after reconnect never delivered")
	if !resubscribed.Load() || conns.Load() < 2 {
		t.Errorf("conns = %d, resubscribed = %v", conns.Load(), resubscribed.Load())
	}
}

func TestCLOBHandlerPanicDoesNotKillReader(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(conn *websocket.Conn) {
		var frame types.CLOBSubscribeMsg
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			conn.WriteJSON(map[string]any{
				"channel":    "market",
				"market":     map[string]string{"token_id": "tok1"},
				"event_type": "price_change",
			})
		}
		time.Sleep(200 * time.Millisecond)
	})

	var calls atomic.Int32
	c := NewCLOBClient(url, time.Second, 3, discard())
	defer c.Close()

	c.SubscribeMarket("tok1", func(msg *types.CLOBMessage) {
		calls.Add(1)
		panic("handler bug")
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 2 },
		"second message not delivered after handler panic")
}

func TestCLOBSilentPeerHitsReadDeadline(t *testing.T) {
	t.Parallel()

	// The server upgrades and then goes silent: it never reads, so the
	// client's pings are never answered.
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		time.Sleep(2 * time.Second)
	})

	c := NewCLOBClient(url, 10*time.Millisecond, 10, discard())
	c.pingInterval = 20 * time.Millisecond
	c.pongWait = 80 * time.Millisecond
	defer c.Close()

	c.SubscribeMarket("tok", func(*types.CLOBMessage) {})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return conns.Load() >= 2 },
		"read deadline never fired against a silent peer")
}

func TestCLOBLivePeerSurvivesPongWait(t *testing.T) {
	t.Parallel()

	// A reading server answers pings via gorilla's default ping handler,
	// so the connection must outlive several pongWait windows.
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewCLOBClient(url, 10*time.Millisecond, 10, discard())
	c.pingInterval = 20 * time.Millisecond
	c.pongWait = 80 * time.Millisecond
	defer c.Close()

	c.SubscribeMarket("tok", func(*types.CLOBMessage) {})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(400 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1 (healthy peer must not be dropped)", got)
	}
}

func TestCLOBReconnectBudgetStops(t *testing.T) {
	t.Parallel()

	// A plain HTTP server: every dial fails the upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewCLOBClient(url, 5*time.Millisecond, 3, discard())
	c.SubscribeMarket("tok", func(*types.CLOBMessage) {})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop after exhausting reconnects")
	}
	c.Close()
}

func TestCLOBStartAfterCloseFails(t *testing.T) {
	t.Parallel()

	c := NewCLOBClient("ws://127.0.0.1:1", time.Second, 1, discard())
	c.Close()
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestRTDSReplaysSubscriptionsBeforeDispatch(t *testing.T) {
	t.Parallel()

	var gotReplay atomic.Bool
	url := wsServer(t, func(conn *websocket.Conn) {
		var frame types.RTDSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Action == "subscribe" && len(frame.Subscriptions) == 2 {
			gotReplay.Store(true)
		}
		payload, _ := json.Marshal(map[string]string{"price": "0.55"})
		conn.WriteJSON(types.RTDSMessage{Topic: "prices", Type: "update", Payload: payload})
		time.Sleep(200 * time.Millisecond)
	})

	c := NewRTDSClient(url, time.Second, true, discard())
	defer c.Close()

	var received atomic.Int32
	c.Subscribe(types.RTDSSubscription{Topic: "prices", Type: "update"}, func(msg *types.RTDSMessage) {
		received.Add(1)
	})
	c.Subscribe(types.RTDSSubscription{Topic: "activity", Type: "*"}, func(*types.RTDSMessage) {})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return received.Load() >= 1 }, "message never dispatched")
	if !gotReplay.Load() {
		t.Error("tracked subscriptions were not replayed in one frame on connect")
	}
}

func TestRTDSIgnoresSystemAndNonJSONFrames(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(conn *websocket.Conn) {
		var frame types.RTDSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(types.RTDSMessage{Topic: "prices", Type: "update"}) // no payload: ack
		payload, _ := json.Marshal(map[string]string{"v": "1"})
		conn.WriteJSON(types.RTDSMessage{Topic: "prices", Type: "update", Payload: payload})
		time.Sleep(200 * time.Millisecond)
	})

	c := NewRTDSClient(url, time.Second, false, discard())
	defer c.Close()

	var dispatched atomic.Int32
	c.Subscribe(types.RTDSSubscription{Topic: "prices", Type: "update"}, func(*types.RTDSMessage) {
		dispatched.Add(1)
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return dispatched.Load() >= 1 }, "payload frame not dispatched")
	time.Sleep(50 * time.Millisecond)
	if got := dispatched.Load(); got != 1 {
		t.Errorf("dispatched = %d, want 1 (system/non-json frames must not reach handlers)", got)
	}
}

func TestRTDSStatusTransitions(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	c := NewRTDSClient(url, time.Second, false, discard())
	defer c.Close()

	var mu sync.Mutex
	var seen []types.StreamStatus
	c.OnStatus(func(s types.StreamStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, "status transitions incomplete")

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != types.StreamConnecting || seen[1] != types.StreamConnected {
		t.Errorf("transitions = %v", seen)
	}
	if seen[len(seen)-1] != types.StreamDisconnected {
		t.Errorf("final status = %v", seen[len(seen)-1])
	}
}

func TestRTDSPingPongLiveness(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "ping" {
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	})

	c := NewRTDSClient(url, 20*time.Millisecond, false, discard())
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s := c.Stats()
		return s.Messages >= 1 && s.LastPongAge < 500*time.Millisecond && s.LastPongAge > 0
	}, "pong never refreshed liveness")
}

func TestRTDSControlPongRefreshesLiveness(t *testing.T) {
	t.Parallel()

	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "ping" {
				conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
			}
		}
	})

	c := NewRTDSClient(url, 20*time.Millisecond, false, discard())
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Let several pings go out, then check the pong kept liveness fresh.
	time.Sleep(300 * time.Millisecond)
	waitFor(t, 2*time.Second, func() bool {
		age := c.Stats().LastPongAge
		return age > 0 && age < 100*time.Millisecond
	}, "control pong never refreshed liveness")
}

func TestRTDSBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	c := NewRTDSClient("ws://unused", time.Second, true, discard())

	if d := c.nextBackoff(); d != time.Second {
		t.Errorf("first backoff = %v", d)
	}
	if d := c.nextBackoff(); d != 2*time.Second {
		t.Errorf("second backoff = %v", d)
	}
	for i := 0; i < 20; i++ {
		c.nextBackoff()
	}
	if d := c.nextBackoff(); d != maxRTDSBackoff {
		t.Errorf("capped backoff = %v, want %v", d, maxRTDSBackoff)
	}

	stats := c.Stats()
	if stats.Reconnects != 23 || stats.BackoffStep != 23 {
		t.Errorf("stats = %+v", stats)
	}
}
