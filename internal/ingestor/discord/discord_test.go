package discord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is a scripted wsConn: ReadMessage replays frames from in order,
// blocking on the last one (closeCh) to hold the connection open until the
// test tears it down. WriteJSON records what was sent for assertions.
type fakeConn struct {
	frames  chan []byte
	writes  chan payload
	closed  chan struct{}
	closeCh chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		writes:  make(chan payload, 16),
		closed:  make(chan struct{}),
		closeCh: make(chan error, 1),
	}
}

func (c *fakeConn) pushHello(intervalMS int64) {
	d, _ := json.Marshal(helloData{HeartbeatIntervalMS: intervalMS})
	p, _ := json.Marshal(payload{Op: opHello, D: d})
	c.frames <- p
}

func (c *fakeConn) pushDispatch(seq int64, eventType string, data any) {
	d, _ := json.Marshal(data)
	p, _ := json.Marshal(payload{Op: opDispatch, S: &seq, T: eventType, D: d})
	c.frames <- p
}

func (c *fakeConn) pushAck() {
	p, _ := json.Marshal(payload{Op: opHeartbeatAck})
	c.frames <- p
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case err := <-c.closeCh:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: 4000}
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, _ := json.Marshal(v)
	var p payload
	_ = json.Unmarshal(raw, &p)
	select {
	case c.writes <- p:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestDiscordIngestorIdentifiesAndStreamsDispatchEvents(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	ing := newWithDial("acme", "discord", Config{BotToken: "tok", Intents: 33280}, 50, dial)
	conn.pushHello(60_000)
	conn.pushDispatch(1, "READY", readyData{SessionID: "sess-1", ResumeGatewayURL: "wss://resume.example"})
	conn.pushDispatch(2, "MESSAGE_CREATE", map[string]any{"content": "hi"})

	if err := ing.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitForIdentify(t, conn)
	waitForEvents(t, ing, 1)

	events := ing.GetEvents(-1)
	if len(events) != 1 {
		t.Fatalf("expected 1 event (READY is not buffered), got %d", len(events))
	}
	if events[0].EventType != "MESSAGE_CREATE" {
		t.Fatalf("expected MESSAGE_CREATE, got %s", events[0].EventType)
	}

	status := ing.GetStatus()
	if status.State != "connected" {
		t.Fatalf("expected connected state, got %s", status.State)
	}
}

func TestDiscordIngestorEventFilter(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	ing := newWithDial("acme", "discord", Config{
		BotToken:    "tok",
		EventFilter: map[string]bool{"MESSAGE_CREATE": true},
	}, 50, dial)
	conn.pushHello(60_000)
	conn.pushDispatch(1, "READY", readyData{SessionID: "sess-1"})
	conn.pushDispatch(2, "TYPING_START", map[string]any{})
	conn.pushDispatch(3, "MESSAGE_CREATE", map[string]any{"content": "hi"})

	if err := ing.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ing.Stop()

	waitForEvents(t, ing, 1)
	events := ing.GetEvents(-1)
	if len(events) != 1 || events[0].EventType != "MESSAGE_CREATE" {
		t.Fatalf("expected TYPING_START to be filtered out, got %+v", events)
	}
}

func TestDiscordIngestorStartFailsWithoutToken(t *testing.T) {
	ing := New("acme", "discord", Config{}, 50)
	if err := ing.Start(); err == nil {
		t.Fatal("expected Start to fail without a bot token")
	}
}

func waitForIdentify(t *testing.T, conn *fakeConn) payload {
	t.Helper()
	select {
	case p := <-conn.writes:
		if p.Op != opIdentify {
			t.Fatalf("expected IDENTIFY (op %d), got op %d", opIdentify, p.Op)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IDENTIFY")
		return payload{}
	}
}

func waitForEvents(t *testing.T, ing *Ingestor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ing.GetEvents(-1)) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", want, len(ing.GetEvents(-1)))
}
