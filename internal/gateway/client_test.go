package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// wsServer starts a test gateway that runs handler for each
// connection and returns the ws:// URL to dial.
func wsServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client Run did not stop")
		}
	})
	return cancel
}

func recvEnvelope(t *testing.T, c *Client) *Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		if !ok {
			t.Fatal("messages channel closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestClientReceivesEnvelopes(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteJSON(Envelope{ChatID: "room-1", Sender: "alice", Text: "hello"})
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	c := NewClient(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	startClient(t, c)

	env := recvEnvelope(t, c)
	if env.ChatID != "room-1" || env.Sender != "alice" || env.Text != "hello" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestClientSendsAuthorizationHeader(t *testing.T) {
	headers := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Get("Authorization")
		conn.ReadMessage()
	})

	c := NewClient(url, "sekrit", slog.New(slog.NewTextHandler(io.Discard, nil)))
	startClient(t, c)

	select {
	case got := <-headers:
		if got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func TestClientSendText(t *testing.T) {
	received := make(chan outbound, 1)
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteJSON(Envelope{ChatID: "room-1", Sender: "alice", Text: "ready"})
		var out outbound
		if err := conn.ReadJSON(&out); err == nil {
			received <- out
		}
	})

	c := NewClient(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	startClient(t, c)

	// Wait for the handshake envelope so we know the connection is up.
	recvEnvelope(t, c)

	if err := c.SendText(context.Background(), "room-1", "Paris."); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case out := <-received:
		if out.Type != "text" || out.ChatID != "room-1" || out.Text != "Paris." {
			t.Errorf("outbound = %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		n := conns.Add(1)
		conn.WriteJSON(Envelope{ChatID: "room-1", Sender: "alice", Text: "hello"})
		if n == 1 {
			// Drop the first connection immediately after the message.
			return
		}
		conn.ReadMessage()
	})

	c := NewClient(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	startClient(t, c)

	first := recvEnvelope(t, c)
	second := recvEnvelope(t, c)
	if first.Text != "hello" || second.Text != "hello" {
		t.Errorf("envelopes = %+v, %+v", first, second)
	}
	if got := conns.Load(); got < 2 {
		t.Errorf("connection count = %d, want reconnect", got)
	}
}

func TestClientSendWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := c.SendText(context.Background(), "room-1", "hi"); err == nil {
		t.Error("SendText succeeded without a connection")
	}
}

func TestClientStopsOnCancel(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.ReadMessage()
	})

	c := NewClient(url, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	cancel := startClient(t, c)

	// Give the client a moment to connect, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Error("expected closed messages channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel not closed after cancel")
	}
}
