package realtime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(ctx, w, r, r.URL.Query().Get("session"))
	}))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return hub, "ws" + srv.URL[len("http"):]
}

func dial(t *testing.T, url, session string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"/?session="+session, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, session string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(session) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers on %s, got %d", n, session, hub.Subscribers(session))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastsToSessionOnly(t *testing.T) {
	hub, url := startHub(t)
	mine := dial(t, url, "s-1")
	other := dial(t, url, "s-2")
	waitForSubscribers(t, hub, "s-1", 1)
	waitForSubscribers(t, hub, "s-2", 1)

	hub.Broadcast("s-1", []byte(`{"type":"transaction_state"}`))

	_ = mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := mine.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(data) != `{"type":"transaction_state"}` {
		t.Fatalf("unexpected message %q", data)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("other session must not receive the update")
	}
}

func TestHub_UnsubscribesOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, "s-1")
	waitForSubscribers(t, hub, "s-1", 1)

	conn.Close()
	waitForSubscribers(t, hub, "s-1", 0)
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*2; i++ {
			hub.Broadcast("s-1", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked without a running hub")
	}
}
