package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newClientPair returns a server-side WebSocketClient and the browser-side
// connection talking to it.
func newClientPair(t *testing.T) (*WebSocketClient, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	clients := make(chan *WebSocketClient, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		clients <- NewWebSocketClient(conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case client := <-clients:
		t.Cleanup(func() { client.Close() })
		return client, conn
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestWebSocketClient_WritePumpDeliversInOrder(t *testing.T) {
	client, conn := newClientPair(t)
	go client.writePump(time.Minute)

	for _, msg := range []string{"first", "second", "third"} {
		if !client.Enqueue([]byte(msg)) {
			t.Fatalf("Enqueue(%q) rejected", msg)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"first", "second", "third"} {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if msgType != websocket.TextMessage {
			t.Errorf("Expected text message, got type %d", msgType)
		}
		if string(data) != want {
			t.Errorf("Expected %q, got %q", want, string(data))
		}
	}
}

func TestWebSocketClient_EnqueueAfterClose(t *testing.T) {
	client, _ := newClientPair(t)

	client.Close()
	if client.Enqueue([]byte("late")) {
		t.Error("Enqueue should fail on a closed client")
	}

	select {
	case <-client.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	// A second Close must not panic.
	client.Close()
}

func TestWebSocketClient_EnqueueFullBuffer(t *testing.T) {
	client, _ := newClientPair(t)

	// No writePump is running, so the buffer fills up.
	for i := 0; i < sendBuffer; i++ {
		if !client.Enqueue([]byte("x")) {
			t.Fatalf("Enqueue %d rejected before the buffer was full", i)
		}
	}
	if client.Enqueue([]byte("overflow")) {
		t.Error("Enqueue should fail when the buffer is full")
	}
}

func TestWebSocketClient_ReadPumpNoticesDisconnect(t *testing.T) {
	client, conn := newClientPair(t)

	done := make(chan struct{})
	go func() {
		client.readPump(4096, time.Minute)
		close(done)
	}()

	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not return after the peer disconnected")
	}
	select {
	case <-client.Done():
	default:
		t.Error("client should be closed once readPump returns")
	}
}

func TestWebSocketClient_RemoteAddr(t *testing.T) {
	client, _ := newClientPair(t)

	addr := client.RemoteAddr()
	if !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Errorf("Expected loopback remote address, got %q", addr)
	}
}
