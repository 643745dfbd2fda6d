package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair dials the test server and returns both halves of a live
// websocket connection.
func wsPair(t *testing.T, url string, conns chan *websocket.Conn) (client, server *websocket.Conn) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c, <-conns
}

func TestBroadcastPrunesDeadClients(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(log)
	go h.Run()

	conns := make(chan *websocket.Conn, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- c
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	healthyClient, healthy := wsPair(t, url, conns)
	defer healthyClient.Close()
	deadClient, dead := wsPair(t, url, conns)
	defer deadClient.Close()

	h.register <- healthy
	h.register <- dead

	// Kill the second connection server-side so broadcast writes to it
	// fail while it is still registered.
	dead.Close()

	h.Broadcast(Event{Type: "deposit", Message: "first"})

	healthyClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := healthyClient.ReadMessage(); err != nil || !strings.Contains(string(msg), "first") {
		t.Fatalf("healthy client read = %q, %v", msg, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead client never pruned, clients = %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The surviving client keeps receiving after the prune.
	h.Broadcast(Event{Type: "deposit", Message: "second"})
	healthyClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := healthyClient.ReadMessage(); err != nil || !strings.Contains(string(msg), "second") {
		t.Fatalf("post-prune read = %q, %v", msg, err)
	}
}
