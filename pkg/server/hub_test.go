package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Closing more clients than the unregister channel buffer holds must not
// stall the hub loop; a single broadcast pass has to shed all of them.
func TestHub_DropsManyFailedClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// Bare upgrade handler: no read loop on the server side, so closed
	// clients are only discovered when a broadcast write fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.register <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	const clients = 15 // more than the unregister channel buffer
	conns := make([]*websocket.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for hub.clientCount() < clients {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d clients registered", hub.clientCount(), clients)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, conn := range conns {
		conn.Close()
	}

	// Keep broadcasting until every dead client has been dropped. The
	// first write after a close can still land in the kernel buffer, so
	// one event is not always enough.
	for hub.HasClients() {
		if time.Now().After(deadline) {
			t.Fatalf("%d clients still registered after close", hub.clientCount())
		}
		hub.Broadcast(Event{Op: "track", Key: "hub::test", At: time.Now()})
		time.Sleep(20 * time.Millisecond)
	}
}
