package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
)

func dialHub(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readChange(t *testing.T, conn *websocket.Conn) *feed.Change {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var change feed.Change
	if err := json.Unmarshal(payload, &change); err != nil {
		t.Fatalf("invalid payload %q: %v", payload, err)
	}
	return &change
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", want, hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDatabaseFiltering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	defer server.Close()

	ordersOnly := dialHub(t, server, "?database=orders")
	everything := dialHub(t, server, "")
	waitForSubscribers(t, hub, 2)

	usersChange := &feed.Change{Database: "users", ID: "u1", Action: feed.ActionUpdate, Seq: "1"}
	ordersChange := &feed.Change{Database: "orders", ID: "o1", Action: feed.ActionUpdate, Seq: "2"}
	if err := hub.Apply(ctx, usersChange); err != nil {
		t.Fatal(err)
	}
	if err := hub.Apply(ctx, ordersChange); err != nil {
		t.Fatal(err)
	}

	// The unfiltered subscriber sees both, in order.
	if got := readChange(t, everything); got.Database != "users" {
		t.Errorf("expected users change first, got %s", got.Database)
	}
	if got := readChange(t, everything); got.Database != "orders" {
		t.Errorf("expected orders change second, got %s", got.Database)
	}

	// The filtered subscriber sees only its database.
	if got := readChange(t, ordersOnly); got.Database != "orders" || got.ID != "o1" {
		t.Errorf("expected only the orders change, got %+v", got)
	}
}

func TestHubSubscriberDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	defer server.Close()

	conn := dialHub(t, server, "")
	waitForSubscribers(t, hub, 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber cleanup, still have %d", hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubApplyNeverBlocks(t *testing.T) {
	hub := NewHub(zap.NewNop())
	// No Run goroutine: the broadcast buffer will fill up.

	change := &feed.Change{Database: "orders", ID: "o1", Action: feed.ActionUpdate, Seq: "1"}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Apply(context.Background(), change)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Apply blocked on a full broadcast buffer")
	}
}
