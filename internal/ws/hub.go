// Package ws fans live changes out to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
	"github.com/couchtail/couchtail/internal/sink"
)

// Hub manages websocket subscribers. Each subscriber watches one database
// or, with no filter, every database the daemon follows.
//
// The hub is a live tap, not a durable queue: a subscriber that cannot
// keep up is disconnected so the feed is never backpressured by a slow
// websocket peer.
type Hub struct {
	clients    map[*Client]bool
	databases  map[string]map[*Client]bool // database -> subscribed clients
	register   chan *Client
	unregister chan *Client
	broadcast  chan *feed.Change
	mu         sync.RWMutex
	logger     *zap.Logger
}

var _ sink.Sink = (*Hub)(nil)

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		databases:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *feed.Change, 256),
		logger:     logger,
	}
}

// Apply enqueues one change for fan-out. It never blocks the caller: when
// the broadcast buffer is full the change is dropped for subscribers (the
// durable path through the other sinks is unaffected).
func (h *Hub) Apply(_ context.Context, change *feed.Change) error {
	select {
	case h.broadcast <- change:
	default:
		h.logger.Warn("broadcast buffer full, dropping change for subscribers",
			zap.String("database", change.Database),
			zap.String("seq", change.Seq),
		)
	}
	return nil
}

func (h *Hub) Close() error { return nil }

// Run processes hub events. Call this in a goroutine; it returns when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.database != "" {
				if h.databases[client.database] == nil {
					h.databases[client.database] = make(map[*Client]bool)
				}
				h.databases[client.database][client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber registered",
				zap.String("connID", client.connID),
				zap.String("database", client.database),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if clients, ok := h.databases[client.database]; ok {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.databases, client.database)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber unregistered", zap.String("connID", client.connID))

		case change := <-h.broadcast:
			payload, err := json.Marshal(change)
			if err != nil {
				h.logger.Error("encoding change for broadcast", zap.Error(err))
				continue
			}
			h.deliver(change.Database, payload)
		}
	}
}

func (h *Hub) deliver(database string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.database != "" && client.database != database {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Buffer full, schedule disconnect off the hub goroutine.
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.databases = make(map[string]map[*Client]bool)
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
