package events

import (
	"context"
	"sync"
)

// Hub fans published registry events out to all connected clients. All
// mutations to the client set (register, unregister) are serialised through
// the Run goroutine via channels; Publish holds a read-lock only long enough
// to copy the recipient set, then sends outside the lock so a slow client
// cannot stall the event loop.
type Hub struct {
	// clients is the set of connected peers. Keyed by pointer for O(1)
	// register/unregister.
	clients map[*Client]struct{}

	// mu protects clients during Publish, which reads the set from outside
	// the Run goroutine. Register and unregister writes happen exclusively
	// inside Run, so no lock is needed there beyond this one.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits, signalling that no further
	// messages will be delivered.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Publish delivers msg to every connected client. A client whose send
// buffer is full is disconnected rather than allowed to apply backpressure
// to the publisher.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- msg:
		default:
			// Slow consumer: drop the connection, not the event stream.
			select {
			case h.unregister <- client:
			case <-h.stopped:
			}
		}
	}
}
