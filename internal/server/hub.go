// Package server coordinates connection registration, notification fan-out and
// connection cleanup for the bulletin board via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/bboard/internal/board"
	"github.com/Tyrowin/bboard/internal/protocol"
)

// ErrHubClosed is returned when a client is registered after shutdown began.
var ErrHubClosed = errors.New("hub is shut down")

// Hub tracks every accepted connection and fans notifications out to them.
// Each client has a bounded send queue; a send never blocks, and a client
// whose queue is full is dropped so it cannot stall anyone else.
type Hub struct {
	clients    map[board.ConnID]*Client
	names      map[string]int
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	lastID     atomic.Uint64
	logger     *slog.Logger
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[board.ConnID]*Client),
		names:      make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) nextID() board.ConnID {
	return board.ConnID(h.lastID.Add(1))
}

// Register hands a new client to the hub, which starts its pumps.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes a client and closes its send queue. It is safe to call
// more than once and after shutdown.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.remove(c, "client unregistered")
	}
}

// Run processes registrations until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client registered", "conn", client.id, "addr", client.addr, "clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client, "client unregistered")
		}
	}
}

// remove deletes the client and closes its send channel once.
func (h *Hub) remove(c *Client, reason string) {
	h.mutex.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.id)
	c.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(c.send)
	h.logger.Info(reason, "conn", c.id, "addr", c.addr, "clients", clientCount)
}

func (h *Hub) safeSend(id board.ConnID, payload []byte) (delivered, known bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, exists := h.clients[id]
	if !exists || client.closed {
		return false, false
	}

	select {
	case client.send <- payload:
		return true, true
	default:
		return false, true
	}
}

// Send queues payload for one connection. It reports false if the
// connection is gone or was dropped for a full queue.
func (h *Hub) Send(id board.ConnID, payload []byte) bool {
	delivered, known := h.safeSend(id, payload)
	if !delivered && known {
		h.evict([]board.ConnID{id})
	}
	return delivered
}

// Notify implements board.Broadcaster. Failures are logged per recipient and
// never reported to the caller.
func (h *Hub) Notify(text string, recipients []board.ConnID, exclude board.ConnID) {
	payload, err := protocol.Encode(protocol.NewNotification(text))
	if err != nil {
		h.logger.Error("encoding notification", "error", err)
		return
	}

	var failed []board.ConnID
	for _, id := range recipients {
		if id == exclude {
			continue
		}
		delivered, known := h.safeSend(id, payload)
		if !delivered {
			h.logger.Warn("notification not delivered", "conn", id, "registered", known)
			if known {
				failed = append(failed, id)
			}
		}
	}
	h.evict(failed)
}

// NotifyAll sends a notice to every registered connection except exclude.
func (h *Hub) NotifyAll(text string, exclude board.ConnID) {
	h.Notify(text, h.connections(), exclude)
}

func (h *Hub) connections() []board.ConnID {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	ids := make([]board.ConnID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of registered connections.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// evict drops clients whose send queue overflowed.
func (h *Hub) evict(ids []board.ConnID) {
	for _, id := range ids {
		h.mutex.RLock()
		client, ok := h.clients[id]
		h.mutex.RUnlock()
		if ok {
			h.remove(client, "client removed due to full send buffer")
		}
	}
}

// ClaimName records a display name. With unique set, a name already held by
// another connection (compared case-insensitively) is refused.
func (h *Hub) ClaimName(name string, unique bool) error {
	key := strings.ToLower(name)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if unique && h.names[key] > 0 {
		return ErrUsernameTaken
	}
	h.names[key]++
	return nil
}

// ReleaseName drops one hold on a display name.
func (h *Hub) ReleaseName(name string) {
	key := strings.ToLower(name)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.names[key] <= 1 {
		delete(h.names, key)
		return
	}
	h.names[key]--
}

// shutdownClients closes every transport; each read pump then runs its
// session's cleanup and unregisters.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.closeTransport()
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub, closes every connection and waits for the client
// goroutines to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
