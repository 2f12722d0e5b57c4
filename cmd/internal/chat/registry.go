package chat

import (
	"log/slog"
	"sync"

	v1 "pulse/shared/contracts/chat/v1"
)

// Registry maps a user identity to its single live connection handle.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Send.
// - Send never blocks (drops under backpressure or when the user is offline).
// - A user has at most one live handle: a reconnect supersedes the old one.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs a Registry instance.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register records client as the live handle for its user.
// A prior handle for the same user is superseded and closed: its goroutines
// stop and its connection tears down, so stale sessions cannot receive events
// meant for the fresh one.
func (r *Registry) Register(client *Client) {
	if r == nil || client == nil || client.UserID == "" {
		return
	}

	var old *Client

	r.mu.Lock()
	old = r.clients[client.UserID]
	r.clients[client.UserID] = client
	r.mu.Unlock()

	if old != nil && old != client {
		old.Close()
		r.log.Info("registry.supersede", "user_id", client.UserID, "old_session", old.SessionID, "new_session", client.SessionID)
	}

	r.log.Info("registry.register", "user_id", client.UserID, "session_id", client.SessionID)
}

// Unregister removes the handle if it is still the current one for its user
// and reports whether it was. A superseded handle unregistering late must not
// evict its replacement, and its focus entry must not be dropped either.
func (r *Registry) Unregister(client *Client) bool {
	if r == nil || client == nil || client.UserID == "" {
		return false
	}

	r.mu.Lock()
	cur, ok := r.clients[client.UserID]
	current := ok && cur == client
	if current {
		delete(r.clients, client.UserID)
	}
	r.mu.Unlock()

	client.Close()

	if current {
		r.log.Info("registry.unregister", "user_id", client.UserID, "session_id", client.SessionID)
	}
	return current
}

// IsActive reports whether userID has a live handle.
func (r *Registry) IsActive(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	r.mu.RLock()
	_, ok := r.clients[userID]
	r.mu.RUnlock()
	return ok
}

// Lookup returns the live handle for userID, or nil.
// Callers must not hold the returned pointer beyond handling one event.
func (r *Registry) Lookup(userID string) *Client {
	if r == nil || userID == "" {
		return nil
	}
	r.mu.RLock()
	c := r.clients[userID]
	r.mu.RUnlock()
	return c
}

// Send fans out an envelope to userID's connection.
// Fire-and-forget: it is a no-op when the user has no live handle, and it
// drops rather than block when the send queue is full. Presence is
// approximate, not strongly consistent; offline recipients catch up via
// history fetch.
func (r *Registry) Send(userID string, env v1.Envelope) bool {
	c := r.Lookup(userID)
	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		// Skip clients that are shutting down.
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		// Drop rather than block the event handler.
		fanoutDropped.Inc()
		r.log.Info("registry.send.drop", "user_id", userID, "type", env.Type)
		return false
	}
}
