package daemon

import (
	"sync"

	"go.uber.org/zap"

	"taskbridge/internal/protocol"
)

// Sender delivers envelopes to one downstream connection. Implementations
// must be safe for concurrent use; a failed Send means the connection is dead.
type Sender interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Registry tracks identified downstream connections by client ID.
// At most one live connection per client ID; the first registration wins.
type Registry struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		log:   logger.With(zap.String("component", "registry")),
		conns: make(map[string]Sender),
	}
}

// Register binds clientID to s. Returns false when the ID is already bound
// to a live connection; the existing binding is kept.
func (r *Registry) Register(clientID string, s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.conns[clientID]; bound {
		r.log.Debug("Duplicate registration ignored", zap.String("clientId", clientID))
		return false
	}
	r.conns[clientID] = s
	r.log.Info("Registered new client", zap.String("clientId", clientID), zap.Int("count", len(r.conns)))
	return true
}

// Unregister removes any entry bound to s. Idempotent if s is not registered.
func (r *Registry) Unregister(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		if conn == s {
			delete(r.conns, id)
			r.log.Info("Unregistered client", zap.String("clientId", id), zap.Int("count", len(r.conns)))
			return
		}
	}
}

// Lookup returns the connection bound to clientID, if any.
func (r *Registry) Lookup(clientID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[clientID]
	return s, ok
}

// Broadcast delivers env to every registered connection. A connection whose
// send fails is removed and closed, treated the same as a disconnect; other
// deliveries continue. Delivery happens under the registry lock so a removed
// connection can never receive a late duplicate from the same broadcast.
func (r *Registry) Broadcast(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		if err := conn.Send(env); err != nil {
			r.log.Warn("Broadcast send failed, dropping client",
				zap.String("clientId", id), zap.Error(err))
			delete(r.conns, id)
			_ = conn.Close()
		}
	}
}

// Size returns the number of registered connections. Diagnostics only.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
