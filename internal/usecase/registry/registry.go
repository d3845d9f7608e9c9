// Package registry owns the set of live relay connections and the single
// worker slot. The slot is only changed by AssignRole and Remove, and each
// change is broadcast to clients before the registry lock is released.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"snippet-relay/internal/domain"
	"snippet-relay/internal/usecase/presence"
	"snippet-relay/pkg/protocol"
)

// Peer is the broker's handle on one connection.
type Peer interface {
	presence.Target
	// Request enqueues a request frame for the peer without blocking.
	Request(id uint64, method string, payload json.RawMessage) error
	RemoteAddr() string
}

type entry struct {
	peer        Peer
	role        domain.Role
	connectedAt time.Time
}

// Registry tracks live connections and at most one worker.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*entry
	workerID string
	presence *presence.Broadcaster
	bus      domain.EventBus
	logger   *slog.Logger
}

// New creates a Registry. bus may be nil.
func New(broadcaster *presence.Broadcaster, bus domain.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		presence: broadcaster,
		bus:      bus,
		logger:   logger,
	}
}

// Add registers a new connection with role unknown.
func (r *Registry) Add(ctx context.Context, p Peer) error {
	r.mu.Lock()
	if _, exists := r.conns[p.ID()]; exists {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Add", domain.ErrDuplicate, p.ID())
	}
	r.conns[p.ID()] = &entry{peer: p, connectedAt: time.Now()}
	r.mu.Unlock()

	r.publishEvent(ctx, domain.EventConnOpened, p.ID(), map[string]string{"remote_addr": p.RemoteAddr()})
	return nil
}

// AssignRole records a connection's answer to the role query. A role is
// assigned at most once. Claiming the worker role while another connection
// holds it fails with ErrRoleConflict and leaves the connection unknown.
func (r *Registry) AssignRole(ctx context.Context, id string, role domain.Role) error {
	if role == domain.RoleUnknown {
		return domain.NewDomainError("Registry.AssignRole", domain.ErrInvalidInput, "empty role")
	}

	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.AssignRole", domain.ErrConnectionNotFound, id)
	}
	if e.role != domain.RoleUnknown {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.AssignRole", domain.ErrRoleAssigned, id)
	}
	if role == domain.RoleWorker && r.workerID != "" {
		holder := r.workerID
		r.mu.Unlock()
		r.logger.Error("worker role rejected", "conn_id", id, "worker_id", holder)
		r.publishEvent(ctx, domain.EventRoleConflict, id, map[string]string{"worker_id": holder})
		return domain.NewDomainError("Registry.AssignRole", domain.ErrRoleConflict, id)
	}

	e.role = role
	if role == domain.RoleWorker {
		r.workerID = id
		n := r.presence.Broadcast(r.clientsLocked(), protocol.EventServerOK, nil)
		r.mu.Unlock()
		r.logger.Info("worker attached", "conn_id", id, "notified", n)
		r.publishEvent(ctx, domain.EventWorkerAttached, id, nil)
		return nil
	}
	r.mu.Unlock()

	r.logger.Info("role assigned", "conn_id", id, "role", role.String())
	r.publishEvent(ctx, domain.EventRoleAssigned, id, map[string]string{"role": role.String()})
	return nil
}

// Remove forgets a connection and returns the role it held. Removing the
// worker clears the slot and broadcasts "no server" to the remaining clients.
func (r *Registry) Remove(ctx context.Context, id string) (domain.Role, bool) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return domain.RoleUnknown, false
	}
	delete(r.conns, id)
	if e.role == domain.RoleWorker && r.workerID == id {
		r.workerID = ""
		n := r.presence.Broadcast(r.clientsLocked(), protocol.EventNoServer, nil)
		r.mu.Unlock()
		r.logger.Info("worker detached", "conn_id", id, "notified", n)
		r.publishEvent(ctx, domain.EventWorkerDetached, id, nil)
		r.publishEvent(ctx, domain.EventConnClosed, id, map[string]string{"role": e.role.String()})
		return e.role, true
	}
	r.mu.Unlock()

	r.publishEvent(ctx, domain.EventConnClosed, id, map[string]string{"role": e.role.String()})
	return e.role, true
}

// Worker returns the current worker connection, if any.
func (r *Registry) Worker() (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workerID == "" {
		return nil, false
	}
	return r.conns[r.workerID].peer, true
}

// Role returns the role of a live connection, RoleUnknown if it is not registered.
func (r *Registry) Role(id string) domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		return e.role
	}
	return domain.RoleUnknown
}

// Get returns the peer for a live connection.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// BroadcastToClients sends an event to every client connection. Used for
// worker push events, which carry no presence state.
func (r *Registry) BroadcastToClients(event string, payload json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.Broadcast(r.clientsLocked(), event, payload)
}

// WithPresence runs fn with the current worker availability while holding
// the registry lock, so no presence transition can interleave with fn.
// fn must not block or call back into the registry.
func (r *Registry) WithPresence(fn func(workerAvailable bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.workerID != "")
}

// Conns returns a snapshot of all live connections sorted by connect time.
func (r *Registry) Conns() []domain.ConnInfo {
	r.mu.Lock()
	out := make([]domain.ConnInfo, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, domain.ConnInfo{
			ID:          id,
			Role:        e.role,
			RemoteAddr:  e.peer.RemoteAddr(),
			ConnectedAt: e.connectedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns connection counts. PendingCalls is left for the router to fill.
func (r *Registry) Stats() domain.RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := domain.RelayStats{
		Connections:     len(r.conns),
		WorkerAvailable: r.workerID != "",
	}
	for _, e := range r.conns {
		switch e.role {
		case domain.RoleClient:
			s.Clients++
		case domain.RoleUnknown:
			s.Unknown++
		}
	}
	return s
}

func (r *Registry) clientsLocked() []presence.Target {
	out := make([]presence.Target, 0, len(r.conns))
	for _, e := range r.conns {
		if e.role == domain.RoleClient {
			out = append(out, e.peer)
		}
	}
	return out
}

func (r *Registry) publishEvent(ctx context.Context, eventType domain.EventType, connID string, detail map[string]string) {
	if r.bus == nil {
		return
	}
	var payload json.RawMessage
	if detail != nil {
		var err error
		payload, err = json.Marshal(detail)
		if err != nil {
			r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
			return
		}
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ConnID:    connID,
		Payload:   payload,
	})
}
