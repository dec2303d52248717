// Package registry holds every live connection, grouped by tenant.
//
// Other tables reference connections by id only; the registry is the single owner
// of transport handles.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetrelay/internal/bus"
)

// ErrUnknownConnection is returned when an id is not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Role tells agents and clients apart.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// Transport is the write side of a peer connection.
type Transport interface {
	Send(ctx context.Context, msg any) error
	Close(reason string) error
	Open() bool
}

// Connection is a registered peer.
type Connection struct {
	ID          string
	Role        Role
	TenantID    string
	Identity    string
	ConnectedAt time.Time

	transport Transport

	mu           sync.Mutex
	lastActivity time.Time
	ready        bool
}

// LastActivity returns the last time the peer was heard from.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Ready reports whether the connection takes part in fan-out. Clients are ready
// immediately, agents once their hello is accepted.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

type tenantConns struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Config holds the registry dependencies.
type Config struct {
	Bus         *bus.Bus
	Logger      *slog.Logger
	Now         func() time.Time
	SendTimeout time.Duration // per message write deadline; defaults to 5s
}

// Registry is safe for concurrent use. The global lock only maps ids to tenants;
// membership of each tenant has its own lock.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenantConns
	index   map[string]string

	hooksMu sync.RWMutex
	hooks   []func(*Connection)

	bus         *bus.Bus
	logger      *slog.Logger
	now         func() time.Time
	sendTimeout time.Duration
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Registry{
		tenants:     make(map[string]*tenantConns),
		index:       make(map[string]string),
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		now:         cfg.Now,
		sendTimeout: cfg.SendTimeout,
	}
}

// OnRemove registers fn to run once for every removed connection, after it has
// left the registry.
func (r *Registry) OnRemove(fn func(*Connection)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Add registers a new connection and returns it.
func (r *Registry) Add(tenantID string, t Transport, role Role, identity string) *Connection {
	now := r.now()
	c := &Connection{
		ID:           uuid.NewString(),
		Role:         role,
		TenantID:     tenantID,
		Identity:     identity,
		ConnectedAt:  now,
		transport:    t,
		lastActivity: now,
		ready:        role == RoleClient,
	}

	r.mu.Lock()
	tc, ok := r.tenants[tenantID]
	if !ok {
		tc = &tenantConns{conns: make(map[string]*Connection)}
		r.tenants[tenantID] = tc
	}
	r.index[c.ID] = tenantID
	tc.mu.Lock()
	tc.conns[c.ID] = c
	tc.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info("connection registered", "conn_id", c.ID, "tenant_id", tenantID, "role", role, "identity", identity)
	r.bus.Publish(bus.TopicConnectionOpened, bus.ConnectionEvent{ConnID: c.ID, TenantID: tenantID, Role: string(role)})
	return c
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	tc := r.tenantOf(id)
	if tc == nil {
		return nil, false
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	c, ok := tc.conns[id]
	return c, ok
}

// Remove unregisters id and runs the removal hooks. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	tenantID, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, id)
	tc := r.tenants[tenantID]
	tc.mu.Lock()
	c := tc.conns[id]
	delete(tc.conns, id)
	empty := len(tc.conns) == 0
	tc.mu.Unlock()
	if empty {
		delete(r.tenants, tenantID)
	}
	r.mu.Unlock()

	r.hooksMu.RLock()
	hooks := append([]func(*Connection){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	r.logger.Info("connection removed", "conn_id", id, "tenant_id", tenantID, "role", c.Role)
	r.bus.Publish(bus.TopicConnectionClosed, bus.ConnectionEvent{ConnID: id, TenantID: tenantID, Role: string(c.Role)})
	return true
}

// MarkReady admits an agent connection to fan-out.
func (r *Registry) MarkReady(id string) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Touch records activity on id.
func (r *Registry) Touch(id string) {
	if c, ok := r.Get(id); ok {
		c.mu.Lock()
		c.lastActivity = r.now()
		c.mu.Unlock()
	}
}

// List returns the ready connections of a tenant. An empty role matches both.
func (r *Registry) List(tenantID string, role Role) []*Connection {
	r.mu.RLock()
	tc := r.tenants[tenantID]
	r.mu.RUnlock()
	if tc == nil {
		return nil
	}

	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]*Connection, 0, len(tc.conns))
	for _, c := range tc.conns {
		if role != "" && c.Role != role {
			continue
		}
		if !c.Ready() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Send writes msg to one connection. Failures are logged and reported as false.
func (r *Registry) Send(id string, msg any) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	return r.send(c, msg)
}

// Broadcast writes msg to every ready connection of tenantID with the given role
// and returns how many writes succeeded.
func (r *Registry) Broadcast(tenantID string, role Role, msg any) int {
	sent := 0
	for _, c := range r.List(tenantID, role) {
		if r.send(c, msg) {
			sent++
		}
	}
	return sent
}

func (r *Registry) send(c *Connection, msg any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, msg); err != nil {
		r.logger.Warn("connection send failed", "conn_id", c.ID, "tenant_id", c.TenantID, "role", c.Role, "error", err)
		return false
	}
	return true
}

// Close closes the transport of id without unregistering it; the read loop of the
// connection removes it once it notices.
func (r *Registry) Close(id, reason string) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	return c.transport.Close(reason)
}

// Sweep removes connections idle for longer than ttl whose transport is no longer
// open. It returns the number removed.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.RLock()
	tenants := make([]*tenantConns, 0, len(r.tenants))
	for _, tc := range r.tenants {
		tenants = append(tenants, tc)
	}
	r.mu.RUnlock()

	var dead []*Connection
	for _, tc := range tenants {
		tc.mu.RLock()
		for _, c := range tc.conns {
			if c.LastActivity().Before(cutoff) && !c.transport.Open() {
				dead = append(dead, c)
			}
		}
		tc.mu.RUnlock()
	}

	removed := 0
	for _, c := range dead {
		_ = c.transport.Close("stale")
		if r.Remove(c.ID) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("registry sweep reclaimed connections", "removed", removed)
	}
	return removed
}

// Counts returns the number of registered agents and clients.
func (r *Registry) Counts() (agents, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tc := range r.tenants {
		tc.mu.RLock()
		for _, c := range tc.conns {
			if c.Role == RoleAgent {
				agents++
			} else {
				clients++
			}
		}
		tc.mu.RUnlock()
	}
	return agents, clients
}

// TenantCount returns the number of tenants with at least one connection.
func (r *Registry) TenantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

func (r *Registry) tenantOf(id string) *tenantConns {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenantID, ok := r.index[id]
	if !ok {
		return nil
	}
	return r.tenants[tenantID]
}
