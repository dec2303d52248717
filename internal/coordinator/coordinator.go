// Package coordinator owns the durable task queue of each tenant: enqueue, push
// dispatch, lease-based pulls, acknowledgements, agent handshakes and the cached
// latest status snapshot.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/protocol"
	"github.com/basket/fleetrelay/internal/statuscache"
)

const DefaultLease = 5 * time.Minute

// Config wires a Manager. Store is required; Cache, Bus and Logger are optional.
type Config struct {
	Store  *persistence.Store
	Cache  statuscache.Cache
	Bus    *bus.Bus
	Logger *slog.Logger
	Lease  time.Duration

	Protocol      string
	MinVersion    string
	LatestVersion string
}

// Manager hands out one Coordinator per tenant, created on first use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*Coordinator
	loads   singleflight.Group
}

func NewManager(cfg Config) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		tenants: make(map[string]*Coordinator),
	}
}

// For returns the coordinator of tenantID, creating it if needed.
func (m *Manager) For(tenantID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tenants[tenantID]
	if !ok {
		c = &Coordinator{tenantID: tenantID, m: m}
		m.tenants[tenantID] = c
	}
	return c
}

// Tenants lists the tenants that have a coordinator, sorted.
func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Handshake checks an agent hello against the configured protocol name and
// version window. A rejected agent must be closed before it can lease anything.
func (m *Manager) Handshake(h protocol.Hello) protocol.HelloResult {
	res := protocol.HelloResult{Kind: protocol.KindHello, Status: protocol.HelloAccepted}
	if m.cfg.Protocol != "" && h.Protocol != m.cfg.Protocol {
		res.Status = protocol.HelloRejected
		res.Reason = "unsupported protocol"
		res.Required = m.cfg.Protocol
		res.Received = h.Protocol
		return res
	}
	if !protocol.ValidVersion(h.Version) {
		res.Status = protocol.HelloRejected
		res.Reason = "invalid version"
		res.Required = m.cfg.MinVersion
		res.Received = h.Version
		return res
	}
	if m.cfg.MinVersion != "" && protocol.CompareVersions(h.Version, m.cfg.MinVersion) < 0 {
		res.Status = protocol.HelloRejected
		res.Reason = "agent version too old"
		res.Required = m.cfg.MinVersion
		res.Received = h.Version
		return res
	}
	if m.cfg.LatestVersion != "" && protocol.CompareVersions(h.Version, m.cfg.LatestVersion) < 0 {
		res.Upgrade = &protocol.Upgrade{Latest: m.cfg.LatestVersion}
	}
	return res
}

// Coordinator is the task queue and status holder of a single tenant.
type Coordinator struct {
	tenantID string
	m        *Manager

	mu     sync.RWMutex
	status []byte
}

func (c *Coordinator) TenantID() string { return c.tenantID }

// NewTask builds a task with a fresh id. Payload is marshalled to JSON.
func NewTask(taskType string, payload map[string]any) (persistence.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("marshal task payload: %w", err)
	}
	return persistence.Task{ID: uuid.NewString(), Type: taskType, Payload: string(raw)}, nil
}

// Enqueue stores task as pending so the next agent pull picks it up.
func (c *Coordinator) Enqueue(ctx context.Context, task persistence.Task) (persistence.Task, error) {
	task.TenantID = c.tenantID
	return c.m.cfg.Store.EnqueueTask(ctx, task, 0)
}

// Dispatch stores task already leased for the push path, so agents that were sent
// the task directly do not pull it again before the lease ends.
func (c *Coordinator) Dispatch(ctx context.Context, task persistence.Task) (persistence.Task, error) {
	task.TenantID = c.tenantID
	t, err := c.m.cfg.Store.EnqueueTask(ctx, task, c.m.cfg.Lease)
	if err != nil {
		return persistence.Task{}, err
	}
	if c.m.cfg.Bus != nil {
		c.m.cfg.Bus.Publish(bus.TopicTaskDispatched, bus.TaskEvent{TenantID: c.tenantID, TaskIDs: []string{t.ID}})
	}
	return t, nil
}

// Withdraw removes a task that could not be delivered.
func (c *Coordinator) Withdraw(ctx context.Context, taskID string) error {
	return c.m.cfg.Store.DeleteTask(ctx, c.tenantID, taskID)
}

// Pull leases up to limit pending or lease-expired tasks.
func (c *Coordinator) Pull(ctx context.Context, limit int) ([]protocol.TaskItem, error) {
	tasks, err := c.m.cfg.Store.PullTasks(ctx, c.tenantID, limit, c.m.cfg.Lease)
	if err != nil {
		return nil, err
	}
	return Items(tasks), nil
}

// Ack deletes the given tasks. Unknown ids are ignored.
func (c *Coordinator) Ack(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return c.m.cfg.Store.AckTasks(ctx, c.tenantID, ids)
}

// Depth reports the queue size of the tenant.
func (c *Coordinator) Depth(ctx context.Context) (pending, leased int, err error) {
	return c.m.cfg.Store.QueueDepth(ctx, c.tenantID)
}

// SetStatus records the latest status snapshot and writes it through to the cache.
func (c *Coordinator) SetStatus(ctx context.Context, snapshot protocol.StatusBroadcast) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	c.mu.Lock()
	c.status = raw
	c.mu.Unlock()
	if c.m.cfg.Cache == nil {
		return nil
	}
	if err := c.m.cfg.Cache.Put(ctx, c.tenantID, raw); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

// ErrNoStatus is returned by Status when no snapshot was ever recorded.
var ErrNoStatus = errors.New("no status recorded")

// Status returns the latest snapshot. Misses load from the cache; concurrent
// misses for the same tenant share one load.
func (c *Coordinator) Status(ctx context.Context) (protocol.StatusBroadcast, error) {
	c.mu.RLock()
	raw := c.status
	c.mu.RUnlock()

	if raw == nil {
		if c.m.cfg.Cache == nil {
			return protocol.StatusBroadcast{}, ErrNoStatus
		}
		v, err, _ := c.m.loads.Do(c.tenantID, func() (any, error) {
			cached, ok, err := c.m.cfg.Cache.Get(ctx, c.tenantID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrNoStatus
			}
			c.mu.Lock()
			if c.status == nil {
				c.status = cached
			}
			c.mu.Unlock()
			return cached, nil
		})
		if err != nil {
			if !errors.Is(err, ErrNoStatus) {
				c.m.logger.Warn("status cache load failed", "tenant_id", c.tenantID, "error", err)
			}
			return protocol.StatusBroadcast{}, err
		}
		raw = v.([]byte)
	}

	var snap protocol.StatusBroadcast
	if err := json.Unmarshal(raw, &snap); err != nil {
		return protocol.StatusBroadcast{}, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}

// Items converts stored tasks to wire items.
func Items(tasks []persistence.Task) []protocol.TaskItem {
	items := make([]protocol.TaskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, protocol.TaskItem{ID: t.ID, Type: t.Type, Payload: json.RawMessage(t.Payload)})
	}
	return items
}
