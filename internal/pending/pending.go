// Package pending correlates server-minted task ids with the client request that
// caused them, until the agent answers, the request times out or the client leaves.
package pending

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/protocol"
)

// DefaultMaxPerClient bounds concurrent pending requests of one connection.
const DefaultMaxPerClient = 100

// Sender delivers a message to a connection by id.
type Sender interface {
	Send(connID string, msg any) bool
}

// Entry is one outstanding request.
type Entry struct {
	TaskID      string
	RequestID   string
	OwnerConnID string
	TenantID    string
	Kind        string
	CreatedAt   time.Time
	Timeout     time.Duration
	// Extra is merged into the reply, e.g. the stream or session id a request created.
	Extra map[string]any
}

// Config holds the table dependencies.
type Config struct {
	Sender         Sender
	MaxPerClient   int
	DefaultTimeout time.Duration
	Bus            *bus.Bus
	Logger         *slog.Logger
	Now            func() time.Time
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	perOwner map[string]int
}

// Table is sharded per tenant. An entry is removed by exactly one of Resolve, Fail,
// Sweep or PurgeConnection.
type Table struct {
	mu     sync.RWMutex
	shards map[string]*shard

	sender  Sender
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	limitMu      sync.RWMutex
	maxPerClient int

	hooksMu sync.RWMutex
	hooks   []FailHook
}

// FailHook runs after an entry was answered with an error, by Fail or by a timeout.
type FailHook func(e Entry, code protocol.Code, message string)

// New creates an empty table.
func New(cfg Config) *Table {
	if cfg.MaxPerClient <= 0 {
		cfg.MaxPerClient = DefaultMaxPerClient
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Table{
		shards:       make(map[string]*shard),
		sender:       cfg.Sender,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		now:          cfg.Now,
		timeout:      cfg.DefaultTimeout,
		maxPerClient: cfg.MaxPerClient,
	}
}

// SetMaxPerClient changes the per-connection cap. Existing entries are kept.
func (t *Table) SetMaxPerClient(n int) {
	if n <= 0 {
		n = DefaultMaxPerClient
	}
	t.limitMu.Lock()
	t.maxPerClient = n
	t.limitMu.Unlock()
}

// OnFail registers fn to run for every entry failed by Fail or Sweep. Purged
// entries do not trigger it.
func (t *Table) OnFail(fn FailHook) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Table) runHooks(e *Entry, code protocol.Code, message string) {
	t.hooksMu.RLock()
	hooks := t.hooks
	t.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(*e, code, message)
	}
}

func (t *Table) limit() int {
	t.limitMu.RLock()
	defer t.limitMu.RUnlock()
	return t.maxPerClient
}

func (t *Table) shard(tenantID string, create bool) *shard {
	t.mu.RLock()
	s := t.shards[tenantID]
	t.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s = t.shards[tenantID]; s == nil {
		s = &shard{entries: make(map[string]*Entry), perOwner: make(map[string]int)}
		t.shards[tenantID] = s
	}
	return s
}

// Register adds e. It returns false without mutating anything when the owner is at
// its cap or the task id is already registered.
func (t *Table) Register(e Entry) bool {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	if e.Timeout <= 0 {
		e.Timeout = t.timeout
	}
	capacity := t.limit()

	s := t.shard(e.TenantID, true)
	s.mu.Lock()
	if _, dup := s.entries[e.TaskID]; dup {
		s.mu.Unlock()
		return false
	}
	if s.perOwner[e.OwnerConnID] >= capacity {
		s.mu.Unlock()
		t.logger.Warn("pending cap reached", "tenant_id", e.TenantID, "conn_id", e.OwnerConnID, "max", capacity)
		return false
	}
	s.entries[e.TaskID] = &e
	s.perOwner[e.OwnerConnID]++
	s.mu.Unlock()

	t.bus.Publish(bus.TopicPendingRegistered, bus.PendingEvent{TaskID: e.TaskID, TenantID: e.TenantID, Kind: e.Kind})
	return true
}

// take removes and returns the entry for taskID. Only the caller that gets ok=true
// may answer it.
func (t *Table) take(tenantID, taskID string) (*Entry, bool) {
	s := t.shard(tenantID, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return nil, false
	}
	s.removeLocked(e)
	return e, true
}

func (s *shard) removeLocked(e *Entry) {
	delete(s.entries, e.TaskID)
	if n := s.perOwner[e.OwnerConnID] - 1; n > 0 {
		s.perOwner[e.OwnerConnID] = n
	} else {
		delete(s.perOwner, e.OwnerConnID)
	}
}

// Resolve answers taskID with payload plus the request and task ids. Unknown ids
// (late or duplicate responses) are logged and dropped.
func (t *Table) Resolve(tenantID, taskID string, payload map[string]any) bool {
	e, ok := t.take(tenantID, taskID)
	if !ok {
		t.logger.Warn("response for unknown task dropped", "tenant_id", tenantID, "task_id", taskID)
		return false
	}

	reply := make(map[string]any, len(payload)+len(e.Extra)+3)
	for k, v := range e.Extra {
		reply[k] = v
	}
	for k, v := range payload {
		reply[k] = v
	}
	if _, ok := reply["kind"]; !ok {
		reply["kind"] = protocol.KindTaskResponse
	}
	reply["requestId"] = e.RequestID
	reply["taskId"] = e.TaskID

	t.sender.Send(e.OwnerConnID, reply)
	t.logger.Debug("pending resolved", "tenant_id", tenantID, "task_id", taskID, "kind", e.Kind)
	t.bus.Publish(bus.TopicPendingResolved, bus.PendingEvent{TaskID: taskID, TenantID: tenantID, Kind: e.Kind})
	return true
}

// Fail answers taskID with an error message.
func (t *Table) Fail(tenantID, taskID string, code protocol.Code, message string) bool {
	e, ok := t.take(tenantID, taskID)
	if !ok {
		t.logger.Warn("failure for unknown task dropped", "tenant_id", tenantID, "task_id", taskID, "code", code)
		return false
	}
	t.deliverError(e, code, message)
	topic := bus.TopicPendingFailed
	if code == protocol.CodeAgentTimeout {
		topic = bus.TopicPendingTimeout
	}
	t.bus.Publish(topic, bus.PendingEvent{TaskID: taskID, TenantID: tenantID, Kind: e.Kind, Code: string(code)})
	t.runHooks(e, code, message)
	return true
}

func (t *Table) deliverError(e *Entry, code protocol.Code, message string) {
	msg := protocol.NewError(code, message, e.RequestID).WithTask(e.TaskID)
	if len(e.Extra) > 0 {
		msg = msg.WithDetails(e.Extra)
	}
	t.sender.Send(e.OwnerConnID, msg)
	t.logger.Info("pending failed", "tenant_id", e.TenantID, "task_id", e.TaskID, "kind", e.Kind, "code", code)
}

// Sweep fails every entry whose age reached its timeout with AGENT_TIMEOUT and
// returns how many were failed.
func (t *Table) Sweep() int {
	now := t.now()

	t.mu.RLock()
	shards := make([]*shard, 0, len(t.shards))
	for _, s := range t.shards {
		shards = append(shards, s)
	}
	t.mu.RUnlock()

	var expired []*Entry
	for _, s := range shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if now.Sub(e.CreatedAt) >= e.Timeout {
				s.removeLocked(e)
				expired = append(expired, e)
			}
		}
		s.mu.Unlock()
	}

	for _, e := range expired {
		message := "agent did not respond within " + e.Timeout.String()
		t.deliverError(e, protocol.CodeAgentTimeout, message)
		t.bus.Publish(bus.TopicPendingTimeout, bus.PendingEvent{
			TaskID: e.TaskID, TenantID: e.TenantID, Kind: e.Kind, Code: string(protocol.CodeAgentTimeout),
		})
		t.runHooks(e, protocol.CodeAgentTimeout, message)
	}
	return len(expired)
}

// PurgeConnection drops every entry owned by connID without replying, since the
// owner is gone. It returns the ids of the dropped tasks.
func (t *Table) PurgeConnection(tenantID, connID string) []string {
	s := t.shard(tenantID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perOwner[connID] == 0 {
		return nil
	}
	var ids []string
	for id, e := range s.entries {
		if e.OwnerConnID == connID {
			s.removeLocked(e)
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		t.logger.Debug("pending purged with connection", "tenant_id", tenantID, "conn_id", connID, "count", len(ids))
	}
	return ids
}

// get returns a copy of the entry for taskID.
func (t *Table) get(tenantID, taskID string) (Entry, bool) {
	s := t.shard(tenantID, false)
	if s == nil {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// countFor returns the number of entries owned by connID.
func (t *Table) countFor(tenantID, connID string) int {
	s := t.shard(tenantID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perOwner[connID]
}

// Len returns the number of outstanding entries across tenants.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
