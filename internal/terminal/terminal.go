// Package terminal pairs a client terminal session with the agent that serves it
// and relays raw data between them.
package terminal

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetrelay/internal/protocol"
)

const (
	DefaultExpectTimeout = 60 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
)

var (
	ErrNoSession      = errors.New("terminal session not found")
	ErrNotBound       = errors.New("terminal session not bound")
	ErrNotParticipant = errors.New("connection is not part of the terminal session")
)

// Sender delivers a message to a connection by id.
type Sender interface {
	Send(connID string, msg any) bool
}

// Session is an expected or bound terminal. AgentConnID is empty until bound.
type Session struct {
	ID           string
	TenantID     string
	ClientConnID string
	AgentConnID  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Bound reports whether an agent has joined.
func (s Session) Bound() bool { return s.AgentConnID != "" }

// Config holds the manager dependencies.
type Config struct {
	Sender        Sender
	ExpectTimeout time.Duration
	IdleTimeout   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type tenantSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Manager tracks sessions per tenant.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*tenantSessions

	sender        Sender
	expectTimeout time.Duration
	idleTimeout   time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.ExpectTimeout <= 0 {
		cfg.ExpectTimeout = DefaultExpectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		tenants:       make(map[string]*tenantSessions),
		sender:        cfg.Sender,
		expectTimeout: cfg.ExpectTimeout,
		idleTimeout:   cfg.IdleTimeout,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

func (m *Manager) tenant(tenantID string, create bool) *tenantSessions {
	m.mu.RLock()
	ts := m.tenants[tenantID]
	m.mu.RUnlock()
	if ts != nil || !create {
		return ts
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts = m.tenants[tenantID]; ts == nil {
		ts = &tenantSessions{sessions: make(map[string]*Session)}
		m.tenants[tenantID] = ts
	}
	return ts
}

// Expect records a session the client asked for before any agent has dialed in.
func (m *Manager) Expect(sessionID, clientConnID, tenantID string) {
	now := m.now()
	ts := m.tenant(tenantID, true)
	ts.mu.Lock()
	ts.sessions[sessionID] = &Session{
		ID:           sessionID,
		TenantID:     tenantID,
		ClientConnID: clientConnID,
		CreatedAt:    now,
		LastActivity: now,
	}
	ts.mu.Unlock()
	m.logger.Debug("terminal expected", "tenant_id", tenantID, "session_id", sessionID, "conn_id", clientConnID)
}

// Bind pairs an agent connection with an expected session. Unsolicited or already
// bound sessions are rejected.
func (m *Manager) Bind(tenantID, sessionID, agentConnID string) bool {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		m.logger.Warn("terminal bind rejected", "tenant_id", tenantID, "session_id", sessionID, "conn_id", agentConnID)
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s, ok := ts.sessions[sessionID]
	if !ok || s.Bound() {
		m.logger.Warn("terminal bind rejected", "tenant_id", tenantID, "session_id", sessionID, "conn_id", agentConnID)
		return false
	}
	s.AgentConnID = agentConnID
	s.LastActivity = m.now()
	m.logger.Info("terminal bound", "tenant_id", tenantID, "session_id", sessionID, "client_conn_id", s.ClientConnID, "agent_conn_id", agentConnID)
	return true
}

// RelayFromClient forwards data typed by the client to the agent.
func (m *Manager) RelayFromClient(tenantID, sessionID, fromConnID, data string) error {
	return m.relay(tenantID, sessionID, fromConnID, data, true)
}

// RelayFromAgent forwards terminal output to the client.
func (m *Manager) RelayFromAgent(tenantID, sessionID, fromConnID, data string) error {
	return m.relay(tenantID, sessionID, fromConnID, data, false)
}

func (m *Manager) relay(tenantID, sessionID, fromConnID, data string, fromClient bool) error {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		return ErrNoSession
	}
	ts.mu.Lock()
	s, ok := ts.sessions[sessionID]
	if !ok {
		ts.mu.Unlock()
		return ErrNoSession
	}
	if !s.Bound() {
		ts.mu.Unlock()
		return ErrNotBound
	}
	var to string
	switch {
	case fromClient && s.ClientConnID == fromConnID:
		to = s.AgentConnID
	case !fromClient && s.AgentConnID == fromConnID:
		to = s.ClientConnID
	default:
		ts.mu.Unlock()
		return ErrNotParticipant
	}
	s.LastActivity = m.now()
	ts.mu.Unlock()

	m.sender.Send(to, protocol.TerminalDataOut{Kind: protocol.KindTerminalData, SessionID: sessionID, Data: data})
	return nil
}

// Close ends a session and notifies both peers.
func (m *Manager) Close(tenantID, sessionID, reason string) bool {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	s, ok := ts.sessions[sessionID]
	if ok {
		delete(ts.sessions, sessionID)
	}
	ts.mu.Unlock()
	if !ok {
		return false
	}
	m.notify(s, reason, "")
	return true
}

// Abandon drops a session that no agent has bound yet and notifies the client.
// Bound sessions are kept.
func (m *Manager) Abandon(tenantID, sessionID, reason string) bool {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	s, ok := ts.sessions[sessionID]
	if ok && s.Bound() {
		ok = false
	}
	if ok {
		delete(ts.sessions, sessionID)
	}
	ts.mu.Unlock()
	if !ok {
		return false
	}
	m.notify(s, reason, "")
	return true
}

// notify sends terminal_closed to every peer of s except skip.
func (m *Manager) notify(s *Session, reason, skip string) {
	msg := protocol.TerminalClosed{Kind: protocol.KindTerminalClosed, SessionID: s.ID, Reason: reason}
	for _, conn := range []string{s.ClientConnID, s.AgentConnID} {
		if conn != "" && conn != skip {
			m.sender.Send(conn, msg)
		}
	}
	m.logger.Info("terminal closed", "tenant_id", s.TenantID, "session_id", s.ID, "reason", reason)
}

// Sweep drops expectations never bound within the expect timeout and closes bound
// sessions idle past the idle timeout. It returns the number of sessions removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.RLock()
	tenants := make([]*tenantSessions, 0, len(m.tenants))
	for _, ts := range m.tenants {
		tenants = append(tenants, ts)
	}
	m.mu.RUnlock()

	type closed struct {
		s      *Session
		reason string
	}
	var done []closed
	for _, ts := range tenants {
		ts.mu.Lock()
		for id, s := range ts.sessions {
			switch {
			case !s.Bound() && now.Sub(s.CreatedAt) >= m.expectTimeout:
				done = append(done, closed{s, "agent did not connect"})
			case s.Bound() && now.Sub(s.LastActivity) >= m.idleTimeout:
				done = append(done, closed{s, "idle timeout"})
			default:
				continue
			}
			delete(ts.sessions, id)
		}
		ts.mu.Unlock()
	}
	for _, c := range done {
		m.notify(c.s, c.reason, "")
	}
	return len(done)
}

// PurgeConnection closes every session connID takes part in and notifies the
// remaining peer.
func (m *Manager) PurgeConnection(tenantID, connID string) int {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		return 0
	}
	var gone []*Session
	ts.mu.Lock()
	for id, s := range ts.sessions {
		if s.ClientConnID == connID || s.AgentConnID == connID {
			delete(ts.sessions, id)
			gone = append(gone, s)
		}
	}
	ts.mu.Unlock()
	for _, s := range gone {
		m.notify(s, "peer disconnected", connID)
	}
	return len(gone)
}

// Get returns a copy of a session.
func (m *Manager) Get(tenantID, sessionID string) (Session, bool) {
	ts := m.tenant(tenantID, false)
	if ts == nil {
		return Session{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s, ok := ts.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of expected and bound sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ts := range m.tenants {
		ts.mu.Lock()
		n += len(ts.sessions)
		ts.mu.Unlock()
	}
	return n
}
