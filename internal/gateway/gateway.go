// Package gateway is the websocket front of the relay. It authenticates clients and
// agents, validates every inbound message and routes it through the rate limiter,
// permission checks, the pending table and the per-tenant coordinators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/fleetrelay/internal/audit"
	"github.com/basket/fleetrelay/internal/coordinator"
	"github.com/basket/fleetrelay/internal/directory"
	"github.com/basket/fleetrelay/internal/logstream"
	"github.com/basket/fleetrelay/internal/otel"
	"github.com/basket/fleetrelay/internal/pending"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/protocol"
	"github.com/basket/fleetrelay/internal/ratelimit"
	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/terminal"
	"github.com/basket/fleetrelay/internal/tokens"
)

// Limits are the admission ceilings that can change while the server runs.
type Limits struct {
	RequestsPerWindow   int
	Window              time.Duration
	MaxPendingPerClient int
	LogChunksPerSecond  int
	ConnectsPerMinute   int
}

type Config struct {
	Registry     *registry.Registry
	Pending      *pending.Table
	Streams      *logstream.Table
	Terminals    *terminal.Manager
	Coordinators *coordinator.Manager
	Limiter      *ratelimit.Limiter
	Tokens       *tokens.Service
	Instances    directory.InstanceLookup
	Permissions  directory.Permissions

	Store   *persistence.Store // health checks only
	Audit   *audit.Log
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Limits Limits
	// PendingTimeout returns how long a request of kind may wait for an agent.
	PendingTimeout func(kind string) time.Duration

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
	Now               func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	limitsMu sync.RWMutex
	limits   Limits

	upgrades *UpgradeLimiter
	started  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		now:     now,
		limits:  cfg.Limits,
		started: now(),
	}
	s.upgrades = NewUpgradeLimiter(cfg.Limiter, func() int { return s.currentLimits().ConnectsPerMinute })
	cfg.Registry.OnRemove(s.cleanupConnection)
	cfg.Pending.OnFail(s.pendingFailed)
	return s
}

// SetLimits swaps the admission ceilings. In-flight requests keep the values they
// were admitted under.
func (s *Server) SetLimits(l Limits) {
	s.limitsMu.Lock()
	s.limits = l
	s.limitsMu.Unlock()
	s.cfg.Pending.SetMaxPerClient(l.MaxPendingPerClient)
	s.cfg.Streams.SetChunksPerSecond(l.LogChunksPerSecond)
	s.logger.Info("limits updated",
		"requests_per_window", l.RequestsPerWindow,
		"window", l.Window,
		"max_pending_per_client", l.MaxPendingPerClient,
		"log_chunks_per_second", l.LogChunksPerSecond,
	)
}

func (s *Server) currentLimits() Limits {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/client", s.upgrades.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(w, r, registry.RoleClient)
	})))
	mux.Handle("/ws/agent", s.upgrades.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(w, r, registry.RoleAgent)
	})))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return NewCORSMiddleware(s.cfg.AllowOrigins)(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, role registry.Role) {
	claims, err := s.authenticate(r, role)
	if err != nil {
		s.logger.Warn("ws: rejected upgrade", "role", role, "remote", r.RemoteAddr, "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, errWrongTenant) {
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	t := newWSTransport(conn)
	c := s.cfg.Registry.Add(claims.Tenant, t, role, claims.Subject)
	logger := s.logger.With("conn_id", c.ID, "tenant_id", c.TenantID, "role", role)
	logger.Info("ws: connected")
	defer func() {
		s.cfg.Registry.Remove(c.ID)
		_ = t.Close("bye")
		logger.Info("ws: disconnected")
	}()

	ctx := r.Context()
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.cfg.Registry.Touch(c.ID)
		if role == registry.RoleClient {
			s.handleClientMessage(ctx, c, raw)
			continue
		}
		if err := s.handleAgentMessage(ctx, c, raw); errors.Is(err, errHandshakeRejected) {
			_ = t.CloseWith(websocket.StatusPolicyViolation, "handshake rejected")
			return
		}
	}
}

// cleanupConnection purges everything a removed connection owned.
func (s *Server) cleanupConnection(c *registry.Connection) {
	purged := s.cfg.Pending.PurgeConnection(c.TenantID, c.ID)
	orphaned := s.cfg.Streams.PurgeConnection(c.TenantID, c.ID)
	closed := s.cfg.Terminals.PurgeConnection(c.TenantID, c.ID)
	s.cfg.Limiter.ResetPrefix(requestLimitKey(c.ID))
	for _, key := range orphaned {
		s.stopUpstream(context.Background(), c.TenantID, key)
	}
	if len(purged)+len(orphaned)+closed > 0 {
		s.logger.Debug("connection state purged",
			"conn_id", c.ID,
			"tenant_id", c.TenantID,
			"pending", len(purged),
			"streams", len(orphaned),
			"terminals", closed,
		)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	agents, clients := s.cfg.Registry.Counts()
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"agents":             agents,
		"clients":            clients,
		"uptime_seconds":     int64(s.now().Sub(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	agents, clients := s.cfg.Registry.Counts()

	var expired int
	if s.cfg.Store != nil {
		expired, _ = s.cfg.Store.ExpiredLeaseCount(r.Context())
	}
	var denies int64
	if s.cfg.Audit != nil {
		denies = s.cfg.Audit.DenyCount()
	}
	queues := make(map[string]map[string]int)
	for _, tenantID := range s.cfg.Coordinators.Tenants() {
		pending, leased, err := s.cfg.Coordinators.For(tenantID).Depth(r.Context())
		if err != nil {
			s.logger.Warn("queue depth unavailable", "tenant_id", tenantID, "error", err)
			continue
		}
		queues[tenantID] = map[string]int{"pending": pending, "leased": leased}
	}
	payload := map[string]any{
		"tenants":            s.cfg.Registry.TenantCount(),
		"task_queues":        queues,
		"agents":             agents,
		"clients":            clients,
		"pending_requests":   s.cfg.Pending.Len(),
		"log_streams":        s.cfg.Streams.Len(),
		"terminal_sessions":  s.cfg.Terminals.Len(),
		"ratelimit_keys":     s.cfg.Limiter.KeyCount(),
		"expired_leases":     expired,
		"permission_denials": denies,
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) replyError(connID string, code protocol.Code, message, requestID string) {
	s.cfg.Registry.Send(connID, protocol.NewError(code, message, requestID))
}
