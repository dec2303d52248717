package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/fleetrelay/internal/audit"
	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/config"
	"github.com/basket/fleetrelay/internal/coordinator"
	"github.com/basket/fleetrelay/internal/cron"
	"github.com/basket/fleetrelay/internal/directory"
	"github.com/basket/fleetrelay/internal/gateway"
	"github.com/basket/fleetrelay/internal/logstream"
	otelPkg "github.com/basket/fleetrelay/internal/otel"
	"github.com/basket/fleetrelay/internal/pending"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/ratelimit"
	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/statuscache"
	"github.com/basket/fleetrelay/internal/terminal"
	"github.com/basket/fleetrelay/internal/tokens"
)

// relay owns every long lived component of a running server.
type relay struct {
	cfg    config.Config
	logger *slog.Logger

	bus       *bus.Bus
	store     *persistence.Store
	audit     *audit.Log
	redis     *redis.Client
	tokens    *tokens.Service
	directory *directory.Directory
	limiter   *ratelimit.Limiter
	registry  *registry.Registry
	pending   *pending.Table
	streams   *logstream.Table
	terminals *terminal.Manager
	coords    *coordinator.Manager
	metrics   *otelPkg.Metrics
	gateway   *gateway.Server
	sweeper   *gateway.Sweeper
	scheduler *cron.Scheduler
}

// buildRelay wires the components described by cfg. Nothing is started.
func buildRelay(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*relay, error) {
	r := &relay{cfg: cfg, logger: logger, bus: bus.New()}

	svc, err := newTokenService(cfg)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	r.tokens = svc

	r.store, err = persistence.Open(filepath.Join(cfg.HomeDir, "fleetrelay.db"), r.bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.audit, err = audit.Open(cfg.HomeDir, r.store.DB())
	if err != nil {
		_ = r.store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	var cache statuscache.Cache = statuscache.NewKV(r.store)
	if cfg.Redis.URL != "" {
		rc, client, err := statuscache.NewRedisFromURL(cfg.Redis.URL, cfg.Redis.KeyPrefix, time.Duration(cfg.Redis.TTLSeconds)*time.Second)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("status cache: %w", err)
		}
		cache, r.redis = rc, client
	}

	if meter != nil {
		r.metrics, err = otelPkg.NewMetrics(meter)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	r.directory = directory.New(cfg.Tenants)
	r.limiter = ratelimit.New()
	r.registry = registry.New(registry.Config{Bus: r.bus, Logger: logger})
	r.pending = pending.New(pending.Config{
		Sender:         r.registry,
		MaxPerClient:   cfg.Limits.MaxPendingPerClient,
		DefaultTimeout: cfg.Timeouts.PendingFor(""),
		Bus:            r.bus,
		Logger:         logger,
	})
	r.streams = logstream.New(logstream.Config{
		Sender:          r.registry,
		Limiter:         r.limiter,
		ChunksPerSecond: cfg.Limits.LogChunksPerSecond,
		Logger:          logger,
	})
	r.terminals = terminal.NewManager(terminal.Config{
		Sender:        r.registry,
		ExpectTimeout: cfg.Timeouts.TerminalExpect(),
		IdleTimeout:   cfg.Timeouts.TerminalIdle(),
		Logger:        logger,
	})
	r.coords = coordinator.NewManager(coordinator.Config{
		Store:         r.store,
		Cache:         cache,
		Bus:           r.bus,
		Logger:        logger,
		Lease:         cfg.Timeouts.Lease(),
		Protocol:      cfg.Protocol.Name,
		MinVersion:    cfg.Protocol.MinAgentVersion,
		LatestVersion: cfg.Protocol.LatestAgentVersion,
	})

	timeouts := cfg.Timeouts
	r.gateway = gateway.New(gateway.Config{
		Registry:          r.registry,
		Pending:           r.pending,
		Streams:           r.streams,
		Terminals:         r.terminals,
		Coordinators:      r.coords,
		Limiter:           r.limiter,
		Tokens:            r.tokens,
		Instances:         r.directory,
		Permissions:       r.directory,
		Store:             r.store,
		Audit:             r.audit,
		Metrics:           r.metrics,
		Tracer:            tracer,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		Limits:            gatewayLimits(cfg),
		PendingTimeout:    timeouts.PendingFor,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	r.sweeper = gateway.NewSweeper(gateway.SweeperConfig{
		Registry:      r.registry,
		Pending:       r.pending,
		Terminals:     r.terminals,
		Limiter:       r.limiter,
		Logger:        logger,
		Interval:      cfg.Timeouts.SweepInterval(),
		ConnectionTTL: cfg.Timeouts.ConnectionTTL(),
		LimiterIdle:   limiterIdle(cfg),
	})

	r.scheduler = cron.NewScheduler(cron.Config{Logger: logger})
	if err := r.scheduleJobs(); err != nil {
		_ = r.Close()
		return nil, err
	}

	if meter != nil {
		if err := otelPkg.RegisterStateGauges(meter, r.state); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("state gauges: %w", err)
		}
	}
	return r, nil
}

// limiterIdle covers the longest rate-limit window in use, including the
// one-minute connection upgrade window.
func limiterIdle(cfg config.Config) time.Duration {
	return 10 * max(cfg.Limits.Window(), time.Minute)
}

func gatewayLimits(cfg config.Config) gateway.Limits {
	return gateway.Limits{
		RequestsPerWindow:   cfg.Limits.RequestsPerWindow,
		Window:              cfg.Limits.Window(),
		MaxPendingPerClient: cfg.Limits.MaxPendingPerClient,
		LogChunksPerSecond:  cfg.Limits.LogChunksPerSecond,
		ConnectsPerMinute:   cfg.Limits.ConnectsPerMinute,
	}
}

func (r *relay) scheduleJobs() error {
	if err := r.scheduler.Add("retention", r.cfg.Retention.Schedule, r.runRetention); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	if err := r.scheduler.Add("lease-report", r.cfg.Retention.LeaseReportSchedule, r.reportExpiredLeases); err != nil {
		return fmt.Errorf("schedule lease report: %w", err)
	}
	return nil
}

func (r *relay) runRetention(ctx context.Context) error {
	res, err := r.store.RunRetention(ctx, r.cfg.Retention.AuditLogDays, r.cfg.Retention.StaleTaskDays)
	if err != nil {
		return err
	}
	if res.PurgedAuditLogs+res.PurgedStaleTasks > 0 {
		r.logger.Info("retention job completed",
			"purged_audit_logs", res.PurgedAuditLogs,
			"purged_stale_tasks", res.PurgedStaleTasks,
		)
	}
	return nil
}

func (r *relay) reportExpiredLeases(ctx context.Context) error {
	n, err := r.store.ExpiredLeaseCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if r.metrics != nil {
		r.metrics.ExpiredLeases.Add(ctx, int64(n))
	}
	r.logger.Warn("tasks with expired leases awaiting redelivery", "count", n)
	return nil
}

func (r *relay) state() otelPkg.State {
	agents, clients := r.registry.Counts()
	return otelPkg.State{
		Agents:           int64(agents),
		Clients:          int64(clients),
		PendingRequests:  int64(r.pending.Len()),
		LogStreams:       int64(r.streams.Len()),
		TerminalSessions: int64(r.terminals.Len()),
	}
}

// applyConfig takes the live reloadable parts of next. Settings covered by the
// fingerprint only change on restart.
func (r *relay) applyConfig(next config.Config) {
	r.gateway.SetLimits(gatewayLimits(next))
	r.directory.Reload(next.Tenants)
	if next.Fingerprint() != r.cfg.Fingerprint() {
		r.logger.Warn("config change requires a restart to take full effect",
			"running_fingerprint", r.cfg.Fingerprint(),
			"file_fingerprint", next.Fingerprint(),
		)
	}
	r.logger.Info("config reloaded", "tenants", len(next.Tenants))
}

// watchEvents turns bus events into metrics until ctx ends.
func (r *relay) watchEvents(ctx context.Context) {
	sub := r.bus.Subscribe("relay.")
	go func() {
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				if n := sub.Dropped(); n > 0 {
					r.logger.Warn("event subscriber fell behind", "dropped_events", n)
				}
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.observe(ctx, ev)
			}
		}
	}()
}

func (r *relay) observe(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.PendingEvent:
		if ev.Topic == bus.TopicPendingTimeout && r.metrics != nil {
			r.metrics.PendingTimeouts.Add(ctx, 1, otelPkg.TenantAttr(p.TenantID))
		}
	case bus.TaskEvent:
		if r.metrics == nil {
			break
		}
		switch ev.Topic {
		case bus.TopicTaskDispatched:
			r.metrics.TasksDispatched.Add(ctx, int64(len(p.TaskIDs)), otelPkg.TenantAttr(p.TenantID))
		case bus.TopicTaskAcked:
			r.metrics.TasksAcked.Add(ctx, int64(len(p.TaskIDs)), otelPkg.TenantAttr(p.TenantID))
		}
	case bus.ConnectionEvent:
		r.logger.Debug("connection event", "topic", ev.Topic, "conn_id", p.ConnID, "tenant_id", p.TenantID, "role", p.Role)
	}
}

func (r *relay) Close() error {
	var errs []error
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.audit != nil {
		errs = append(errs, r.audit.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}
