package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetrelay/internal/pending"
	"github.com/basket/fleetrelay/internal/ratelimit"
	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/terminal"
)

const DefaultSweepInterval = 10 * time.Second

type SweeperConfig struct {
	Registry  *registry.Registry
	Pending   *pending.Table
	Terminals *terminal.Manager
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger

	Interval      time.Duration
	ConnectionTTL time.Duration
	// LimiterIdle evicts rate-limit windows untouched for this long. Zero skips eviction.
	LimiterIdle time.Duration
}

// SweepResult counts what one pass reclaimed.
type SweepResult struct {
	TimedOut    int
	Terminals   int
	Connections int
	LimiterKeys int
}

// Sweeper periodically expires pending requests, stale terminal sessions, dead
// connections and idle rate-limit windows. It is the only background loop of
// the relay tables.
type Sweeper struct {
	cfg    SweeperConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, logger: logger.With("component", "sweeper")}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce() SweepResult {
	var res SweepResult
	if s.cfg.Pending != nil {
		res.TimedOut = s.cfg.Pending.Sweep()
	}
	if s.cfg.Terminals != nil {
		res.Terminals = s.cfg.Terminals.Sweep()
	}
	if s.cfg.Registry != nil && s.cfg.ConnectionTTL > 0 {
		res.Connections = s.cfg.Registry.Sweep(s.cfg.ConnectionTTL)
	}
	if s.cfg.Limiter != nil && s.cfg.LimiterIdle > 0 {
		res.LimiterKeys = s.cfg.Limiter.EvictStale(s.cfg.LimiterIdle)
	}
	if res != (SweepResult{}) {
		s.logger.Debug("sweep",
			"timed_out", res.TimedOut,
			"terminals", res.Terminals,
			"connections", res.Connections,
			"limiter_keys", res.LimiterKeys,
		)
	}
	return res
}
