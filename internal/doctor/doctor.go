package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/fleetrelay/internal/config"
	"github.com/basket/fleetrelay/internal/cron"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/protocol"
)

const minSecretLen = 32

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTokenSecret,
		checkTenants,
		checkProtocol,
		checkSchedules,
		checkDatabase,
		checkPermissions,
		checkRedis,
		checkBind,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; it is written on first serve"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkTokenSecret(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Token Secret", Status: "SKIP", Message: "Config missing"}
	}
	switch n := len(cfg.Auth.TokenSecret); {
	case n == 0:
		return CheckResult{
			Name:    "Token Secret",
			Status:  "FAIL",
			Message: "auth.token_secret is empty",
			Detail:  "Set auth.token_secret or FLEETRELAY_TOKEN_SECRET",
		}
	case n < minSecretLen:
		return CheckResult{Name: "Token Secret", Status: "WARN", Message: fmt.Sprintf("Secret is %d bytes; use at least %d", n, minSecretLen)}
	}
	return CheckResult{Name: "Token Secret", Status: "PASS", Message: "Configured"}
}

func checkTenants(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Tenants", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Tenants) == 0 {
		return CheckResult{Name: "Tenants", Status: "WARN", Message: "No tenants configured; every connection will be refused"}
	}
	var instances, members int
	for _, t := range cfg.Tenants {
		instances += len(t.Instances)
		members += len(t.Members)
	}
	return CheckResult{
		Name:    "Tenants",
		Status:  "PASS",
		Message: fmt.Sprintf("%d tenants, %d instances, %d members", len(cfg.Tenants), instances, members),
		Detail:  fmt.Sprintf("%v", cfg.TenantIDs()),
	}
}

func checkProtocol(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Protocol", Status: "SKIP", Message: "Config missing"}
	}
	p := cfg.Protocol
	if p.MinAgentVersion != "" && !protocol.ValidVersion(p.MinAgentVersion) {
		return CheckResult{Name: "Protocol", Status: "FAIL", Message: fmt.Sprintf("min_agent_version %q is not a version", p.MinAgentVersion)}
	}
	if p.LatestAgentVersion != "" {
		if !protocol.ValidVersion(p.LatestAgentVersion) {
			return CheckResult{Name: "Protocol", Status: "FAIL", Message: fmt.Sprintf("latest_agent_version %q is not a version", p.LatestAgentVersion)}
		}
		if p.MinAgentVersion != "" && protocol.CompareVersions(p.LatestAgentVersion, p.MinAgentVersion) < 0 {
			return CheckResult{Name: "Protocol", Status: "WARN", Message: "latest_agent_version is below min_agent_version"}
		}
	}
	return CheckResult{Name: "Protocol", Status: "PASS", Message: fmt.Sprintf("%s, agents >= %s", p.Name, p.MinAgentVersion)}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	jobs := []struct{ name, expr string }{
		{"retention", cfg.Retention.Schedule},
		{"lease-report", cfg.Retention.LeaseReportSchedule},
	}
	var next []string
	for _, j := range jobs {
		if j.expr == "" {
			next = append(next, j.name+"=disabled")
			continue
		}
		at, err := cron.NextRunTime(j.expr, time.Now())
		if err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("%s schedule %q: %v", j.name, j.expr, err)}
		}
		next = append(next, j.name+"="+at.Format(time.RFC3339))
	}
	return CheckResult{Name: "Schedules", Status: "PASS", Message: "Maintenance schedules parse", Detail: fmt.Sprint(next)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "fleetrelay.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	expired, err := store.ExpiredLeaseCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if expired > 0 {
		return CheckResult{Name: "Database", Status: "WARN", Message: fmt.Sprintf("%d tasks with expired leases", expired)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Redis.URL == "" {
		return CheckResult{Name: "Redis", Status: "SKIP", Message: "Not configured; status cache uses SQLite"}
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("Invalid url: %v", err)}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err), Detail: "addr=" + opts.Addr}
	}
	return CheckResult{
		Name:    "Redis",
		Status:  "PASS",
		Message: fmt.Sprintf("Reachable (%dms)", time.Since(start).Milliseconds()),
		Detail:  "addr=" + opts.Addr,
	}
}

// checkBind reports whether the configured address is free. An address in use
// usually means a relay is already running.
func checkBind(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			return CheckResult{Name: "Bind", Status: "WARN", Message: fmt.Sprintf("%s is in use", cfg.BindAddr), Detail: err.Error()}
		}
		return CheckResult{Name: "Bind", Status: "FAIL", Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind", Status: "PASS", Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
