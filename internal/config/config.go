package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig configures the signing of capability and connection tokens.
type AuthConfig struct {
	TokenSecret          string `yaml:"token_secret"`
	Issuer               string `yaml:"issuer"`
	CapabilityTTLSeconds int    `yaml:"capability_ttl_seconds"`
	ConnectionTTLHours   int    `yaml:"connection_ttl_hours"`
}

func (a AuthConfig) CapabilityTTL() time.Duration {
	return time.Duration(a.CapabilityTTLSeconds) * time.Second
}

func (a AuthConfig) ConnectionTTL() time.Duration {
	return time.Duration(a.ConnectionTTLHours) * time.Hour
}

// LimitsConfig holds the admission ceilings. All of them can be reloaded live.
type LimitsConfig struct {
	RequestsPerWindow   int `yaml:"requests_per_window"`
	WindowSeconds       int `yaml:"window_seconds"`
	LogChunksPerSecond  int `yaml:"log_chunks_per_second"`
	MaxPendingPerClient int `yaml:"max_pending_per_client"`
	// ConnectsPerMinute caps websocket upgrades per remote address. 0 disables.
	ConnectsPerMinute int `yaml:"connects_per_minute"`
}

func (l LimitsConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type TimeoutsConfig struct {
	PendingSeconds        int            `yaml:"pending_seconds"`
	PerKindSeconds        map[string]int `yaml:"per_kind_seconds"`
	SweepIntervalSeconds  int            `yaml:"sweep_interval_seconds"`
	ConnectionTTLSeconds  int            `yaml:"connection_ttl_seconds"`
	LeaseSeconds          int            `yaml:"lease_seconds"`
	TerminalExpectSeconds int            `yaml:"terminal_expect_seconds"`
	TerminalIdleSeconds   int            `yaml:"terminal_idle_seconds"`
}

// PendingFor returns how long a request of the given kind waits for its agent.
func (t TimeoutsConfig) PendingFor(kind string) time.Duration {
	if s, ok := t.PerKindSeconds[kind]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(t.PendingSeconds) * time.Second
}

func (t TimeoutsConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

func (t TimeoutsConfig) ConnectionTTL() time.Duration {
	return time.Duration(t.ConnectionTTLSeconds) * time.Second
}

func (t TimeoutsConfig) Lease() time.Duration {
	return time.Duration(t.LeaseSeconds) * time.Second
}

func (t TimeoutsConfig) TerminalExpect() time.Duration {
	return time.Duration(t.TerminalExpectSeconds) * time.Second
}

func (t TimeoutsConfig) TerminalIdle() time.Duration {
	return time.Duration(t.TerminalIdleSeconds) * time.Second
}

// ProtocolConfig gates agent handshakes.
type ProtocolConfig struct {
	Name               string `yaml:"name"`
	MinAgentVersion    string `yaml:"min_agent_version"`
	LatestAgentVersion string `yaml:"latest_agent_version"`
}

// RedisConfig points the status cache at redis. An empty URL keeps the cache in
// SQLite.
type RedisConfig struct {
	URL        string `yaml:"url"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// RetentionConfig drives the maintenance jobs. 0 days keeps rows forever.
type RetentionConfig struct {
	AuditLogDays        int    `yaml:"audit_log_days"`
	StaleTaskDays       int    `yaml:"stale_task_days"`
	Schedule            string `yaml:"schedule"`
	LeaseReportSchedule string `yaml:"lease_report_schedule"`
}

type InstanceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// MemberConfig grants a user access to a tenant. Access is "read" or "write";
// write implies read.
type MemberConfig struct {
	User   string `yaml:"user"`
	Access string `yaml:"access"`
}

type TenantConfig struct {
	ID        string           `yaml:"id"`
	Instances []InstanceConfig `yaml:"instances"`
	Members   []MemberConfig   `yaml:"members"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Retention RetentionConfig `yaml:"retention"`
	Tenants   []TenantConfig  `yaml:"tenants"`

	NeedsGenesis bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint identifies the settings that require a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|protocol=%s/%s|redis=%s|issuer=%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.Protocol.Name, c.Protocol.MinAgentVersion, c.Redis.URL, c.Auth.Issuer)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Auth: AuthConfig{
			Issuer:               "fleetrelay",
			CapabilityTTLSeconds: 300,
			ConnectionTTLHours:   24,
		},
		Limits: LimitsConfig{
			RequestsPerWindow:   120,
			WindowSeconds:       60,
			LogChunksPerSecond:  50,
			MaxPendingPerClient: 100,
			ConnectsPerMinute:   60,
		},
		Timeouts: TimeoutsConfig{
			PendingSeconds:        30,
			PerKindSeconds:        map[string]int{"deploy": 600, "instance_system_install": 900},
			SweepIntervalSeconds:  10,
			ConnectionTTLSeconds:  90,
			LeaseSeconds:          300,
			TerminalExpectSeconds: 60,
			TerminalIdleSeconds:   300,
		},
		Protocol: ProtocolConfig{
			Name:            "fleet-agent/1",
			MinAgentVersion: "1.0.0",
		},
		Redis: RedisConfig{
			KeyPrefix:  "fleetrelay:",
			TTLSeconds: 86400,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "fleetrelay",
		},
		Retention: RetentionConfig{
			AuditLogDays:        90,
			StaleTaskDays:       7,
			Schedule:            "15 3 * * *",
			LeaseReportSchedule: "*/5 * * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FLEETRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetrelay")
}

// Load reads defaults, then config.yaml from the home dir, then FLEETRELAY_* env
// overrides, and normalizes the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = def.Auth.Issuer
	}
	positive(&cfg.Auth.CapabilityTTLSeconds, def.Auth.CapabilityTTLSeconds)
	positive(&cfg.Auth.ConnectionTTLHours, def.Auth.ConnectionTTLHours)

	positive(&cfg.Limits.WindowSeconds, def.Limits.WindowSeconds)
	positive(&cfg.Limits.LogChunksPerSecond, def.Limits.LogChunksPerSecond)
	positive(&cfg.Limits.MaxPendingPerClient, def.Limits.MaxPendingPerClient)
	if cfg.Limits.ConnectsPerMinute < 0 {
		cfg.Limits.ConnectsPerMinute = 0
	}
	if cfg.Limits.RequestsPerWindow < 0 {
		cfg.Limits.RequestsPerWindow = 0 // disabled
	}

	positive(&cfg.Timeouts.PendingSeconds, def.Timeouts.PendingSeconds)
	positive(&cfg.Timeouts.SweepIntervalSeconds, def.Timeouts.SweepIntervalSeconds)
	positive(&cfg.Timeouts.ConnectionTTLSeconds, def.Timeouts.ConnectionTTLSeconds)
	positive(&cfg.Timeouts.LeaseSeconds, def.Timeouts.LeaseSeconds)
	positive(&cfg.Timeouts.TerminalExpectSeconds, def.Timeouts.TerminalExpectSeconds)
	positive(&cfg.Timeouts.TerminalIdleSeconds, def.Timeouts.TerminalIdleSeconds)

	if cfg.Protocol.Name == "" {
		cfg.Protocol.Name = def.Protocol.Name
	}
	if cfg.Protocol.MinAgentVersion == "" {
		cfg.Protocol.MinAgentVersion = def.Protocol.MinAgentVersion
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	positive(&cfg.Redis.TTLSeconds, def.Redis.TTLSeconds)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = def.Retention.Schedule
	}
	if cfg.Retention.LeaseReportSchedule == "" {
		cfg.Retention.LeaseReportSchedule = def.Retention.LeaseReportSchedule
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		t.ID = strings.TrimSpace(t.ID)
		for j := range t.Members {
			t.Members[j].Access = strings.ToLower(strings.TrimSpace(t.Members[j].Access))
			if t.Members[j].Access == "" {
				t.Members[j].Access = "read"
			}
		}
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg *Config) error {
	var errs []error
	seen := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		if t.ID == "" {
			errs = append(errs, errors.New("tenant with empty id"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate tenant %q", t.ID))
		}
		seen[t.ID] = true
		for _, m := range t.Members {
			if m.Access != "read" && m.Access != "write" {
				errs = append(errs, fmt.Errorf("tenant %q member %q: access must be read or write, got %q", t.ID, m.User, m.Access))
			}
		}
		for _, inst := range t.Instances {
			if inst.ID == "" && inst.Name == "" {
				errs = append(errs, fmt.Errorf("tenant %q: instance needs an id or a name", t.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// TenantIDs returns the configured tenant ids, sorted.
func (c Config) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLEETRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FLEETRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLEETRELAY_TOKEN_SECRET"); raw != "" {
		cfg.Auth.TokenSecret = raw
	}
	if raw := os.Getenv("FLEETRELAY_REDIS_URL"); raw != "" {
		cfg.Redis.URL = raw
	}
	if raw := os.Getenv("FLEETRELAY_MAX_PENDING_PER_CLIENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxPendingPerClient = v
		}
	}
	if raw := os.Getenv("FLEETRELAY_LOG_CHUNKS_PER_SECOND"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.LogChunksPerSecond = v
		}
	}
	if raw := os.Getenv("FLEETRELAY_PENDING_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Timeouts.PendingSeconds = v
		}
	}
	if raw := os.Getenv("FLEETRELAY_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
}
