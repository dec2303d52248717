package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/config"
	"github.com/basket/fleetrelay/internal/persistence"
)

func testRelay(t *testing.T) (*relay, *sdkmetric.ManualReader) {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Auth.TokenSecret = "relay-test-secret-0123456789abcdef"
	cfg.Tenants = []config.TenantConfig{{
		ID:        "acme",
		Instances: []config.InstanceConfig{{ID: "i-1", Name: "web-1"}},
	}}

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := buildRelay(cfg, logger, nooptrace.NewTracerProvider().Tracer("test"), meter)
	if err != nil {
		t.Fatalf("buildRelay: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestBuildRelayServesHealthz(t *testing.T) {
	r, _ := testRelay(t)
	srv := httptest.NewServer(r.gateway.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["db_ok"] != true {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, body)
	}
	if body["config_fingerprint"] != r.cfg.Fingerprint() {
		t.Fatalf("fingerprint = %v, want %s", body["config_fingerprint"], r.cfg.Fingerprint())
	}
}

func TestBuildRelaySchedulesMaintenanceJobs(t *testing.T) {
	r, _ := testRelay(t)
	names := map[string]bool{}
	for _, j := range r.scheduler.Jobs() {
		names[j.Name] = true
	}
	if !names["retention"] || !names["lease-report"] {
		t.Fatalf("jobs = %v, want retention and lease-report", names)
	}
	if err := r.runRetention(context.Background()); err != nil {
		t.Fatalf("retention: %v", err)
	}
}

func TestObserveTurnsEventsIntoMetrics(t *testing.T) {
	r, reader := testRelay(t)
	ctx := context.Background()

	r.observe(ctx, bus.Event{Topic: bus.TopicTaskDispatched, Payload: bus.TaskEvent{TenantID: "acme", TaskIDs: []string{"a", "b"}}})
	r.observe(ctx, bus.Event{Topic: bus.TopicTaskAcked, Payload: bus.TaskEvent{TenantID: "acme", TaskIDs: []string{"a"}}})
	r.observe(ctx, bus.Event{Topic: bus.TopicPendingTimeout, Payload: bus.PendingEvent{TenantID: "acme", TaskID: "b"}})
	r.observe(ctx, bus.Event{Topic: bus.TopicPendingResolved, Payload: bus.PendingEvent{TenantID: "acme", TaskID: "a"}})

	if got := counterTotal(t, reader, "fleetrelay.tasks.dispatched"); got != 2 {
		t.Fatalf("dispatched = %d, want 2", got)
	}
	if got := counterTotal(t, reader, "fleetrelay.tasks.acked"); got != 1 {
		t.Fatalf("acked = %d, want 1", got)
	}
	if got := counterTotal(t, reader, "fleetrelay.pending.timeouts"); got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}
}

func TestReportExpiredLeases(t *testing.T) {
	r, reader := testRelay(t)
	ctx := context.Background()

	if _, err := r.store.EnqueueTask(ctx, persistence.Task{ID: "t-1", TenantID: "acme", Type: "deploy", Payload: "{}"}, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r.store.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	if err := r.reportExpiredLeases(ctx); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := counterTotal(t, reader, "fleetrelay.tasks.expired_leases"); got != 1 {
		t.Fatalf("expired leases = %d, want 1", got)
	}
}

func TestApplyConfigReloadsTenants(t *testing.T) {
	r, _ := testRelay(t)
	ctx := context.Background()

	if _, err := r.directory.Lookup(ctx, "acme", "api-1"); err == nil {
		t.Fatal("api-1 must not exist before reload")
	}
	next := r.cfg
	next.Tenants = []config.TenantConfig{{
		ID:        "acme",
		Instances: []config.InstanceConfig{{ID: "i-9", Name: "api-1"}},
		Members:   []config.MemberConfig{{User: "alice", Access: "write"}},
	}}
	r.applyConfig(next)

	inst, err := r.directory.Lookup(ctx, "acme", "api-1")
	if err != nil || inst.ID != "i-9" {
		t.Fatalf("lookup after reload: %+v, %v", inst, err)
	}
	if ok, _ := r.directory.CanWrite(ctx, "alice", "acme"); !ok {
		t.Fatal("alice should have write access after reload")
	}
}

func TestRelayStateReflectsTables(t *testing.T) {
	r, _ := testRelay(t)
	st := r.state()
	if st.Agents != 0 || st.Clients != 0 || st.PendingRequests != 0 || st.LogStreams != 0 || st.TerminalSessions != 0 {
		t.Fatalf("fresh relay state not empty: %+v", st)
	}
}

func TestLimiterIdleOutlivesUpgradeWindow(t *testing.T) {
	cases := []struct {
		window int
		want   time.Duration
	}{
		{1, 10 * time.Minute},
		{60, 10 * time.Minute},
		{300, 50 * time.Minute},
	}
	for _, tc := range cases {
		var cfg config.Config
		cfg.Limits.WindowSeconds = tc.window
		if got := limiterIdle(cfg); got != tc.want {
			t.Fatalf("window %ds: limiterIdle = %v, want %v", tc.window, got, tc.want)
		}
	}
}
