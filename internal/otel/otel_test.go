package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		sdk     bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "discard exporter", cfg: Config{Enabled: true, Exporter: "none"}, sdk: true},
		{name: "custom service and sampling", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "relay-eu", SampleRate: 0.25}, sdk: true},
		{name: "stdout exporter", cfg: Config{Enabled: true, Exporter: "stdout"}, sdk: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if p.Tracer == nil || p.Meter == nil {
				t.Fatal("tracer and meter must always be set")
			}
			if (p.TracerProvider != nil) != tt.sdk {
				t.Fatalf("sdk tracer provider present = %v, want %v", p.TracerProvider != nil, tt.sdk)
			}
			if err := p.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}
		})
	}
}

func TestInit_ReaderCollectsRelayMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Reader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TasksDispatched.Add(context.Background(), 3, TenantAttr("acme"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == "fleetrelay.tasks.dispatched" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("dispatched counter not exported through the configured reader")
	}
}

func TestInit_MetricsDisabledIgnoresReader(t *testing.T) {
	off := false
	cfg := Config{Enabled: true, Exporter: "none", Reader: sdkmetric.NewManualReader(), MetricsEnabled: &off}
	if cfg.metricsOn() {
		t.Fatal("metrics_enabled=false must keep the reader detached")
	}
	cfg.MetricsEnabled = nil
	if !cfg.metricsOn() {
		t.Fatal("reader should attach by default")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartServerSpan(context.Background(), p.Tracer, "relay.client.deploy",
		AttrTenantID.String("acme"),
		AttrKind.String("deploy"),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}

	_, child := StartProducerSpan(ctx, p.Tracer, "relay.dispatch", AttrTaskID.String("t-1"))
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("dispatch span should share the request trace")
	}
	child.End()

	_, internal := StartSpan(ctx, p.Tracer, "relay.pending.register")
	internal.End()
	span.End()
}
