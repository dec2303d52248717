package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay instruments.
type Metrics struct {
	Requests           metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
	PendingTimeouts    metric.Int64Counter
	TasksDispatched    metric.Int64Counter
	TasksAcked         metric.Int64Counter
	LogChunksDelivered metric.Int64Counter
	ExpiredLeases      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter("fleetrelay.requests",
		metric.WithDescription("Client action requests by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("fleetrelay.request.duration",
		metric.WithDescription("Time spent routing a client request in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("fleetrelay.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingTimeouts, err = meter.Int64Counter("fleetrelay.pending.timeouts",
		metric.WithDescription("Requests failed with AGENT_TIMEOUT"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("fleetrelay.tasks.dispatched",
		metric.WithDescription("Tasks pushed to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAcked, err = meter.Int64Counter("fleetrelay.tasks.acked",
		metric.WithDescription("Tasks acknowledged by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.LogChunksDelivered, err = meter.Int64Counter("fleetrelay.logstream.chunks",
		metric.WithDescription("Log chunks delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpiredLeases, err = meter.Int64Counter("fleetrelay.tasks.expired_leases",
		metric.WithDescription("Leased tasks observed past their lease by the lease report"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest counts one routed client request and its latency.
// A nil receiver is a no-op.
func (m *Metrics) RecordRequest(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrKind.String(kind), AttrOutcome.String(outcome))
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrKind.String(kind)))
}

// State is a point-in-time view of the relay tables.
type State struct {
	Agents           int64
	Clients          int64
	PendingRequests  int64
	LogStreams       int64
	TerminalSessions int64
}

// RegisterStateGauges exposes the relay tables as observable gauges read from
// state at collection time.
func RegisterStateGauges(meter metric.Meter, state func() State) error {
	conns, err := meter.Int64ObservableGauge("fleetrelay.connections.active",
		metric.WithDescription("Open connections by role"),
	)
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("fleetrelay.pending.active",
		metric.WithDescription("Requests waiting for an agent response"),
	)
	if err != nil {
		return err
	}
	streams, err := meter.Int64ObservableGauge("fleetrelay.logstream.active",
		metric.WithDescription("Active shared log streams"),
	)
	if err != nil {
		return err
	}
	terminals, err := meter.Int64ObservableGauge("fleetrelay.terminal.sessions",
		metric.WithDescription("Expected and bound terminal sessions"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := state()
		o.ObserveInt64(conns, st.Agents, metric.WithAttributes(AttrRole.String("agent")))
		o.ObserveInt64(conns, st.Clients, metric.WithAttributes(AttrRole.String("client")))
		o.ObserveInt64(pending, st.PendingRequests)
		o.ObserveInt64(streams, st.LogStreams)
		o.ObserveInt64(terminals, st.TerminalSessions)
		return nil
	}, conns, pending, streams, terminals)
	return err
}

// TenantAttr tags a measurement with its tenant.
func TenantAttr(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(AttrTenantID.String(tenantID))
}
