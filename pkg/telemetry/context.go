package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher built
// from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	nats *NATSSink
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
// When NATSURL is set events at NATSMinLevel or above are also forwarded to NATS.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	metrics.TrackDroppedEvents(events.Dropped)

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}

	if cfg.NATSURL != "" && cfg.Events.Enabled {
		sink, err := NewNATSSink(cfg.NATSURL, cfg.NATSSubjectPrefix, logger.NewComponentLogger("nats"))
		if err != nil {
			return nil, err
		}
		t.nats = sink
		events.Subscribe(sink.Handle, FilterByLevel(cfg.NATSMinLevel))
	}

	return t, nil
}

// NewNopTelemetry returns a bundle that records nothing. Used by tests and one-shot commands.
func NewNopTelemetry() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, telemetryContextKey{}, t)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Drain events before closing the NATS connection they flow into.
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if t.nats != nil {
		t.nats.Close()
	}

	return t.Tracer.Shutdown(ctx)
}

// RecordClusterOperation runs fn as one cluster API call, recording a span and
// call metrics when telemetry is present in ctx.
func RecordClusterOperation(ctx context.Context, operation, name string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartClusterSpan(ctx, operation, name)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		result := "ok"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		tel.Metrics.RecordClusterCall(operation, result, timer.Duration())
	}

	return err
}
