package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the game controller.
type Metrics struct {
	config MetricsConfig

	// Economy metrics
	credits    prometheus.Gauge
	creditRate prometheus.Gauge
	links      prometheus.Gauge
	ledger     *prometheus.CounterVec

	// World metrics
	units       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	degraded    prometheus.Gauge

	// Intent metrics
	intents      *prometheus.CounterVec
	chaosFirings *prometheus.CounterVec

	// Cluster metrics
	clusterCalls        *prometheus.CounterVec
	clusterCallDuration *prometheus.HistogramVec
	watchRestarts       *prometheus.CounterVec

	// Loop metrics
	batchSize prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		credits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credits",
			Help:      "Current credits balance",
		}),
		creditRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credit_rate",
			Help:      "Credits gained per tick with the current link set",
		}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links",
			Help:      "Current number of active miner/processor links",
		}),
		ledger: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_credits_total",
				Help:      "Absolute credits moved by ledger entry kind",
			},
			[]string{"kind"},
		),

		units: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "units",
				Help:      "Current number of units by kind and status",
			},
			[]string{"kind", "status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_transitions_total",
				Help:      "Total number of unit lifecycle transitions",
			},
			[]string{"kind", "to", "reason"},
		),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_degraded",
			Help:      "Whether the cluster is considered unavailable (1) or not (0)",
		}),

		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Total number of intents by type, origin and result",
			},
			[]string{"type", "origin", "result"},
		),
		chaosFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chaos_firings_total",
				Help:      "Total number of chaos firings by outcome",
			},
			[]string{"outcome"},
		),

		clusterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_calls_total",
				Help:      "Total number of cluster API calls",
			},
			[]string{"operation", "result"},
		),
		clusterCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cluster_call_duration_seconds",
				Help:      "Duration of cluster API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		watchRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_restarts_total",
				Help:      "Total number of watch resubscriptions",
			},
			[]string{"resource"},
		),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_batch_size",
			Help:      "Number of messages applied per reconciliation batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.credits,
		m.creditRate,
		m.links,
		m.ledger,
		m.units,
		m.transitions,
		m.degraded,
		m.intents,
		m.chaosFirings,
		m.clusterCalls,
		m.clusterCallDuration,
		m.watchRestarts,
		m.batchSize,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Economy Metrics

// SetEconomy records the balance, the per-tick rate and the link count.
func (m *Metrics) SetEconomy(credits, rate int64, links int) {
	if m.credits == nil {
		return
	}
	m.credits.Set(float64(credits))
	m.creditRate.Set(float64(rate))
	m.links.Set(float64(links))
}

// RecordLedgerEntry adds the absolute amount of a ledger entry.
func (m *Metrics) RecordLedgerEntry(kind string, amount int64) {
	if m.ledger == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.ledger.WithLabelValues(kind).Add(float64(amount))
}

// World Metrics

// ResetUnitCounts clears unit gauges before a full recount.
func (m *Metrics) ResetUnitCounts() {
	if m.units == nil {
		return
	}
	m.units.Reset()
}

// SetUnitCount sets the current count of units of a kind in a status.
func (m *Metrics) SetUnitCount(kind, status string, count int) {
	if m.units == nil {
		return
	}
	m.units.WithLabelValues(kind, status).Set(float64(count))
}

// RecordTransition records a unit lifecycle transition.
func (m *Metrics) RecordTransition(kind, to, reason string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(kind, to, reason).Inc()
}

// SetDegraded records cluster availability.
func (m *Metrics) SetDegraded(degraded bool) {
	if m.degraded == nil {
		return
	}
	value := 0.0
	if degraded {
		value = 1.0
	}
	m.degraded.Set(value)
}

// Intent Metrics

// RecordIntent records a submitted intent and its immediate result.
func (m *Metrics) RecordIntent(intentType, origin, result string) {
	if m.intents == nil {
		return
	}
	m.intents.WithLabelValues(intentType, origin, result).Inc()
}

// RecordChaosFiring records one chaos firing.
func (m *Metrics) RecordChaosFiring(outcome string) {
	if m.chaosFirings == nil {
		return
	}
	m.chaosFirings.WithLabelValues(outcome).Inc()
}

// Cluster Metrics

// RecordClusterCall records a cluster API call with its duration.
func (m *Metrics) RecordClusterCall(operation, result string, duration time.Duration) {
	if m.clusterCalls == nil {
		return
	}
	m.clusterCalls.WithLabelValues(operation, result).Inc()
	m.clusterCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWatchRestart records a watch resubscription for a resource.
func (m *Metrics) RecordWatchRestart(resource string) {
	if m.watchRestarts == nil {
		return
	}
	m.watchRestarts.WithLabelValues(resource).Inc()
}

// Loop Metrics

// ObserveBatchSize records the size of one reconciliation batch.
func (m *Metrics) ObserveBatchSize(n int) {
	if m.batchSize == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// TrackDroppedEvents exports an event publisher's dropped count as a counter.
func (m *Metrics) TrackDroppedEvents(dropped func() uint64) {
	if m.registry == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the publisher buffer was full",
		},
		func() float64 { return float64(dropped()) },
	))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics runs a standalone metrics HTTP server until ctx is done.
// It returns nil immediately when metrics or the listen address are disabled.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
