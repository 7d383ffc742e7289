// Package telemetry provides observability instrumentation for cubeharvest.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher into
// one bundle that is created at startup and threaded through the controller.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Components take a child logger so every line carries a component field:
//
//	log := tel.Logger.NewComponentLogger("loop")
//	log.WithUnit("miner-1a2b3c4d", "miner").Info("unit running")
//
// # Metrics
//
// Metrics live in a private registry. Every recording method is a no-op when
// metrics are disabled, so callers never check the configuration themselves.
// The registry is served by the API server on /metrics and optionally by a
// standalone listener (MetricsConfig.ListenAddress).
//
// # Tracing
//
// Cluster API calls are wrapped with RecordClusterOperation, which opens a
// span and records call metrics when a Telemetry is present in the context.
// Reconciliation batches get a span of their own.
//
// # Events
//
// The EventPublisher buffers events and delivers them to subscribers from a
// single goroutine, in publish order. The SQLite journal and the NATS sink are
// both subscribers:
//
//	tel.Events.Subscribe(journal.Handle, telemetry.FilterByType(
//	    telemetry.EventTypeUnitTransition,
//	    telemetry.EventTypeLedgerEntry,
//	))
//
// Event types:
//
//   - unit.transition: a unit changed lifecycle status
//   - ledger.entry: credits were accrued, spent, refunded or drained
//   - chaos.fired: the chaos injector picked a unit
//   - cluster.availability: the cluster became unavailable or recovered
//   - policy.denied: admission policy rejected a deploy
//   - tuning.reloaded: game tuning was reloaded from the config file
package telemetry
