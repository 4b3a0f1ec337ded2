// Package telemetry provides observability for netfroyo reconciliations.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing, and plugs
// them into the engine through its Metrics and EventPublisher seams.
//
// # Usage
//
// Initialize telemetry at startup and hand it to the reconciler:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	rec := engine.NewReconciler(backend, tel.EngineOptions()...)
//
// # Structured Logging
//
// Loggers carry reconciliation fields:
//
//	logger := tel.Logger.NewComponentLogger("cli").WithRunID(result.RunID)
//	logger.WithInterface("bond0").Info("Interface created")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// The engine opens spans through the global OpenTelemetry provider:
// engine.reconcile as the root, with engine.checkpoint, engine.apply,
// engine.verify and engine.rollback beneath it. NewTracer installs the
// configured provider (otlp, stdout or none) as the global one.
//
// # Metrics
//
// Metrics implements engine.Metrics with these collectors, all under the
// configured namespace:
//
//   - reconciles_total{outcome}
//   - reconcile_duration_seconds{outcome}
//   - phase_duration_seconds{phase}
//   - operations_total{action,status}
//   - operation_duration_seconds{action}
//   - verify_polls
//   - rollbacks_total{result} and rollback_attempts
//   - errors_total{kind,class}
//
// StartMetricsServer exposes them over HTTP for long-running agents.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive the
// timeline of every run (phase changes, operations, verification polls,
// rollbacks) and can be narrowed with filters:
//
//	tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Interface)
//	}, telemetry.FilterByType(engine.EventTypeOperationFailed))
package telemetry
