// Package telemetry provides observability instrumentation for clusterup.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event publishing
// into a single unified surface used by the orchestration engine and the
// CLI.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "clusterup"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
//
// Loggers travel on the context; retrieve them with telemetry.FromContext.
// Lifecycle events (bring-up started, instance operational, readiness
// timeout) flow through the EventPublisher, which CLI commands subscribe
// to for progress output.
package telemetry
