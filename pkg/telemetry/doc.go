// Package telemetry bundles the daemon's observability: structured logging
// (zerolog), tracing (OpenTelemetry) and metrics (Prometheus).
//
// Components receive a *Telemetry at construction and derive their own logger:
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	logger := tel.Logger.NewComponentLogger("macro").WithMacroPID(pid)
//	logger.WithError(err).Warn("macro exited with error")
//
// A nil *Telemetry is valid wherever one is accepted; OrNop swaps in a bundle
// that records nothing, which is what tests use.
//
// # Tracing
//
// Spans cover instance lifecycle operations (StartInstanceSpan), procedure calls
// into sandboxed workers (StartProcedureSpan) and macro runs (StartMacroSpan).
// Traces go to stdout or an OTLP/gRPC collector depending on
// TracingConfig.Exporter.
//
// # Metrics
//
// Metrics live in a private registry under the "warden" namespace and are served
// by StartMetricsServer. Every recorder is safe to call on a nil or disabled
// *Metrics.
package telemetry
