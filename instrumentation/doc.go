// Package instrumentation provides OpenTelemetry metrics and tracing for the
// consent broker.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "consentd",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false every provider is a no-op. When it is true and no
// provider is supplied, SDK providers bound to the service resource are
// created; plug a reader or exporter in through Config.MeterProvider and
// Config.TracerProvider.
//
// # Available Metrics
//
// HTTP Layer:
//   - consent.http.requests.total{method, endpoint, status}
//   - consent.http.request.duration{method, endpoint, status}
//
// Consent Flow:
//   - consent.request.issued{provider}
//   - consent.callback.processed{outcome}
//   - consent.token.exchanges{provider, result}
//   - consent.token.exchange_attempts{provider, transient_failure}
//   - consent.token.exchange.duration{provider, attempts}
//   - consent.grant.created{provider}
//   - consent.grant.revoked
//   - consent.grant.expired{observed_by}
//
// Security:
//   - consent.state.mismatch
//   - consent.nonce.replay_detected
//   - consent.rate_limit.exceeded{limiter_type}
//   - consent.audit.events.total{event_type}
//
// Storage and Sweeper:
//   - consent.storage.operations.total{operation, result}
//   - consent.storage.operation.duration{operation}
//   - consent.storage.pending_requests, active_grants, retained_grants (gauges)
//   - consent.sweep.runs, consent.sweep.evicted{kind}, consent.sweep.duration
//
// Provider:
//   - consent.provider.api.calls.total{provider, operation, status}
//   - consent.provider.api.duration{provider, operation}
//   - consent.provider.api.errors{provider, operation, error_type}
//
// No label carries a subject reference, grant ID or any credential, so series
// cardinality is bounded by the number of providers and endpoints.
//
// # Security Considerations
//
// Span attributes carry fingerprints only. Tokens, PKCE verifiers, state
// nonces, authorization codes and client secrets must never be attached to a
// span or metric.
package instrumentation
