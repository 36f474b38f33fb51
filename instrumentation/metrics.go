package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result labels shared by the Record* methods
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all metric instruments for the consent broker
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization Request Metrics
	RequestsIssued      metric.Int64Counter
	CallbacksProcessed  metric.Int64Counter
	StateMismatch       metric.Int64Counter
	NonceReplayDetected metric.Int64Counter

	// Token Exchange Metrics
	TokenExchanges        metric.Int64Counter
	TokenExchangeAttempts metric.Int64Counter
	TokenExchangeDuration metric.Float64Histogram

	// Consent Ledger Metrics
	GrantsCreated metric.Int64Counter
	GrantsRevoked metric.Int64Counter
	GrantsExpired metric.Int64Counter

	// Sweeper Metrics
	SweepRuns     metric.Int64Counter
	SweepEvicted  metric.Int64Counter
	SweepDuration metric.Float64Histogram

	// Security Metrics
	RateLimitExceeded metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoragePendingRequests   metric.Int64ObservableGauge
	StorageActiveGrants      metric.Int64ObservableGauge
	StorageRetainedGrants    metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")
	securityMeter := inst.Meter("security")

	var err error

	// HTTP Layer Metrics
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"consent.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"consent.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// Authorization Request Metrics
	m.RequestsIssued, err = serverMeter.Int64Counter(
		"consent.request.issued",
		metric.WithDescription("Number of authorization requests issued"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request.issued counter: %w", err)
	}

	m.CallbacksProcessed, err = serverMeter.Int64Counter(
		"consent.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.StateMismatch, err = securityMeter.Int64Counter(
		"consent.state.mismatch",
		metric.WithDescription("Number of callbacks whose returned state did not match the issued nonce"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.mismatch counter: %w", err)
	}

	m.NonceReplayDetected, err = securityMeter.Int64Counter(
		"consent.nonce.replay_detected",
		metric.WithDescription("Number of callbacks that reused a consumed nonce"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce.replay_detected counter: %w", err)
	}

	// Token Exchange Metrics
	m.TokenExchanges, err = serverMeter.Int64Counter(
		"consent.token.exchanges",
		metric.WithDescription("Number of completed token exchanges by outcome"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchanges counter: %w", err)
	}

	m.TokenExchangeAttempts, err = providerMeter.Int64Counter(
		"consent.token.exchange_attempts",
		metric.WithDescription("Number of individual token endpoint attempts, including retries"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchange_attempts counter: %w", err)
	}

	m.TokenExchangeDuration, err = providerMeter.Float64Histogram(
		"consent.token.exchange.duration",
		metric.WithDescription("Token exchange duration including retries in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchange.duration histogram: %w", err)
	}

	// Consent Ledger Metrics
	m.GrantsCreated, err = serverMeter.Int64Counter(
		"consent.grant.created",
		metric.WithDescription("Number of consent grants recorded"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.created counter: %w", err)
	}

	m.GrantsRevoked, err = serverMeter.Int64Counter(
		"consent.grant.revoked",
		metric.WithDescription("Number of consent grants revoked"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.revoked counter: %w", err)
	}

	m.GrantsExpired, err = serverMeter.Int64Counter(
		"consent.grant.expired",
		metric.WithDescription("Number of consent grants that reached their expiry"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.expired counter: %w", err)
	}

	// Sweeper Metrics
	m.SweepRuns, err = storageMeter.Int64Counter(
		"consent.sweep.runs",
		metric.WithDescription("Number of retention sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.runs counter: %w", err)
	}

	m.SweepEvicted, err = storageMeter.Int64Counter(
		"consent.sweep.evicted",
		metric.WithDescription("Number of records evicted by the sweeper"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.evicted counter: %w", err)
	}

	m.SweepDuration, err = storageMeter.Float64Histogram(
		"consent.sweep.duration",
		metric.WithDescription("Retention sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.duration histogram: %w", err)
	}

	// Security Metrics
	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"consent.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"consent.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"consent.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StoragePendingRequests, err = storageMeter.Int64ObservableGauge(
		"consent.storage.pending_requests",
		metric.WithDescription("Number of issued authorization requests awaiting a callback"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.pending_requests gauge: %w", err)
	}

	m.StorageActiveGrants, err = storageMeter.Int64ObservableGauge(
		"consent.storage.active_grants",
		metric.WithDescription("Number of active consent grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.active_grants gauge: %w", err)
	}

	m.StorageRetainedGrants, err = storageMeter.Int64ObservableGauge(
		"consent.storage.retained_grants",
		metric.WithDescription("Number of revoked or expired grants awaiting eviction"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.retained_grants gauge: %w", err)
	}

	// Provider Metrics
	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"consent.provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"consent.provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"consent.provider.api.errors",
		metric.WithDescription("Number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors counter: %w", err)
	}

	// Audit Metrics
	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"consent.audit.events.total",
		metric.WithDescription("Total number of audit events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

func resultLabel(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordRequestIssued records an issued authorization request
func (m *Metrics) RecordRequestIssued(ctx context.Context, provider string) {
	m.RequestsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCallbackProcessed records a processed callback. outcome is a short
// label such as "consumed", "not_found", "expired" or "replayed".
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, outcome string) {
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordStateMismatch records a callback whose state did not match
func (m *Metrics) RecordStateMismatch(ctx context.Context) {
	m.StateMismatch.Add(ctx, 1)
}

// RecordNonceReplay records a replayed nonce
func (m *Metrics) RecordNonceReplay(ctx context.Context) {
	m.NonceReplayDetected.Add(ctx, 1)
}

// RecordTokenExchange records the final outcome of a token exchange
func (m *Metrics) RecordTokenExchange(ctx context.Context, provider string, success bool, attempts int, durationMs float64) {
	m.TokenExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", resultLabel(success)),
	))
	m.TokenExchangeDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Int("attempts", attempts),
	))
}

// RecordTokenExchangeAttempt records a single attempt against the token endpoint
func (m *Metrics) RecordTokenExchangeAttempt(ctx context.Context, provider string, transient bool) {
	m.TokenExchangeAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("transient_failure", transient),
	))
}

// RecordGrantCreated records a new consent grant
func (m *Metrics) RecordGrantCreated(ctx context.Context, provider string) {
	m.GrantsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordGrantRevoked records a revocation
func (m *Metrics) RecordGrantRevoked(ctx context.Context) {
	m.GrantsRevoked.Add(ctx, 1)
}

// RecordGrantExpired records an Active -> Expired transition. observedBy is
// "read" for lazy expiry and "sweep" for the sweeper.
func (m *Metrics) RecordGrantExpired(ctx context.Context, observedBy string) {
	m.GrantsExpired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("observed_by", observedBy),
	))
}

// RecordSweep records a retention sweep and how many records it evicted
func (m *Metrics) RecordSweep(ctx context.Context, requestsEvicted, grantsEvicted int, durationMs float64) {
	m.SweepRuns.Add(ctx, 1)
	m.SweepEvicted.Add(ctx, int64(requestsEvicted), metric.WithAttributes(
		attribute.String("kind", "request"),
	))
	m.SweepEvicted.Add(ctx, int64(grantsEvicted), metric.WithAttributes(
		attribute.String("kind", "grant"),
	))
	m.SweepDuration.Record(ctx, durationMs)
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
