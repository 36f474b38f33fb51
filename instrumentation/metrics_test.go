package instrumentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	inst, err := New(Config{Enabled: true, MeterProvider: mp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, reader
}

// counterSum collects the named counter and sums the data points whose
// attributes include all of match.
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, match) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, match []attribute.KeyValue) bool {
	for _, kv := range match {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	tests := []struct {
		method     string
		endpoint   string
		statusCode int
	}{
		{"GET", "/authorize", 302},
		{"GET", "/callback", 200},
		{"DELETE", "/consents/{id}", 200},
		{"GET", "/consents/{id}", 404},
	}
	for _, tt := range tests {
		inst.Metrics().RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, 12.5)
	}

	if got := counterSum(t, reader, "consent.http.requests.total"); got != 4 {
		t.Errorf("http.requests.total = %d, want 4", got)
	}
	if got := counterSum(t, reader, "consent.http.requests.total", attribute.Int("status", 404)); got != 1 {
		t.Errorf("404 requests = %d, want 1", got)
	}
}

func TestMetrics_RecordConsentFlow(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordRequestIssued(ctx, "bank")
	m.RecordRequestIssued(ctx, "bank")
	m.RecordCallbackProcessed(ctx, "consumed")
	m.RecordCallbackProcessed(ctx, "replayed")
	m.RecordNonceReplay(ctx)
	m.RecordStateMismatch(ctx)
	m.RecordTokenExchangeAttempt(ctx, "bank", true)
	m.RecordTokenExchangeAttempt(ctx, "bank", false)
	m.RecordTokenExchange(ctx, "bank", true, 2, 40)
	m.RecordGrantCreated(ctx, "bank")
	m.RecordGrantRevoked(ctx)
	m.RecordGrantExpired(ctx, "read")
	m.RecordGrantExpired(ctx, "sweep")

	checks := []struct {
		name  string
		match []attribute.KeyValue
		want  int64
	}{
		{"consent.request.issued", nil, 2},
		{"consent.callback.processed", []attribute.KeyValue{attribute.String("outcome", "replayed")}, 1},
		{"consent.nonce.replay_detected", nil, 1},
		{"consent.state.mismatch", nil, 1},
		{"consent.token.exchange_attempts", []attribute.KeyValue{attribute.Bool("transient_failure", true)}, 1},
		{"consent.token.exchanges", []attribute.KeyValue{attribute.String("result", ResultSuccess)}, 1},
		{"consent.grant.created", nil, 1},
		{"consent.grant.revoked", nil, 1},
		{"consent.grant.expired", nil, 2},
		{"consent.grant.expired", []attribute.KeyValue{attribute.String("observed_by", "sweep")}, 1},
	}
	for _, c := range checks {
		if got := counterSum(t, reader, c.name, c.match...); got != c.want {
			t.Errorf("%s%v = %d, want %d", c.name, c.match, got, c.want)
		}
	}
}

func TestMetrics_RecordSweep(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordSweep(ctx, 2, 5, 3.2)
	inst.Metrics().RecordSweep(ctx, 0, 1, 1.1)

	if got := counterSum(t, reader, "consent.sweep.runs"); got != 2 {
		t.Errorf("sweep.runs = %d, want 2", got)
	}
	if got := counterSum(t, reader, "consent.sweep.evicted", attribute.String("kind", "grant")); got != 6 {
		t.Errorf("grants evicted = %d, want 6", got)
	}
	if got := counterSum(t, reader, "consent.sweep.evicted", attribute.String("kind", "request")); got != 2 {
		t.Errorf("requests evicted = %d, want 2", got)
	}
}

func TestMetrics_RecordProviderAPICalls(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		statusCode int
		err        error
		errorType  string
	}{
		{"success", 200, nil, ""},
		{"client error", 400, errors.New("invalid_grant"), "client_error"},
		{"server error", 503, errors.New("unavailable"), "server_error"},
		{"network error", 0, errors.New("connection reset"), "unknown"},
	}
	for _, tt := range tests {
		inst.Metrics().RecordProviderAPICall(ctx, "bank", "exchange_code", tt.statusCode, 10, tt.err)
	}

	if got := counterSum(t, reader, "consent.provider.api.calls.total"); got != 4 {
		t.Errorf("provider calls = %d, want 4", got)
	}
	if got := counterSum(t, reader, "consent.provider.api.errors"); got != 3 {
		t.Errorf("provider errors = %d, want 3", got)
	}
	for _, tt := range tests[1:] {
		if got := counterSum(t, reader, "consent.provider.api.errors", attribute.String("error_type", tt.errorType)); got != 1 {
			t.Errorf("%s: errors = %d, want 1", tt.name, got)
		}
	}
}

func TestMetrics_RecordStorageAndSecurity(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordStorageOperation(ctx, "save_grant", "success", 0.4)
	inst.Metrics().RecordStorageOperation(ctx, "get_grant", "not_found", 0.1)
	inst.Metrics().RecordRateLimitExceeded(ctx, "subject")
	inst.Metrics().RecordAuditEvent(ctx, "grant_created")

	if got := counterSum(t, reader, "consent.storage.operations.total", attribute.String("result", "not_found")); got != 1 {
		t.Errorf("not_found storage ops = %d, want 1", got)
	}
	if got := counterSum(t, reader, "consent.rate_limit.exceeded"); got != 1 {
		t.Errorf("rate_limit.exceeded = %d, want 1", got)
	}
	if got := counterSum(t, reader, "consent.audit.events.total", attribute.String("event_type", "grant_created")); got != 1 {
		t.Errorf("audit events = %d, want 1", got)
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.Metrics().RecordGrantCreated(ctx, "bank")
		}()
	}
	wg.Wait()

	if got := counterSum(t, reader, "consent.grant.created"); got != 50 {
		t.Errorf("grant.created = %d, want 50", got)
	}
}

func TestMetrics_NoOpBehavior(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m := inst.Metrics()

	// Should not panic
	m.RecordRequestIssued(ctx, "bank")
	m.RecordSweep(ctx, 1, 1, 1)
	m.RecordProviderAPICall(ctx, "bank", "exchange_code", 500, 1, errors.New("boom"))
	m.RecordAuditEvent(ctx, "grant_revoked")
}
