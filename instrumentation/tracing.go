package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: never set these to credential values. Tokens, verifiers,
// authorization codes, client secrets and raw state nonces must not appear in
// traces; use fingerprints or presence flags instead.
const (
	// Consent flow attributes
	AttrSubjectHash = "consent.subject_hash" // fingerprint of the subject reference
	AttrRequestRef  = "consent.request_ref"  // fingerprint of the state nonce
	AttrGrantID     = "consent.grant_id"
	AttrScope       = "consent.scope"
	AttrPKCEMethod  = "consent.pkce.method"
	AttrAttempts    = "consent.exchange.attempts"
	AttrError       = "consent.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"

	// Security attributes
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddConsentFlowAttributes adds the common consent flow attributes to a span.
// subjectHash and requestRef must already be fingerprints.
func AddConsentFlowAttributes(span trace.Span, subjectHash, requestRef string, scopes []string) {
	if subjectHash != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectHash, subjectHash))
	}
	if requestRef != "" {
		SetSpanAttributes(span, attribute.String(AttrRequestRef, requestRef))
	}
	if len(scopes) > 0 {
		SetSpanAttributes(span, attribute.StringSlice(AttrScope, scopes))
	}
}

// AddGrantAttributes adds the grant ID to a span (nil-safe)
func AddGrantAttributes(span trace.Span, grantID string) {
	if grantID != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantID, grantID))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
