package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/server"
	"github.com/giantswarm/bank-consent/storage"
)

// Sentinel errors returned by the service. Compare with errors.Is.
var (
	ErrEntropyUnavailable         = pkce.ErrEntropyUnavailable
	ErrInvalidScope               = pkce.ErrInvalidScope
	ErrNonceNotFound              = storage.ErrNonceNotFound
	ErrNonceAlreadyConsumed       = storage.ErrNonceAlreadyConsumed
	ErrNonceExpired               = storage.ErrNonceExpired
	ErrStateMismatch              = storage.ErrStateMismatch
	ErrGrantNotFound              = storage.ErrGrantNotFound
	ErrAuthorizationCodeInvalid   = providers.ErrAuthorizationCodeInvalid
	ErrClientAuthenticationFailed = providers.ErrClientAuthenticationFailed
	ErrTokenExchangeFailed        = providers.ErrTokenExchangeFailed
	ErrAuditSinkUnavailable       = security.ErrAuditSinkUnavailable
	ErrRateLimited                = security.ErrRateLimited
	ErrScopeNotRequested          = server.ErrScopeNotRequested
	ErrSubjectRequired            = server.ErrSubjectRequired

	// ErrConsentNotActive is returned when a resource is fetched under a
	// grant that is Revoked or Expired
	ErrConsentNotActive = errors.New("consent is not active")

	// ErrAccessTokenExpired is returned when the consent is Active but the
	// bank's access token has passed its declared expiry
	ErrAccessTokenExpired = errors.New("access token expired")
)

// Error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeNotFound               = "not_found"
	ErrorCodeConsentInactive        = "consent_inactive"
	ErrorCodeTokenExpired           = "token_expired"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
)

// ConsentError is an error as returned over HTTP. Descriptions are fixed
// strings; they never carry caller input or credential material.
type ConsentError struct {
	Code        string // error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *ConsentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewConsentError creates a new consent error
func NewConsentError(code, description string, status int) *ConsentError {
	return &ConsentError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// errorMapping pairs a sentinel with its HTTP rendering. Order matters:
// the first match wins.
var errorMapping = []struct {
	err  error
	resp ConsentError
}{
	{ErrSubjectRequired, ConsentError{ErrorCodeInvalidRequest, "subject is required", http.StatusBadRequest}},
	{ErrInvalidScope, ConsentError{ErrorCodeInvalidScope, "requested scope is invalid or unsupported", http.StatusBadRequest}},
	{ErrRateLimited, ConsentError{ErrorCodeRateLimitExceeded, "too many authorization requests", http.StatusTooManyRequests}},
	{ErrStateMismatch, ConsentError{ErrorCodeInvalidRequest, "state does not match", http.StatusBadRequest}},
	{ErrNonceNotFound, ConsentError{ErrorCodeInvalidRequest, "unknown authorization request", http.StatusBadRequest}},
	{ErrNonceExpired, ConsentError{ErrorCodeInvalidRequest, "authorization request expired", http.StatusBadRequest}},
	{ErrNonceAlreadyConsumed, ConsentError{ErrorCodeInvalidRequest, "authorization request already used", http.StatusConflict}},
	{ErrAuthorizationCodeInvalid, ConsentError{ErrorCodeInvalidGrant, "authorization code was rejected", http.StatusBadRequest}},
	{ErrScopeNotRequested, ConsentError{ErrorCodeInvalidScope, "provider granted scopes that were not requested", http.StatusBadGateway}},
	{ErrClientAuthenticationFailed, ConsentError{ErrorCodeServerError, "provider rejected client credentials", http.StatusBadGateway}},
	{ErrTokenExchangeFailed, ConsentError{ErrorCodeTemporarilyUnavailable, "token exchange failed", http.StatusBadGateway}},
	{ErrAuditSinkUnavailable, ConsentError{ErrorCodeTemporarilyUnavailable, "audit log unavailable", http.StatusServiceUnavailable}},
	{ErrGrantNotFound, ConsentError{ErrorCodeNotFound, "consent not found", http.StatusNotFound}},
	{ErrConsentNotActive, ConsentError{ErrorCodeConsentInactive, "consent is not active", http.StatusForbidden}},
	{ErrAccessTokenExpired, ConsentError{ErrorCodeTokenExpired, "access token expired", http.StatusForbidden}},
	{context.DeadlineExceeded, ConsentError{ErrorCodeTemporarilyUnavailable, "request timed out", http.StatusGatewayTimeout}},
}

// ToConsentError maps err to its HTTP rendering. Unknown errors become a
// generic server_error.
func ToConsentError(err error) *ConsentError {
	var ce *ConsentError
	if errors.As(err, &ce) {
		return ce
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			resp := m.resp
			return &resp
		}
	}
	return NewConsentError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
}
