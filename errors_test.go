package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/bank-consent/providers"
)

func TestConsentError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "state is required",
			want:        "invalid_request: state is required",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewConsentError(tt.code, tt.description, http.StatusBadRequest)
			if got := e.Error(); got != tt.want {
				t.Errorf("ConsentError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToConsentError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"subject missing", ErrSubjectRequired, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"wrapped invalid scope", fmt.Errorf("%w: unsupported scope", ErrInvalidScope), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"rate limited", ErrRateLimited, ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"unknown nonce", ErrNonceNotFound, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"expired nonce", ErrNonceExpired, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"replayed nonce", ErrNonceAlreadyConsumed, ErrorCodeInvalidRequest, http.StatusConflict},
		{"state mismatch", ErrStateMismatch, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"code rejected", &providers.ExchangeError{Err: ErrAuthorizationCodeInvalid, Status: 400, Attempts: 1}, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"client auth", &providers.ExchangeError{Err: ErrClientAuthenticationFailed, Status: 401, Attempts: 1}, ErrorCodeServerError, http.StatusBadGateway},
		{"exchange failed", &providers.ExchangeError{Err: ErrTokenExchangeFailed, Status: 503, Attempts: 3, Transient: true}, ErrorCodeTemporarilyUnavailable, http.StatusBadGateway},
		{"scope not requested", ErrScopeNotRequested, ErrorCodeInvalidScope, http.StatusBadGateway},
		{"audit sink", ErrAuditSinkUnavailable, ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{"grant not found", ErrGrantNotFound, ErrorCodeNotFound, http.StatusNotFound},
		{"inactive consent", ErrConsentNotActive, ErrorCodeConsentInactive, http.StatusForbidden},
		{"expired access token", fmt.Errorf("fetch: %w", ErrAccessTokenExpired), ErrorCodeTokenExpired, http.StatusForbidden},
		{"deadline", fmt.Errorf("%w: %w", ErrTokenExchangeFailed, context.DeadlineExceeded), ErrorCodeTemporarilyUnavailable, http.StatusBadGateway},
		{"entropy", ErrEntropyUnavailable, ErrorCodeServerError, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToConsentError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestToConsentError_DoesNotEchoCause(t *testing.T) {
	err := fmt.Errorf("lookup failed for %q: %w", "secret-subject-input", ErrGrantNotFound)
	got := ToConsentError(err)
	if got.Description != "consent not found" {
		t.Errorf("Description = %q, want fixed text", got.Description)
	}
}

func TestToConsentError_PassesThroughConsentError(t *testing.T) {
	ce := NewConsentError(ErrorCodeAccessDenied, "denied", http.StatusForbidden)
	if got := ToConsentError(fmt.Errorf("wrapped: %w", ce)); got != ce {
		t.Errorf("ToConsentError() = %v, want the wrapped ConsentError", got)
	}
}
