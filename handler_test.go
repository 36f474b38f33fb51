package consent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/bank-consent/internal/testutil"
	"github.com/giantswarm/bank-consent/security"
)

func setupTestHandler(t *testing.T, mutate func(*Config), responses ...testutil.TokenResponse) (*testService, http.Handler) {
	t.Helper()
	ts := newTestService(t, mutate, responses...)
	return ts, NewHandler(ts.svc).Routes()
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

// authorize starts an authorization over HTTP and returns its state.
func authorize(t *testing.T, h http.Handler, subject, scope string) AuthorizationResponse {
	t.Helper()
	w := serve(t, h, http.MethodGet, "/authorize?subject="+url.QueryEscape(subject)+"&scope="+url.QueryEscape(scope))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[AuthorizationResponse](t, w)
}

func TestHandler_Authorize(t *testing.T) {
	_, h := setupTestHandler(t, nil)

	resp := authorize(t, h, "user-42", "accounts transactions")
	assert.NotEmpty(t, resp.State)
	assert.Equal(t, testStart.Add(10*time.Minute), resp.ExpiresAt)

	u, err := url.Parse(resp.AuthURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, resp.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "accounts transactions", q.Get("scope"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Empty(t, q.Get("code_verifier"))
}

func TestHandler_Authorize_Errors(t *testing.T) {
	_, h := setupTestHandler(t, func(c *Config) {
		c.Ledger.SupportedScopes = []string{"accounts", "transactions"}
	})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   string
	}{
		{"missing subject", "/authorize?scope=accounts", http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"missing scope", "/authorize?subject=user-42", http.StatusBadRequest, ErrorCodeInvalidScope},
		{"unsupported scope", "/authorize?subject=user-42&scope=payments", http.StatusBadRequest, ErrorCodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, http.MethodGet, tt.target)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestHandler_Authorize_RateLimited(t *testing.T) {
	_, h := setupTestHandler(t, func(c *Config) {
		c.Security.IssueRatePerSecond = 1
		c.Security.IssueBurst = 1
	})

	authorize(t, h, "user-42", "accounts")
	w := serve(t, h, http.MethodGet, "/authorize?subject=user-42&scope=accounts")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHandler_CallbackAndConsents(t *testing.T) {
	ts, h := setupTestHandler(t, nil)
	auth := authorize(t, h, "user-42", "accounts,transactions")

	w := serve(t, h, http.MethodGet, "/callback?code=code-1&state="+url.QueryEscape(auth.State))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[ConsentResponse](t, w)
	assert.Equal(t, "user-42", created.Subject)
	assert.Equal(t, "active", created.Status)
	assert.ElementsMatch(t, []string{"accounts", "transactions"}, created.Scopes)
	assert.Equal(t, testStart.Add(90*24*time.Hour), created.ExpiresAt)
	assert.Equal(t, security.Fingerprint("access-token-1"), created.TokenFingerprint)

	// Replay of the same callback.
	w = serve(t, h, http.MethodGet, "/callback?code=code-1&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(t, h, http.MethodGet, "/consents/"+created.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[ConsentResponse](t, w).ID)

	w = serve(t, h, http.MethodGet, "/subjects/user-42/consent")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[ConsentResponse](t, w).ID)

	w = serve(t, h, http.MethodGet, "/consents")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ConsentListResponse](t, w).Consents, 1)

	w = serve(t, h, http.MethodDelete, "/consents/"+created.ID)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = serve(t, h, http.MethodDelete, "/consents/"+created.ID)
	assert.Equal(t, http.StatusNoContent, w.Code, "revocation is idempotent")
	assert.Equal(t, 1, ts.sink.Count(security.EventGrantRevoked))

	w = serve(t, h, http.MethodGet, "/subjects/user-42/consent")
	require.Equal(t, http.StatusOK, w.Code)
	revoked := decode[ConsentResponse](t, w)
	assert.Equal(t, "revoked", revoked.Status)
	require.NotNil(t, revoked.RevokedAt)

	w = serve(t, h, http.MethodGet, "/consents")
	assert.Empty(t, decode[ConsentListResponse](t, w).Consents)
}

func TestHandler_Callback_Errors(t *testing.T) {
	_, h := setupTestHandler(t, nil, testutil.Failure(http.StatusBadRequest, "invalid_grant"))

	w := serve(t, h, http.MethodGet, "/callback?code=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, h, http.MethodGet, "/callback?code=abc&state=unknown")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidRequest, decode[ErrorResponse](t, w).Error)

	auth := authorize(t, h, "user-42", "accounts")
	w = serve(t, h, http.MethodGet, "/callback?state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusBadRequest, w.Code, "code is required")

	w = serve(t, h, http.MethodGet, "/callback?code=bad&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decode[ErrorResponse](t, w).Error)

	w = serve(t, h, http.MethodGet, "/subjects/user-42/consent")
	assert.Equal(t, http.StatusNotFound, w.Code, "a failed exchange leaves no consent")
}

func TestHandler_Callback_ProviderError(t *testing.T) {
	ts, h := setupTestHandler(t, nil)
	auth := authorize(t, h, "user-42", "accounts")

	w := serve(t, h, http.MethodGet, "/callback?error=access_denied&error_description=user+cancelled&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, ErrorCodeAccessDenied, decode[ErrorResponse](t, w).Error)

	w = serve(t, h, http.MethodGet, "/callback?code=late&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusConflict, w.Code, "the state cannot be reused after a provider error")
	assert.Zero(t, ts.endpoint.Hits())
}

func TestHandler_Callback_ProviderErrorLoggedSanitized(t *testing.T) {
	logger, logs := testutil.NewCapturingLogger()
	_, h := setupTestHandler(t, func(c *Config) { c.Logger = logger })

	auth := authorize(t, h, "user-42", "accounts")
	forged := "access_denied\n{\"level\":\"ERROR\",\"msg\":\"forged-entry\"}"
	w := serve(t, h, http.MethodGet, "/callback?error="+url.QueryEscape(forged)+"&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, logs.String(), "forged-entry")

	auth = authorize(t, h, "user-42", "accounts")
	w = serve(t, h, http.MethodGet, "/callback?error=access_denied&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, logs.String(), `"error":"access_denied"`)
}

func TestHandler_ConsentNotFound(t *testing.T) {
	_, h := setupTestHandler(t, nil)

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/consents/nope"},
		{http.MethodDelete, "/consents/nope"},
		{http.MethodGet, "/subjects/nobody/consent"},
	} {
		w := serve(t, h, tc.method, tc.target)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.target)
		assert.Equal(t, ErrorCodeNotFound, decode[ErrorResponse](t, w).Error)
	}
}

func TestHandler_Sweep(t *testing.T) {
	ts, h := setupTestHandler(t, func(c *Config) {
		c.Ledger.ConsentTTL = time.Second
	})
	auth := authorize(t, h, "user-42", "accounts transactions")
	w := serve(t, h, http.MethodGet, "/callback?code=c&state="+url.QueryEscape(auth.State))
	require.Equal(t, http.StatusCreated, w.Code)

	ts.clock.Advance(2 * time.Second)
	w = serve(t, h, http.MethodPost, "/sweep")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[SweepResponse](t, w)
	assert.Equal(t, 1, stats.GrantsExpired)

	w = serve(t, h, http.MethodGet, "/subjects/user-42/consent")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SecurityHeaders(t *testing.T) {
	_, h := setupTestHandler(t, func(c *Config) {
		c.Security.HTTPS = true
	})

	w := serve(t, h, http.MethodGet, "/consents")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = serve(t, h, http.MethodPost, "/consents")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_ResponsesCarryNoTokens(t *testing.T) {
	_, h := setupTestHandler(t, nil)
	auth := authorize(t, h, "user-42", "accounts transactions")

	var bodies strings.Builder
	w := serve(t, h, http.MethodGet, "/callback?code=code-1&state="+url.QueryEscape(auth.State))
	bodies.WriteString(w.Body.String())
	for _, target := range []string{"/consents", "/subjects/user-42/consent"} {
		bodies.WriteString(serve(t, h, http.MethodGet, target).Body.String())
	}

	out := bodies.String()
	assert.NotContains(t, out, "access-token-1")
	assert.NotContains(t, out, "refresh-access-token-1")
	assert.NotContains(t, out, "client-secret-1")
}

func TestHandler_Instrumented(t *testing.T) {
	ts, h := setupTestHandler(t, func(c *Config) {
		c.Instrumentation.Enabled = true
		c.Instrumentation.ServiceName = "consentd-test"
	})
	require.NotNil(t, ts.svc.Instrumentation())

	auth := authorize(t, h, "user-42", "accounts transactions")
	w := serve(t, h, http.MethodGet, "/callback?code=c&state="+url.QueryEscape(auth.State))
	assert.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, ts.svc.Shutdown(context.Background()))
}
