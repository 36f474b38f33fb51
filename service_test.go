package consent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/bank-consent/internal/testutil"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testService struct {
	svc      *Service
	endpoint *testutil.TokenEndpoint
	sink     *security.MemorySink
	clock    *testutil.MockTime
}

func newTestService(t *testing.T, mutate func(*Config), responses ...testutil.TokenResponse) *testService {
	t.Helper()
	if len(responses) == 0 {
		responses = []testutil.TokenResponse{testutil.Success("access-token-1", "accounts", "transactions")}
	}
	endpoint := testutil.NewTokenEndpoint(responses...)
	t.Cleanup(endpoint.Close)

	clock := testutil.NewMockTime(testStart)
	sink := security.NewMemorySink()
	cfg := &Config{
		Provider: ProviderConfig{
			AuthorizationEndpoint: "https://bank.example/authorize",
			TokenEndpoint:         endpoint.URL,
			ClientID:              "client-1",
			ClientSecret:          "client-secret-1",
			RedirectURI:           "https://app.example/callback",
			ExtraAuthParams:       map[string]string{"providers": "mock"},
			InitialBackoff:        time.Millisecond,
			MaxBackoff:            2 * time.Millisecond,
		},
		Logger:    testutil.DiscardLogger(),
		Clock:     clock,
		AuditSink: sink,
	}
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return &testService{svc: svc, endpoint: endpoint, sink: sink, clock: clock}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{Provider: ProviderConfig{
		AuthorizationEndpoint: "https://bank.example/authorize",
		TokenEndpoint:         "https://bank.example/token",
		ClientID:              "client-1",
	}})
	assert.ErrorContains(t, err, "redirect URI")

	_, err = New(&Config{Provider: ProviderConfig{RedirectURI: "https://app.example/callback"}})
	assert.ErrorContains(t, err, "failed to create provider")

	_, err = NewWithProvider(&Config{}, nil)
	assert.Error(t, err)
}

func TestService_FullScenario(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()

	auth, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts", "transactions"})
	require.NoError(t, err)
	assert.Contains(t, auth.URL, "providers=mock")
	assert.Contains(t, auth.URL, "code_challenge_method=S256")

	grant, err := ts.svc.HandleCallback(ctx, "code-1", auth.State)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantActive, grant.Status)
	assert.ElementsMatch(t, []string{"accounts", "transactions"}, grant.Scopes)
	assert.Equal(t, testStart.Add(90*24*time.Hour), grant.ExpiresAt)
	assert.Equal(t, "bank", grant.Provider)

	found, err := ts.svc.Lookup(ctx, "user-42")
	require.NoError(t, err)
	assert.Equal(t, grant.ID, found.ID)
	assert.Equal(t, "access-token-1", found.AccessToken.Reveal(), "sealed tokens are opened on read")

	forms := ts.endpoint.Requests()
	require.Len(t, forms, 1)
	assert.Equal(t, "client-secret-1", forms[0].Get("client_secret"))
	assert.NotEmpty(t, forms[0].Get("code_verifier"))

	_, err = ts.svc.HandleCallback(ctx, "code-1", auth.State)
	assert.ErrorIs(t, err, ErrNonceAlreadyConsumed)

	require.NoError(t, ts.svc.Revoke(ctx, grant.ID))
	require.NoError(t, ts.svc.Revoke(ctx, grant.ID))
	assert.Equal(t, 1, ts.sink.Count(security.EventGrantRevoked))

	active, err := ts.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestService_ScopeNotRequested(t *testing.T) {
	ts := newTestService(t, nil)
	ctx := context.Background()

	auth, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts"})
	require.NoError(t, err)
	grant, err := ts.svc.HandleCallback(ctx, "code", auth.State)
	assert.ErrorIs(t, err, ErrScopeNotRequested, "the bank also granted transactions")
	assert.Nil(t, grant)
	assert.Equal(t, 1, ts.sink.Count(security.EventTokenExchangeFailed))
}

func TestService_ConsentTTL(t *testing.T) {
	ts := newTestService(t, func(c *Config) {
		c.Ledger.ConsentTTL = time.Second
	}, testutil.Success("access-token-2", "accounts"))
	ctx := context.Background()

	auth, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts"})
	require.NoError(t, err)
	grant, err := ts.svc.HandleCallback(ctx, "code", auth.State)
	require.NoError(t, err)

	ts.clock.Advance(2 * time.Second)
	stats, err := ts.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GrantsExpired)

	_, err = ts.svc.Get(ctx, grant.ID)
	assert.ErrorIs(t, err, ErrGrantNotFound)
	assert.Equal(t, 1, ts.sink.Count(security.EventGrantExpired))
}

func TestService_FetchResource(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"accounts":[]}`))
	}))
	t.Cleanup(resource.Close)

	ts := newTestService(t, nil)
	ctx := context.Background()

	auth, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts", "transactions"})
	require.NoError(t, err)
	grant, err := ts.svc.HandleCallback(ctx, "code", auth.State)
	require.NoError(t, err)

	body, err := ts.svc.FetchResource(ctx, grant.ID, resource.URL+"/accounts")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accounts":[]}`, string(body))

	require.NoError(t, ts.svc.Revoke(ctx, grant.ID))
	_, err = ts.svc.FetchResource(ctx, grant.ID, resource.URL+"/accounts")
	assert.ErrorIs(t, err, ErrConsentNotActive)

	_, err = ts.svc.FetchResource(ctx, "unknown", resource.URL)
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestService_FetchResource_ExpiredAccessToken(t *testing.T) {
	var hits atomic.Int32
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(resource.Close)

	ts := newTestService(t, nil)
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	pair.Expiry = testStart.Add(time.Hour)
	grant, err := ts.svc.Record(ctx, "user-9", pair, []string{"accounts"})
	require.NoError(t, err)

	_, err = ts.svc.FetchResource(ctx, grant.ID, resource.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Within the clock skew grace period the token is still used.
	ts.clock.Advance(time.Hour + time.Second)
	_, err = ts.svc.FetchResource(ctx, grant.ID, resource.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	ts.clock.Advance(time.Minute)
	_, err = ts.svc.FetchResource(ctx, grant.ID, resource.URL)
	assert.ErrorIs(t, err, ErrAccessTokenExpired)
	assert.Equal(t, int32(2), hits.Load(), "an expired token is never sent to the bank")

	ce := ToConsentError(err)
	assert.Equal(t, ErrorCodeTokenExpired, ce.Code)
	assert.Equal(t, http.StatusForbidden, ce.Status)

	g, err := ts.svc.Get(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantActive, g.Status, "the consent itself stays Active")
}

func TestService_RequireAudit(t *testing.T) {
	ts := newTestService(t, func(c *Config) {
		c.Security.RequireAudit = true
	})
	ctx := context.Background()

	ts.sink.SetFailure(assert.AnError)
	_, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts"})
	require.NoError(t, err, "the first event is buffered after the request is committed")

	_, err = ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts"})
	assert.ErrorIs(t, err, ErrAuditSinkUnavailable)

	ts.sink.SetFailure(nil)
	require.Eventually(t, func() bool {
		_, err := ts.svc.StartAuthorization(ctx, "user-42", []string{"accounts"})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_RecordAndLookup(t *testing.T) {
	ts := newTestService(t, func(c *Config) {
		c.Security.DisableTokenSealing = true
	})
	ctx := context.Background()

	pair := testutil.GenerateTestTokenPair()
	grant, err := ts.svc.Record(ctx, "user-7", pair, []string{"balances"})
	require.NoError(t, err)

	found, err := ts.svc.Lookup(ctx, "user-7")
	require.NoError(t, err)
	assert.Equal(t, grant.ID, found.ID)
	assert.Equal(t, pair.AccessToken.Reveal(), found.AccessToken.Reveal())
}

func TestService_StartStop(t *testing.T) {
	ts := newTestService(t, func(c *Config) {
		c.Ledger.SweepInterval = 5 * time.Millisecond
	})
	ts.svc.Start(context.Background())
	require.NoError(t, ts.svc.Shutdown(context.Background()))
}
