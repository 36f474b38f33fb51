package pkce

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChallenge(t *testing.T) {
	// RFC 7636 Appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, want, BuildChallenge(verifier))
	assert.Equal(t, BuildChallenge(verifier), BuildChallenge(verifier), "challenge must be deterministic")

	other := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXK"
	assert.NotEqual(t, BuildChallenge(verifier), BuildChallenge(other))
	assert.Len(t, BuildChallenge(verifier), 43)
	assert.NotContains(t, BuildChallenge(verifier), "=")
}

func TestValidateVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{name: "minimum length", verifier: strings.Repeat("a", 43)},
		{name: "maximum length", verifier: strings.Repeat("Z", 128)},
		{name: "all allowed characters", verifier: "abcXYZ019-._~" + strings.Repeat("a", 30)},
		{name: "too short", verifier: strings.Repeat("a", 42), wantErr: true},
		{name: "too long", verifier: strings.Repeat("a", 129), wantErr: true},
		{name: "invalid character", verifier: strings.Repeat("a", 42) + "+", wantErr: true},
		{name: "empty", verifier: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifier(tt.verifier)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVerifier)
				if tt.verifier != "" {
					assert.NotContains(t, err.Error(), tt.verifier)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	assert.NoError(t, ValidateScopes(nil, false))
	assert.ErrorIs(t, ValidateScopes(nil, true), ErrInvalidScope)
	assert.NoError(t, ValidateScopes([]string{"accounts", "transactions"}, true))
	assert.ErrorIs(t, ValidateScopes([]string{"accounts", ""}, false), ErrInvalidScope)
	assert.ErrorIs(t, ValidateScopes([]string{"read accounts"}, false), ErrInvalidScope)
	assert.ErrorIs(t, ValidateScopes([]string{"accounts\t"}, false), ErrInvalidScope)
}

func validParams() AuthURLParams {
	return AuthURLParams{
		BaseURL:     "https://bank.example/oauth/authorize",
		ClientID:    "client-123",
		RedirectURI: "https://app.example/callback?x=1",
		Scopes:      []string{"accounts", "transactions"},
		State:       "state-nonce",
		Challenge:   BuildChallenge(strings.Repeat("v", 43)),
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	p := validParams()
	p.Extra = map[string]string{"providers": "mock", "state": "attacker"}

	raw, err := BuildAuthorizationURL(p)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "bank.example", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-123", q.Get("client_id"))
	assert.Equal(t, "https://app.example/callback?x=1", q.Get("redirect_uri"))
	assert.Equal(t, "accounts transactions", q.Get("scope"))
	assert.Equal(t, "state-nonce", q.Get("state"), "extra params cannot override state")
	assert.Equal(t, p.Challenge, q.Get("code_challenge"))
	assert.Equal(t, MethodS256, q.Get("code_challenge_method"))
	assert.Equal(t, "mock", q.Get("providers"))
	assert.Len(t, q["state"], 1)
}

func TestBuildAuthorizationURL_ExistingQuery(t *testing.T) {
	p := validParams()
	p.BaseURL = "https://bank.example/authorize?tenant=eu"

	raw, err := BuildAuthorizationURL(p)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "eu", u.Query().Get("tenant"))
	assert.Equal(t, "state-nonce", u.Query().Get("state"))
}

func TestBuildAuthorizationURL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AuthURLParams)
		wantErr error
	}{
		{name: "missing base URL", mutate: func(p *AuthURLParams) { p.BaseURL = "" }, wantErr: ErrInvalidAuthorizationRequest},
		{name: "malformed base URL", mutate: func(p *AuthURLParams) { p.BaseURL = "http://[::1" }, wantErr: ErrInvalidAuthorizationRequest},
		{name: "missing client id", mutate: func(p *AuthURLParams) { p.ClientID = "" }, wantErr: ErrInvalidAuthorizationRequest},
		{name: "missing state", mutate: func(p *AuthURLParams) { p.State = "" }, wantErr: ErrInvalidAuthorizationRequest},
		{name: "missing challenge", mutate: func(p *AuthURLParams) { p.Challenge = "" }, wantErr: ErrInvalidAuthorizationRequest},
		{name: "blank scope", mutate: func(p *AuthURLParams) { p.Scopes = []string{" "} }, wantErr: ErrInvalidScope},
		{name: "required scopes missing", mutate: func(p *AuthURLParams) { p.Scopes = nil; p.RequireScopes = true }, wantErr: ErrInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := BuildAuthorizationURL(p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildAuthorizationURL_NoScopesAllowed(t *testing.T) {
	p := validParams()
	p.Scopes = nil

	raw, err := BuildAuthorizationURL(p)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	_, present := u.Query()["scope"]
	assert.False(t, present)
}
