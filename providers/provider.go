package providers

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/bank-consent/security"
)

var (
	// ErrAuthorizationCodeInvalid is returned when the provider rejects the
	// authorization code or verifier (any 4xx other than client
	// authentication). It is permanent and never retried.
	ErrAuthorizationCodeInvalid = errors.New("authorization code rejected by provider")

	// ErrClientAuthenticationFailed is returned when the provider rejects the
	// client credentials (invalid_client or HTTP 401).
	ErrClientAuthenticationFailed = errors.New("client authentication failed")

	// ErrTokenExchangeFailed is returned when transient failures exhaust the
	// retry budget or the provider answers with a malformed token response.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// Provider is the upstream bank data provider. The broker only needs two
// capabilities from it: exchanging an authorization code for tokens and
// fetching a resource with an access token.
type Provider interface {
	// Name returns the provider name recorded on grants (e.g., "bank")
	Name() string

	// AuthorizationURL returns the provider authorization URL for a request.
	AuthorizationURL(req AuthorizationRequest) (string, error)

	// ExchangeCode exchanges an authorization code and PKCE verifier for
	// tokens. It is called outside every ledger lock and may block on the
	// network for the whole retry budget.
	ExchangeCode(ctx context.Context, code string, verifier security.Secret, redirectURI string) (*TokenPair, error)

	// FetchResource performs an authenticated GET against resourceURL.
	FetchResource(ctx context.Context, accessToken security.Secret, resourceURL string) ([]byte, error)
}

// AuthorizationRequest carries the per-request values of an authorization
// redirect. Client and endpoint settings belong to the provider.
type AuthorizationRequest struct {
	State         string
	CodeChallenge string
	Scopes        []string

	// RedirectURI overrides the provider's configured redirect URI when set
	RedirectURI string
}

// TokenPair is the result of a successful code exchange.
type TokenPair struct {
	AccessToken  security.Secret
	RefreshToken security.Secret
	TokenType    string

	// Expiry is the provider-declared access token expiry, zero if unknown
	Expiry time.Time

	// Scopes are the scopes the provider granted
	Scopes []string
}

// Summary is a redacted description of a TokenPair, safe to log.
type Summary struct {
	AccessTokenLength       int
	AccessTokenFingerprint  string
	HasRefreshToken         bool
	RefreshTokenFingerprint string
	TokenType               string
	Expiry                  time.Time
	Scopes                  []string
}

// Summary returns the redacted view of the pair.
func (t *TokenPair) Summary() Summary {
	s := Summary{
		AccessTokenLength:      t.AccessToken.Len(),
		AccessTokenFingerprint: t.AccessToken.Fingerprint(),
		HasRefreshToken:        !t.RefreshToken.IsZero(),
		TokenType:              t.TokenType,
		Expiry:                 t.Expiry,
		Scopes:                 slices.Clone(t.Scopes),
	}
	if s.HasRefreshToken {
		s.RefreshTokenFingerprint = t.RefreshToken.Fingerprint()
	}
	return s
}

// LogValue logs the summary instead of the pair.
func (t *TokenPair) LogValue() slog.Value {
	s := t.Summary()
	attrs := []slog.Attr{
		slog.Int("access_token_length", s.AccessTokenLength),
		slog.String("access_token_fingerprint", s.AccessTokenFingerprint),
		slog.Bool("has_refresh_token", s.HasRefreshToken),
		slog.Any("scopes", s.Scopes),
	}
	if !s.Expiry.IsZero() {
		attrs = append(attrs, slog.Time("expiry", s.Expiry))
	}
	return slog.GroupValue(attrs...)
}
