package pkce

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/oauth2"
)

// PKCE constants (RFC 7636)
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
	MethodS256        = "S256"
)

var (
	// ErrInvalidVerifier is returned for a verifier outside 43-128 characters
	// or containing characters outside [A-Za-z0-9-._~].
	ErrInvalidVerifier = errors.New("invalid code verifier")

	// ErrInvalidScope is returned for blank or malformed scopes, and for an
	// empty scope set when scopes are required.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrInvalidAuthorizationRequest is returned when a mandatory
	// authorization URL parameter is missing.
	ErrInvalidAuthorizationRequest = errors.New("invalid authorization request")
)

// BuildChallenge returns the S256 challenge for verifier:
// base64url-nopad(SHA-256(verifier)). It is deterministic.
func BuildChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateVerifier checks the RFC 7636 length and character set.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: length must be %d-%d characters", ErrInvalidVerifier, MinVerifierLength, MaxVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("%w: must match [A-Za-z0-9-._~]", ErrInvalidVerifier)
		}
	}
	return nil
}

// ValidateScopes rejects blank scopes and scopes containing whitespace, and
// an empty set when required is true.
func ValidateScopes(scopes []string, required bool) error {
	if len(scopes) == 0 {
		if required {
			return fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
		}
		return nil
	}
	for _, s := range scopes {
		if s == "" || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%w: scopes must be non-empty and contain no whitespace", ErrInvalidScope)
		}
	}
	return nil
}

// AuthURLParams describes an authorization redirect.
type AuthURLParams struct {
	// BaseURL is the provider authorization endpoint
	BaseURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	Challenge   string

	// Extra parameters appended verbatim (percent-encoded), such as a
	// provider selector. They cannot override the standard parameters.
	Extra map[string]string

	// RequireScopes rejects an empty scope set
	RequireScopes bool
}

// reservedParams are set by BuildAuthorizationURL and cannot be overridden
// through AuthURLParams.Extra.
var reservedParams = map[string]bool{
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"state":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// BuildAuthorizationURL assembles the provider authorization URL with
// response_type=code, client_id, redirect_uri, space-joined scope, state,
// code_challenge and code_challenge_method=S256, plus any extra parameters.
func BuildAuthorizationURL(p AuthURLParams) (string, error) {
	if p.BaseURL == "" || p.ClientID == "" || p.State == "" || p.Challenge == "" {
		return "", fmt.Errorf("%w: base URL, client_id, state and code_challenge are required", ErrInvalidAuthorizationRequest)
	}
	if _, err := url.Parse(p.BaseURL); err != nil {
		return "", fmt.Errorf("%w: malformed authorization endpoint", ErrInvalidAuthorizationRequest)
	}
	if err := ValidateScopes(p.Scopes, p.RequireScopes); err != nil {
		return "", err
	}

	cfg := &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURI,
		Scopes:      p.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: p.BaseURL},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", p.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", MethodS256),
	}
	for k, v := range p.Extra {
		if reservedParams[k] {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(p.State, opts...), nil
}
