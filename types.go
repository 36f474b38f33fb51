package consent

import (
	"time"

	"github.com/giantswarm/bank-consent/server"
	"github.com/giantswarm/bank-consent/storage"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationResponse is returned when an authorization is started
type AuthorizationResponse struct {
	// AuthURL is the bank authorization URL to send the subject to
	AuthURL string `json:"auth_url"`

	// State is the opaque value the callback will carry
	State string `json:"state"`

	// ExpiresAt is when the authorization request can no longer be completed
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsentResponse is the public view of a consent grant. It never carries
// tokens; TokenFingerprint identifies the access token without exposing it.
type ConsentResponse struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	Scopes           []string   `json:"scopes"`
	Purpose          string     `json:"purpose,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	Status           string     `json:"status"`
	GrantedAt        time.Time  `json:"granted_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	TokenFingerprint string     `json:"token_fingerprint,omitempty"`
}

// ConsentListResponse lists active consents
type ConsentListResponse struct {
	Consents []ConsentResponse `json:"consents"`
}

// SweepResponse summarises a retention pass
type SweepResponse struct {
	RequestsEvicted int `json:"requests_evicted"`
	GrantsEvicted   int `json:"grants_evicted"`
	GrantsExpired   int `json:"grants_expired"`
}

// NewAuthorizationResponse renders a started authorization.
func NewAuthorizationResponse(auth *server.Authorization) AuthorizationResponse {
	return AuthorizationResponse{
		AuthURL:   auth.URL,
		State:     auth.State,
		ExpiresAt: auth.ExpiresAt.UTC(),
	}
}

// NewConsentResponse renders a grant without its tokens.
func NewConsentResponse(g *storage.ConsentGrant) ConsentResponse {
	resp := ConsentResponse{
		ID:        g.ID,
		Subject:   g.SubjectRef,
		Scopes:    g.Scopes,
		Purpose:   g.Purpose,
		Provider:  g.Provider,
		Status:    string(g.Status),
		GrantedAt: g.GrantedAt.UTC(),
		ExpiresAt: g.ExpiresAt.UTC(),
	}
	if !g.RevokedAt.IsZero() {
		revokedAt := g.RevokedAt.UTC()
		resp.RevokedAt = &revokedAt
	}
	if !g.AccessToken.IsZero() {
		resp.TokenFingerprint = g.AccessToken.Fingerprint()
	}
	return resp
}
