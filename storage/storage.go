package storage

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/bank-consent/security"
)

// RequestStatus is the state of an authorization request:
// Issued -> Consumed -> {Completed, Failed}, or Issued -> Expired.
type RequestStatus string

const (
	RequestIssued    RequestStatus = "issued"
	RequestConsumed  RequestStatus = "consumed"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestExpired   RequestStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestExpired
}

// AuthorizationRequest is an in-flight authorization attempt. It is owned by
// the tracker and never leaves the process: the verifier is only sent to the
// provider's token endpoint.
type AuthorizationRequest struct {
	// StateNonce is the single-use random value sent as the OAuth state parameter
	StateNonce string

	// CodeVerifier is the PKCE verifier, kept server-side only
	CodeVerifier security.Secret

	// CodeChallenge is the S256 challenge derived from CodeVerifier
	CodeChallenge string

	RequestedScopes []string

	// SubjectRef identifies the authorising user. It is bound when the request
	// is issued; the callback cannot change it.
	SubjectRef string

	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      RequestStatus
}

// Clone returns a deep copy.
func (r *AuthorizationRequest) Clone() *AuthorizationRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestedScopes = slices.Clone(r.RequestedScopes)
	return &c
}

// Ref returns the fingerprint of the state nonce used in logs and audit records.
func (r *AuthorizationRequest) Ref() string {
	return security.Fingerprint(r.StateNonce)
}

// LogValue keeps the nonce and subject out of logs.
func (r *AuthorizationRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("request_ref", r.Ref()),
		slog.String("subject_hash", security.Fingerprint(r.SubjectRef)),
		slog.String("status", string(r.Status)),
		slog.Any("scopes", r.RequestedScopes),
		slog.Time("expires_at", r.ExpiresAt),
	)
}

// GrantStatus is the state of a consent grant: Active -> {Expired, Revoked}.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// ConsentGrant is a recorded consent with the tokens obtained for it.
type ConsentGrant struct {
	ID         string
	SubjectRef string
	Scopes     []string

	// Purpose and Provider label what the consent is for and who holds the data
	Purpose  string
	Provider string

	AccessToken  security.Secret
	RefreshToken security.Secret

	// TokenExpiry is the provider-declared access token expiry (informational)
	TokenExpiry time.Time

	GrantedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
	Status    GrantStatus
}

// Clone returns a deep copy.
func (g *ConsentGrant) Clone() *ConsentGrant {
	if g == nil {
		return nil
	}
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	return &c
}

// IsActive reports whether the grant is Active.
func (g *ConsentGrant) IsActive() bool {
	return g != nil && g.Status == GrantActive
}

// LogValue renders the grant without the subject or token material.
func (g *ConsentGrant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("grant_id", g.ID),
		slog.String("subject_hash", security.Fingerprint(g.SubjectRef)),
		slog.String("status", string(g.Status)),
		slog.Any("scopes", g.Scopes),
		slog.String("provider", g.Provider),
		slog.Time("expires_at", g.ExpiresAt),
	)
}

// VerifyFunc inspects a request under the store's lock before it is consumed.
// Returning an error aborts the consume and leaves the request untouched.
type VerifyFunc func(req *AuthorizationRequest) error

// ConsumeResult describes the outcome of ConsumeRequest.
type ConsumeResult struct {
	// Request is a copy of the stored request. It is set on success and on
	// ErrNonceExpired and ErrNonceAlreadyConsumed, so callers can audit.
	Request *AuthorizationRequest

	// Expired is true when this call moved the request from Issued to Expired.
	Expired bool
}

// RevokeResult describes the outcome of RevokeGrant.
type RevokeResult struct {
	// Grant is a copy of the grant after the call
	Grant *ConsentGrant

	// Revoked is true when this call moved the grant from Active to Revoked
	Revoked bool

	// Expired is true when this call found the grant past its expiry and
	// moved it from Active to Expired instead
	Expired bool

	// Deleted is true when the grant was removed from the store, by this
	// call or by an earlier hard delete (Grant is nil in that case)
	Deleted bool
}

// SweptRequest is a request evicted by a sweep.
type SweptRequest struct {
	Request *AuthorizationRequest

	// Expired is true when the sweep moved the request from Issued to Expired.
	Expired bool
}

// SweptGrant is a grant evicted by a sweep.
type SweptGrant struct {
	Grant *ConsentGrant

	// Expired is true when the sweep moved the grant from Active to Expired.
	Expired bool
}

// RequestStore tracks authorization requests by state nonce.
// All methods accept context.Context for tracing and cancellation.
type RequestStore interface {
	// SaveRequest stores a new Issued request
	SaveRequest(ctx context.Context, req *AuthorizationRequest) error

	// ConsumeRequest atomically moves a request from Issued to Consumed.
	// Under N concurrent callers for one nonce at most one succeeds.
	// verify runs under the lock first and may veto the consume.
	ConsumeRequest(ctx context.Context, nonce string, verify VerifyFunc) (ConsumeResult, error)

	// FinishRequest moves a Consumed request to Completed or Failed
	FinishRequest(ctx context.Context, nonce string, status RequestStatus) error

	// SweepRequests evicts every request past its window, shard by shard
	SweepRequests(ctx context.Context) ([]SweptRequest, error)
}

// GrantStore holds consent grants. Reads apply lazy expiry and report whether
// they performed the Active -> Expired transition.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// SaveGrant stores a new grant and makes it the subject's newest grant
	SaveGrant(ctx context.Context, grant *ConsentGrant) error

	// GetGrant returns a grant by ID
	GetGrant(ctx context.Context, id string) (grant *ConsentGrant, expiredNow bool, err error)

	// GetGrantBySubject returns the subject's newest Active grant, falling
	// back to the newest terminal one, and the grants this call moved to
	// Expired
	GetGrantBySubject(ctx context.Context, subjectRef string) (grant *ConsentGrant, expiredNow []*ConsentGrant, err error)

	// ListActiveGrants returns every Active grant and, separately, the grants
	// this call moved to Expired
	ListActiveGrants(ctx context.Context) (active, expiredNow []*ConsentGrant, err error)

	// RevokeGrant moves an Active grant to Revoked. Revoking a terminal grant
	// succeeds without change. With hardDelete the grant is removed from the
	// store, and revoking it again succeeds while its tombstone is retained.
	RevokeGrant(ctx context.Context, id string, hardDelete bool) (RevokeResult, error)

	// SweepGrants evicts expired grants and revoked grants older than
	// revokedRetention, shard by shard
	SweepGrants(ctx context.Context, revokedRetention time.Duration) ([]SweptGrant, error)
}

// Store combines both interfaces.
type Store interface {
	RequestStore
	GrantStore
}
