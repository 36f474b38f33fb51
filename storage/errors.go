package storage

import "errors"

// Authorization request errors
var (
	// ErrNonceNotFound is returned when no request exists for a nonce
	ErrNonceNotFound = errors.New("authorization request not found")

	// ErrNonceAlreadyConsumed is returned when a request is no longer Issued.
	// A replayed callback must be rejected, never accepted idempotently.
	ErrNonceAlreadyConsumed = errors.New("authorization request already consumed")

	// ErrNonceExpired is returned when a request is past its window
	ErrNonceExpired = errors.New("authorization request expired")

	// ErrStateMismatch is returned when the returned state does not match the
	// issued nonce. The request is left untouched.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// ErrDuplicateNonce is returned when saving a request whose nonce is
	// already tracked
	ErrDuplicateNonce = errors.New("authorization request nonce already exists")

	// ErrInvalidTransition is returned for a status change the request state
	// machine does not allow
	ErrInvalidTransition = errors.New("invalid authorization request transition")
)

// Consent grant errors
var (
	// ErrGrantNotFound is returned when no grant matches the ID or subject
	ErrGrantNotFound = errors.New("consent grant not found")

	// ErrDuplicateGrant is returned when saving a grant whose ID already exists
	ErrDuplicateGrant = errors.New("consent grant already exists")
)
