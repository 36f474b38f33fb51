package security

// EventKind identifies an audit event. The set is closed: every event the
// consent core emits has one of these kinds.
type EventKind string

// Authorization request lifecycle
const (
	// EventRequestIssued is emitted when a state nonce and PKCE verifier are issued
	EventRequestIssued EventKind = "request_issued"

	// EventRequestConsumed is emitted when a callback consumes its nonce
	EventRequestConsumed EventKind = "request_consumed"

	// EventRequestExpired is emitted when an unconsumed request passes its window
	EventRequestExpired EventKind = "request_expired"
)

// Consent grant lifecycle
const (
	// EventGrantCreated is emitted when a successful exchange is recorded in the ledger
	EventGrantCreated EventKind = "grant_created"

	// EventGrantRevoked is emitted on the Active -> Revoked transition
	EventGrantRevoked EventKind = "grant_revoked"

	// EventGrantExpired is emitted on the Active -> Expired transition, whether
	// observed lazily on read or by the sweeper
	EventGrantExpired EventKind = "grant_expired"
)

// Provider interaction
const (
	// EventTokenExchangeFailed is emitted when the code exchange fails
	// permanently or exhausts its retry budget
	EventTokenExchangeFailed EventKind = "token_exchange_failed" //nolint:gosec // G101: event name, not a credential
)

// Reason explains an event outcome. Reasons are fixed strings so that no
// caller-controlled text (and therefore no secret) ends up in an audit record.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonUserInitiated          Reason = "user_initiated"
	ReasonTTLElapsed             Reason = "ttl_elapsed"
	ReasonObservedOnRead         Reason = "observed_on_read"
	ReasonSweep                  Reason = "sweep"
	ReasonCodeInvalid            Reason = "authorization_code_invalid"
	ReasonClientAuthFailed       Reason = "client_authentication_failed"
	ReasonRetriesExhausted       Reason = "retries_exhausted"
	ReasonMalformedTokenResponse Reason = "malformed_token_response"
	ReasonScopeNotRequested      Reason = "scope_not_requested"
	ReasonProviderError          Reason = "provider_error"
	ReasonCancelled              Reason = "cancelled"
)
