package consent

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/bank-consent/security"
)

// Config holds the consent service configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// Provider holds the upstream bank OAuth client settings
	Provider ProviderConfig

	// Ledger holds request and consent lifetimes
	Ledger LedgerConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation controls OpenTelemetry metrics and tracing
	Instrumentation InstrumentationConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for provider requests.
	// If not provided, the provider builds one with a 30 second timeout.
	HTTPClient *http.Client

	// Random overrides the entropy source (crypto/rand). Tests only.
	Random io.Reader

	// Clock overrides the wall clock. Tests only.
	Clock security.Clock

	// AuditSink receives audit events. Defaults to a sink writing to Logger.
	AuditSink security.Sink
}

// ProviderConfig configures the bank's authorization and token endpoints.
type ProviderConfig struct {
	// Name labels grants created through this provider. Default: "bank".
	Name string

	AuthorizationEndpoint string
	TokenEndpoint         string

	// ClientID is the OAuth client identifier (required).
	ClientID string

	// ClientSecret is optional; public clients rely on PKCE alone.
	ClientSecret string

	// RedirectURI is where the bank sends the subject back (required).
	RedirectURI string

	// ExtraAuthParams are appended to every authorization URL.
	ExtraAuthParams map[string]string

	// RetryLimit bounds token endpoint attempts. Default: 3.
	RetryLimit int

	// InitialBackoff and MaxBackoff shape the delay between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds one token endpoint call. Default: 10 seconds.
	AttemptTimeout time.Duration

	// ExchangeTimeout bounds the whole exchange including retries.
	// Zero leaves only the caller's context.
	ExchangeTimeout time.Duration
}

// LedgerConfig holds lifetimes of authorization requests and consent grants.
type LedgerConfig struct {
	// RequestTTL is how long an issued authorization request may be
	// completed. Default: 10 minutes.
	RequestTTL time.Duration

	// ConsentTTL is how long a recorded consent stays Active.
	// Default: 90 days.
	ConsentTTL time.Duration

	// RevokedRetention is how long revoked grants stay queryable.
	// Default: 24 hours.
	RevokedRetention time.Duration

	// HardDeleteOnRevoke removes grants immediately on revocation.
	HardDeleteOnRevoke bool

	// SweepInterval is how often the background sweeper runs.
	// Default: 1 minute.
	SweepInterval time.Duration

	// LazySweep also sweeps from ledger access, at most once per SweepInterval.
	LazySweep bool

	// SupportedScopes lists the scopes subjects may request.
	// If empty, all well-formed scopes are allowed.
	SupportedScopes []string

	// DefaultPurpose labels grants created from a callback.
	// Default: "Bank account data access".
	DefaultPurpose string
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// DisableTokenSealing stores ledger tokens in plain memory. By default
	// they are encrypted under an ephemeral key.
	DisableTokenSealing bool

	// RequireAudit refuses to issue requests or complete callbacks while
	// audit events are waiting for the sink.
	RequireAudit bool

	// AuditBufferSize bounds the audit retry buffer.
	AuditBufferSize int

	// IssueRatePerSecond limits authorization requests per subject.
	// Zero disables the limit.
	IssueRatePerSecond float64

	// IssueBurst is the per-subject burst. Default: 5.
	IssueBurst int

	// HTTPS adds Strict-Transport-Security to every response.
	HTTPS bool
}

// InstrumentationConfig controls OpenTelemetry instrumentation.
type InstrumentationConfig struct {
	// Enabled turns on metrics and tracing. When false no-op providers are used.
	Enabled bool

	ServiceName    string
	ServiceVersion string
}
