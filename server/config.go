package server

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRequestTTL is how long an authorization request may wait for its callback
	DefaultRequestTTL = 10 * time.Minute

	// DefaultConsentTTL is how long a grant stays active
	DefaultConsentTTL = 90 * 24 * time.Hour

	// DefaultRevokedRetention is how long a revoked grant is kept before the
	// sweeper evicts it
	DefaultRevokedRetention = 24 * time.Hour

	// DefaultSweepInterval is the period of the background sweeper
	DefaultSweepInterval = time.Minute

	// DefaultPurpose is recorded on grants when the caller gives none
	DefaultPurpose = "Bank account data access"

	// DefaultIssueBurst is the per-subject burst when issue rate limiting is on
	DefaultIssueBurst = 5
)

// Config holds consent broker configuration
type Config struct {
	// RequestTTL is the authorization request window.
	// Default: 10 minutes
	RequestTTL time.Duration

	// ConsentTTL is the lifetime of a grant.
	// Default: 90 days
	ConsentTTL time.Duration

	// RevokedRetention is how long revoked grants stay queryable as Revoked
	// before the sweeper evicts them.
	// Default: 24 hours
	RevokedRetention time.Duration

	// HardDeleteOnRevoke removes a grant immediately on revocation instead of
	// retaining it as Revoked.
	// Default: false
	HardDeleteOnRevoke bool

	// SweepInterval is the period of the background sweeper.
	// Default: 1 minute
	SweepInterval time.Duration

	// LazySweep also triggers a background sweep from ledger access, at most
	// once per LazySweepMinInterval.
	// Default: false
	LazySweep bool

	// LazySweepMinInterval bounds how often ledger access may trigger a sweep.
	// Default: SweepInterval
	LazySweepMinInterval time.Duration

	// SupportedScopes lists the scopes subjects may request.
	// If empty, all well-formed scopes are allowed.
	SupportedScopes []string

	// RedirectURI overrides the provider's redirect URI for every request.
	RedirectURI string

	// DefaultPurpose is recorded on grants created from a callback.
	// Default: DefaultPurpose
	DefaultPurpose string

	// IssueRatePerSecond limits how fast one subject can create authorization
	// requests. Zero disables the limit.
	IssueRatePerSecond float64

	// IssueBurst is the per-subject burst.
	// Default: DefaultIssueBurst
	IssueBurst int

	// ExchangeTimeout bounds the whole token exchange including retries.
	// Zero leaves only the caller's context.
	ExchangeTimeout time.Duration
}

// applyDefaults fills zero values and logs settings that weaken the ledger
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.RequestTTL == 0 {
		config.RequestTTL = DefaultRequestTTL
	}
	if config.ConsentTTL == 0 {
		config.ConsentTTL = DefaultConsentTTL
	}
	if config.RevokedRetention == 0 {
		config.RevokedRetention = DefaultRevokedRetention
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.LazySweepMinInterval == 0 {
		config.LazySweepMinInterval = config.SweepInterval
	}
	if config.DefaultPurpose == "" {
		config.DefaultPurpose = DefaultPurpose
	}
	if config.IssueRatePerSecond > 0 && config.IssueBurst == 0 {
		config.IssueBurst = DefaultIssueBurst
	}

	if config.RequestTTL > time.Hour {
		logger.Warn("Authorization request window is unusually long",
			"request_ttl", config.RequestTTL,
			"risk", "Unused verifiers stay in memory longer",
			"recommendation", "Keep RequestTTL at or below 10 minutes")
	}
	return config
}

// validateConfig rejects settings that would break the ledger invariants
func validateConfig(config *Config) error {
	if config.RequestTTL < 0 {
		return fmt.Errorf("request TTL must be positive, got %s", config.RequestTTL)
	}
	if config.ConsentTTL < 0 {
		return fmt.Errorf("consent TTL must be positive, got %s", config.ConsentTTL)
	}
	if config.RevokedRetention < 0 {
		return fmt.Errorf("revoked retention must not be negative, got %s", config.RevokedRetention)
	}
	if config.SweepInterval < 0 || config.LazySweepMinInterval < 0 {
		return fmt.Errorf("sweep intervals must not be negative")
	}
	if config.IssueRatePerSecond < 0 {
		return fmt.Errorf("issue rate must not be negative, got %v", config.IssueRatePerSecond)
	}
	return nil
}
