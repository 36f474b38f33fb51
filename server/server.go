package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage"
)

var (
	// ErrScopeNotRequested is returned when a grant would carry a scope the
	// authorization request did not ask for, or no scope at all.
	ErrScopeNotRequested = errors.New("granted scope was not requested")

	// ErrSubjectRequired is returned when a subject reference is empty
	ErrSubjectRequired = errors.New("subject reference is required")
)

// Server implements the consent broker core (provider-agnostic). It
// coordinates the authorization request tracker, the token exchange and the
// consent ledger over a storage backend.
type Server struct {
	provider     providers.Provider
	requestStore storage.RequestStore
	grantStore   storage.GrantStore

	generator   *pkce.Generator
	clock       security.Clock
	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // per-subject issue rate limiter
	Logger      *slog.Logger
	Config      *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lazy sweep bookkeeping
	lastSweep atomic.Int64 // unix nanoseconds of the last sweep start
	sweeping  atomic.Bool
	sweepWG   sync.WaitGroup
}

// New creates a consent server. The store must implement both the request
// and grant halves of storage.Store.
func New(
	provider providers.Provider,
	store storage.Store,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config = applyDefaults(config, logger)

	srv := &Server{
		provider:     provider,
		requestStore: store,
		grantStore:   store,
		generator:    pkce.NewGenerator(nil),
		clock:        security.SystemClock{},
		Config:       config,
		Logger:       logger,
	}

	if config.IssueRatePerSecond > 0 {
		srv.RateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			PerSecond: config.IssueRatePerSecond,
			Burst:     config.IssueBurst,
			Clock:     srv.clock,
			Logger:    logger,
		})
	}

	return srv, nil
}

// SetAuditor sets the audit emitter
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter replaces the per-subject issue rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetGenerator sets the random source for nonces, verifiers and grant IDs
func (s *Server) SetGenerator(g *pkce.Generator) {
	if g != nil {
		s.generator = g
	}
}

// SetClock sets the clock used for request and grant timestamps
func (s *Server) SetClock(c security.Clock) {
	s.clock = security.ClockOrDefault(c)
}

// SetInstrumentation enables metrics and tracing for the consent flows
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// Provider returns the configured upstream provider
func (s *Server) Provider() providers.Provider {
	return s.provider
}
