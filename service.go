package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/providers/bank"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/server"
	"github.com/giantswarm/bank-consent/storage"
	"github.com/giantswarm/bank-consent/storage/memory"
)

// Service wires the consent core: an in-memory ledger, the bank provider,
// the audit emitter and the background sweeper.
type Service struct {
	server          *server.Server
	store           *memory.Store
	auditor         *security.Auditor
	sweeper         *server.Sweeper
	instrumentation *instrumentation.Instrumentation
	clock           security.Clock
	logger          *slog.Logger
	config          *Config
}

// New creates a service talking to the bank configured in cfg.Provider.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Provider.RedirectURI == "" {
		return nil, fmt.Errorf("provider redirect URI is required")
	}
	provider, err := bank.NewProvider(&bank.Config{
		Name:                  cfg.Provider.Name,
		AuthorizationEndpoint: cfg.Provider.AuthorizationEndpoint,
		TokenEndpoint:         cfg.Provider.TokenEndpoint,
		ClientID:              cfg.Provider.ClientID,
		ClientSecret:          security.NewSecret(cfg.Provider.ClientSecret),
		RedirectURI:           cfg.Provider.RedirectURI,
		ExtraAuthParams:       cfg.Provider.ExtraAuthParams,
		RetryLimit:            cfg.Provider.RetryLimit,
		InitialBackoff:        cfg.Provider.InitialBackoff,
		MaxBackoff:            cfg.Provider.MaxBackoff,
		AttemptTimeout:        cfg.Provider.AttemptTimeout,
		HTTPClient:            cfg.HTTPClient,
		Logger:                cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return NewWithProvider(cfg, provider)
}

// NewWithProvider creates a service around an existing provider.
func NewWithProvider(cfg *Config, provider providers.Provider) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        cfg.Instrumentation.Enabled,
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: cfg.Instrumentation.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	generator := pkce.NewGenerator(cfg.Random)
	sealer := security.NewDisabledSealer()
	if !cfg.Security.DisableTokenSealing {
		sealer, err = security.NewSealer(generator.Reader())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
		}
	}

	store := memory.New(memory.Config{
		Clock:  cfg.Clock,
		Sealer: sealer,
		Logger: logger,
	})
	store.SetInstrumentation(inst)

	policy := security.AuditBestEffort
	if cfg.Security.RequireAudit {
		policy = security.AuditRequired
	}
	auditor := security.NewAuditor(security.AuditorConfig{
		Sink:       cfg.AuditSink,
		Policy:     policy,
		BufferSize: cfg.Security.AuditBufferSize,
		Clock:      cfg.Clock,
		Logger:     logger,
	})
	auditor.SetInstrumentation(inst)

	srv, err := server.New(provider, store, &server.Config{
		RequestTTL:         cfg.Ledger.RequestTTL,
		ConsentTTL:         cfg.Ledger.ConsentTTL,
		RevokedRetention:   cfg.Ledger.RevokedRetention,
		HardDeleteOnRevoke: cfg.Ledger.HardDeleteOnRevoke,
		SweepInterval:      cfg.Ledger.SweepInterval,
		LazySweep:          cfg.Ledger.LazySweep,
		SupportedScopes:    cfg.Ledger.SupportedScopes,
		DefaultPurpose:     cfg.Ledger.DefaultPurpose,
		IssueRatePerSecond: cfg.Security.IssueRatePerSecond,
		IssueBurst:         cfg.Security.IssueBurst,
		ExchangeTimeout:    cfg.Provider.ExchangeTimeout,
	}, logger)
	if err != nil {
		auditor.Close()
		return nil, err
	}
	srv.SetGenerator(generator)
	srv.SetClock(cfg.Clock)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)
	if srv.RateLimiter != nil && cfg.Clock != nil {
		srv.SetRateLimiter(security.NewRateLimiter(security.RateLimiterConfig{
			PerSecond: srv.Config.IssueRatePerSecond,
			Burst:     srv.Config.IssueBurst,
			Clock:     cfg.Clock,
			Logger:    logger,
		}))
	}

	if p, ok := provider.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		p.SetInstrumentation(inst)
	}

	return &Service{
		server:          srv,
		store:           store,
		auditor:         auditor,
		sweeper:         srv.NewSweeper(),
		instrumentation: inst,
		clock:           security.ClockOrDefault(cfg.Clock),
		logger:          logger,
		config:          cfg,
	}, nil
}

// Start launches the background sweeper.
func (s *Service) Start(ctx context.Context) {
	s.sweeper.Start(ctx)
}

// Shutdown stops the sweeper, drains buffered audit events and flushes
// telemetry. Audit events still rejected by the sink are reported.
func (s *Service) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	s.server.WaitForSweeps()

	var errs []error
	if err := s.auditor.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	s.auditor.Close()
	s.store.Close()
	if err := s.instrumentation.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down instrumentation: %w", err))
	}
	return errors.Join(errs...)
}

// Server returns the consent core.
func (s *Service) Server() *server.Server {
	return s.server
}

// Instrumentation returns the service telemetry.
func (s *Service) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// StartAuthorization issues an authorization request for subjectRef and
// returns the bank URL to send the subject to.
func (s *Service) StartAuthorization(ctx context.Context, subjectRef string, scopes []string) (*server.Authorization, error) {
	return s.server.StartAuthorization(ctx, subjectRef, scopes)
}

// HandleCallback completes the authorization carrying state and records the
// resulting consent.
func (s *Service) HandleCallback(ctx context.Context, code, state string) (*storage.ConsentGrant, error) {
	return s.server.HandleCallback(ctx, code, state)
}

// AbortCallback consumes a request whose callback carried a provider error.
func (s *Service) AbortCallback(ctx context.Context, state string) error {
	return s.server.AbortCallback(ctx, state)
}

// Record stores a consent obtained outside the callback flow.
func (s *Service) Record(ctx context.Context, subjectRef string, pair *providers.TokenPair, scopes []string) (*storage.ConsentGrant, error) {
	return s.server.Record(ctx, subjectRef, pair, scopes)
}

// Lookup returns the subject's current consent.
func (s *Service) Lookup(ctx context.Context, subjectRef string) (*storage.ConsentGrant, error) {
	return s.server.Lookup(ctx, subjectRef)
}

// Get returns a consent by ID.
func (s *Service) Get(ctx context.Context, id string) (*storage.ConsentGrant, error) {
	return s.server.Get(ctx, id)
}

// List returns every active consent.
func (s *Service) List(ctx context.Context) ([]*storage.ConsentGrant, error) {
	return s.server.List(ctx)
}

// Revoke revokes a consent. It is idempotent.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.server.Revoke(ctx, id)
}

// Sweep runs one retention pass immediately.
func (s *Service) Sweep(ctx context.Context) (server.SweepStats, error) {
	return s.server.Sweep(ctx)
}

// FetchResource reads resourceURL from the bank with the access token of an
// Active consent. A token past its provider-declared expiry is not sent.
func (s *Service) FetchResource(ctx context.Context, grantID, resourceURL string) ([]byte, error) {
	grant, err := s.server.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !grant.IsActive() {
		return nil, ErrConsentNotActive
	}
	if security.IsTokenExpired(grant.TokenExpiry, s.clock.Now()) {
		s.logger.Info("Access token expired for active consent",
			"grant_id", grant.ID,
			"token_expiry", grant.TokenExpiry)
		return nil, ErrAccessTokenExpired
	}
	return s.server.Provider().FetchResource(ctx, grant.AccessToken, resourceURL)
}
