package bank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
)

const (
	// DefaultName is the provider name recorded on grants
	DefaultName = "bank"

	// DefaultRetryLimit is the number of token endpoint attempts
	DefaultRetryLimit = 3

	// DefaultInitialBackoff is the delay before the first retry
	DefaultInitialBackoff = 200 * time.Millisecond

	// DefaultMaxBackoff caps the delay between retries
	DefaultMaxBackoff = 2 * time.Second

	// DefaultAttemptTimeout bounds a single token endpoint request
	DefaultAttemptTimeout = 10 * time.Second

	// maxResourceBytes bounds FetchResource response bodies (10 MB)
	maxResourceBytes = 10 << 20
)

// Config holds the bank provider configuration
type Config struct {
	// Name is recorded on grants. Default: DefaultName.
	Name string

	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string

	// ClientSecret is optional; public clients rely on PKCE alone
	ClientSecret security.Secret

	// RedirectURI is the default redirect URI registered with the provider
	RedirectURI string

	// ExtraAuthParams are appended to every authorization URL, such as a
	// provider selector ("providers": "mock").
	ExtraAuthParams map[string]string

	// RetryLimit is the maximum number of token endpoint attempts.
	// Default: DefaultRetryLimit.
	RetryLimit int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration

	HTTPClient *http.Client // Optional custom HTTP client
	Logger     *slog.Logger
}

// Provider implements providers.Provider for an OAuth2 bank data provider.
type Provider struct {
	name            string
	config          *oauth2.Config
	extraAuthParams map[string]string
	httpClient      *http.Client
	retryLimit      int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	attemptTimeout  time.Duration
	logger          *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a bank provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization and token endpoints are required")
	}
	if err := validateEndpoint("authorization_endpoint", cfg.AuthorizationEndpoint); err != nil {
		return nil, err
	}
	if err := validateEndpoint("token_endpoint", cfg.TokenEndpoint); err != nil {
		return nil, err
	}
	if cfg.RedirectURI != "" {
		if err := validateEndpoint("redirect_uri", cfg.RedirectURI); err != nil {
			return nil, err
		}
	}

	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	retryLimit := cfg.RetryLimit
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Reveal(),
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		extraAuthParams: cfg.ExtraAuthParams,
		httpClient:      httpClient,
		retryLimit:      retryLimit,
		initialBackoff:  initialBackoff,
		maxBackoff:      maxBackoff,
		attemptTimeout:  attemptTimeout,
		logger:          logger,
	}, nil
}

// SetInstrumentation enables provider metrics and tracing.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	p.instrumentation = inst
	p.tracer = inst.Tracer("provider")
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the provider authorization URL with the S256
// challenge and the configured extra parameters.
func (p *Provider) AuthorizationURL(req providers.AuthorizationRequest) (string, error) {
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = p.config.RedirectURL
	}
	return pkce.BuildAuthorizationURL(pkce.AuthURLParams{
		BaseURL:       p.config.Endpoint.AuthURL,
		ClientID:      p.config.ClientID,
		RedirectURI:   redirectURI,
		Scopes:        req.Scopes,
		State:         req.State,
		Challenge:     req.CodeChallenge,
		Extra:         p.extraAuthParams,
		RequireScopes: true,
	})
}

// ExchangeCode exchanges an authorization code for tokens, retrying transient
// failures up to the retry limit. Errors are *providers.ExchangeError, or
// wrap ErrTokenExchangeFailed together with the context error when ctx ends.
func (p *Provider) ExchangeCode(ctx context.Context, code string, verifier security.Secret, redirectURI string) (*providers.TokenPair, error) {
	ctx, span := p.startSpan(ctx, "exchange_code")
	defer span.End()
	startTime := time.Now()

	if code == "" {
		err := &providers.ExchangeError{Err: providers.ErrAuthorizationCodeInvalid}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	cfg := p.config
	if redirectURI != "" && redirectURI != cfg.RedirectURL {
		tempConfig := *p.config
		tempConfig.RedirectURL = redirectURI
		cfg = &tempConfig
	}

	attempts := 0
	var last *providers.ExchangeError

	operation := func() (*oauth2.Token, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()

		callStart := time.Now()
		token, err := providers.ExchangeCodeWithPKCE(attemptCtx, cfg, p.httpClient, code, verifier)
		if err == nil {
			p.recordAttempt(ctx, http.StatusOK, callStart, nil, false)
			return token, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		last = providers.ClassifyExchangeError(err)
		last.Attempts = attempts
		p.recordAttempt(ctx, last.Status, callStart, last, last.Transient)

		p.logger.Warn("Token exchange attempt failed",
			"provider", p.name,
			"attempt", attempts,
			"max_attempts", p.retryLimit,
			"status", last.Status,
			"error_code", last.Code,
			"transient", last.Transient)

		if !last.Transient {
			return nil, backoff.Permanent(last)
		}
		return nil, last
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.retryLimit)))
	if err != nil {
		err = p.exchangeFailure(ctx, err, last, attempts)
		p.recordExchange(ctx, false, attempts, startTime)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	pair := providers.NewTokenPair(token)
	p.recordExchange(ctx, true, attempts, startTime)
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrAttempts, attempts))
	instrumentation.SetSpanSuccess(span)

	p.logger.Debug("Token exchange succeeded",
		"provider", p.name,
		"attempts", attempts,
		"tokens", pair)
	return pair, nil
}

// exchangeFailure turns the error returned by the retry loop into the error
// handed to the caller.
func (p *Provider) exchangeFailure(ctx context.Context, err error, last *providers.ExchangeError, attempts int) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", providers.ErrTokenExchangeFailed, ctxErr)
	}
	var exchangeErr *providers.ExchangeError
	if errors.As(err, &exchangeErr) {
		exchangeErr.Attempts = attempts
		return exchangeErr
	}
	if last != nil {
		last.Attempts = attempts
		return last
	}
	return &providers.ExchangeError{Err: providers.ErrTokenExchangeFailed, Attempts: attempts}
}

func (p *Provider) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxBackoff
	b.Reset()
	return b
}

// FetchResource performs an authenticated GET with the access token as a
// bearer token.
func (p *Provider) FetchResource(ctx context.Context, accessToken security.Secret, resourceURL string) ([]byte, error) {
	ctx, span := p.startSpan(ctx, "fetch_resource")
	defer span.End()
	startTime := time.Now()

	if accessToken.IsZero() {
		return nil, fmt.Errorf("access token is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken.Reveal(),
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		p.recordProviderCall(ctx, "fetch_resource", 0, startTime, err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to fetch resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("resource request failed with status %d", resp.StatusCode)
		p.recordProviderCall(ctx, "fetch_resource", resp.StatusCode, startTime, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes))
	if err != nil {
		p.recordProviderCall(ctx, "fetch_resource", resp.StatusCode, startTime, err)
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}

	p.recordProviderCall(ctx, "fetch_resource", resp.StatusCode, startTime, nil)
	instrumentation.SetSpanSuccess(span)
	return body, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (p *Provider) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := p.tracer.Start(ctx, "provider."+operation)
	instrumentation.AddProviderAttributes(span, p.name, operation)
	return ctx, span
}

func (p *Provider) recordAttempt(ctx context.Context, status int, startTime time.Time, err error, transient bool) {
	if p.instrumentation == nil {
		return
	}
	m := p.instrumentation.Metrics()
	if err != nil {
		m.RecordTokenExchangeAttempt(ctx, p.name, transient)
	}
	p.recordProviderCall(ctx, "exchange_code", status, startTime, err)
}

func (p *Provider) recordExchange(ctx context.Context, success bool, attempts int, startTime time.Time) {
	if p.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	p.instrumentation.Metrics().RecordTokenExchange(ctx, p.name, success, attempts, durationMs)
}

func (p *Provider) recordProviderCall(ctx context.Context, operation string, status int, startTime time.Time, err error) {
	if p.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	p.instrumentation.Metrics().RecordProviderAPICall(ctx, p.name, operation, status, durationMs, err)
}
