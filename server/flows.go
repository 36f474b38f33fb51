package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage"
)

// Callback outcomes recorded in metrics
const (
	callbackCompleted      = "completed"
	callbackExchangeFailed = "exchange_failed"
	callbackRejected       = "rejected"
	callbackProviderError  = "provider_error"
)

// Authorization is the result of starting an authorization: where to send the
// subject and which state the callback will carry.
type Authorization struct {
	URL       string
	State     string
	ExpiresAt time.Time

	// Request is the tracked request. Its CodeVerifier must stay server-side.
	Request *storage.AuthorizationRequest
}

// Issue creates and tracks an authorization request for subjectRef: a fresh
// state nonce and PKCE verifier, the S256 challenge, and an expiry of
// RequestTTL from now.
func (s *Server) Issue(ctx context.Context, subjectRef string, scopes []string) (*storage.AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "issue")
	defer span.End()

	if subjectRef == "" {
		return nil, ErrSubjectRequired
	}
	scopes, err := s.validateRequestedScopes(scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if !s.RateLimiter.Allow(subjectRef) {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "subject")
		}
		s.Logger.Warn("Authorization request rate limit exceeded",
			"subject_hash", security.Fingerprint(subjectRef))
		instrumentation.RecordError(span, security.ErrRateLimited)
		return nil, security.ErrRateLimited
	}

	if err := s.Auditor.Ready(); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	nonce, err := s.generator.GenerateNonce()
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}
	verifier, err := s.generator.GenerateVerifier()
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	now := s.clock.Now()
	req := &storage.AuthorizationRequest{
		StateNonce:      nonce,
		CodeVerifier:    security.NewSecret(verifier),
		CodeChallenge:   pkce.BuildChallenge(verifier),
		RequestedScopes: scopes,
		SubjectRef:      subjectRef,
		RedirectURI:     s.Config.RedirectURI,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.Config.RequestTTL),
		Status:          storage.RequestIssued,
	}
	if err := s.requestStore.SaveRequest(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save authorization request: %w", err)
	}

	instrumentation.AddConsentFlowAttributes(span, security.Fingerprint(subjectRef), req.Ref(), scopes)
	instrumentation.AddPKCEAttributes(span, pkce.MethodS256)
	instrumentation.SetSpanSuccess(span)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordRequestIssued(ctx, s.provider.Name())
	}
	s.audit(ctx, security.EventRequestIssued, subjectRef, security.AuditDetail{
		RequestRef: req.Ref(),
		Scopes:     scopes,
		Provider:   s.provider.Name(),
	})
	s.maybeLazySweep()

	s.Logger.Debug("Issued authorization request", "request", req)
	return req, nil
}

// StartAuthorization issues a request and builds the provider authorization
// URL carrying its state and challenge.
func (s *Server) StartAuthorization(ctx context.Context, subjectRef string, scopes []string) (*Authorization, error) {
	req, err := s.Issue(ctx, subjectRef, scopes)
	if err != nil {
		return nil, err
	}

	authURL, err := s.provider.AuthorizationURL(providers.AuthorizationRequest{
		State:         req.StateNonce,
		CodeChallenge: req.CodeChallenge,
		Scopes:        req.RequestedScopes,
		RedirectURI:   req.RedirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization URL: %w", err)
	}

	return &Authorization{
		URL:       authURL,
		State:     req.StateNonce,
		ExpiresAt: req.ExpiresAt,
		Request:   req,
	}, nil
}

// Consume validates a callback state and atomically moves its request from
// Issued to Consumed. Among concurrent callers with the same nonce at most
// one succeeds.
//
// Errors: storage.ErrNonceNotFound, storage.ErrNonceAlreadyConsumed,
// storage.ErrNonceExpired (the first observation emits RequestExpired) and
// storage.ErrStateMismatch, which leaves the request untouched.
func (s *Server) Consume(ctx context.Context, nonce, returnedState string) (*storage.AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "consume")
	defer span.End()

	verify := func(req *storage.AuthorizationRequest) error {
		if subtle.ConstantTimeCompare([]byte(req.StateNonce), []byte(returnedState)) != 1 {
			return storage.ErrStateMismatch
		}
		return nil
	}

	result, err := s.requestStore.ConsumeRequest(ctx, nonce, verify)
	if result.Expired {
		s.audit(ctx, security.EventRequestExpired, result.Request.SubjectRef, security.AuditDetail{
			RequestRef: result.Request.Ref(),
			Reason:     security.ReasonObservedOnRead,
		})
	}
	if err != nil {
		s.recordConsumeFailure(ctx, nonce, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	req := result.Request
	instrumentation.AddConsentFlowAttributes(span, security.Fingerprint(req.SubjectRef), req.Ref(), req.RequestedScopes)
	instrumentation.SetSpanSuccess(span)

	s.audit(ctx, security.EventRequestConsumed, req.SubjectRef, security.AuditDetail{
		RequestRef: req.Ref(),
		Scopes:     req.RequestedScopes,
	})
	return req, nil
}

func (s *Server) recordConsumeFailure(ctx context.Context, nonce string, err error) {
	logArgs := []any{"request_ref", security.Fingerprint(nonce), "error", err}
	switch {
	case errors.Is(err, storage.ErrStateMismatch):
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordStateMismatch(ctx)
		}
		s.Logger.Warn("Callback state mismatch", logArgs...)
	case errors.Is(err, storage.ErrNonceAlreadyConsumed):
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordNonceReplay(ctx)
		}
		s.Logger.Warn("Replayed state nonce", logArgs...)
	default:
		s.Logger.Info("Callback rejected", logArgs...)
	}
}

// HandleCallback completes an authorization: it consumes the request named by
// state, exchanges the code outside every store lock, and records the grant.
// A failed exchange leaves no grant, marks the request Failed and emits
// TokenExchangeFailed.
func (s *Server) HandleCallback(ctx context.Context, code, state string) (*storage.ConsentGrant, error) {
	ctx, span := s.startSpan(ctx, "callback")
	defer span.End()

	if err := s.Auditor.Ready(); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	req, err := s.Consume(ctx, state, state)
	if err != nil {
		s.recordCallback(ctx, callbackRejected)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddConsentFlowAttributes(span, security.Fingerprint(req.SubjectRef), req.Ref(), req.RequestedScopes)

	pair, err := s.exchange(ctx, code, req)
	if err != nil {
		s.failRequest(ctx, req, err)
		s.recordCallback(ctx, callbackExchangeFailed)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	scopes := pair.Scopes
	if len(scopes) == 0 {
		scopes = req.RequestedScopes
	}
	grant, err := s.record(ctx, recordParams{
		subjectRef: req.SubjectRef,
		pair:       pair,
		scopes:     scopes,
		requested:  req.RequestedScopes,
		purpose:    s.Config.DefaultPurpose,
	})
	if err != nil {
		s.failRequest(ctx, req, err)
		s.recordCallback(ctx, callbackExchangeFailed)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if err := s.requestStore.FinishRequest(ctx, req.StateNonce, storage.RequestCompleted); err != nil {
		s.Logger.Warn("Failed to mark authorization request completed",
			"request_ref", req.Ref(),
			"error", err)
	}

	s.recordCallback(ctx, callbackCompleted)
	instrumentation.AddGrantAttributes(span, grant.ID)
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// AbortCallback handles a callback that carries a provider error instead of
// a code. The request is consumed so the state cannot be reused, and marked
// Failed.
func (s *Server) AbortCallback(ctx context.Context, state string) error {
	req, err := s.Consume(ctx, state, state)
	if err != nil {
		s.recordCallback(ctx, callbackRejected)
		return err
	}
	if err := s.requestStore.FinishRequest(ctx, req.StateNonce, storage.RequestFailed); err != nil {
		return fmt.Errorf("failed to mark authorization request failed: %w", err)
	}
	s.recordCallback(ctx, callbackProviderError)
	return nil
}

// exchange calls the provider with the request's verifier. It holds no lock.
func (s *Server) exchange(ctx context.Context, code string, req *storage.AuthorizationRequest) (*providers.TokenPair, error) {
	if s.Config.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.ExchangeTimeout)
		defer cancel()
	}

	pair, err := s.provider.ExchangeCode(ctx, code, req.CodeVerifier, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if pair == nil || pair.AccessToken.IsZero() {
		return nil, &providers.ExchangeError{Err: providers.ErrTokenExchangeFailed}
	}

	s.Logger.Info("Token exchange succeeded",
		"request_ref", req.Ref(),
		"provider", s.provider.Name(),
		"tokens", pair)
	return pair, nil
}

// failRequest marks a consumed request Failed and emits TokenExchangeFailed.
func (s *Server) failRequest(ctx context.Context, req *storage.AuthorizationRequest, cause error) {
	if err := s.requestStore.FinishRequest(ctx, req.StateNonce, storage.RequestFailed); err != nil {
		s.Logger.Warn("Failed to mark authorization request failed",
			"request_ref", req.Ref(),
			"error", err)
	}

	detail := security.AuditDetail{
		RequestRef: req.Ref(),
		Scopes:     req.RequestedScopes,
		Reason:     exchangeFailureReason(cause),
		Provider:   s.provider.Name(),
	}
	var exchangeErr *providers.ExchangeError
	if errors.As(cause, &exchangeErr) {
		detail.Attempts = exchangeErr.Attempts
	}
	s.audit(ctx, security.EventTokenExchangeFailed, req.SubjectRef, detail)

	s.Logger.Warn("Authorization failed",
		"request_ref", req.Ref(),
		"reason", detail.Reason,
		"attempts", detail.Attempts,
		"error", cause)
}

// exchangeFailureReason maps an exchange or record error to its audit reason.
func exchangeFailureReason(err error) security.Reason {
	var exchangeErr *providers.ExchangeError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return security.ReasonCancelled
	case errors.Is(err, ErrScopeNotRequested):
		return security.ReasonScopeNotRequested
	case errors.Is(err, providers.ErrClientAuthenticationFailed):
		return security.ReasonClientAuthFailed
	case errors.Is(err, providers.ErrAuthorizationCodeInvalid):
		return security.ReasonCodeInvalid
	case errors.As(err, &exchangeErr) && exchangeErr.IsMalformedResponse():
		return security.ReasonMalformedTokenResponse
	case errors.Is(err, providers.ErrTokenExchangeFailed):
		return security.ReasonRetriesExhausted
	default:
		return security.ReasonProviderError
	}
}

// ============================================================
// Helpers
// ============================================================

// audit emits an event. Sink failures are already buffered by the auditor;
// they are logged here and never fail the operation.
func (s *Server) audit(ctx context.Context, kind security.EventKind, subjectRef string, detail security.AuditDetail) {
	err := s.Auditor.Emit(ctx, security.AuditEvent{
		Kind:       kind,
		SubjectRef: subjectRef,
		Detail:     detail,
	})
	if err != nil {
		s.Logger.Warn("Audit event buffered, sink unavailable",
			"event_type", kind,
			"error", err)
	}
}

func (s *Server) recordCallback(ctx context.Context, outcome string) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCallbackProcessed(ctx, outcome)
	}
}

func (s *Server) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "consent."+operation)
}
