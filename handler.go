package consent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/internal/util"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
)

// Handler is a thin HTTP adapter for the consent Service.
// It handles HTTP requests and delegates to the Service for business logic.
type Handler struct {
	service *Service
	tracer  trace.Tracer // OpenTelemetry tracer for HTTP layer
	https   bool
}

// NewHandler creates a new HTTP handler
func NewHandler(service *Service) *Handler {
	h := &Handler{
		service: service,
		https:   service.config.Security.HTTPS,
	}
	if service.instrumentation != nil {
		h.tracer = service.instrumentation.Tracer("http")
	}
	return h
}

// Routes returns the router serving the consent API:
//
//	GET    /authorize?subject=&scope=   start an authorization
//	GET    /callback?code=&state=       complete it (or error=&state=)
//	GET    /consents                    list active consents
//	GET    /consents/{id}               read one consent
//	DELETE /consents/{id}               revoke it
//	GET    /subjects/{subject}/consent  the subject's current consent
//	POST   /sweep                       run a retention pass now
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.securityHeaders)

	r.Get("/authorize", h.ServeAuthorize)
	r.Get("/callback", h.ServeCallback)
	r.Route("/consents", func(r chi.Router) {
		r.Get("/", h.ServeListConsents)
		r.Get("/{id}", h.ServeGetConsent)
		r.Delete("/{id}", h.ServeRevokeConsent)
	})
	r.Get("/subjects/{subject}/consent", h.ServeSubjectConsent)
	r.Post("/sweep", h.ServeSweep)
	return r
}

func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.https)
		next.ServeHTTP(w, r)
	})
}

// ServeAuthorize starts an authorization for a subject and returns the bank
// URL along with the state the callback will carry.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "authorize")
	defer span.End()

	subject := r.URL.Query().Get("subject")
	scopes := util.ParseScopes(r.URL.Query().Get("scope"))
	if subject == "" {
		h.fail(ctx, w, "authorize", http.MethodGet, startTime, span, ErrSubjectRequired)
		return
	}

	auth, err := h.service.StartAuthorization(ctx, subject, scopes)
	if err != nil {
		h.fail(ctx, w, "authorize", http.MethodGet, startTime, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "authorize", http.MethodGet, startTime, http.StatusOK, NewAuthorizationResponse(auth))
}

// ServeCallback handles the bank's redirect back after the subject decided.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "callback")
	defer span.End()

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	errorParam := r.URL.Query().Get("error")

	if state == "" {
		h.writeError(ctx, w, "callback", http.MethodGet, startTime,
			NewConsentError(ErrorCodeInvalidRequest, "state is required", http.StatusBadRequest))
		return
	}

	// Check for provider errors
	if errorParam != "" {
		if err := h.service.AbortCallback(ctx, state); err != nil {
			h.fail(ctx, w, "callback", http.MethodGet, startTime, span, err)
			return
		}
		// The error parameter is caller-controlled; only a well-formed code is logged.
		h.service.logger.Warn("Provider returned error on callback",
			"error", providers.SanitizeErrorCode(errorParam),
			"request_ref", security.Fingerprint(state))
		instrumentation.SetSpanError(span, "provider error")
		h.writeError(ctx, w, "callback", http.MethodGet, startTime,
			NewConsentError(ErrorCodeAccessDenied, "authorization was not granted", http.StatusForbidden))
		return
	}
	if code == "" {
		h.writeError(ctx, w, "callback", http.MethodGet, startTime,
			NewConsentError(ErrorCodeInvalidRequest, "code is required", http.StatusBadRequest))
		return
	}

	grant, err := h.service.HandleCallback(ctx, code, state)
	if err != nil {
		h.fail(ctx, w, "callback", http.MethodGet, startTime, span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "callback", http.MethodGet, startTime, http.StatusCreated, NewConsentResponse(grant))
}

// ServeListConsents lists active consents.
func (h *Handler) ServeListConsents(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "list")
	defer span.End()

	grants, err := h.service.List(ctx)
	if err != nil {
		h.fail(ctx, w, "consents", http.MethodGet, startTime, span, err)
		return
	}
	resp := ConsentListResponse{Consents: make([]ConsentResponse, 0, len(grants))}
	for _, g := range grants {
		resp.Consents = append(resp.Consents, NewConsentResponse(g))
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "consents", http.MethodGet, startTime, http.StatusOK, resp)
}

// ServeGetConsent returns one consent by ID.
func (h *Handler) ServeGetConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "get")
	defer span.End()

	grant, err := h.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(ctx, w, "consent", http.MethodGet, startTime, span, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "consent", http.MethodGet, startTime, http.StatusOK, NewConsentResponse(grant))
}

// ServeRevokeConsent revokes a consent. Revoking twice is not an error.
func (h *Handler) ServeRevokeConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "revoke")
	defer span.End()

	if err := h.service.Revoke(ctx, chi.URLParam(r, "id")); err != nil {
		h.fail(ctx, w, "consent", http.MethodDelete, startTime, span, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "consent", http.MethodDelete, http.StatusNoContent, startTime)
	w.WriteHeader(http.StatusNoContent)
}

// ServeSubjectConsent returns the subject's current consent.
func (h *Handler) ServeSubjectConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "lookup")
	defer span.End()

	grant, err := h.service.Lookup(ctx, chi.URLParam(r, "subject"))
	if err != nil {
		h.fail(ctx, w, "subject_consent", http.MethodGet, startTime, span, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "subject_consent", http.MethodGet, startTime, http.StatusOK, NewConsentResponse(grant))
}

// ServeSweep runs a retention pass immediately.
func (h *Handler) ServeSweep(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "sweep")
	defer span.End()

	stats, err := h.service.Sweep(ctx)
	if err != nil {
		h.fail(ctx, w, "sweep", http.MethodPost, startTime, span, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, "sweep", http.MethodPost, startTime, http.StatusOK, SweepResponse{
		RequestsEvicted: stats.RequestsEvicted,
		GrantsEvicted:   stats.GrantsEvicted,
		GrantsExpired:   stats.GrantsExpired,
	})
}

// ============================================================
// Helpers
// ============================================================

// fail maps err to its HTTP rendering and writes it. The error itself is
// logged; only the fixed description reaches the client.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, endpoint, method string, startTime time.Time, span trace.Span, err error) {
	ce := ToConsentError(err)
	if ce.Status >= http.StatusInternalServerError {
		h.service.logger.Error("Consent request failed", "endpoint", endpoint, "error", err)
	} else {
		h.service.logger.Info("Consent request rejected", "endpoint", endpoint, "error", err)
	}
	instrumentation.RecordError(span, err)
	h.writeError(ctx, w, endpoint, method, startTime, ce)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, endpoint, method string, startTime time.Time, ce *ConsentError) {
	if ce.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(ctx, w, endpoint, method, startTime, ce.Status, ErrorResponse{
		Error:            ce.Code,
		ErrorDescription: ce.Description,
	})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, endpoint, method string, startTime time.Time, status int, body any) {
	h.recordHTTPMetrics(ctx, endpoint, method, status, startTime)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.service.logger.Warn("Failed to encode response", "endpoint", endpoint, "error", err)
	}
}

// recordHTTPMetrics records HTTP request metrics
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.service.instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.service.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

func (h *Handler) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, "consent.http."+operation)
}
