package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/pkce"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage"
)

type recordParams struct {
	subjectRef string
	pair       *providers.TokenPair
	scopes     []string

	// requested is the scope set of the originating request; nil when the
	// grant is recorded directly through Record
	requested []string
	purpose   string
}

// Record stores a new Active grant for subjectRef expiring ConsentTTL from
// now, and makes it the subject's current grant.
func (s *Server) Record(ctx context.Context, subjectRef string, pair *providers.TokenPair, scopes []string) (*storage.ConsentGrant, error) {
	return s.record(ctx, recordParams{
		subjectRef: subjectRef,
		pair:       pair,
		scopes:     scopes,
		purpose:    s.Config.DefaultPurpose,
	})
}

// RecordWithPurpose is Record with an explicit purpose label.
func (s *Server) RecordWithPurpose(ctx context.Context, subjectRef string, pair *providers.TokenPair, scopes []string, purpose string) (*storage.ConsentGrant, error) {
	if purpose == "" {
		purpose = s.Config.DefaultPurpose
	}
	return s.record(ctx, recordParams{
		subjectRef: subjectRef,
		pair:       pair,
		scopes:     scopes,
		purpose:    purpose,
	})
}

func (s *Server) record(ctx context.Context, p recordParams) (*storage.ConsentGrant, error) {
	ctx, span := s.startSpan(ctx, "record")
	defer span.End()

	if p.subjectRef == "" {
		return nil, ErrSubjectRequired
	}
	if p.pair == nil || p.pair.AccessToken.IsZero() {
		return nil, fmt.Errorf("token pair with an access token is required")
	}

	scopes := normalizeScopes(p.scopes)
	if p.requested != nil {
		if err := checkScopesRequested(scopes, p.requested); err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}
	if err := pkce.ValidateScopes(scopes, true); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	id, err := uuid.NewRandomFromReader(s.generator.Reader())
	if err != nil {
		err = fmt.Errorf("%w: grant id: %w", pkce.ErrEntropyUnavailable, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	now := s.clock.Now()
	grant := &storage.ConsentGrant{
		ID:           id.String(),
		SubjectRef:   p.subjectRef,
		Scopes:       scopes,
		Purpose:      p.purpose,
		Provider:     s.provider.Name(),
		AccessToken:  p.pair.AccessToken,
		RefreshToken: p.pair.RefreshToken,
		TokenExpiry:  p.pair.Expiry,
		GrantedAt:    now,
		ExpiresAt:    now.Add(s.Config.ConsentTTL),
		Status:       storage.GrantActive,
	}
	if err := s.grantStore.SaveGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save consent grant: %w", err)
	}

	instrumentation.AddConsentFlowAttributes(span, security.Fingerprint(p.subjectRef), "", scopes)
	instrumentation.AddGrantAttributes(span, grant.ID)
	instrumentation.SetSpanSuccess(span)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordGrantCreated(ctx, grant.Provider)
	}
	s.audit(ctx, security.EventGrantCreated, grant.SubjectRef, security.AuditDetail{
		GrantID:          grant.ID,
		Scopes:           grant.Scopes,
		TokenFingerprint: grant.AccessToken.Fingerprint(),
		Provider:         grant.Provider,
	})
	s.maybeLazySweep()

	s.Logger.Info("Recorded consent grant", "grant", grant)
	return grant, nil
}

// Lookup returns the subject's current grant: the newest Active one, or the
// newest Revoked or Expired one when none is Active. A grant found past its
// expiry is never returned as Active, and the transition emits GrantExpired
// exactly once.
func (s *Server) Lookup(ctx context.Context, subjectRef string) (*storage.ConsentGrant, error) {
	ctx, span := s.startSpan(ctx, "lookup")
	defer span.End()

	grant, expiredNow, err := s.grantStore.GetGrantBySubject(ctx, subjectRef)
	s.maybeLazySweep()
	for _, g := range expiredNow {
		s.grantExpired(ctx, g, security.ReasonObservedOnRead)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddGrantAttributes(span, grant.ID)
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// Get returns a grant by ID with the same expiry semantics as Lookup.
func (s *Server) Get(ctx context.Context, id string) (*storage.ConsentGrant, error) {
	ctx, span := s.startSpan(ctx, "get")
	defer span.End()

	grant, expiredNow, err := s.grantStore.GetGrant(ctx, id)
	s.maybeLazySweep()
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if expiredNow {
		s.grantExpired(ctx, grant, security.ReasonObservedOnRead)
	}
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// List returns every Active grant, oldest first.
func (s *Server) List(ctx context.Context) ([]*storage.ConsentGrant, error) {
	ctx, span := s.startSpan(ctx, "list")
	defer span.End()

	active, expiredNow, err := s.grantStore.ListActiveGrants(ctx)
	s.maybeLazySweep()
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	for _, g := range expiredNow {
		s.grantExpired(ctx, g, security.ReasonObservedOnRead)
	}
	instrumentation.SetSpanSuccess(span)
	return active, nil
}

// Revoke moves an Active grant to Revoked, or removes it when
// HardDeleteOnRevoke is set. Revoking a grant that is already Revoked or
// Expired succeeds without emitting GrantRevoked, and so does revoking a
// hard-deleted grant again within RevokedRetention. Once Revoke returns, Get
// observes Revoked (or storage.ErrGrantNotFound after a hard delete) and
// Lookup no longer returns the grant as Active.
func (s *Server) Revoke(ctx context.Context, id string) error {
	ctx, span := s.startSpan(ctx, "revoke")
	defer span.End()

	result, err := s.grantStore.RevokeGrant(ctx, id, s.Config.HardDeleteOnRevoke)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	g := result.Grant
	if result.Expired {
		s.grantExpired(ctx, g, security.ReasonObservedOnRead)
	}
	if result.Revoked {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordGrantRevoked(ctx)
		}
		s.audit(ctx, security.EventGrantRevoked, g.SubjectRef, security.AuditDetail{
			GrantID:  g.ID,
			Scopes:   g.Scopes,
			Reason:   security.ReasonUserInitiated,
			Provider: g.Provider,
		})
		s.Logger.Info("Revoked consent grant",
			"grant_id", g.ID,
			"hard_delete", result.Deleted)
	}

	instrumentation.AddGrantAttributes(span, id)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// grantExpired records the Active -> Expired transition of g.
func (s *Server) grantExpired(ctx context.Context, g *storage.ConsentGrant, reason security.Reason) {
	observedBy := "read"
	if reason == security.ReasonSweep {
		observedBy = "sweep"
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordGrantExpired(ctx, observedBy)
	}
	s.audit(ctx, security.EventGrantExpired, g.SubjectRef, security.AuditDetail{
		GrantID:  g.ID,
		Scopes:   g.Scopes,
		Reason:   reason,
		Provider: g.Provider,
	})
}

// IsNotFound reports whether err means the grant or request does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrGrantNotFound) || errors.Is(err, storage.ErrNonceNotFound)
}
