package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage"
)

const (
	numShards   = 32
	storageType = "memory"
)

type requestShard struct {
	mu       sync.RWMutex
	requests map[string]*storage.AuthorizationRequest
}

type grantShard struct {
	mu     sync.RWMutex
	grants map[string]*storage.ConsentGrant
	// tombstones holds hard-deleted grant IDs with their deletion time so a
	// repeated revoke still succeeds until the retention window passes
	tombstones map[string]time.Time
}

// subjectShard maps a subject to its grant IDs, oldest first
type subjectShard struct {
	mu        sync.RWMutex
	bySubject map[string][]string
}

// Config configures a Store. Zero values select defaults.
type Config struct {
	// Clock drives lazy expiry and sweeps. Default: security.SystemClock.
	Clock security.Clock

	// Sealer encrypts grant tokens while they sit in the store. Default: disabled.
	Sealer *security.Sealer

	Logger *slog.Logger
}

// Store is a sharded in-memory implementation of storage.Store.
type Store struct {
	requests [numShards]requestShard
	grants   [numShards]grantShard
	subjects [numShards]subjectShard

	clock  security.Clock
	sealer *security.Sealer
	logger *slog.Logger

	// Instrumentation
	instrumentation  *instrumentation.Instrumentation
	tracer           trace.Tracer
	sizeRegistration metric.Registration

	// Atomic counters for metrics (lock-free access during metric collection)
	pendingRequests atomic.Int64
	activeGrants    atomic.Int64
	retainedGrants  atomic.Int64
}

// Compile-time interface checks
var (
	_ storage.RequestStore = (*Store)(nil)
	_ storage.GrantStore   = (*Store)(nil)
)

// New creates an empty store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sealer := cfg.Sealer
	if sealer == nil {
		sealer = security.NewDisabledSealer()
	}

	s := &Store{
		clock:  security.ClockOrDefault(cfg.Clock),
		sealer: sealer,
		logger: logger,
	}
	for i := range s.requests {
		s.requests[i].requests = make(map[string]*storage.AuthorizationRequest)
		s.grants[i].grants = make(map[string]*storage.ConsentGrant)
		s.grants[i].tombstones = make(map[string]time.Time)
		s.subjects[i].bySubject = make(map[string][]string)
	}

	if sealer.IsEnabled() {
		logger.Info("Token sealing enabled for consent storage")
	}
	return s
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("storage")

	reg, err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.pendingRequests.Load() },
		func() int64 { return s.activeGrants.Load() },
		func() int64 { return s.retainedGrants.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
		return
	}
	s.sizeRegistration = reg
}

// Close unregisters the storage gauges. The store stays usable.
func (s *Store) Close() {
	if s.sizeRegistration != nil {
		if err := s.sizeRegistration.Unregister(); err != nil {
			s.logger.Debug("Failed to unregister storage size callbacks", "error", err)
		}
		s.sizeRegistration = nil
	}
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	PendingRequests int64
	ActiveGrants    int64
	RetainedGrants  int64
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		PendingRequests: s.pendingRequests.Load(),
		ActiveGrants:    s.activeGrants.Load(),
		RetainedGrants:  s.retainedGrants.Load(),
	}
}

func shardIndex(key string) uint64 {
	return xxhash.Sum64String(key) % numShards
}

func (s *Store) requestShard(nonce string) *requestShard {
	return &s.requests[shardIndex(nonce)]
}

func (s *Store) grantShard(id string) *grantShard {
	return &s.grants[shardIndex(id)]
}

func (s *Store) subjectShard(subjectRef string) *subjectShard {
	return &s.subjects[shardIndex(subjectRef)]
}

// ============================================================
// RequestStore Implementation
// ============================================================

// SaveRequest stores a new Issued request.
func (s *Store) SaveRequest(ctx context.Context, req *storage.AuthorizationRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_request", err, startTime) }()

	if req == nil || req.StateNonce == "" {
		return fmt.Errorf("request with a state nonce is required")
	}

	sh := s.requestShard(req.StateNonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.requests[req.StateNonce]; exists {
		return storage.ErrDuplicateNonce
	}
	stored := req.Clone()
	stored.Status = storage.RequestIssued
	sh.requests[req.StateNonce] = stored
	s.pendingRequests.Add(1)

	s.logger.Debug("Saved authorization request", "request", stored)
	return nil
}

// ConsumeRequest atomically moves a request from Issued to Consumed. The
// shard write lock is held from lookup through the status change, so at most
// one concurrent caller per nonce can succeed.
func (s *Store) ConsumeRequest(ctx context.Context, nonce string, verify storage.VerifyFunc) (result storage.ConsumeResult, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_request", err, startTime) }()

	now := s.clock.Now()
	sh := s.requestShard(nonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	req, ok := sh.requests[nonce]
	if !ok {
		return storage.ConsumeResult{}, storage.ErrNonceNotFound
	}

	if verify != nil {
		if err := verify(req); err != nil {
			return storage.ConsumeResult{}, err
		}
	}

	switch req.Status {
	case storage.RequestIssued:
	case storage.RequestExpired:
		return storage.ConsumeResult{Request: req.Clone()}, storage.ErrNonceExpired
	default:
		return storage.ConsumeResult{Request: req.Clone()}, storage.ErrNonceAlreadyConsumed
	}

	if security.IsExpiredAt(req.ExpiresAt, now) {
		req.Status = storage.RequestExpired
		s.pendingRequests.Add(-1)
		return storage.ConsumeResult{Request: req.Clone(), Expired: true}, storage.ErrNonceExpired
	}

	req.Status = storage.RequestConsumed
	s.pendingRequests.Add(-1)

	s.logger.Debug("Consumed authorization request", "request_ref", req.Ref())
	return storage.ConsumeResult{Request: req.Clone()}, nil
}

// FinishRequest moves a Consumed request to Completed or Failed.
func (s *Store) FinishRequest(ctx context.Context, nonce string, status storage.RequestStatus) (err error) {
	ctx, span := s.startStorageSpan(ctx, "finish_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "finish_request", err, startTime) }()

	if status != storage.RequestCompleted && status != storage.RequestFailed {
		return fmt.Errorf("%w: cannot finish with status %q", storage.ErrInvalidTransition, status)
	}

	sh := s.requestShard(nonce)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	req, ok := sh.requests[nonce]
	if !ok {
		return storage.ErrNonceNotFound
	}
	if req.Status != storage.RequestConsumed {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, req.Status, status)
	}
	req.Status = status
	return nil
}

// SweepRequests evicts every request past its window. Issued requests are
// moved to Expired first and reported as such.
func (s *Store) SweepRequests(ctx context.Context) (swept []storage.SweptRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_requests")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "sweep_requests", err, startTime) }()

	for i := range s.requests {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		now := s.clock.Now()
		sh := &s.requests[i]

		sh.mu.Lock()
		for nonce, req := range sh.requests {
			if !security.IsExpiredAt(req.ExpiresAt, now) {
				continue
			}
			expiredNow := false
			if req.Status == storage.RequestIssued {
				req.Status = storage.RequestExpired
				s.pendingRequests.Add(-1)
				expiredNow = true
			}
			delete(sh.requests, nonce)
			req.CodeVerifier = security.Secret{}
			swept = append(swept, storage.SweptRequest{Request: req, Expired: expiredNow})
		}
		sh.mu.Unlock()
	}
	return swept, nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant stores a new grant and appends it to the subject index.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.ConsentGrant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_grant", err, startTime) }()

	if grant == nil || grant.ID == "" || grant.SubjectRef == "" {
		return fmt.Errorf("grant with ID and subject is required")
	}

	stored, err := s.seal(grant)
	if err != nil {
		return err
	}

	sh := s.grantShard(grant.ID)
	sh.mu.Lock()
	if _, exists := sh.grants[grant.ID]; exists {
		sh.mu.Unlock()
		return storage.ErrDuplicateGrant
	}
	sh.grants[grant.ID] = stored
	switch stored.Status {
	case storage.GrantActive:
		s.activeGrants.Add(1)
	default:
		s.retainedGrants.Add(1)
	}
	sh.mu.Unlock()

	sub := s.subjectShard(grant.SubjectRef)
	sub.mu.Lock()
	sub.bySubject[grant.SubjectRef] = append(sub.bySubject[grant.SubjectRef], grant.ID)
	sub.mu.Unlock()

	s.logger.Debug("Saved consent grant", "grant", stored)
	return nil
}

// GetGrant returns a grant by ID, applying lazy expiry.
func (s *Store) GetGrant(ctx context.Context, id string) (grant *storage.ConsentGrant, expiredNow bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_grant", err, startTime) }()

	return s.loadGrant(id)
}

// GetGrantBySubject returns the subject's newest Active grant, or its newest
// terminal grant when none is Active. Grants this call moved to Expired are
// returned separately.
func (s *Store) GetGrantBySubject(ctx context.Context, subjectRef string) (grant *storage.ConsentGrant, expiredNow []*storage.ConsentGrant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant_by_subject")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_grant_by_subject", err, startTime) }()

	sub := s.subjectShard(subjectRef)
	sub.mu.RLock()
	ids := slices.Clone(sub.bySubject[subjectRef])
	sub.mu.RUnlock()

	var newestTerminal *storage.ConsentGrant
	for i := len(ids) - 1; i >= 0; i-- {
		g, expired, err := s.loadGrant(ids[i])
		if errors.Is(err, storage.ErrGrantNotFound) {
			// Evicted between the index read and the shard read
			continue
		}
		if err != nil {
			return nil, expiredNow, err
		}
		if expired {
			expiredNow = append(expiredNow, g)
		}
		if g.Status == storage.GrantActive {
			return g, expiredNow, nil
		}
		if newestTerminal == nil {
			newestTerminal = g
		}
	}
	if newestTerminal == nil {
		return nil, expiredNow, storage.ErrGrantNotFound
	}
	return newestTerminal, expiredNow, nil
}

// loadGrant reads under the shard read lock and only takes the write lock
// when the grant has to be moved to Expired.
func (s *Store) loadGrant(id string) (*storage.ConsentGrant, bool, error) {
	now := s.clock.Now()
	sh := s.grantShard(id)

	sh.mu.RLock()
	g, ok := sh.grants[id]
	if !ok {
		sh.mu.RUnlock()
		return nil, false, storage.ErrGrantNotFound
	}
	if !needsExpiry(g, now) {
		out := g.Clone()
		sh.mu.RUnlock()
		grant, err := s.open(out)
		return grant, false, err
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	g, ok = sh.grants[id]
	if !ok {
		sh.mu.Unlock()
		return nil, false, storage.ErrGrantNotFound
	}
	expiredNow := s.expireLocked(g, now)
	out := g.Clone()
	sh.mu.Unlock()

	grant, err := s.open(out)
	return grant, expiredNow, err
}

// ListActiveGrants returns every Active grant ordered by grant time. Grants
// found past their expiry are moved to Expired and returned separately.
func (s *Store) ListActiveGrants(ctx context.Context) (active, expiredNow []*storage.ConsentGrant, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_active_grants")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_active_grants", err, startTime) }()

	for i := range s.grants {
		now := s.clock.Now()
		sh := &s.grants[i]
		sh.mu.Lock()
		for _, g := range sh.grants {
			if s.expireLocked(g, now) {
				expiredNow = append(expiredNow, g.Clone())
				continue
			}
			if g.Status == storage.GrantActive {
				active = append(active, g.Clone())
			}
		}
		sh.mu.Unlock()
	}

	for i, g := range active {
		if active[i], err = s.open(g); err != nil {
			return nil, nil, err
		}
	}
	for i, g := range expiredNow {
		if expiredNow[i], err = s.open(g); err != nil {
			return nil, nil, err
		}
	}

	slices.SortFunc(active, func(a, b *storage.ConsentGrant) int {
		return a.GrantedAt.Compare(b.GrantedAt)
	})
	return active, expiredNow, nil
}

// RevokeGrant moves an Active grant to Revoked, or removes it when hardDelete
// is set. Revoking a grant that is already terminal changes nothing unless
// hardDelete asks for its removal. Revoking a hard-deleted grant again
// succeeds with a nil Grant until SweepGrants drops its tombstone.
func (s *Store) RevokeGrant(ctx context.Context, id string, hardDelete bool) (result storage.RevokeResult, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_grant", err, startTime) }()

	now := s.clock.Now()
	sh := s.grantShard(id)
	sh.mu.Lock()

	g, ok := sh.grants[id]
	if !ok {
		_, tombstoned := sh.tombstones[id]
		sh.mu.Unlock()
		if tombstoned {
			return storage.RevokeResult{Deleted: true}, nil
		}
		return storage.RevokeResult{}, storage.ErrGrantNotFound
	}

	// A grant past its expiry is observed as Expired rather than revoked.
	result.Expired = s.expireLocked(g, now)

	if g.Status == storage.GrantActive {
		g.Status = storage.GrantRevoked
		g.RevokedAt = now
		s.activeGrants.Add(-1)
		s.retainedGrants.Add(1)
		result.Revoked = true
	}

	if hardDelete {
		delete(sh.grants, id)
		sh.tombstones[id] = now
		s.retainedGrants.Add(-1)
		result.Deleted = true
	}
	out := g.Clone()
	sh.mu.Unlock()

	if hardDelete {
		s.unindex(out.SubjectRef, id)
	}

	result.Grant, err = s.open(out)
	if err != nil {
		return storage.RevokeResult{}, err
	}
	return result, nil
}

// SweepGrants evicts grants past their expiry and revoked grants whose
// retention has elapsed, and forgets hard-delete tombstones of the same age. Active grants found past their expiry are moved to
// Expired and reported as such.
func (s *Store) SweepGrants(ctx context.Context, revokedRetention time.Duration) (swept []storage.SweptGrant, err error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_grants")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "sweep_grants", err, startTime) }()

	for i := range s.grants {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		now := s.clock.Now()
		sh := &s.grants[i]

		start := len(swept)
		sh.mu.Lock()
		for id, g := range sh.grants {
			expiredNow := s.expireLocked(g, now)
			if !evictable(g, now, revokedRetention) {
				continue
			}
			delete(sh.grants, id)
			s.retainedGrants.Add(-1)
			swept = append(swept, storage.SweptGrant{Grant: g, Expired: expiredNow})
		}
		for id, deletedAt := range sh.tombstones {
			if !now.Before(deletedAt.Add(revokedRetention)) {
				delete(sh.tombstones, id)
			}
		}
		sh.mu.Unlock()

		for _, sg := range swept[start:] {
			s.unindex(sg.Grant.SubjectRef, sg.Grant.ID)
			// Evicted grants never leave the store with token material.
			sg.Grant.AccessToken = security.Secret{}
			sg.Grant.RefreshToken = security.Secret{}
		}
	}
	return swept, nil
}

// needsExpiry reports whether an Active grant has reached its expiry.
func needsExpiry(g *storage.ConsentGrant, now time.Time) bool {
	return g.Status == storage.GrantActive && security.IsExpiredAt(g.ExpiresAt, now)
}

// expireLocked moves an Active grant past its expiry to Expired and reports
// whether it did. Must be called with the shard write lock held.
func (s *Store) expireLocked(g *storage.ConsentGrant, now time.Time) bool {
	if !needsExpiry(g, now) {
		return false
	}
	g.Status = storage.GrantExpired
	s.activeGrants.Add(-1)
	s.retainedGrants.Add(1)
	return true
}

func evictable(g *storage.ConsentGrant, now time.Time, revokedRetention time.Duration) bool {
	switch g.Status {
	case storage.GrantExpired:
		return true
	case storage.GrantRevoked:
		return security.IsExpiredAt(g.ExpiresAt, now) || !now.Before(g.RevokedAt.Add(revokedRetention))
	default:
		return false
	}
}

// unindex removes a grant ID from its subject's index.
func (s *Store) unindex(subjectRef, id string) {
	sub := s.subjectShard(subjectRef)
	sub.mu.Lock()
	defer sub.mu.Unlock()

	ids := slices.DeleteFunc(sub.bySubject[subjectRef], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(sub.bySubject, subjectRef)
		return
	}
	sub.bySubject[subjectRef] = ids
}

// seal returns a copy of grant with its tokens sealed.
func (s *Store) seal(grant *storage.ConsentGrant) (*storage.ConsentGrant, error) {
	out := grant.Clone()
	if !s.sealer.IsEnabled() {
		return out, nil
	}
	var err error
	if out.AccessToken, err = s.sealer.Seal(grant.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	if out.RefreshToken, err = s.sealer.Seal(grant.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return out, nil
}

// open unseals the tokens of a grant copy in place.
func (s *Store) open(g *storage.ConsentGrant) (*storage.ConsentGrant, error) {
	if !s.sealer.IsEnabled() {
		return g, nil
	}
	var err error
	if g.AccessToken, err = s.sealer.Open(g.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if g.RefreshToken, err = s.sealer.Open(g.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return g, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := instrumentation.ResultSuccess
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case errors.Is(err, storage.ErrGrantNotFound), errors.Is(err, storage.ErrNonceNotFound):
		result = "not_found"
		instrumentation.SetSpanError(span, err.Error())
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
