package server

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/bank-consent/instrumentation"
	"github.com/giantswarm/bank-consent/security"
)

// SweepStats summarises one sweep pass.
type SweepStats struct {
	// RequestsEvicted counts requests removed; RequestsExpired is the subset
	// that moved from Issued to Expired during this pass.
	RequestsEvicted int
	RequestsExpired int

	// GrantsEvicted counts grants removed; GrantsExpired is the subset that
	// moved from Active to Expired during this pass.
	GrantsEvicted int
	GrantsExpired int

	// RateLimitersEvicted counts idle per-subject limiters discarded
	RateLimitersEvicted int

	Duration time.Duration
}

// Sweep evicts expired requests and grants, and revoked grants past their
// retention, emitting RequestExpired and GrantExpired for the transitions it
// performs. Stores lock one shard at a time, so a sweep never blocks the
// whole ledger.
func (s *Server) Sweep(ctx context.Context) (SweepStats, error) {
	ctx, span := s.startSpan(ctx, "sweep")
	defer span.End()
	startTime := time.Now()
	s.lastSweep.Store(s.clock.Now().UnixNano())

	var stats SweepStats

	requests, err := s.requestStore.SweepRequests(ctx)
	for _, sr := range requests {
		stats.RequestsEvicted++
		if sr.Expired {
			stats.RequestsExpired++
			s.audit(ctx, security.EventRequestExpired, sr.Request.SubjectRef, security.AuditDetail{
				RequestRef: sr.Request.Ref(),
				Reason:     security.ReasonSweep,
			})
		}
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return stats, err
	}

	grants, err := s.grantStore.SweepGrants(ctx, s.Config.RevokedRetention)
	for _, sg := range grants {
		stats.GrantsEvicted++
		if sg.Expired {
			stats.GrantsExpired++
			s.grantExpired(ctx, sg.Grant, security.ReasonSweep)
		}
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return stats, err
	}

	stats.RateLimitersEvicted = s.RateLimiter.Cleanup(0)
	stats.Duration = time.Since(startTime)

	if s.instrumentation != nil {
		durationMs := float64(stats.Duration.Microseconds()) / 1000
		s.instrumentation.Metrics().RecordSweep(ctx, stats.RequestsEvicted, stats.GrantsEvicted, durationMs)
	}
	instrumentation.SetSpanSuccess(span)

	if stats.RequestsEvicted > 0 || stats.GrantsEvicted > 0 {
		s.Logger.Info("Swept consent ledger",
			"requests_evicted", stats.RequestsEvicted,
			"requests_expired", stats.RequestsExpired,
			"grants_evicted", stats.GrantsEvicted,
			"grants_expired", stats.GrantsExpired,
			"duration", stats.Duration)
	}
	return stats, nil
}

// maybeLazySweep starts a background sweep when LazySweep is enabled and the
// last sweep is older than LazySweepMinInterval. At most one lazy sweep runs
// at a time.
func (s *Server) maybeLazySweep() {
	if !s.Config.LazySweep {
		return
	}
	now := s.clock.Now().UnixNano()
	if now-s.lastSweep.Load() < int64(s.Config.LazySweepMinInterval) {
		return
	}
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	s.lastSweep.Store(now)

	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		defer s.sweeping.Store(false)
		if _, err := s.Sweep(context.Background()); err != nil {
			s.Logger.Warn("Lazy sweep failed", "error", err)
		}
	}()
}

// WaitForSweeps blocks until running lazy sweeps have finished.
func (s *Server) WaitForSweeps() {
	s.sweepWG.Wait()
}

// Sweeper runs Sweep periodically in the background.
type Sweeper struct {
	server   *Server
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper running every Config.SweepInterval.
func (s *Server) NewSweeper() *Sweeper {
	return &Sweeper{
		server:   s,
		interval: s.Config.SweepInterval,
	}
}

// Start launches the sweep loop. It stops when ctx is done or Stop is
// called. Starting a running sweeper does nothing.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}
	sw.running = true
	sw.stopCh = make(chan struct{})
	sw.done = make(chan struct{})
	go sw.loop(ctx, sw.stopCh, sw.done)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	close(sw.stopCh)
	done := sw.done
	sw.mu.Unlock()

	<-done
}

func (sw *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.server.Sweep(ctx); err != nil && ctx.Err() == nil {
				sw.server.Logger.Warn("Sweep failed", "error", err)
			}
		}
	}
}
