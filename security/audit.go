package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/bank-consent/instrumentation"
)

const (
	// DefaultAuditBufferSize bounds the number of events held while the sink is failing
	DefaultAuditBufferSize = 1024

	// DefaultAuditRetryInterval is the first delay before a buffered event is retried
	DefaultAuditRetryInterval = 100 * time.Millisecond

	// DefaultAuditMaxRetryInterval caps the retry delay
	DefaultAuditMaxRetryInterval = 30 * time.Second
)

// ErrAuditSinkUnavailable is returned by Emit under AuditRequired when the
// sink could not accept the event. The event stays buffered for retry.
var ErrAuditSinkUnavailable = errors.New("audit sink unavailable")

// AuditPolicy decides whether sink failures surface to the triggering operation.
type AuditPolicy int

const (
	// AuditBestEffort buffers and retries on sink failure; Emit never fails.
	AuditBestEffort AuditPolicy = iota

	// AuditRequired buffers and retries, and also returns
	// ErrAuditSinkUnavailable so the caller can treat audit durability as a
	// hard requirement.
	AuditRequired
)

// AuditDetail carries the non-secret context of an event. It has no field
// able to hold a token, verifier, nonce or client secret: nonces appear only
// as fingerprints and reasons are drawn from a fixed set.
type AuditDetail struct {
	GrantID          string
	RequestRef       string // fingerprint of the state nonce
	Scopes           []string
	Reason           Reason
	Attempts         int
	TokenFingerprint string
	Provider         string
}

// LogValue renders only the populated fields.
func (d AuditDetail) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 7)
	if d.GrantID != "" {
		attrs = append(attrs, slog.String("grant_id", d.GrantID))
	}
	if d.RequestRef != "" {
		attrs = append(attrs, slog.String("request_ref", d.RequestRef))
	}
	if len(d.Scopes) > 0 {
		attrs = append(attrs, slog.Any("scopes", d.Scopes))
	}
	if d.Reason != ReasonNone {
		attrs = append(attrs, slog.String("reason", string(d.Reason)))
	}
	if d.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", d.Attempts))
	}
	if d.TokenFingerprint != "" {
		attrs = append(attrs, slog.String("token_fingerprint", d.TokenFingerprint))
	}
	if d.Provider != "" {
		attrs = append(attrs, slog.String("provider", d.Provider))
	}
	return slog.GroupValue(attrs...)
}

// AuditEvent is an append-only record of a consent lifecycle step.
type AuditEvent struct {
	Kind       EventKind
	SubjectRef string
	Timestamp  time.Time
	Detail     AuditDetail
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	WriteAudit(ctx context.Context, event AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event AuditEvent) error

// WriteAudit calls f.
func (f SinkFunc) WriteAudit(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// AuditorConfig configures an Auditor. Zero values select defaults.
type AuditorConfig struct {
	// Sink receives events. Defaults to a SlogSink on Logger.
	Sink Sink

	// Policy decides whether sink failures are surfaced. Default: AuditBestEffort.
	Policy AuditPolicy

	// BufferSize bounds the retry buffer. Default: DefaultAuditBufferSize.
	BufferSize int

	// RetryInterval and MaxRetryInterval shape the exponential retry delay.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// Disabled turns Emit into a no-op.
	Disabled bool

	Clock  Clock
	Logger *slog.Logger
}

type queuedEvent struct {
	seq   uint64
	event AuditEvent
}

// Auditor emits audit events to a Sink. Emit is fire-and-forget for the
// caller: when the sink fails the event is buffered and a background flusher
// retries it with exponential backoff, so events are not dropped on a
// transient failure. Only a full buffer drops (oldest first), and every drop
// is counted and logged.
type Auditor struct {
	sink    Sink
	policy  AuditPolicy
	enabled bool
	clock   Clock
	logger  *slog.Logger

	retryInterval    time.Duration
	maxRetryInterval time.Duration

	mu         sync.Mutex
	pending    []queuedEvent
	bufferSize int
	nextSeq    uint64
	dropped    int64

	instrumentation *instrumentation.Instrumentation

	kickCh    chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewAuditor creates an auditor and starts its retry flusher. Call Close to
// stop the flusher.
func NewAuditor(cfg AuditorConfig) *Auditor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NewSlogSink(logger)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultAuditBufferSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultAuditRetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = DefaultAuditMaxRetryInterval
	}

	a := &Auditor{
		sink:             sink,
		policy:           cfg.Policy,
		enabled:          !cfg.Disabled,
		clock:            ClockOrDefault(cfg.Clock),
		logger:           logger,
		retryInterval:    cfg.RetryInterval,
		maxRetryInterval: cfg.MaxRetryInterval,
		bufferSize:       cfg.BufferSize,
		kickCh:           make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// SetInstrumentation enables audit event counters.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instrumentation = inst
}

// Emit records an event. Under AuditBestEffort it always returns nil. Under
// AuditRequired it returns ErrAuditSinkUnavailable when the event could not be
// written immediately (it remains buffered for retry).
func (a *Auditor) Emit(ctx context.Context, event AuditEvent) error {
	if a == nil || !a.enabled {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.clock.Now()
	}

	a.mu.Lock()
	inst := a.instrumentation
	backlog := len(a.pending) > 0
	if backlog {
		// Keep ordering behind events already waiting for the sink.
		a.enqueueLocked(event)
	}
	a.mu.Unlock()

	if inst != nil {
		inst.Metrics().RecordAuditEvent(ctx, string(event.Kind))
	}

	if backlog {
		a.kick()
		return a.degraded()
	}

	if err := a.sink.WriteAudit(ctx, event); err != nil {
		a.logger.Warn("Audit sink write failed, buffering event",
			"event_type", event.Kind,
			"error", err)
		a.mu.Lock()
		a.enqueueLocked(event)
		a.mu.Unlock()
		a.kick()
		return a.degraded()
	}
	return nil
}

// Flush synchronously drains the buffer. It returns ErrAuditSinkUnavailable
// (wrapping the sink error) if the sink still rejects events.
func (a *Auditor) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := a.drainOne(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuditSinkUnavailable, err)
		}
		if !more {
			return nil
		}
	}
}

// Ready returns ErrAuditSinkUnavailable under AuditRequired while events are
// waiting for the sink. Operations that create consent state check it first
// so that no new grant is issued while audit records cannot be written.
func (a *Auditor) Ready() error {
	if a == nil || !a.enabled || a.policy != AuditRequired {
		return nil
	}
	if a.Pending() > 0 {
		return ErrAuditSinkUnavailable
	}
	return nil
}

// Pending returns the number of buffered events.
func (a *Auditor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Dropped returns how many events were discarded because the buffer was full.
func (a *Auditor) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops the background flusher. Buffered events are not written; call
// Flush first to drain them.
func (a *Auditor) Close() {
	a.closeOnce.Do(func() {
		close(a.stopCh)
		<-a.done
	})
}

func (a *Auditor) degraded() error {
	if a.policy == AuditRequired {
		return ErrAuditSinkUnavailable
	}
	return nil
}

// enqueueLocked appends an event, dropping the oldest when the buffer is full.
// Must be called with mu held.
func (a *Auditor) enqueueLocked(event AuditEvent) {
	if len(a.pending) >= a.bufferSize {
		oldest := a.pending[0]
		a.pending = a.pending[1:]
		a.dropped++
		a.logger.Warn("Audit buffer full, dropping oldest event",
			"event_type", oldest.event.Kind,
			"buffer_size", a.bufferSize,
			"total_dropped", a.dropped)
	}
	a.nextSeq++
	a.pending = append(a.pending, queuedEvent{seq: a.nextSeq, event: event})
}

func (a *Auditor) kick() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// drainOne writes the oldest buffered event. It reports whether more events
// remain to be written.
func (a *Auditor) drainOne(ctx context.Context) (bool, error) {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return false, nil
	}
	head := a.pending[0]
	a.mu.Unlock()

	if err := a.sink.WriteAudit(ctx, head.event); err != nil {
		return true, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// The head may have been dropped while the write was in flight.
	if len(a.pending) > 0 && a.pending[0].seq == head.seq {
		a.pending = a.pending[1:]
	}
	return len(a.pending) > 0, nil
}

func (a *Auditor) flushLoop() {
	defer close(a.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryInterval
	b.MaxInterval = a.maxRetryInterval
	b.Reset()

	var retry <-chan time.Time
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.kickCh:
		case <-retry:
		}
		retry = nil

		ctx := context.Background()
		for {
			more, err := a.drainOne(ctx)
			if err != nil {
				delay := b.NextBackOff()
				a.logger.Debug("Audit sink still unavailable, retrying",
					"pending", a.Pending(),
					"retry_in", delay,
					"error", err)
				retry = time.After(delay)
				break
			}
			b.Reset()
			if !more {
				break
			}
		}
	}
}

// SlogSink writes events as structured "security_audit" log lines with the
// subject reference hashed.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink on logger (slog.Default() if nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// WriteAudit logs the event.
func (s *SlogSink) WriteAudit(ctx context.Context, event AuditEvent) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "security_audit",
		slog.String("event_type", string(event.Kind)),
		slog.String("subject_hash", hashForLogging(event.SubjectRef)),
		slog.Any("detail", event.Detail),
		slog.Time("timestamp", event.Timestamp),
	)
	return nil
}

// MemorySink keeps events in memory. It can be switched into a failing mode
// to exercise the retry path.
type MemorySink struct {
	mu      sync.Mutex
	events  []AuditEvent
	failErr error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteAudit stores the event or returns the configured failure.
func (m *MemorySink) WriteAudit(_ context.Context, event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.events = append(m.events, event)
	return nil
}

// SetFailure makes subsequent writes fail with err; nil restores the sink.
func (m *MemorySink) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Events returns a copy of the stored events.
func (m *MemorySink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many stored events have the given kind.
func (m *MemorySink) Count(kind EventKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
