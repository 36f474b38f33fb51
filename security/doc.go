// Package security provides the redaction, audit, rate limiting and sealing
// primitives shared by the consent core.
//
// # Redaction
//
// Credential material is carried as Secret. Every formatting path (fmt verbs,
// slog, JSON and text marshalling) renders a Secret as "***"; only Reveal
// returns the raw value. Fingerprint gives a fixed-length SHA-256 prefix that
// is safe to log. Because AuditEvent and AuditDetail have no field able to hold
// a Secret, redaction of audit records is enforced by the type system rather
// than by scrubbing strings at runtime.
//
// # Audit
//
// The Auditor writes AuditEvent values to a Sink. When the sink fails, events
// are buffered and retried in the background with exponential backoff:
//
//	sink := security.NewMemorySink()
//	auditor := security.NewAuditor(security.AuditorConfig{
//	    Sink:   sink,
//	    Policy: security.AuditRequired,
//	})
//	defer auditor.Close()
//
// Under AuditRequired, Emit returns ErrAuditSinkUnavailable so the triggering
// operation can decide whether audit durability is mandatory.
//
// # Rate limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction. The tracker uses it per subject to bound pending requests.
//
// # Sealing
//
// Sealer encrypts tokens held in memory with XChaCha20-Poly1305 under an
// ephemeral key.
package security
