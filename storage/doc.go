// Package storage defines the records and store interfaces behind the
// authorization request tracker and the consent ledger.
//
// Two stores are defined:
//   - RequestStore: in-flight authorization requests keyed by state nonce
//   - GrantStore: consent grants keyed by grant ID with a per-subject index
//
// Every mutating operation is atomic per key. Implementations apply expiry
// lazily on read using their injected clock and report the transitions they
// performed so callers can emit exactly one audit event per transition.
//
// Implementations are provided in subpackages:
//   - storage/memory: sharded in-memory store (process restart clears state)
package storage
