// Package memory provides a sharded in-memory implementation of
// storage.RequestStore and storage.GrantStore.
//
// Keys are spread over 32 shards by xxhash; each shard has its own RWMutex, so
// mutations on one key are atomic while unrelated keys proceed in parallel.
// Sweeps lock one shard at a time. Grants are indexed by ID, and a separate
// sharded index maps each subject to its grant IDs in insertion order.
//
// The store has no background goroutine. Expiry is applied lazily on every
// read and in bulk by SweepRequests and SweepGrants, which the retention
// sweeper drives. Nothing is persisted: a process restart clears all state.
package memory
