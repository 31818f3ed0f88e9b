// Package blackboard provides type-safe definitions and the shared state
// store for the Slate coordination core. The blackboard is the single source
// of truth for project state: agents hold no long-lived references to a
// project, they read snapshots and submit optimistic-version writes.
//
// Storage layers in two tiers. The authoritative store is a relational
// database with JSON document columns (see internal/database); a Redis cache
// sits in front of read-heavy paths with a per-key TTL. Writes go to the
// database first and invalidate the cache; reads try the cache then fall
// through to the database. Cache misses are never errors.
//
// All cache keys are namespaced by instance name so multiple Slate instances
// can safely coexist on a single Redis server.
package blackboard
