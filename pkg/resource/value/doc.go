// Package value implements the replicated Value resource (spec.md §4.2):
// a single opaque payload with an optional TTL, compare-and-set, and
// get-and-set. The current writer's commit is retained as the payload's
// owner, alongside the machine's in-memory copy of the payload, until a
// later write or TTL eviction supersedes it.
package value
