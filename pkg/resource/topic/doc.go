// Package topic implements the replicated Topic resource (spec.md §4.2):
// publish/subscribe keyed by Raft session. A Listen's commit is retained
// in the subscriber map for as long as that session stays OPEN — the
// commit itself stands in for the live subscription, the same
// commit-as-state relationship pkg/resource/value uses for the current
// payload. Publish fans the message out in session-id order so replicas
// agree on delivery order even though the subscriber map is a Go map.
package topic
