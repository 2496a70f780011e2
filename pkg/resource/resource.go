package resource

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/types"
)

// Commit is a durable, ordered handle to one applied log entry. A state
// machine must close every commit exactly once; reading a commit's fields
// after Close is a programmer error (spec.md §3).
type Commit interface {
	Index() uint64
	SessionID() uint64
	Timestamp() time.Time
	// Close signals Raft that this entry is eligible for compaction under
	// mode. Closing an already-closed commit panics.
	Close(mode envelope.CompactionMode)
	Closed() bool
}

// TimerID identifies a timer scheduled through Host.ScheduleTimer.
type TimerID uint64

// Host is the narrow surface a resource.Machine uses to affect the world
// outside its own state: publish a server-initiated event to a session,
// read the deterministic commit-time clock, and schedule a future
// re-entry into Apply. Production hosts (pkg/manager) route ScheduleTimer
// callbacks back through the Raft log as a synthetic internal command so
// timer firing stays part of the deterministic, replayable operation
// sequence (spec.md §4.2's ordering-discipline note on Value TTL).
type Host interface {
	Now() time.Time
	Publish(sessionID uint64, topic string, payload any)
	ScheduleTimer(resourceID uint64, delay time.Duration, op string, data any) TimerID
	CancelTimer(id TimerID)
	// SessionOpen reports whether sessionID is currently OPEN. Machines
	// that retain per-session commits (Topic, TaskQueue) use it as a
	// belt-and-braces check at the point they touch a subscription,
	// since OnExpire and the operation that notices a stale session can
	// race against each other in the same apply batch.
	SessionOpen(sessionID uint64) bool
}

// RehydrateFunc reconstructs a live Commit for a retained session-keyed
// entry found in a snapshot. The manager supplies one bound to the
// snapshot's own log index; the original entry's index is gone by
// definition of having been compacted into the snapshot (spec.md §7's
// replay-determinism invariant governs the log-replay path, not
// snapshot install, so this is free to reconstruct identity rather than
// preserve it exactly).
type RehydrateFunc func(sessionID uint64) Commit

// Machine is the deterministic per-resource state machine contract.
// Apply dispatches op against the commit's payload and returns a result
// value (for commands/queries whose futures resolve to data) and an
// error. The machine is responsible for closing c before returning unless
// it retains c (Topic Listen, TaskQueue ack-waiters).
type Machine interface {
	Apply(h Host, c Commit, op string, data json.RawMessage) (any, error)
	// OnExpire runs when sessionID transitions to EXPIRED or CLOSED; the
	// machine must release anything keyed by that session and close any
	// commits it was retaining for it.
	OnExpire(h Host, sessionID uint64)
	// Configure applies a reconfiguration (e.g. MultiMap value ordering).
	Configure(config map[string]string) error
	// Delete releases all retained state; every commit still held must be
	// closed before Delete returns.
	Delete(h Host)
	// Snapshot encodes enough state to reconstruct the machine, without
	// the live Commit identities it may be retaining.
	Snapshot() (json.RawMessage, error)
	// Restore rebuilds state from a Snapshot-produced blob, using
	// rehydrate to recreate any retained per-session commits.
	Restore(h Host, rehydrate RehydrateFunc, data json.RawMessage) error
}

// Constructor builds a fresh Machine instance for a newly created
// resource, bound to its resourceID so the machine can address timers it
// schedules back to itself. Constructors must not retain shared mutable
// state between instances.
type Constructor func(resourceID uint64) Machine

// TypeDescriptor is what the registry (C6) maps a type id to: enough to
// instantiate the server-side machine and to identify the resource kind to
// client-side gateways.
type TypeDescriptor struct {
	Type        types.ResourceType
	NewMachine  Constructor
	CodecNames  []string // names this type registers with the envelope codec; informational, checked for CODEC_CONFLICT by the registry.
}

// closed is an embeddable helper giving Commit implementations the
// exactly-once Close semantics spec.md §3 requires.
type closed struct {
	flag atomic.Bool
}

func (c *closed) markClosed() bool {
	return c.flag.CompareAndSwap(false, true)
}

func (c *closed) Closed() bool { return c.flag.Load() }
