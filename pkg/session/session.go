package session

import (
	"encoding/json"
	"sync"

	"github.com/cuemby/meridian/pkg/types"
)

// Event is one server-initiated event queued for delivery to a session,
// carrying the monotonic per-session sequence number spec.md §4.4 requires.
type Event struct {
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Queue holds one session's outgoing events in sequence order until they
// are acknowledged. Acknowledging a sequence drops everything up to and
// including it; anything still pending after a client reconnect is
// redelivered via Pending.
type Queue struct {
	mu      sync.Mutex
	nextSeq uint64
	pending []Event
	deliver chan Event // best-effort live-delivery signal; Pending() is the source of truth for redelivery.
}

func newQueue() *Queue {
	return &Queue{deliver: make(chan Event, 64)}
}

// Enqueue appends a new event and returns it. Safe to call with an
// arbitrary payload value; it is marshaled to JSON so the event can cross
// the wire unchanged.
func (q *Queue) Enqueue(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	q.mu.Lock()
	q.nextSeq++
	ev := Event{Seq: q.nextSeq, Topic: topic, Payload: data}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.deliver <- ev:
	default:
		// Live-delivery channel is full; the event still lives in
		// pending and will be picked up by the next Pending() drain.
	}
	return ev, nil
}

// Ack drops every event with Seq <= seq from the pending buffer.
func (q *Queue) Ack(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, ev := range q.pending {
		if ev.Seq > seq {
			kept = append(kept, ev)
		}
	}
	q.pending = kept
}

// Pending returns a snapshot of all unacknowledged events, in order, for
// redelivery after reconnect.
func (q *Queue) Pending() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, len(q.pending))
	copy(out, q.pending)
	return out
}

// Drop discards all pending events; called when the owning session
// transitions to EXPIRED, per spec.md §4.4.
func (q *Queue) Drop() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Deliver is a best-effort live channel of newly enqueued events, for a
// transport that is actively connected. Consumers that need guaranteed
// delivery should reconcile against Pending() on (re)connect.
func (q *Queue) Deliver() <-chan Event { return q.deliver }

// Session is the manager's bookkeeping for one Raft client session.
type Session struct {
	ID    uint64
	Queue *Queue

	mu    sync.Mutex
	state types.SessionState
}

func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Registry tracks every known session and the resources that depend on
// their lifecycle (pkg/manager consults it to run OnExpire hooks).
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[uint64]*Session{}}
}

// Open creates (or returns, idempotently) an OPEN session.
func (r *Registry) Open(id uint64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id, Queue: newQueue(), state: types.SessionOpen}
	r.sessions[id] = s
	return s
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SetUnstable marks a session UNSTABLE (e.g. during a leader change) without
// dropping its queued events.
func (r *Registry) SetUnstable(id uint64) {
	if s, ok := r.Get(id); ok {
		s.setState(types.SessionUnstable)
	}
}

// Reopen marks a previously UNSTABLE/OPEN session OPEN again, e.g. after a
// client reconnects to the same session id.
func (r *Registry) Reopen(id uint64) {
	if s, ok := r.Get(id); ok {
		s.setState(types.SessionOpen)
	}
}

// Expire transitions a session to EXPIRED, drops its queue, and returns it
// (nil if unknown) so callers can run per-resource OnExpire hooks.
func (r *Registry) Expire(id uint64) *Session {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	s.setState(types.SessionExpired)
	s.Queue.Drop()
	return s
}

// Close transitions a session to CLOSED explicitly (client disconnect).
func (r *Registry) Close(id uint64) *Session {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	s.setState(types.SessionClosed)
	return s
}

// Publish enqueues an event on sessionID's queue. A no-op if the session
// is unknown or not OPEN, matching spec.md §4.4 ("if EXPIRED, events are
// dropped").
func (r *Registry) Publish(sessionID uint64, topic string, payload any) {
	s, ok := r.Get(sessionID)
	if !ok || s.State() != types.SessionOpen {
		return
	}
	_, _ = s.Queue.Enqueue(topic, payload)
}

// IsOpen reports whether sessionID is known and OPEN.
func (r *Registry) IsOpen(sessionID uint64) bool {
	s, ok := r.Get(sessionID)
	return ok && s.State() == types.SessionOpen
}

// CountByState reports the number of known sessions in each state, for
// pkg/raftnode's metrics collector to publish as metrics.SessionsTotal.
func (r *Registry) CountByState() map[types.SessionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[types.SessionState]int{}
	for _, s := range r.sessions {
		counts[s.State()]++
	}
	return counts
}
