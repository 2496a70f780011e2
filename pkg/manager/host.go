package manager

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/session"
	"github.com/cuemby/meridian/pkg/types"
)

// Submitter resubmits an internally generated envelope into the Raft log.
// pkg/raftnode supplies the real implementation (raft.Raft.Apply) once the
// node has finished Bootstrap/Join; ManagerFSM is constructed before that
// handle exists, so it starts with a noopSubmitter and is wired up via
// SetSubmitter.
type Submitter interface {
	Submit(env *envelope.Envelope)
}

// noopSubmitter drops anything handed to it. A timer that fires on a
// follower has nothing useful to submit to anyway; only the node that
// becomes leader should be re-entering timer firings into the log.
type noopSubmitter struct{}

func (noopSubmitter) Submit(*envelope.Envelope) {}

// managerHost is the production resource.Host. Publish fans out through
// the session registry's event queues; ScheduleTimer arms a real
// time.Timer whose firing re-submits the scheduled op as an ordinary
// command envelope, so the eviction (or whatever the timer represents)
// becomes a committed log entry like any client-driven change instead of
// a goroutine mutating the machine out of band (spec.md §4.2's Value TTL
// note on keeping timer firings inside the replicated operation order).
type managerHost struct {
	clock    types.Clock
	sessions *session.Registry

	mu          sync.Mutex
	submitter   Submitter
	timers      map[resource.TimerID]*time.Timer
	nextTimerID resource.TimerID
}

func newManagerHost(clock types.Clock, sessions *session.Registry) *managerHost {
	return &managerHost{
		clock:     clock,
		sessions:  sessions,
		submitter: noopSubmitter{},
		timers:    map[resource.TimerID]*time.Timer{},
	}
}

// SetSubmitter installs the real log submitter once raft is up.
func (h *managerHost) SetSubmitter(s Submitter) {
	h.mu.Lock()
	h.submitter = s
	h.mu.Unlock()
}

func (h *managerHost) Now() time.Time { return h.clock.Now() }

func (h *managerHost) Publish(sessionID uint64, topic string, payload any) {
	h.sessions.Publish(sessionID, topic, payload)
}

func (h *managerHost) SessionOpen(sessionID uint64) bool { return h.sessions.IsOpen(sessionID) }

func (h *managerHost) ScheduleTimer(resourceID uint64, delay time.Duration, op string, data any) resource.TimerID {
	inner, err := json.Marshal(data)
	if err != nil {
		log.Logger.Error().Err(err).Str("op", op).Msg("manager: failed to encode timer payload")
		return 0
	}

	h.mu.Lock()
	h.nextTimerID++
	id := h.nextTimerID
	h.mu.Unlock()

	t := time.AfterFunc(delay, func() {
		h.mu.Lock()
		_, live := h.timers[id]
		delete(h.timers, id)
		submitter := h.submitter
		h.mu.Unlock()
		if !live {
			return
		}
		submitter.Submit(&envelope.Envelope{
			ResourceID:       resourceID,
			Kind:             envelope.KindCommand,
			Op:               op,
			Inner:            inner,
			WriteConsistency: types.WriteSequentialEvent,
			Compaction:       envelope.CompactionQuorum,
		})
	})

	h.mu.Lock()
	h.timers[id] = t
	h.mu.Unlock()
	return id
}

func (h *managerHost) CancelTimer(id resource.TimerID) {
	if id == 0 {
		return
	}
	h.mu.Lock()
	t, ok := h.timers[id]
	delete(h.timers, id)
	h.mu.Unlock()
	if ok {
		t.Stop()
	}
}
