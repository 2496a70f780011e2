package taskqueue

import (
	"encoding/json"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/types"
)

// TypeID is the stable resource type id registered for TaskQueue.
const TypeID int16 = 4

// SubmitRequest is the payload for Submit. With Ack set, the submit
// commit is retained until some consumer acknowledges the task, and an
// "ack" event is then published to the submitting session. The Submit
// call itself returns as soon as the task is queued; it does not wait for
// the acknowledgment.
type SubmitRequest struct {
	TaskID  string          `json:"taskId"`
	Payload json.RawMessage `json:"payload"`
	Ack     bool            `json:"ack"`
}

// ProcessEvent is published to the assigned consumer as topic "process".
type ProcessEvent struct {
	TaskID  string          `json:"taskId"`
	Payload json.RawMessage `json:"payload"`
}

// AckEvent is published to the original submitter as topic "ack" once a
// synchronously-submitted task completes.
type AckEvent struct {
	TaskID string `json:"taskId"`
}

type taskEnvelope struct {
	TaskID  string
	Payload json.RawMessage
}

// Machine is the TaskQueue state machine.
type Machine struct {
	resourceID uint64
	pending    []taskEnvelope
	inflight   map[uint64]taskEnvelope   // sessionId -> task
	consumers  []uint64                  // ordered-set of subscribed sessions
	ackWaiters map[string]resource.Commit // taskId -> retained Submit commit
}

func New() resource.Constructor {
	return func(resourceID uint64) resource.Machine {
		return &Machine{
			resourceID: resourceID,
			inflight:   map[uint64]taskEnvelope{},
			ackWaiters: map[string]resource.Commit{},
		}
	}
}

func Descriptor() resource.TypeDescriptor {
	return resource.TypeDescriptor{
		Type:       types.ResourceType{ID: TypeID, Name: "taskqueue"},
		NewMachine: New(),
		CodecNames: []string{"taskqueue.SubmitRequest", "taskqueue.ProcessEvent", "taskqueue.AckEvent"},
	}
}

func (m *Machine) hasConsumer(sessionID uint64) bool {
	for _, c := range m.consumers {
		if c == sessionID {
			return true
		}
	}
	return false
}

func (m *Machine) removeConsumer(sessionID uint64) {
	for i, c := range m.consumers {
		if c == sessionID {
			m.consumers = append(m.consumers[:i], m.consumers[i+1:]...)
			return
		}
	}
}

func (m *Machine) popPending() (taskEnvelope, bool) {
	if len(m.pending) == 0 {
		return taskEnvelope{}, false
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	return t, true
}

// assign hands a pending task to sessionID if it is free and work is
// waiting; it publishes the "process" event and reports whether it did.
func (m *Machine) assign(h resource.Host, sessionID uint64) bool {
	if _, busy := m.inflight[sessionID]; busy {
		return false
	}
	task, ok := m.popPending()
	if !ok {
		return false
	}
	m.inflight[sessionID] = task
	h.Publish(sessionID, "process", ProcessEvent{TaskID: task.TaskID, Payload: task.Payload})
	return true
}

// dispatch assigns as much pending work as possible to free consumers,
// in consumer order.
func (m *Machine) dispatch(h resource.Host) {
	for _, sid := range m.consumers {
		for m.assign(h, sid) {
		}
	}
}

func (m *Machine) requeueInflight(sessionID uint64) {
	task, ok := m.inflight[sessionID]
	if !ok {
		return
	}
	delete(m.inflight, sessionID)
	m.pending = append([]taskEnvelope{task}, m.pending...)
}

func (m *Machine) Apply(h resource.Host, c resource.Commit, op string, data json.RawMessage) (any, error) {
	switch op {
	case "Subscribe":
		sid := c.SessionID()
		if m.hasConsumer(sid) {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		m.consumers = append(m.consumers, sid)
		m.dispatch(h)
		c.Close(envelope.CompactionQuorum)
		return true, nil

	case "Unsubscribe":
		sid := c.SessionID()
		if !m.hasConsumer(sid) {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		m.requeueInflight(sid)
		m.removeConsumer(sid)
		m.dispatch(h)
		c.Close(envelope.CompactionQuorum)
		return true, nil

	case "Submit":
		var req SubmitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		m.pending = append(m.pending, taskEnvelope{TaskID: req.TaskID, Payload: req.Payload})
		m.dispatch(h)
		if req.Ack {
			// Retained until the task is acknowledged, however many
			// Submit/Ack cycles that takes across consumer failures.
			m.ackWaiters[req.TaskID] = c
		} else {
			c.Close(envelope.CompactionQuorum)
		}
		return nil, nil

	case "Ack":
		sid := c.SessionID()
		task, ok := m.inflight[sid]
		if !ok {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		delete(m.inflight, sid)
		if waiter, waited := m.ackWaiters[task.TaskID]; waited {
			delete(m.ackWaiters, task.TaskID)
			h.Publish(waiter.SessionID(), "ack", AckEvent{TaskID: task.TaskID})
			waiter.Close(envelope.CompactionRelease)
		}
		m.assign(h, sid)
		c.Close(envelope.CompactionQuorum)
		return true, nil

	default:
		c.Close(envelope.CompactionRelease)
		return nil, types.NewError(types.ErrInvalidArgument, "taskqueue: unknown op "+op)
	}
}

func (m *Machine) OnExpire(h resource.Host, sessionID uint64) {
	m.requeueInflight(sessionID)
	m.removeConsumer(sessionID)
	m.dispatch(h)
}

func (m *Machine) Configure(config map[string]string) error { return nil }

func (m *Machine) Delete(h resource.Host) {
	for _, waiter := range m.ackWaiters {
		waiter.Close(envelope.CompactionTombstone)
	}
	m.ackWaiters = map[string]resource.Commit{}
	m.pending = nil
	m.inflight = map[uint64]taskEnvelope{}
	m.consumers = nil
}

type inflightEntry struct {
	SessionID uint64       `json:"sessionId"`
	Task      taskEnvelope `json:"task"`
}

type ackWaiterEntry struct {
	TaskID          string `json:"taskId"`
	SubmitSessionID uint64 `json:"submitSessionId"`
}

type machineSnapshot struct {
	Pending     []taskEnvelope   `json:"pending"`
	Inflight    []inflightEntry  `json:"inflight"`
	Consumers   []uint64         `json:"consumers"`
	AckWaiters  []ackWaiterEntry `json:"ackWaiters"`
}

func (m *Machine) Snapshot() (json.RawMessage, error) {
	s := machineSnapshot{Pending: m.pending, Consumers: m.consumers}
	for sid, task := range m.inflight {
		s.Inflight = append(s.Inflight, inflightEntry{SessionID: sid, Task: task})
	}
	for taskID, waiter := range m.ackWaiters {
		s.AckWaiters = append(s.AckWaiters, ackWaiterEntry{TaskID: taskID, SubmitSessionID: waiter.SessionID()})
	}
	return json.Marshal(s)
}

func (m *Machine) Restore(h resource.Host, rehydrate resource.RehydrateFunc, data json.RawMessage) error {
	m.pending = nil
	m.inflight = map[uint64]taskEnvelope{}
	m.consumers = nil
	m.ackWaiters = map[string]resource.Commit{}
	if len(data) == 0 {
		return nil
	}
	var s machineSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	m.pending = s.Pending
	m.consumers = s.Consumers
	for _, e := range s.Inflight {
		m.inflight[e.SessionID] = e.Task
	}
	for _, e := range s.AckWaiters {
		m.ackWaiters[e.TaskID] = rehydrate(e.SubmitSessionID)
	}
	return nil
}
