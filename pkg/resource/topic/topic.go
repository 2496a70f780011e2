package topic

import (
	"encoding/json"
	"sort"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/types"
)

// TypeID is the stable resource type id registered for Topic.
const TypeID int16 = 3

// PublishRequest is the payload for Publish.
type PublishRequest struct {
	Message json.RawMessage `json:"message"`
}

// Machine is the Topic state machine.
type Machine struct {
	resourceID  uint64
	subscribers map[uint64]resource.Commit // sessionId -> retained Listen commit
}

func New() resource.Constructor {
	return func(resourceID uint64) resource.Machine {
		return &Machine{resourceID: resourceID, subscribers: map[uint64]resource.Commit{}}
	}
}

func Descriptor() resource.TypeDescriptor {
	return resource.TypeDescriptor{
		Type:       types.ResourceType{ID: TypeID, Name: "topic"},
		NewMachine: New(),
		CodecNames: []string{"topic.PublishRequest"},
	}
}

func (m *Machine) sortedSessionIDs() []uint64 {
	ids := make([]uint64, 0, len(m.subscribers))
	for sid := range m.subscribers {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Machine) drop(sessionID uint64, mode envelope.CompactionMode) {
	if old, ok := m.subscribers[sessionID]; ok {
		delete(m.subscribers, sessionID)
		old.Close(mode)
	}
}

func (m *Machine) Apply(h resource.Host, c resource.Commit, op string, data json.RawMessage) (any, error) {
	switch op {
	case "Listen":
		sid := c.SessionID()
		if _, already := m.subscribers[sid]; already {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		// The commit is retained as the subscription; it closes only on
		// Unlisten, session loss, or resource deletion.
		m.subscribers[sid] = c
		return true, nil

	case "Unlisten":
		sid := c.SessionID()
		m.drop(sid, envelope.CompactionRelease)
		c.Close(envelope.CompactionRelease)
		return nil, nil

	case "Publish":
		var req PublishRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		for _, sid := range m.sortedSessionIDs() {
			if !h.SessionOpen(sid) {
				m.drop(sid, envelope.CompactionRelease)
				continue
			}
			h.Publish(sid, "message", req.Message)
		}
		c.Close(envelope.CompactionRelease)
		return nil, nil

	default:
		c.Close(envelope.CompactionRelease)
		return nil, types.NewError(types.ErrInvalidArgument, "topic: unknown op "+op)
	}
}

func (m *Machine) OnExpire(h resource.Host, sessionID uint64) {
	m.drop(sessionID, envelope.CompactionRelease)
}

func (m *Machine) Configure(config map[string]string) error { return nil }

func (m *Machine) Delete(h resource.Host) {
	for sid := range m.subscribers {
		m.drop(sid, envelope.CompactionTombstone)
	}
}

type machineSnapshot struct {
	SubscriberSessionIDs []uint64 `json:"subscriberSessionIds"`
}

func (m *Machine) Snapshot() (json.RawMessage, error) {
	return json.Marshal(machineSnapshot{SubscriberSessionIDs: m.sortedSessionIDs()})
}

func (m *Machine) Restore(h resource.Host, rehydrate resource.RehydrateFunc, data json.RawMessage) error {
	m.subscribers = map[uint64]resource.Commit{}
	if len(data) == 0 {
		return nil
	}
	var s machineSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, sid := range s.SubscriberSessionIDs {
		m.subscribers[sid] = rehydrate(sid)
	}
	return nil
}
