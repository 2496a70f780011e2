package value

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/types"
)

// TypeID is the stable resource type id registered for Value.
const TypeID int16 = 1

const opEvict = "__evict"

// SetRequest is the payload for Set and the "update" half of CompareAndSet
// and GetAndSet.
type SetRequest struct {
	Value json.RawMessage `json:"value"`
	TTLMs int64           `json:"ttlMs"`
}

// CompareAndSetRequest carries the expected current value plus the update
// to apply if it matches.
type CompareAndSetRequest struct {
	Expect json.RawMessage `json:"expect"`
	Update json.RawMessage `json:"update"`
	TTLMs  int64           `json:"ttlMs"`
}

// GetResult is what Get and GetAndSet return; Payload is nil when the
// value is unset, satisfying the "payload = none ⇔ ownerCommit = none"
// invariant.
type GetResult struct {
	Payload json.RawMessage `json:"payload"`
}

type evictMarker struct{}

// Machine is the Value state machine. It is not safe for concurrent use;
// the host (pkg/manager) applies one commit at a time, per spec.md §5.
type Machine struct {
	resourceID uint64
	payload    json.RawMessage
	owner      resource.Commit
	timer      resource.TimerID
	hasTimer   bool
	deadline   time.Time
}

// snapshot is the wire form of a Value's state, used by Snapshot/Restore.
type snapshot struct {
	Payload          json.RawMessage `json:"payload,omitempty"`
	HasTimer         bool            `json:"hasTimer,omitempty"`
	DeadlineUnixNano int64           `json:"deadlineUnixNano,omitempty"`
	OwnerSessionID   uint64          `json:"ownerSessionId,omitempty"`
}

// New returns a resource.Constructor registering the Value machine under
// TypeID.
func New() resource.Constructor {
	return func(resourceID uint64) resource.Machine {
		return &Machine{resourceID: resourceID}
	}
}

// Descriptor builds the registry.TypeDescriptor for Value.
func Descriptor() resource.TypeDescriptor {
	return resource.TypeDescriptor{
		Type:       types.ResourceType{ID: TypeID, Name: "value"},
		NewMachine: New(),
		CodecNames: []string{"value.SetRequest", "value.CompareAndSetRequest", "value.GetResult"},
	}
}

func (m *Machine) clean(h resource.Host) {
	if m.hasTimer {
		h.CancelTimer(m.timer)
		m.hasTimer = false
	}
	if m.owner != nil {
		m.owner.Close(envelope.CompactionRelease)
		m.owner = nil
	}
	m.payload = nil
	m.deadline = time.Time{}
}

func (m *Machine) install(h resource.Host, c resource.Commit, value json.RawMessage, ttlMs int64) {
	m.clean(h)
	m.payload = value
	m.owner = c
	if ttlMs > 0 {
		ttl := time.Duration(ttlMs) * time.Millisecond
		m.timer = h.ScheduleTimer(m.resourceID, ttl, opEvict, evictMarker{})
		m.hasTimer = true
		m.deadline = h.Now().Add(ttl)
	}
}

func (m *Machine) Apply(h resource.Host, c resource.Commit, op string, data json.RawMessage) (any, error) {
	switch op {
	case "Get":
		c.Close(envelope.CompactionRelease)
		return GetResult{Payload: m.payload}, nil

	case "Set":
		var req SetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		m.install(h, c, req.Value, req.TTLMs)
		return nil, nil

	case "GetAndSet":
		var req SetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		old := m.payload
		m.install(h, c, req.Value, req.TTLMs)
		return GetResult{Payload: old}, nil

	case "CompareAndSet":
		var req CompareAndSetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		if !payloadEqual(m.payload, req.Expect) {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		m.install(h, c, req.Update, req.TTLMs)
		return true, nil

	case opEvict:
		// Timer fired and was re-applied as a committed entry; the
		// closure reads the then-current owner, not the commit that
		// scheduled it, so replay stays deterministic even if a write
		// raced the eviction before it was re-applied.
		m.hasTimer = false
		m.clean(h)
		c.Close(envelope.CompactionRelease)
		return nil, nil

	default:
		c.Close(envelope.CompactionRelease)
		return nil, types.NewError(types.ErrInvalidArgument, "value: unknown op "+op)
	}
}

func (m *Machine) OnExpire(h resource.Host, sessionID uint64) {
	// Value has no per-session state; nothing to release.
}

func (m *Machine) Configure(config map[string]string) error { return nil }

func (m *Machine) Delete(h resource.Host) {
	m.clean(h)
}

func (m *Machine) Snapshot() (json.RawMessage, error) {
	s := snapshot{Payload: m.payload, HasTimer: m.hasTimer}
	if m.owner != nil {
		s.OwnerSessionID = m.owner.SessionID()
	}
	if m.hasTimer {
		s.DeadlineUnixNano = m.deadline.UnixNano()
	}
	return json.Marshal(s)
}

func (m *Machine) Restore(h resource.Host, rehydrate resource.RehydrateFunc, data json.RawMessage) error {
	m.clean(h)
	if len(data) == 0 {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Payload) == 0 {
		return nil
	}
	m.payload = s.Payload
	m.owner = rehydrate(s.OwnerSessionID)
	if s.HasTimer {
		remaining := time.Unix(0, s.DeadlineUnixNano).Sub(h.Now())
		if remaining <= 0 {
			m.clean(h)
			return nil
		}
		m.timer = h.ScheduleTimer(m.resourceID, remaining, opEvict, evictMarker{})
		m.hasTimer = true
		m.deadline = time.Unix(0, s.DeadlineUnixNano)
	}
	return nil
}

// payloadEqual implements the "deep equality, or both none" rule
// CompareAndSet requires (spec.md §4.2) by decoding both sides to a
// generic value rather than comparing raw bytes, so key order in an
// object payload doesn't matter.
func payloadEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
