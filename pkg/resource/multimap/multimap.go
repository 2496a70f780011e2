package multimap

import (
	"encoding/json"
	"sort"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/types"
)

// TypeID is the stable resource type id registered for MultiMap.
const TypeID int16 = 2

// Order is the per-resource value ordering policy, set via Configure.
type Order string

const (
	OrderInsertion       Order = "INSERTION"
	OrderNatural         Order = "NATURAL"
	OrderInsertionDedup  Order = "INSERTION_DEDUP"
)

// KVRequest is the payload for Put, PutIfAbsent, and the two forms of
// Remove (Value empty means "remove the whole key").
type KVRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Entry is one (key, value) pair as returned by Entries.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type bag struct {
	items []string // always insertion order internally
	seen  map[string]int
}

func newBag() *bag { return &bag{seen: map[string]int{}} }

func (b *bag) contains(v string) bool { return b.seen[v] > 0 }

func (b *bag) add(v string) {
	b.items = append(b.items, v)
	b.seen[v]++
}

// removeOne removes the first occurrence of v; reports whether anything
// was removed.
func (b *bag) removeOne(v string) bool {
	for i, x := range b.items {
		if x == v {
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.seen[v]--
			if b.seen[v] <= 0 {
				delete(b.seen, v)
			}
			return true
		}
	}
	return false
}

func (b *bag) empty() bool { return len(b.items) == 0 }

// ordered returns the bag's values in the machine's configured order.
func (b *bag) ordered(order Order) []string {
	out := make([]string, len(b.items))
	copy(out, b.items)
	if order == OrderNatural {
		sort.Strings(out)
	}
	return out
}

// Machine is the MultiMap state machine.
type Machine struct {
	resourceID uint64
	order      Order
	data       map[string]*bag
}

func New() resource.Constructor {
	return func(resourceID uint64) resource.Machine {
		return &Machine{resourceID: resourceID, order: OrderInsertion, data: map[string]*bag{}}
	}
}

func Descriptor() resource.TypeDescriptor {
	return resource.TypeDescriptor{
		Type:       types.ResourceType{ID: TypeID, Name: "multimap"},
		NewMachine: New(),
		CodecNames: []string{"multimap.KVRequest", "multimap.Entry"},
	}
}

func (m *Machine) sortedKeys() []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeKV(data json.RawMessage) (KVRequest, error) {
	var req KVRequest
	err := json.Unmarshal(data, &req)
	return req, err
}

func (m *Machine) Apply(h resource.Host, c resource.Commit, op string, data json.RawMessage) (any, error) {
	switch op {
	case "Put":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		b, ok := m.data[req.Key]
		if !ok {
			b = newBag()
			m.data[req.Key] = b
		}
		if m.order == OrderInsertionDedup && b.contains(req.Value) {
			// invariant-violating path under dedup: still close the
			// commit, nothing changes.
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		b.add(req.Value)
		c.Close(envelope.CompactionQuorum)
		return true, nil

	case "PutIfAbsent":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		b, ok := m.data[req.Key]
		if ok && b.contains(req.Value) {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		if !ok {
			b = newBag()
			m.data[req.Key] = b
		}
		b.add(req.Value)
		c.Close(envelope.CompactionQuorum)
		return true, nil

	case "Remove":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		b, ok := m.data[req.Key]
		if !ok {
			c.Close(envelope.CompactionRelease)
			return false, nil
		}
		var removed bool
		if req.Value == "" {
			delete(m.data, req.Key)
			removed = true
		} else {
			removed = b.removeOne(req.Value)
			if b.empty() {
				delete(m.data, req.Key)
			}
		}
		mode := envelope.CompactionRelease
		if removed {
			mode = envelope.CompactionQuorum
		}
		c.Close(mode)
		return removed, nil

	case "Clear":
		m.data = map[string]*bag{}
		c.Close(envelope.CompactionTombstone)
		return nil, nil

	case "Get":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		c.Close(envelope.CompactionRelease)
		if b, ok := m.data[req.Key]; ok {
			return b.ordered(m.order), nil
		}
		return []string{}, nil

	case "Keys":
		c.Close(envelope.CompactionRelease)
		return m.sortedKeys(), nil

	case "Values":
		c.Close(envelope.CompactionRelease)
		var out []string
		for _, k := range m.sortedKeys() {
			out = append(out, m.data[k].ordered(m.order)...)
		}
		return out, nil

	case "Entries":
		c.Close(envelope.CompactionRelease)
		var out []Entry
		for _, k := range m.sortedKeys() {
			for _, v := range m.data[k].ordered(m.order) {
				out = append(out, Entry{Key: k, Value: v})
			}
		}
		return out, nil

	case "Size":
		c.Close(envelope.CompactionRelease)
		total := 0
		for _, b := range m.data {
			total += len(b.items)
		}
		return total, nil

	case "IsEmpty":
		c.Close(envelope.CompactionRelease)
		return len(m.data) == 0, nil

	case "ContainsKey":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		c.Close(envelope.CompactionRelease)
		_, ok := m.data[req.Key]
		return ok, nil

	case "ContainsValue":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		c.Close(envelope.CompactionRelease)
		for _, b := range m.data {
			if b.contains(req.Value) {
				return true, nil
			}
		}
		return false, nil

	case "ContainsEntry":
		req, err := decodeKV(data)
		if err != nil {
			c.Close(envelope.CompactionRelease)
			return nil, types.NewError(types.ErrInvalidArgument, err.Error())
		}
		c.Close(envelope.CompactionRelease)
		b, ok := m.data[req.Key]
		return ok && b.contains(req.Value), nil

	default:
		c.Close(envelope.CompactionRelease)
		return nil, types.NewError(types.ErrInvalidArgument, "multimap: unknown op "+op)
	}
}

func (m *Machine) OnExpire(h resource.Host, sessionID uint64) {}

// Configure sets value ordering: config["valueOrder"] ∈ {INSERTION,
// NATURAL, INSERTION_DEDUP}.
func (m *Machine) Configure(config map[string]string) error {
	if v, ok := config["valueOrder"]; ok {
		switch Order(v) {
		case OrderInsertion, OrderNatural, OrderInsertionDedup:
			m.order = Order(v)
		default:
			return types.NewError(types.ErrInvalidArgument, "multimap: unknown valueOrder "+v)
		}
	}
	return nil
}

func (m *Machine) Delete(h resource.Host) {
	m.data = map[string]*bag{}
}

// snapshotEntry is one key's bag, in insertion order, for Snapshot/Restore.
type snapshotEntry struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

type machineSnapshot struct {
	Order   Order           `json:"order"`
	Entries []snapshotEntry `json:"entries"`
}

func (m *Machine) Snapshot() (json.RawMessage, error) {
	s := machineSnapshot{Order: m.order}
	for _, k := range m.sortedKeys() {
		s.Entries = append(s.Entries, snapshotEntry{Key: k, Values: append([]string{}, m.data[k].items...)})
	}
	return json.Marshal(s)
}

func (m *Machine) Restore(h resource.Host, rehydrate resource.RehydrateFunc, data json.RawMessage) error {
	m.data = map[string]*bag{}
	if len(data) == 0 {
		return nil
	}
	var s machineSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	m.order = s.Order
	for _, e := range s.Entries {
		b := newBag()
		for _, v := range e.Values {
			b.add(v)
		}
		m.data[e.Key] = b
	}
	return nil
}
