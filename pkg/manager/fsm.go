package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/registry"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/cuemby/meridian/pkg/session"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/hashicorp/raft"
)

// ManagerFSM is the Raft finite state machine that multiplexes every
// resource in a cluster onto one Raft log. Generalized from cuemby-warren's
// WarrenFSM, which dispatches a command op to one of a handful of
// store.* CRUD methods; ManagerFSM instead dispatches an envelope.Kind (and,
// for Command/Query, an inner op) to the resource.Machine owning
// (Key, ResourceType), of which there may be thousands of live instances.
type ManagerFSM struct {
	mu sync.RWMutex

	registry *registry.Registry
	sessions *session.Registry
	host     *managerHost

	machines map[uint64]resource.Machine
	records  map[uint64]*types.ResourceRecord
	byKey    map[string]uint64 // "<typeID>:<key>" -> resourceID
	keyTypes map[string]int16  // key -> the one typeID currently allowed to own it
	nextID   uint64
}

// NewManagerFSM builds an FSM over the given resource-type registry. Until
// SetSubmitter is called (once pkg/raftnode has a live *raft.Raft), timer
// firings scheduled through the Host are silently dropped.
func NewManagerFSM(reg *registry.Registry, sessions *session.Registry, clock types.Clock) *ManagerFSM {
	return &ManagerFSM{
		registry: reg,
		sessions: sessions,
		host:     newManagerHost(clock, sessions),
		machines: map[uint64]resource.Machine{},
		records:  map[uint64]*types.ResourceRecord{},
		byKey:    map[string]uint64{},
		keyTypes: map[string]int16{},
	}
}

// SetSubmitter wires the FSM's host to the node's real Raft log submitter.
func (f *ManagerFSM) SetSubmitter(s Submitter) { f.host.SetSubmitter(s) }

// ResourceCountsByType reports the number of live resources per type
// name, for pkg/raftnode's metrics collector to publish as
// metrics.ResourcesTotal.
func (f *ManagerFSM) ResourceCountsByType() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	counts := map[string]int{}
	for _, rec := range f.records {
		counts[rec.Type.Name]++
	}
	return counts
}

func byKeyKey(typeID int16, key string) string { return fmt.Sprintf("%d:%s", typeID, key) }

// Apply applies one committed Raft log entry: decodes the envelope and
// dispatches on its Kind. Every branch returns a Result so callers of
// raft.ApplyFuture.Response() get a uniform shape back.
func (f *ManagerFSM) Apply(l *raft.Log) interface{} {
	var env envelope.Envelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		return errResult(types.ErrInvalidArgument, "manager: malformed envelope: "+err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	commit := resource.NewBasicCommit(l.Index, env.SessionID, f.host.Now(), func(envelope.CompactionMode) {
		// CompactionMode is advisory under hashicorp/raft: there is no
		// per-entry release hook, so actual log truncation happens
		// through Snapshot/Restore rather than this callback. It still
		// gives every resource.Machine a place to signal "this entry is
		// done" the way spec.md §3 describes, and a future transport
		// that does support per-entry release can hang real behavior
		// off it without touching machine code.
	})

	switch env.Kind {
	case envelope.KindCommand, envelope.KindQuery:
		return f.applyResourceOp(commit, &env)

	case envelope.KindGetResource:
		return f.applyGetResource(commit, &env, true)
	case envelope.KindGetResourceIfAny:
		return f.applyGetResource(commit, &env, false)
	case envelope.KindCloseResource:
		return f.applyCloseResource(commit, &env)
	case envelope.KindDeleteResource:
		return f.applyDeleteResource(commit, &env)
	case envelope.KindConfigureResource:
		return f.applyConfigureResource(commit, &env)

	case envelope.KindOpenSession:
		f.sessions.Open(env.SessionID)
		commit.Close(envelope.CompactionRelease)
		return okResult(nil)
	case envelope.KindSessionHeartbeat:
		f.sessions.Reopen(env.SessionID)
		commit.Close(envelope.CompactionRelease)
		return okResult(nil)
	case envelope.KindExpireSession:
		f.sessions.Expire(env.SessionID)
		f.releaseSession(env.SessionID)
		commit.Close(envelope.CompactionTombstone)
		return okResult(nil)
	case envelope.KindCloseSession:
		f.sessions.Close(env.SessionID)
		f.releaseSession(env.SessionID)
		commit.Close(envelope.CompactionTombstone)
		return okResult(nil)

	default:
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, "manager: unknown envelope kind "+string(env.Kind))
	}
}

// releaseSession runs OnExpire on every live machine so anything it holds
// for sessionID (a Topic subscription, a TaskQueue ack-waiter) is released.
// The caller has already moved the session to EXPIRED or CLOSED. Order is
// deterministic (sorted by resourceID) so replay doesn't depend on map
// iteration.
func (f *ManagerFSM) releaseSession(sessionID uint64) {
	for _, id := range f.sortedResourceIDs() {
		f.machines[id].OnExpire(f.host, sessionID)
	}
}

func (f *ManagerFSM) sortedResourceIDs() []uint64 {
	ids := make([]uint64, 0, len(f.machines))
	for id := range f.machines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *ManagerFSM) applyResourceOp(commit resource.Commit, env *envelope.Envelope) Result {
	m, ok := f.machines[env.ResourceID]
	if !ok {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrNoSuchResource, fmt.Sprintf("manager: no resource with id %d", env.ResourceID))
	}
	v, err := m.Apply(f.host, commit, env.Op, env.Inner)
	if err != nil {
		return errResult(errKind(err), err.Error())
	}
	return okResult(v)
}

func (f *ManagerFSM) applyGetResource(commit resource.Commit, env *envelope.Envelope, create bool) Result {
	var req GetResourceRequest
	if err := env.Decode(&req); err != nil {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}
	if !create {
		var any GetResourceIfAnyRequest
		_ = env.Decode(&any)
		req.Key, req.TypeName = any.Key, any.TypeName
	}

	descriptor, ok := f.registry.ByName(req.TypeName)
	if !ok {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrUnknownType, "manager: unknown resource type "+req.TypeName)
	}

	if existingType, ok := f.keyTypes[req.Key]; ok && existingType != descriptor.Type.ID {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrTypeMismatch, fmt.Sprintf(
			"manager: %q is already a resource of type %d, not %d", req.Key, existingType, descriptor.Type.ID))
	}

	bk := byKeyKey(descriptor.Type.ID, req.Key)
	if id, ok := f.byKey[bk]; ok {
		rec := f.records[id]
		rec.AddOwner(env.SessionID)
		commit.Close(envelope.CompactionQuorum)
		return okResult(GetResourceResult{ResourceID: id, TypeID: descriptor.Type.ID, Created: false})
	}
	if !create {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrNoSuchResource, "manager: no resource named "+req.Key)
	}

	f.nextID++
	id := f.nextID
	rec := types.NewResourceRecord(id, req.Key, descriptor.Type)
	rec.AddOwner(env.SessionID)
	for k, v := range req.Config {
		rec.Config[k] = v
	}
	m := descriptor.NewMachine(id)
	if err := m.Configure(rec.Config); err != nil {
		f.nextID--
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}

	f.records[id] = rec
	f.byKey[bk] = id
	f.keyTypes[req.Key] = descriptor.Type.ID
	f.machines[id] = m

	commit.Close(envelope.CompactionQuorum)
	return okResult(GetResourceResult{ResourceID: id, TypeID: descriptor.Type.ID, Created: true})
}

func (f *ManagerFSM) applyCloseResource(commit resource.Commit, env *envelope.Envelope) Result {
	var req CloseResourceRequest
	if err := env.Decode(&req); err != nil {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}
	rec, ok := f.records[req.ResourceID]
	if !ok {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrNoSuchResource, fmt.Sprintf("manager: no resource with id %d", req.ResourceID))
	}
	rec.RemoveOwner(env.SessionID)
	commit.Close(envelope.CompactionRelease)
	return okResult(nil)
}

func (f *ManagerFSM) applyDeleteResource(commit resource.Commit, env *envelope.Envelope) Result {
	var req DeleteResourceRequest
	if err := env.Decode(&req); err != nil {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}
	rec, ok := f.records[req.ResourceID]
	if !ok {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrNoSuchResource, fmt.Sprintf("manager: no resource with id %d", req.ResourceID))
	}
	m := f.machines[req.ResourceID]
	m.Delete(f.host)

	delete(f.machines, req.ResourceID)
	delete(f.records, req.ResourceID)
	delete(f.byKey, byKeyKey(rec.Type.ID, rec.Key))
	delete(f.keyTypes, rec.Key)

	commit.Close(envelope.CompactionTombstone)
	return okResult(nil)
}

func (f *ManagerFSM) applyConfigureResource(commit resource.Commit, env *envelope.Envelope) Result {
	var req ConfigureResourceRequest
	if err := env.Decode(&req); err != nil {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}
	rec, ok := f.records[req.ResourceID]
	if !ok {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrNoSuchResource, fmt.Sprintf("manager: no resource with id %d", req.ResourceID))
	}
	m := f.machines[req.ResourceID]
	if err := m.Configure(req.Config); err != nil {
		commit.Close(envelope.CompactionRelease)
		return errResult(types.ErrInvalidArgument, err.Error())
	}
	for k, v := range req.Config {
		rec.Config[k] = v
	}
	commit.Close(envelope.CompactionQuorum)
	return okResult(nil)
}

func errKind(err error) types.ErrorKind {
	if e, ok := err.(*types.Error); ok {
		return e.Kind
	}
	return types.ErrInternal
}

// managerSnapshot is the wire form of the whole FSM, persisted by Raft for
// compaction and fast follower catch-up in place of replaying the full
// log. Per-resource Machine state is opaque here: each entry's Data is
// whatever that resource's own Snapshot() produced.
type managerSnapshot struct {
	NextID  uint64             `json:"nextId"`
	Records []snapshotRecord   `json:"records"`
}

type snapshotRecord struct {
	ID     uint64            `json:"id"`
	Key    string            `json:"key"`
	TypeID int16             `json:"typeId"`
	Config map[string]string `json:"config"`
	Owners []uint64          `json:"owners"`
	Data   json.RawMessage   `json:"data"`
}

// Snapshot implements raft.FSM. It never blocks new Applies for long: it
// takes the read lock only long enough to walk the current machine set and
// ask each one for its own Snapshot(), then hands the assembled blob to
// Raft to persist off the critical path.
func (f *ManagerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := managerSnapshot{NextID: f.nextID}
	for _, id := range f.sortedResourceIDs() {
		rec := f.records[id]
		data, err := f.machines[id].Snapshot()
		if err != nil {
			return nil, fmt.Errorf("manager: snapshot resource %d: %w", id, err)
		}
		owners := make([]uint64, 0, len(rec.OwnerSessions))
		for s := range rec.OwnerSessions {
			owners = append(owners, s)
		}
		sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
		snap.Records = append(snap.Records, snapshotRecord{
			ID: id, Key: rec.Key, TypeID: rec.Type.ID, Config: rec.Config, Owners: owners, Data: data,
		})
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore implements raft.FSM. Every rehydrated per-session commit is
// wired back to this FSM's own managerHost so a later operation on it
// (e.g. a TaskQueue Ack resolving a restored ack-waiter) behaves exactly
// like one that never crossed a restore.
func (f *ManagerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap managerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("manager: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.machines = map[uint64]resource.Machine{}
	f.records = map[uint64]*types.ResourceRecord{}
	f.byKey = map[string]uint64{}
	f.keyTypes = map[string]int16{}
	f.nextID = snap.NextID

	for _, rr := range snap.Records {
		descriptor, ok := f.registry.ByID(rr.TypeID)
		if !ok {
			return fmt.Errorf("manager: restore: unknown resource type id %d", rr.TypeID)
		}
		m := descriptor.NewMachine(rr.ID)
		rehydrate := func(sessionID uint64) resource.Commit {
			return resource.NewBasicCommit(0, sessionID, f.host.Now(), func(envelope.CompactionMode) {})
		}
		if err := m.Restore(f.host, rehydrate, rr.Data); err != nil {
			return fmt.Errorf("manager: restore resource %d: %w", rr.ID, err)
		}

		rec := types.NewResourceRecord(rr.ID, rr.Key, descriptor.Type)
		rec.Config = rr.Config
		for _, s := range rr.Owners {
			rec.AddOwner(s)
		}

		f.records[rr.ID] = rec
		f.byKey[byKeyKey(rr.TypeID, rr.Key)] = rr.ID
		f.keyTypes[rr.Key] = rr.TypeID
		f.machines[rr.ID] = m
	}

	log.Logger.Info().Int("resources", len(snap.Records)).Msg("manager: restored FSM from snapshot")
	return nil
}

// fsmSnapshot adapts managerSnapshot to raft.FSMSnapshot.
type fsmSnapshot struct {
	snap managerSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
