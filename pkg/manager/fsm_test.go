package manager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/registry"
	"github.com/cuemby/meridian/pkg/resource/value"
	"github.com/cuemby/meridian/pkg/session"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestFSM(t *testing.T) *ManagerFSM {
	t.Helper()
	reg, err := registry.Builtin()
	require.NoError(t, err)
	return NewManagerFSM(reg, session.NewRegistry(), fixedClock{t: time.Unix(0, 0)})
}

var nextLogIndex uint64

func apply(t *testing.T, f *ManagerFSM, env *envelope.Envelope) Result {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	nextLogIndex++
	res := f.Apply(&raft.Log{Index: nextLogIndex, Data: data})
	r, ok := res.(Result)
	require.True(t, ok, "Apply must return a manager.Result")
	return r
}

func getResourceEnv(t *testing.T, sessionID uint64, key, typeName string) *envelope.Envelope {
	t.Helper()
	data, err := json.Marshal(GetResourceRequest{Key: key, TypeName: typeName})
	require.NoError(t, err)
	return &envelope.Envelope{SessionID: sessionID, Kind: envelope.KindGetResource, Inner: data}
}

// TestManagerFSMGetResourceIsIdempotentUnderConcurrentCreate reproduces S6:
// two sessions both ask for a not-yet-existing key of the same type in the
// same term. Raft's own log order resolves the race; the second Apply just
// sees the first one's ResourceID instead of minting a new one.
func TestManagerFSMGetResourceIsIdempotentUnderConcurrentCreate(t *testing.T) {
	f := newTestFSM(t)

	r1 := apply(t, f, getResourceEnv(t, 1, "cache:sessions", "value"))
	require.NoError(t, r1.Err)
	first := r1.Value.(GetResourceResult)
	assert.True(t, first.Created)

	r2 := apply(t, f, getResourceEnv(t, 2, "cache:sessions", "value"))
	require.NoError(t, r2.Err)
	second := r2.Value.(GetResourceResult)
	assert.False(t, second.Created)
	assert.Equal(t, first.ResourceID, second.ResourceID)
}

func TestManagerFSMUnknownTypeNameIsRejected(t *testing.T) {
	f := newTestFSM(t)
	r := apply(t, f, getResourceEnv(t, 1, "x", "no-such-type"))
	require.Error(t, r.Err)
	assert.True(t, types.IsKind(r.Err, types.ErrUnknownType))
}

// TestManagerFSMGetResourceRejectsKeyReusedAcrossTypes covers spec §4.3:
// the same key requested under two different resource types must not
// silently produce two independent resources.
func TestManagerFSMGetResourceRejectsKeyReusedAcrossTypes(t *testing.T) {
	f := newTestFSM(t)

	r1 := apply(t, f, getResourceEnv(t, 1, "shared-key", "value"))
	require.NoError(t, r1.Err)
	assert.True(t, r1.Value.(GetResourceResult).Created)

	r2 := apply(t, f, getResourceEnv(t, 1, "shared-key", "multimap"))
	require.Error(t, r2.Err)
	assert.True(t, types.IsKind(r2.Err, types.ErrTypeMismatch))

	// The mismatch must not have registered "shared-key" under multimap
	// either: a later request for it as "value" still finds the original.
	r3 := apply(t, f, getResourceEnv(t, 2, "shared-key", "value"))
	require.NoError(t, r3.Err)
	assert.False(t, r3.Value.(GetResourceResult).Created)
	assert.Equal(t, r1.Value.(GetResourceResult).ResourceID, r3.Value.(GetResourceResult).ResourceID)
}

func TestManagerFSMCommandRoutesToMachine(t *testing.T) {
	f := newTestFSM(t)

	r := apply(t, f, getResourceEnv(t, 1, "cache:sessions", "value"))
	require.NoError(t, r.Err)
	id := r.Value.(GetResourceResult).ResourceID

	setInner, err := json.Marshal(value.SetRequest{Value: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	setResult := apply(t, f, &envelope.Envelope{
		ResourceID: id, SessionID: 1, Kind: envelope.KindCommand, Op: "Set", Inner: setInner,
	})
	require.NoError(t, setResult.Err)

	getResult := apply(t, f, &envelope.Envelope{
		ResourceID: id, SessionID: 1, Kind: envelope.KindQuery, Op: "Get",
	})
	require.NoError(t, getResult.Err)
	assert.Equal(t, json.RawMessage(`"hi"`), getResult.Value.(value.GetResult).Payload)
}

func TestManagerFSMCommandAgainstUnknownResourceIDErrors(t *testing.T) {
	f := newTestFSM(t)
	r := apply(t, f, &envelope.Envelope{ResourceID: 999, Kind: envelope.KindCommand, Op: "Get"})
	require.Error(t, r.Err)
	assert.True(t, types.IsKind(r.Err, types.ErrNoSuchResource))
}

func TestManagerFSMDeleteResourceRemovesBookkeeping(t *testing.T) {
	f := newTestFSM(t)

	r := apply(t, f, getResourceEnv(t, 1, "k", "value"))
	require.NoError(t, r.Err)
	id := r.Value.(GetResourceResult).ResourceID

	delData, err := json.Marshal(DeleteResourceRequest{ResourceID: id})
	require.NoError(t, err)
	delResult := apply(t, f, &envelope.Envelope{SessionID: 1, Kind: envelope.KindDeleteResource, Inner: delData})
	require.NoError(t, delResult.Err)

	lookup := apply(t, f, &envelope.Envelope{
		SessionID: 1, Kind: envelope.KindGetResourceIfAny,
		Inner: mustMarshalTest(t, GetResourceIfAnyRequest{Key: "k", TypeName: "value"}),
	})
	require.Error(t, lookup.Err)
	assert.True(t, types.IsKind(lookup.Err, types.ErrNoSuchResource))

	reCreate := apply(t, f, getResourceEnv(t, 1, "k", "value"))
	require.NoError(t, reCreate.Err)
	assert.True(t, reCreate.Value.(GetResourceResult).Created)
	assert.NotEqual(t, id, reCreate.Value.(GetResourceResult).ResourceID)
}

func TestManagerFSMSessionLifecycleKindsCommitCleanly(t *testing.T) {
	f := newTestFSM(t)

	open := apply(t, f, &envelope.Envelope{SessionID: 7, Kind: envelope.KindOpenSession})
	require.NoError(t, open.Err)
	assert.True(t, f.sessions.IsOpen(7))

	hb := apply(t, f, &envelope.Envelope{SessionID: 7, Kind: envelope.KindSessionHeartbeat})
	require.NoError(t, hb.Err)
	assert.True(t, f.sessions.IsOpen(7))

	expire := apply(t, f, &envelope.Envelope{SessionID: 7, Kind: envelope.KindExpireSession})
	require.NoError(t, expire.Err)
	assert.False(t, f.sessions.IsOpen(7))
}

func mustMarshalTest(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
