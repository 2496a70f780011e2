package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal resource.Host double: it records scheduled timers
// instead of running them, and lets tests fire one by calling Fire.
type fakeHost struct {
	now     time.Time
	timers  map[resource.TimerID]func()
	nextID  resource.TimerID
	events  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{now: time.Unix(0, 0), timers: map[resource.TimerID]func(){}}
}

func (h *fakeHost) Now() time.Time { return h.now }

func (h *fakeHost) Publish(sessionID uint64, topic string, payload any) {
	h.events = append(h.events, topic)
}

func (h *fakeHost) ScheduleTimer(resourceID uint64, delay time.Duration, op string, data any) resource.TimerID {
	h.nextID++
	id := h.nextID
	h.timers[id] = func() {}
	return id
}

func (h *fakeHost) CancelTimer(id resource.TimerID) {
	delete(h.timers, id)
}

func (h *fakeHost) SessionOpen(sessionID uint64) bool { return true }

// fakeCommit is a counting resource.Commit double that records the
// compaction mode it was closed with.
type fakeCommit struct {
	index     uint64
	sessionID uint64
	ts        time.Time
	closed    bool
	mode      envelope.CompactionMode
}

func (c *fakeCommit) Index() uint64        { return c.index }
func (c *fakeCommit) SessionID() uint64    { return c.sessionID }
func (c *fakeCommit) Timestamp() time.Time { return c.ts }
func (c *fakeCommit) Closed() bool         { return c.closed }
func (c *fakeCommit) Close(mode envelope.CompactionMode) {
	if c.closed {
		panic("commit closed more than once")
	}
	c.closed = true
	c.mode = mode
}

func newCommit(index uint64) *fakeCommit {
	return &fakeCommit{index: index, ts: time.Unix(int64(index), 0)}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestValueSetThenGet(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	c1 := newCommit(1)
	_, err := m.Apply(h, c1, "Set", raw(t, SetRequest{Value: raw(t, "hello")}))
	require.NoError(t, err)
	assert.False(t, c1.Closed(), "the owning commit stays open while it holds the live value")

	c2 := newCommit(2)
	res, err := m.Apply(h, c2, "Get", nil)
	require.NoError(t, err)
	assert.True(t, c2.Closed())
	assert.Equal(t, envelope.CompactionRelease, c2.mode)
	got := res.(GetResult)
	assert.JSONEq(t, `"hello"`, string(got.Payload))
}

func TestValueSetSupersedesPriorOwner(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	c1 := newCommit(1)
	_, err := m.Apply(h, c1, "Set", raw(t, SetRequest{Value: raw(t, "a")}))
	require.NoError(t, err)
	assert.False(t, c1.Closed(), "c1 is still the live owner until superseded")

	c2 := newCommit(2)
	_, err = m.Apply(h, c2, "Set", raw(t, SetRequest{Value: raw(t, "b")}))
	require.NoError(t, err)

	// c1 must have been released by the second Set.
	assert.True(t, c1.Closed())
	assert.Equal(t, envelope.CompactionRelease, c1.mode)
}

func TestValueCompareAndSet(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	_, err := m.Apply(h, newCommit(1), "Set", raw(t, SetRequest{Value: raw(t, map[string]int{"a": 1, "b": 2})}))
	require.NoError(t, err)

	// Expect value with keys in a different order; deep equality must
	// still hold regardless of JSON object key order.
	c2 := newCommit(2)
	ok, err := m.Apply(h, c2, "CompareAndSet", raw(t, CompareAndSetRequest{
		Expect: raw(t, map[string]int{"b": 2, "a": 1}),
		Update: raw(t, "swapped"),
	}))
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	c3 := newCommit(3)
	res, err := m.Apply(h, c3, "Get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"swapped"`, string(res.(GetResult).Payload))

	// A stale expectation now fails and leaves state untouched.
	c4 := newCommit(4)
	ok, err = m.Apply(h, c4, "CompareAndSet", raw(t, CompareAndSetRequest{
		Expect: raw(t, "not-current"),
		Update: raw(t, "nope"),
	}))
	require.NoError(t, err)
	assert.Equal(t, false, ok)
	assert.Equal(t, envelope.CompactionRelease, c4.mode)
}

func TestValueGetAndSet(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	_, err := m.Apply(h, newCommit(1), "Set", raw(t, SetRequest{Value: raw(t, "first")}))
	require.NoError(t, err)

	res, err := m.Apply(h, newCommit(2), "GetAndSet", raw(t, SetRequest{Value: raw(t, "second")}))
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(res.(GetResult).Payload))

	res, err = m.Apply(h, newCommit(3), "Get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"second"`, string(res.(GetResult).Payload))
}

func TestValueTTLEviction(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	_, err := m.Apply(h, newCommit(1), "Set", raw(t, SetRequest{Value: raw(t, "temp"), TTLMs: 1000}))
	require.NoError(t, err)
	assert.Len(t, h.timers, 1)

	// Simulate the scheduled timer re-entering the log as the synthetic
	// eviction command.
	_, err = m.Apply(h, newCommit(2), opEvict, raw(t, evictMarker{}))
	require.NoError(t, err)

	res, err := m.Apply(h, newCommit(3), "Get", nil)
	require.NoError(t, err)
	assert.Nil(t, []byte(res.(GetResult).Payload))
}

func TestValueGetOnUnsetReturnsNilPayload(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	res, err := m.Apply(h, newCommit(1), "Get", nil)
	require.NoError(t, err)
	assert.Nil(t, []byte(res.(GetResult).Payload))
}

func TestValueSnapshotRestoreRoundTrip(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	_, err := m.Apply(h, newCommit(1), "Set", raw(t, SetRequest{Value: raw(t, "persisted"), TTLMs: 60000}))
	require.NoError(t, err)

	snap, err := m.(*Machine).Snapshot()
	require.NoError(t, err)

	h2 := newFakeHost()
	m2 := New()(1)
	rehydrated := newCommit(99)
	err = m2.Restore(h2, func(sessionID uint64) resource.Commit { return rehydrated }, snap)
	require.NoError(t, err)

	res, err := m2.Apply(h2, newCommit(2), "Get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"persisted"`, string(res.(GetResult).Payload))
	assert.Len(t, h2.timers, 1, "restore must reschedule the remaining TTL")
}

func TestValueDeleteClosesOwner(t *testing.T) {
	h := newFakeHost()
	m := New()(1).(*Machine)

	c1 := newCommit(1)
	_, err := m.Apply(h, c1, "Set", raw(t, SetRequest{Value: raw(t, "x"), TTLMs: 5000}))
	require.NoError(t, err)

	m.Delete(h)
	assert.True(t, c1.Closed())
	assert.Empty(t, h.timers)
}
