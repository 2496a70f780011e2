package multimap

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct{ now time.Time }

func (h *fakeHost) Now() time.Time { return h.now }
func (h *fakeHost) Publish(sessionID uint64, topic string, payload any) {}
func (h *fakeHost) ScheduleTimer(resourceID uint64, delay time.Duration, op string, data any) resource.TimerID {
	return 0
}
func (h *fakeHost) CancelTimer(id resource.TimerID) {}
func (h *fakeHost) SessionOpen(sessionID uint64) bool { return true }

type fakeCommit struct {
	closed bool
	mode   envelope.CompactionMode
}

func (c *fakeCommit) Index() uint64        { return 1 }
func (c *fakeCommit) SessionID() uint64    { return 0 }
func (c *fakeCommit) Timestamp() time.Time { return time.Unix(0, 0) }
func (c *fakeCommit) Closed() bool         { return c.closed }
func (c *fakeCommit) Close(mode envelope.CompactionMode) {
	if c.closed {
		panic("commit closed more than once")
	}
	c.closed = true
	c.mode = mode
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func apply(t *testing.T, m resource.Machine, h resource.Host, op string, req KVRequest) (any, *fakeCommit) {
	t.Helper()
	c := &fakeCommit{}
	res, err := m.Apply(h, c, op, raw(t, req))
	require.NoError(t, err)
	assert.True(t, c.Closed(), "every multimap op must close its commit")
	return res, c
}

func TestMultiMapPutGetPreservesInsertionOrder(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)

	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "c"})
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "a"})
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "b"})

	res, _ := apply(t, m, h, "Get", KVRequest{Key: "k"})
	assert.Equal(t, []string{"c", "a", "b"}, res.([]string))
}

func TestMultiMapNaturalOrder(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)
	require.NoError(t, m.Configure(map[string]string{"valueOrder": string(OrderNatural)}))

	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "c"})
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "a"})
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "b"})

	res, _ := apply(t, m, h, "Get", KVRequest{Key: "k"})
	assert.Equal(t, []string{"a", "b", "c"}, res.([]string))
}

func TestMultiMapDedupRejectsDuplicateUnderDedupOrder(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)
	require.NoError(t, m.Configure(map[string]string{"valueOrder": string(OrderInsertionDedup)}))

	res1, c1 := apply(t, m, h, "Put", KVRequest{Key: "k", Value: "v"})
	assert.Equal(t, true, res1)
	assert.Equal(t, envelope.CompactionQuorum, c1.mode)

	res2, c2 := apply(t, m, h, "Put", KVRequest{Key: "k", Value: "v"})
	assert.Equal(t, false, res2)
	assert.Equal(t, envelope.CompactionRelease, c2.mode)

	res, _ := apply(t, m, h, "Get", KVRequest{Key: "k"})
	assert.Equal(t, []string{"v"}, res.([]string))
}

func TestMultiMapEmptyBagsAreDeleted(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)

	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "v"})
	apply(t, m, h, "Remove", KVRequest{Key: "k", Value: "v"})

	res, _ := apply(t, m, h, "ContainsKey", KVRequest{Key: "k"})
	assert.Equal(t, false, res, "a key whose bag emptied out must not remain in the map")

	keys, _ := apply(t, m, h, "Keys", KVRequest{})
	assert.Empty(t, keys.([]string))
}

func TestMultiMapPutIfAbsent(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)

	res1, _ := apply(t, m, h, "PutIfAbsent", KVRequest{Key: "k", Value: "v"})
	assert.Equal(t, true, res1)

	res2, _ := apply(t, m, h, "PutIfAbsent", KVRequest{Key: "k", Value: "v"})
	assert.Equal(t, false, res2)

	res, _ := apply(t, m, h, "Get", KVRequest{Key: "k"})
	assert.Equal(t, []string{"v"}, res.([]string))
}

func TestMultiMapSizeAndEntriesAreDeterministic(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)

	apply(t, m, h, "Put", KVRequest{Key: "b", Value: "1"})
	apply(t, m, h, "Put", KVRequest{Key: "a", Value: "2"})
	apply(t, m, h, "Put", KVRequest{Key: "a", Value: "3"})

	size, _ := apply(t, m, h, "Size", KVRequest{})
	assert.Equal(t, 3, size)

	entries, _ := apply(t, m, h, "Entries", KVRequest{})
	assert.Equal(t, []Entry{
		{Key: "a", Value: "2"},
		{Key: "a", Value: "3"},
		{Key: "b", Value: "1"},
	}, entries.([]Entry))
}

func TestMultiMapSnapshotRestoreRoundTrip(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)
	require.NoError(t, m.Configure(map[string]string{"valueOrder": string(OrderNatural)}))
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "c"})
	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "a"})

	snap, err := m.(*Machine).Snapshot()
	require.NoError(t, err)

	m2 := New()(1)
	err = m2.Restore(h, func(sessionID uint64) resource.Commit { return nil }, snap)
	require.NoError(t, err)

	res, _ := apply(t, m2, h, "Get", KVRequest{Key: "k"})
	assert.Equal(t, []string{"a", "c"}, res.([]string))
}

func TestMultiMapClear(t *testing.T) {
	h := &fakeHost{}
	m := New()(1)

	apply(t, m, h, "Put", KVRequest{Key: "k", Value: "v"})
	apply(t, m, h, "Clear", KVRequest{})

	empty, _ := apply(t, m, h, "IsEmpty", KVRequest{})
	assert.Equal(t, true, empty)
}
