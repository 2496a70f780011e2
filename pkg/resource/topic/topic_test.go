package topic

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	sessionID uint64
	topic     string
	payload   any
}

type fakeHost struct {
	open      map[uint64]bool
	published []published
}

func newFakeHost() *fakeHost {
	return &fakeHost{open: map[uint64]bool{}}
}

func (h *fakeHost) Now() time.Time { return time.Unix(0, 0) }

func (h *fakeHost) Publish(sessionID uint64, topic string, payload any) {
	h.published = append(h.published, published{sessionID, topic, payload})
}

func (h *fakeHost) ScheduleTimer(resourceID uint64, delay time.Duration, op string, data any) resource.TimerID {
	return 0
}

func (h *fakeHost) CancelTimer(id resource.TimerID) {}

func (h *fakeHost) SessionOpen(sessionID uint64) bool { return h.open[sessionID] }

type fakeCommit struct {
	sessionID uint64
	closed    bool
	mode      envelope.CompactionMode
}

func (c *fakeCommit) Index() uint64        { return 1 }
func (c *fakeCommit) SessionID() uint64    { return c.sessionID }
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

func TestTopicFanOutToOpenSessionsInOrder(t *testing.T) {
	h := newFakeHost()
	m := New()(1)

	listeners := []uint64{3, 1, 2}
	commits := map[uint64]*fakeCommit{}
	for _, sid := range listeners {
		h.open[sid] = true
		c := &fakeCommit{sessionID: sid}
		commits[sid] = c
		res, err := m.Apply(h, c, "Listen", nil)
		require.NoError(t, err)
		assert.Equal(t, true, res)
		assert.False(t, c.Closed(), "Listen's commit is retained as the live subscription")
	}

	pc := &fakeCommit{sessionID: 99}
	_, err := m.Apply(h, pc, "Publish", raw(t, PublishRequest{Message: raw(t, "hello")}))
	require.NoError(t, err)
	assert.True(t, pc.Closed())

	require.Len(t, h.published, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{h.published[0].sessionID, h.published[1].sessionID, h.published[2].sessionID})
	for _, p := range h.published {
		assert.Equal(t, "message", p.topic)
	}
}

func TestTopicSecondListenFromSameSessionIsNoOp(t *testing.T) {
	h := newFakeHost()
	h.open[1] = true
	m := New()(1)

	c1 := &fakeCommit{sessionID: 1}
	_, err := m.Apply(h, c1, "Listen", nil)
	require.NoError(t, err)

	c2 := &fakeCommit{sessionID: 1}
	res, err := m.Apply(h, c2, "Listen", nil)
	require.NoError(t, err)
	assert.Equal(t, false, res)
	assert.True(t, c2.Closed())
	assert.Equal(t, envelope.CompactionRelease, c2.mode)
	assert.False(t, c1.Closed(), "the original subscription commit is untouched")
}

func TestTopicUnlistenClosesRetainedCommit(t *testing.T) {
	h := newFakeHost()
	h.open[1] = true
	m := New()(1)

	c1 := &fakeCommit{sessionID: 1}
	_, err := m.Apply(h, c1, "Listen", nil)
	require.NoError(t, err)

	uc := &fakeCommit{sessionID: 1}
	_, err = m.Apply(h, uc, "Unlisten", nil)
	require.NoError(t, err)
	assert.True(t, c1.Closed())
	assert.True(t, uc.Closed())

	pc := &fakeCommit{sessionID: 99}
	_, err = m.Apply(h, pc, "Publish", raw(t, PublishRequest{Message: raw(t, "x")}))
	require.NoError(t, err)
	assert.Empty(t, h.published)
}

func TestTopicSessionLossStopsDelivery(t *testing.T) {
	h := newFakeHost()
	h.open[1] = true
	h.open[2] = true
	m := New()(1)

	c1 := &fakeCommit{sessionID: 1}
	c2 := &fakeCommit{sessionID: 2}
	_, _ = m.Apply(h, c1, "Listen", nil)
	_, _ = m.Apply(h, c2, "Listen", nil)

	// Session 2 expires; the manager notifies the machine directly.
	m.OnExpire(h, 2)
	assert.True(t, c2.Closed())

	pc := &fakeCommit{sessionID: 99}
	_, err := m.Apply(h, pc, "Publish", raw(t, PublishRequest{Message: raw(t, "y")}))
	require.NoError(t, err)
	require.Len(t, h.published, 1)
	assert.Equal(t, uint64(1), h.published[0].sessionID)
}

func TestTopicSnapshotRestoreRoundTrip(t *testing.T) {
	h := newFakeHost()
	h.open[1] = true
	h.open[2] = true
	m := New()(1)
	_, _ = m.Apply(h, &fakeCommit{sessionID: 1}, "Listen", nil)
	_, _ = m.Apply(h, &fakeCommit{sessionID: 2}, "Listen", nil)

	snap, err := m.(*Machine).Snapshot()
	require.NoError(t, err)

	h2 := newFakeHost()
	h2.open[1] = true
	h2.open[2] = true
	m2 := New()(1)
	err = m2.Restore(h2, func(sessionID uint64) resource.Commit { return &fakeCommit{sessionID: sessionID} }, snap)
	require.NoError(t, err)

	pc := &fakeCommit{sessionID: 99}
	_, err = m2.Apply(h2, pc, "Publish", raw(t, PublishRequest{Message: raw(t, "after-restore")}))
	require.NoError(t, err)
	require.Len(t, h2.published, 2)
}

func TestTopicPublishPrunesStaleSessionNotYetExpired(t *testing.T) {
	h := newFakeHost()
	h.open[1] = true
	m := New()(1)

	c1 := &fakeCommit{sessionID: 1}
	_, _ = m.Apply(h, c1, "Listen", nil)

	// Session goes stale without OnExpire having run yet in this batch.
	h.open[1] = false

	pc := &fakeCommit{sessionID: 99}
	_, err := m.Apply(h, pc, "Publish", raw(t, PublishRequest{Message: raw(t, "z")}))
	require.NoError(t, err)
	assert.Empty(t, h.published)
	assert.True(t, c1.Closed(), "Publish must prune and close a stale subscriber itself")
}
