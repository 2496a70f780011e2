package resource

import (
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/log"
)

// BasicCommit is the production Commit implementation: a thin, immutable
// view over one applied Raft log entry. ReleaseFunc is invoked exactly
// once, from Close, so the manager can tell the underlying Raft log the
// entry is compactable.
type BasicCommit struct {
	closed
	index     uint64
	sessionID uint64
	timestamp time.Time
	release   func(mode envelope.CompactionMode)
}

func NewBasicCommit(index, sessionID uint64, ts time.Time, release func(envelope.CompactionMode)) *BasicCommit {
	return &BasicCommit{index: index, sessionID: sessionID, timestamp: ts, release: release}
}

func (c *BasicCommit) Index() uint64        { return c.index }
func (c *BasicCommit) SessionID() uint64    { return c.sessionID }
func (c *BasicCommit) Timestamp() time.Time { return c.timestamp }

func (c *BasicCommit) Close(mode envelope.CompactionMode) {
	if !c.markClosed() {
		log.Logger.Panic().Uint64("index", c.index).Msg("commit closed more than once")
		return
	}
	if c.release != nil {
		c.release(mode)
	}
}
