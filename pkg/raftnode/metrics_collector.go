package raftnode

import (
	"time"

	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/session"
)

// MetricsCollector periodically samples resource, session, and Raft state
// and publishes it to the pkg/metrics gauges. Adapted from cuemby-warren's
// pkg/manager/metrics_collector.go (and the near-duplicate pkg/metrics
// collector it shipped alongside), collapsed into the one place that now
// has all three data sources in hand.
type MetricsCollector struct {
	node     *Node
	fsm      *manager.ManagerFSM
	sessions *session.Registry
	tokens   *TokenManager

	stopCh chan struct{}
}

// NewMetricsCollector builds a collector over node's Raft stats, fsm's
// resource bookkeeping, and sessions. tokens may be nil on a follower
// that never generates join tokens itself.
func NewMetricsCollector(node *Node, fsm *manager.ManagerFSM, sessions *session.Registry, tokens *TokenManager) *MetricsCollector {
	return &MetricsCollector{
		node:     node,
		fsm:      fsm,
		sessions: sessions,
		tokens:   tokens,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until Stop is called.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectResourceMetrics()
	c.collectSessionMetrics()
	c.collectRaftMetrics()
	if c.tokens != nil {
		c.tokens.CleanupExpiredTokens()
	}
}

func (c *MetricsCollector) collectResourceMetrics() {
	for typeName, n := range c.fsm.ResourceCountsByType() {
		metrics.ResourcesTotal.WithLabelValues(typeName).Set(float64(n))
	}
}

func (c *MetricsCollector) collectSessionMetrics() {
	for state, n := range c.sessions.CountByState() {
		metrics.SessionsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	stats := c.node.GetRaftStats()

	leader := 0.0
	if c.node.IsLeader() {
		leader = 1.0
	}
	metrics.RaftLeader.Set(leader)
	metrics.RaftPeers.Set(float64(stats.Peers))
	metrics.RaftLogIndex.Set(float64(stats.LastLogIndex))
	metrics.RaftAppliedIndex.Set(float64(stats.AppliedIndex))
}
