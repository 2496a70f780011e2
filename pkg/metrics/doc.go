/*
Package metrics provides Prometheus metrics collection and exposition for
meridian, adapted from warren's own pkg/metrics: the same package-init
MustRegister pattern and Timer helper, pointed at resource/session/Raft
counters instead of node/service/container ones.

# Metrics Catalog

Resource and session metrics:

meridian_resources_total{type}: live resource count by type name.
meridian_sessions_total{state}: session count by state (open/unstable/expired/closed).
meridian_session_queue_depth: histogram of unacked events per session at publish time.

Raft metrics:

meridian_raft_is_leader: 1 if this node is the Raft leader, else 0.
meridian_raft_peers_total: current Raft cluster size.
meridian_raft_log_index / meridian_raft_applied_index: log lag indicator.
meridian_raft_apply_duration_seconds: time for raft.Raft.Apply to return.

RPC metrics:

meridian_rpc_requests_total{method,status}: request counter.
meridian_rpc_request_duration_seconds{method}: request latency histogram.

Commit metrics:

meridian_commits_closed_total{mode}: commits closed, by CompactionMode.

# Usage

	timer := metrics.NewTimer()
	// ... apply a command ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
