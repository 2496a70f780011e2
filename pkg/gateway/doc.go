// Package gateway is the client-side half of meridian's Raft client
// session: it turns typed resource calls into envelope.Envelope
// submissions against a RaftClient, and turns the session's incoming
// event stream back into callbacks on the right typed handle.
//
// Generalized from cuemby-warren's pkg/client.Client, which wraps one
// gRPC method per entity kind (CreateService, GetNode, ...) directly on
// a single Client type. Gateway instead wraps one narrow RaftClient
// (Submit/Query/OnStateChange/OnEvent) and exposes per-resource-type
// typed handles (pkg/gateway/value.go, multimap.go, topic.go,
// taskqueue.go) built on two generic free functions, submitCommand and
// submitQuery, that do the envelope-then-decode round trip once instead
// of once per RPC method the way the teacher's Client repeats it.
package gateway
