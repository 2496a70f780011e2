// Package raftnode owns the literal *raft.Raft handle and everything
// needed to stand one up: TCP transport, BoltDB log/stable stores, file
// snapshot store, and cluster membership operations (Bootstrap, Join,
// AddVoter, RemoveServer). It is the only package that holds a *raft.Raft
// handle; pkg/manager's ManagerFSM
// is handed to it as a raft.FSM and never sees the *raft.Raft handle
// itself, reaching the log only through the narrow Submitter interface
// it's given after the fact.
//
// Generalized from cuemby-warren's pkg/manager/manager.go Manager, which
// bundles the same Raft wiring together with container-orchestration
// concerns (DNS, ingress, CA, secrets) that have no home in this domain
// and were dropped rather than adapted; see DESIGN.md.
package raftnode
