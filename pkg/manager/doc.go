// Package manager implements the Resource Manager (C3): the raft.FSM that
// multiplexes every logical resource onto a single Raft log. It owns the
// id<->(key,type) registry, session bookkeeping, and routes each committed
// envelope to the right pkg/resource.Machine.
//
// This generalizes cuemby-warren's pkg/manager/fsm.go WarrenFSM, which does
// the same trick for container-orchestration commands over one store
// instead of many typed state machines: a single Apply dispatches on a
// command's Op/Kind, and Snapshot/Restore persist and recover the whole
// thing as one JSON blob keyed by the registered resource types instead of
// warren's fixed entity lists.
package manager
