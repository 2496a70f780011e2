package envelope

import (
	"encoding/json"

	"github.com/cuemby/meridian/pkg/types"
)

// Kind distinguishes the envelope variants the manager handles itself
// (Configure, Delete) from the ones it forwards to a resource state
// machine (Command, Query).
type Kind string

const (
	KindCommand           Kind = "command"
	KindQuery             Kind = "query"
	KindGetResource       Kind = "get_resource"
	KindGetResourceIfAny  Kind = "get_resource_if_exists"
	KindCloseResource     Kind = "close_resource"
	KindDeleteResource    Kind = "delete_resource"
	KindConfigureResource Kind = "configure_resource"

	// Session lifecycle kinds. Raft itself carries no notion of a
	// client session (unlike the native session protocol spec.md
	// describes as an external collaborator's feature); meridian layers
	// one on top by committing these as ordinary log entries so every
	// replica agrees on when a session opened, was kept alive, or died.
	KindOpenSession      Kind = "open_session"
	KindSessionHeartbeat Kind = "session_heartbeat"
	KindExpireSession    Kind = "expire_session"
	KindCloseSession     Kind = "close_session"
)

// CompactionMode tells Raft how an applied entry may be compacted once its
// commit is closed.
type CompactionMode string

const (
	CompactionQuorum    CompactionMode = "quorum"
	CompactionRelease   CompactionMode = "release"
	CompactionTombstone CompactionMode = "tombstone"
)

// Envelope is the wire-level wrapper for every Raft log entry meridian
// submits. Op carries the resource-specific operation name (e.g. "Set",
// "Publish", "Ack") so a resource.Machine can dispatch without a second
// round of reflection.
type Envelope struct {
	ResourceID       uint64                 `json:"resourceId"`
	SessionID        uint64                 `json:"sessionId"`
	Kind             Kind                   `json:"kind"`
	Op               string                 `json:"op,omitempty"`
	Inner            json.RawMessage        `json:"inner,omitempty"`
	WriteConsistency types.WriteConsistency `json:"writeConsistency,omitempty"`
	ReadConsistency  types.ReadConsistency  `json:"readConsistency,omitempty"`
	Compaction       CompactionMode         `json:"compaction,omitempty"`
}

// Command builds a resource command envelope with QUORUM compaction, the
// default for operations that record durable state (spec.md §4.1).
// sessionID identifies the submitting client session; internal commands
// the manager re-submits itself (e.g. timer firings) use sessionID 0.
func Command(resourceID, sessionID uint64, op string, inner any, wc types.WriteConsistency) (*Envelope, error) {
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ResourceID:       resourceID,
		SessionID:        sessionID,
		Kind:             KindCommand,
		Op:               op,
		Inner:            data,
		WriteConsistency: wc,
		Compaction:       CompactionQuorum,
	}, nil
}

// Query builds a resource query envelope; queries never record state so
// their commit is always closed immediately by the resource machine.
func Query(resourceID, sessionID uint64, op string, inner any, rc types.ReadConsistency) (*Envelope, error) {
	data, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ResourceID:      resourceID,
		SessionID:       sessionID,
		Kind:            KindQuery,
		Op:              op,
		Inner:           data,
		ReadConsistency: rc,
		Compaction:      CompactionRelease,
	}, nil
}

// Decode unmarshals the envelope's inner payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Inner) == 0 {
		return nil
	}
	return json.Unmarshal(e.Inner, v)
}
