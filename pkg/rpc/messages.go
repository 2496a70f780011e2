package rpc

import (
	"encoding/json"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/types"
)

// SubmitRequest carries one envelope across the wire for either Submit
// (a write, routed through the Raft log) or Query (a read, which the FSM
// dispatches through the same Apply path today; see Server.Query).
type SubmitRequest struct {
	Envelope *envelope.Envelope `json:"envelope"`
}

// SubmitResponse carries back the manager.Result an Apply produced.
type SubmitResponse struct {
	Result WireResult `json:"result"`
}

// WireResult is the JSON-safe form of manager.Result: plain `error` isn't
// guaranteed to round-trip through encoding/json, so Err is narrowed to
// the one typed error meridian ever returns across this boundary.
type WireResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Err   *types.Error    `json:"err,omitempty"`
}

func toWireResult(r manager.Result) (WireResult, error) {
	if r.Err != nil {
		if te, ok := r.Err.(*types.Error); ok {
			return WireResult{Err: te}, nil
		}
		return WireResult{Err: types.NewError(types.ErrInternal, r.Err.Error())}, nil
	}
	if r.Value == nil {
		return WireResult{}, nil
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return WireResult{}, err
	}
	return WireResult{Value: data}, nil
}

func fromWireResult(w WireResult) manager.Result {
	if w.Err != nil {
		return manager.Result{Err: w.Err}
	}
	if len(w.Value) == 0 {
		return manager.Result{}
	}
	return manager.Result{Value: w.Value}
}

// JoinClusterRequest asks the leader to admit a new voting member.
// RPCAddr is separate from BindAddr: BindAddr is the address the Raft
// transport itself listens on, while RPCAddr is where this package's
// gRPC server listens, the address other nodes need to forward
// Submit/Query calls to once the new member becomes leader.
type JoinClusterRequest struct {
	NodeID   string `json:"nodeId"`
	BindAddr string `json:"bindAddr"`
	RPCAddr  string `json:"rpcAddr"`
	Token    string `json:"token"`
}

type JoinClusterResponse struct{}

// EventsRequest opens a server-streaming subscription to sessionID's
// event queue: pending events are redelivered first, then new ones as
// they're published.
type EventsRequest struct {
	SessionID uint64 `json:"sessionId"`
}

// Event is one delivered session event. Seq is the session.Queue sequence
// number spec.md §4.4 requires clients to acknowledge: the client tracks
// the highest contiguous Seq it has received and acks it back via Ack, so
// Server.Events's replay buffer can drop everything up to that point
// instead of redelivering the whole session history on every reconnect.
type Event struct {
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// AckRequest acknowledges every event up to and including Seq on
// SessionID's queue.
type AckRequest struct {
	SessionID uint64 `json:"sessionId"`
	Seq       uint64 `json:"seq"`
}

type AckResponse struct{}

// GenerateJoinTokenRequest asks the leader to mint a join token for the
// given role ("voter" or "nonvoter"), mirroring
// cuemby-warren/pkg/client.Client.GenerateJoinToken's worker/manager
// role split.
type GenerateJoinTokenRequest struct {
	Role string `json:"role"`
}

// GenerateJoinTokenResponse carries back the minted token.
type GenerateJoinTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
