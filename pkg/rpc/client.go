package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the gateway.RaftClient (and raftnode.ClusterJoiner)
// implementation backed by a real gRPC connection to a meridian node.
// Grounded on cuemby-warren's pkg/client.Client: same dial-once,
// stub-wrapping shape, minus the mTLS certificate plumbing the teacher's
// Client needs (see pkg/rpc/doc.go).
type Client struct {
	conn *grpc.ClientConn
	stub GatewayClient

	mu      sync.Mutex
	eventCB func(topic string, payload json.RawMessage)
}

// Dial connects to a meridian node's RPC listener at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, stub: NewGatewayClient(conn)}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Submit(ctx context.Context, env *envelope.Envelope) (manager.Result, error) {
	resp, err := c.stub.Submit(ctx, &SubmitRequest{Envelope: env})
	if err != nil {
		return manager.Result{}, err
	}
	return fromWireResult(resp.Result), nil
}

func (c *Client) Query(ctx context.Context, env *envelope.Envelope) (manager.Result, error) {
	resp, err := c.stub.Query(ctx, &SubmitRequest{Envelope: env})
	if err != nil {
		return manager.Result{}, err
	}
	return fromWireResult(resp.Result), nil
}

// OnStateChange registers fn and immediately starts a background watch
// of the underlying grpc.ClientConn's connectivity state, translating it
// to the GatewayState vocabulary spec.md §5 (S5) describes.
func (c *Client) OnStateChange(fn func(types.GatewayState)) {
	go c.watchState(fn)
}

func (c *Client) watchState(fn func(types.GatewayState)) {
	state := c.conn.GetState()
	fn(gatewayState(state))
	for {
		if !c.conn.WaitForStateChange(context.Background(), state) {
			return
		}
		state = c.conn.GetState()
		fn(gatewayState(state))
	}
}

func gatewayState(s connectivity.State) types.GatewayState {
	switch s {
	case connectivity.Ready, connectivity.Idle:
		return types.StateConnected
	case connectivity.Shutdown:
		return types.StateClosed
	default: // Connecting, TransientFailure
		return types.StateSuspended
	}
}

// OnEvent registers the callback StartEvents delivers to.
func (c *Client) OnEvent(fn func(topic string, payload json.RawMessage)) {
	c.mu.Lock()
	c.eventCB = fn
	c.mu.Unlock()
}

// ackInterval is how often StartEvents reports its highest contiguous
// received Seq back to the server, so Server.Events's replay buffer
// (session.Queue) can drop everything already delivered instead of
// redelivering the whole session history on every reconnect.
const ackInterval = 2 * time.Second

// Ack reports sessionID's highest contiguous received Seq to the server.
func (c *Client) Ack(ctx context.Context, sessionID, seq uint64) error {
	_, err := c.stub.Ack(ctx, &AckRequest{SessionID: sessionID, Seq: seq})
	return err
}

// StartEvents opens the session's event stream and delivers every event
// (starting with anything still pending from before this connection) to
// the callback registered via OnEvent, until ctx is canceled or the
// stream ends. Runs in the calling goroutine; callers typically invoke
// it with `go`. Concurrently, it periodically acks the highest contiguous
// Seq received back to the server via Ack (spec.md §4.4's ack-trimmed redelivery), so
// a future reconnect only replays the unacknowledged tail.
func (c *Client) StartEvents(ctx context.Context, sessionID uint64) error {
	stream, err := c.stub.Events(ctx, &EventsRequest{SessionID: sessionID})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var seqMu sync.Mutex
	var lastSeen, lastAcked uint64
	go c.ackLoop(ctx, sessionID, &seqMu, &lastSeen, &lastAcked)

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		// The first event on a stream is the oldest one still pending on
		// the server; after that only the next Seq in line advances the
		// ack point, so a gap left by a dropped live delivery is never
		// acked past and is replayed on the next reconnect.
		seqMu.Lock()
		if lastSeen == 0 || ev.Seq == lastSeen+1 {
			lastSeen = ev.Seq
		}
		seqMu.Unlock()

		c.mu.Lock()
		cb := c.eventCB
		c.mu.Unlock()
		if cb != nil {
			cb(ev.Topic, ev.Payload)
		}
	}
}

func (c *Client) ackLoop(ctx context.Context, sessionID uint64, seqMu *sync.Mutex, lastSeen, lastAcked *uint64) {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seqMu.Lock()
			seq := *lastSeen
			acked := *lastAcked
			seqMu.Unlock()
			if seq <= acked {
				continue
			}
			if err := c.Ack(ctx, sessionID, seq); err != nil {
				log.Logger.Warn().Err(err).Uint64("session_id", sessionID).Uint64("seq", seq).Msg("rpc: event ack failed")
				continue
			}
			seqMu.Lock()
			*lastAcked = seq
			seqMu.Unlock()
		}
	}
}

// GenerateJoinToken asks the leader to mint a join token for role
// ("voter" or "nonvoter"), the token a subsequent JoinCluster call on
// the new node needs.
func (c *Client) GenerateJoinToken(ctx context.Context, role string) (string, time.Time, error) {
	resp, err := c.stub.GenerateJoinToken(ctx, &GenerateJoinTokenRequest{Role: role})
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.Token, resp.ExpiresAt, nil
}

// JoinCluster implements raftnode.ClusterJoiner against the leader this
// Client is dialed to.
func (c *Client) JoinCluster(nodeID, bindAddr, rpcAddr, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.stub.JoinCluster(ctx, &JoinClusterRequest{NodeID: nodeID, BindAddr: bindAddr, RPCAddr: rpcAddr, Token: token})
	if err != nil {
		log.Logger.Error().Err(err).Str("node_id", nodeID).Msg("rpc: join cluster request failed")
	}
	return err
}
