package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/localstore"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/raftnode"
	"github.com/cuemby/meridian/pkg/session"
	"github.com/cuemby/meridian/pkg/types"
	"google.golang.org/grpc"
)

// Server exposes a raftnode.Node and a session.Registry over the
// ServiceDesc. Grounded on cuemby-warren's pkg/api.Server
// (grpc.NewServer, net.Listen, goroutine Serve), minus the mTLS
// credential setup: meridian's transport carries no client-certificate
// authentication, an explicit scope decision (see DESIGN.md,
// Non-goals/"access control").
type Server struct {
	node     *raftnode.Node
	sessions *session.Registry
	tokens   *raftnode.TokenManager
	cache    *localstore.Store

	grpcServer *grpc.Server
	listener   net.Listener

	peerMu    sync.Mutex
	peerAddrs map[string]string // raft node ID -> rpc.Server listen address
	leaderID  string
	leader    *Client
}

// NewServer builds a Server over node; tokens may be nil to accept every
// join request unconditionally (e.g. in a single-node dev cluster).
func NewServer(node *raftnode.Node, sessions *session.Registry, tokens *raftnode.TokenManager) *Server {
	s := &Server{node: node, sessions: sessions, tokens: tokens, peerAddrs: make(map[string]string)}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&ServiceDesc, GatewayServer(s))
	return s
}

// WithLocalCache attaches a read-through cache ReadLocal queries are
// served from instead of a Raft log round trip, and that every
// successful Submit write-through updates. Returns s for chaining.
func (s *Server) WithLocalCache(cache *localstore.Store) *Server {
	s.cache = cache
	return s
}

// WithSelfAddr seeds the peer-address table with this node's own RPC
// listen address, so a request forwarded here because this node is
// leader never has to consult peerAddrs for its own ID. Returns s for
// chaining.
func (s *Server) WithSelfAddr(rpcAddr string) *Server {
	s.rememberPeerAddr(s.node.NodeID(), rpcAddr)
	return s
}

// Serve starts accepting connections on addr; it blocks until Stop is
// called or the listener fails.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	s.listener = lis
	log.Logger.Info().Str("addr", addr).Msg("rpc: gateway server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	resp, err := s.apply(ctx, "Submit", req)
	if err == nil && s.cache != nil {
		s.writeThrough(req, resp)
	}
	return resp, err
}

// Query routes through Node.Apply for every consistency level except
// ReadLocal: ManagerFSM.Apply dispatches Command and Query envelope
// kinds through the identical code path (resource.Machine.Apply closes
// the commit immediately for a query), so there is no separate read-only
// Raft path to take for ReadAtomic/ReadAtomicLease/ReadSequential/
// ReadCausal yet. ReadLocal is the one level this server answers
// without Raft at all, straight out of the local cache, falling back to
// the Raft path on a cache miss.
func (s *Server) Query(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if s.cache != nil && req.Envelope.ReadConsistency == types.ReadLocal {
		if value, ok, err := s.cache.Get(req.Envelope.ResourceID); err == nil && ok {
			metrics.RPCRequestsTotal.WithLabelValues("Query", "cache_hit").Inc()
			return &SubmitResponse{Result: WireResult{Value: value}}, nil
		}
	}
	resp, err := s.apply(ctx, "Query", req)
	if err == nil && s.cache != nil {
		s.writeThrough(req, resp)
	}
	return resp, err
}

func (s *Server) writeThrough(req *SubmitRequest, resp *SubmitResponse) {
	if resp.Result.Err != nil {
		return
	}
	if req.Envelope.Kind == envelope.KindDeleteResource {
		// Delete envelopes name their resource in the payload, not in
		// Envelope.ResourceID.
		var del manager.DeleteResourceRequest
		if err := req.Envelope.Decode(&del); err != nil || del.ResourceID == 0 {
			return
		}
		if err := s.cache.Delete(del.ResourceID); err != nil {
			log.Logger.Warn().Err(err).Uint64("resource_id", del.ResourceID).Msg("rpc: local cache eviction failed")
		}
		return
	}
	if req.Envelope.ResourceID == 0 || len(resp.Result.Value) == 0 {
		return
	}
	if err := s.cache.Put(req.Envelope.ResourceID, req.Envelope.Op, resp.Result.Value); err != nil {
		log.Logger.Warn().Err(err).Uint64("resource_id", req.Envelope.ResourceID).Msg("rpc: local cache write-through failed")
	}
}

func (s *Server) apply(ctx context.Context, method string, req *SubmitRequest) (*SubmitResponse, error) {
	if !s.node.IsLeader() {
		return s.forwardToLeader(ctx, method, req)
	}

	timer := metrics.NewTimer()
	result, err := s.node.Apply(req.Envelope, 5*time.Second)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, method)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	if err != nil {
		return nil, err
	}

	wire, err := toWireResult(result)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Result: wire}, nil
}

// forwardToLeader relays req to whichever peer currently holds Raft
// leadership, resolved from the JoinCluster-time peerAddrs table since
// raftnode.Node.LeaderAddr only exposes the Raft transport's own bind
// address, not this package's RPC listen address.
func (s *Server) forwardToLeader(ctx context.Context, method string, req *SubmitRequest) (*SubmitResponse, error) {
	leaderID := s.node.LeaderID()
	if leaderID == "" {
		return nil, fmt.Errorf("rpc: not leader and no known leader to forward to")
	}

	client, err := s.leaderClient(leaderID)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial leader %s: %w", leaderID, err)
	}

	var result manager.Result
	if method == "Query" {
		result, err = client.Query(ctx, req.Envelope)
	} else {
		result, err = client.Submit(ctx, req.Envelope)
	}
	if err != nil {
		return nil, fmt.Errorf("rpc: forward to leader %s: %w", leaderID, err)
	}

	wire, err := toWireResult(result)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Result: wire}, nil
}

// leaderClient returns a cached *Client dialed to leaderID's RPC address,
// redialing whenever leadership moves to a different node.
func (s *Server) leaderClient(leaderID string) (*Client, error) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.leader != nil && s.leaderID == leaderID {
		return s.leader, nil
	}

	addr, ok := s.peerAddrs[leaderID]
	if !ok {
		return nil, fmt.Errorf("rpc: no known rpc address for leader node %s", leaderID)
	}

	if s.leader != nil {
		_ = s.leader.Close()
	}
	client, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	s.leader, s.leaderID = client, leaderID
	return client, nil
}

func (s *Server) JoinCluster(ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error) {
	if s.tokens != nil {
		if _, err := s.tokens.ValidateToken(req.Token); err != nil {
			return nil, fmt.Errorf("rpc: join rejected: %w", err)
		}
	}
	if err := s.node.AddVoter(req.NodeID, req.BindAddr); err != nil {
		return nil, err
	}
	s.rememberPeerAddr(req.NodeID, req.RPCAddr)
	return &JoinClusterResponse{}, nil
}

// rememberPeerAddr records nodeID's RPC listen address so forwardToLeader
// can reach it once it becomes leader. A no-op when rpcAddr is empty, the
// case for peers joined before this field existed.
func (s *Server) rememberPeerAddr(nodeID, rpcAddr string) {
	if rpcAddr == "" {
		return
	}
	s.peerMu.Lock()
	s.peerAddrs[nodeID] = rpcAddr
	s.peerMu.Unlock()
}

func (s *Server) GenerateJoinToken(ctx context.Context, req *GenerateJoinTokenRequest) (*GenerateJoinTokenResponse, error) {
	if s.tokens == nil {
		return nil, fmt.Errorf("rpc: token issuance disabled on this node")
	}
	token, err := s.tokens.GenerateToken(req.Role, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return &GenerateJoinTokenResponse{Token: token.Token, ExpiresAt: token.ExpiresAt}, nil
}

func (s *Server) Events(req *EventsRequest, stream Gateway_EventsServer) error {
	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		return types.NewError(types.ErrSessionExpired, "rpc: unknown session")
	}

	for _, ev := range sess.Queue.Pending() {
		if err := stream.Send(&Event{Seq: ev.Seq, Topic: ev.Topic, Payload: ev.Payload}); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	deliver := sess.Queue.Deliver()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-deliver:
			if !ok {
				return nil
			}
			if err := stream.Send(&Event{Seq: ev.Seq, Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return err
			}
		}
	}
}

// Ack implements the client->server half of spec.md §4.4's ack-trimmed
// redelivery: the client periodically reports the highest contiguous
// sequence it has received (pkg/rpc.Client.StartEvents), and everything
// up to it is dropped from sess.Queue so a reconnect only replays the
// unacknowledged tail instead of the session's full event history.
func (s *Server) Ack(ctx context.Context, req *AckRequest) (*AckResponse, error) {
	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		return nil, types.NewError(types.ErrSessionExpired, "rpc: unknown session")
	}
	sess.Queue.Ack(req.Seq)
	return &AckResponse{}, nil
}
