package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// acceptingGatewayServer answers OpenSession (and anything else routed
// through Submit/Query) with an empty ok result, enough to exercise
// Discoverer.Connect without a real raftnode.Node.
type acceptingGatewayServer struct{}

func (acceptingGatewayServer) Submit(context.Context, *rpc.SubmitRequest) (*rpc.SubmitResponse, error) {
	return &rpc.SubmitResponse{}, nil
}

func (acceptingGatewayServer) Query(context.Context, *rpc.SubmitRequest) (*rpc.SubmitResponse, error) {
	return &rpc.SubmitResponse{}, nil
}

func (acceptingGatewayServer) JoinCluster(context.Context, *rpc.JoinClusterRequest) (*rpc.JoinClusterResponse, error) {
	return &rpc.JoinClusterResponse{}, nil
}

func (acceptingGatewayServer) GenerateJoinToken(context.Context, *rpc.GenerateJoinTokenRequest) (*rpc.GenerateJoinTokenResponse, error) {
	return &rpc.GenerateJoinTokenResponse{Token: "tok"}, nil
}

func (acceptingGatewayServer) Ack(context.Context, *rpc.AckRequest) (*rpc.AckResponse, error) {
	return &rpc.AckResponse{}, nil
}

func (acceptingGatewayServer) Events(*rpc.EventsRequest, rpc.Gateway_EventsServer) error {
	<-context.Background().Done()
	return nil
}

func startTCPServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&rpc.ServiceDesc, acceptingGatewayServer{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func TestDiscovererConnectsToFirstLiveSeed(t *testing.T) {
	addr := startTCPServer(t)
	d := New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, err := d.Connect(ctx, []string{addr})
	require.NoError(t, err)
	assert.NotZero(t, gw.SessionID())
}

func TestDiscovererSkipsDeadSeedsAndTriesNext(t *testing.T) {
	live := startTCPServer(t)
	d := New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, err := d.Connect(ctx, []string{"127.0.0.1:1", live})
	require.NoError(t, err)
	assert.NotZero(t, gw.SessionID())
}

func TestDiscovererReturnsErrorWhenNoSeedsGiven(t *testing.T) {
	d := New()
	_, err := d.Connect(context.Background(), nil)
	assert.Error(t, err)
}

func TestDiscovererBroadcastsStateToAllSubscribers(t *testing.T) {
	addr := startTCPServer(t)
	d := New()

	received := make(chan types.GatewayState, 4)
	d.OnStateChange(func(s types.GatewayState) { received <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Connect(ctx, []string{addr})
	require.NoError(t, err)

	select {
	case s := <-received:
		assert.Equal(t, types.StateConnected, s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial state broadcast")
	}
}
