package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/gateway"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/google/uuid"
)

// Discoverer turns a list of seed addresses into a connected
// gateway.Gateway and fans the resulting connection's state out to every
// subscriber registered via OnStateChange, independent of which Gateway
// instance is currently open.
type Discoverer struct {
	mu        sync.Mutex
	stateSubs []func(types.GatewayState)
}

// New returns a ready-to-use Discoverer.
func New() *Discoverer {
	return &Discoverer{}
}

// Connect dials seeds in order, accepting the first one that answers and
// opens a session on it. Mirrors cuemby-warren's Manager.Join single-
// leader dial, generalized to a seed list: meridian clients often don't
// know the current leader ahead of time, so every seed is a candidate
// worth trying before giving up.
func (d *Discoverer) Connect(ctx context.Context, seeds []string) (*gateway.Gateway, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("discovery: no seeds given")
	}

	var lastErr error
	for _, seed := range seeds {
		client, err := rpc.Dial(seed)
		if err != nil {
			log.Logger.Warn().Err(err).Str("seed", seed).Msg("discovery: dial failed, trying next seed")
			lastErr = err
			continue
		}

		gw, err := d.connectVia(ctx, client)
		if err != nil {
			_ = client.Close()
			log.Logger.Warn().Err(err).Str("seed", seed).Msg("discovery: open session failed, trying next seed")
			lastErr = err
			continue
		}
		log.Logger.Info().Str("seed", seed).Msg("discovery: connected")
		return gw, nil
	}
	return nil, fmt.Errorf("discovery: exhausted %d seed(s), last error: %w", len(seeds), lastErr)
}

func (d *Discoverer) connectVia(ctx context.Context, client *rpc.Client) (*gateway.Gateway, error) {
	sessionID := newSessionID()
	env := &envelope.Envelope{SessionID: sessionID, Kind: envelope.KindOpenSession}
	if _, err := client.Submit(ctx, env); err != nil {
		return nil, fmt.Errorf("discovery: open session: %w", err)
	}

	gw := gateway.New(client, sessionID)
	gw.OnStateChange(d.broadcast)

	// StartEvents blocks for the connection's lifetime, so it runs
	// detached from ctx (which may only span the dial above) rather than
	// under it; it exits on its own once the stream errors or the
	// connection closes.
	go func() {
		if err := client.StartEvents(context.Background(), sessionID); err != nil {
			log.Logger.Warn().Err(err).Uint64("session_id", sessionID).Msg("discovery: event stream ended")
		}
	}()

	return gw, nil
}

// OnStateChange registers fn to be called on every connection state
// transition observed across any Gateway this Discoverer has produced.
func (d *Discoverer) OnStateChange(fn func(types.GatewayState)) {
	d.mu.Lock()
	d.stateSubs = append(d.stateSubs, fn)
	d.mu.Unlock()
}

func (d *Discoverer) broadcast(state types.GatewayState) {
	d.mu.Lock()
	subs := append([]func(types.GatewayState){}, d.stateSubs...)
	d.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// newSessionID derives a session id from a random UUID rather than
// crypto/rand directly, matching the id-generation style cuemby-warren's
// pkg/api.Server uses for every other cluster-visible identifier.
func newSessionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
