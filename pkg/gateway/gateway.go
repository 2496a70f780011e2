package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/meridian/pkg/envelope"
	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/types"
)

// RaftClient is the narrow capability a Gateway needs from whatever sits
// underneath it: an in-process fake driving a manager.ManagerFSM directly
// (as in this package's tests), or a pkg/rpc client talking to a cluster
// node in production.
// Submit/Query round-trip one envelope; OnStateChange/OnEvent register
// callbacks the underlying transport invokes as connection state changes
// and session events arrive.
type RaftClient interface {
	Submit(ctx context.Context, env *envelope.Envelope) (manager.Result, error)
	Query(ctx context.Context, env *envelope.Envelope) (manager.Result, error)
	OnStateChange(func(types.GatewayState))
	OnEvent(func(topic string, payload json.RawMessage))
}

// Gateway is one client's view of the cluster: a session id plus the
// RaftClient it submits through. Safe for concurrent use by multiple
// resource handles sharing the same session.
type Gateway struct {
	client    RaftClient
	sessionID uint64

	mu        sync.RWMutex
	state     types.GatewayState
	closed    bool
	defaultWC types.WriteConsistency
	defaultRC types.ReadConsistency
	stateSubs []func(types.GatewayState)
	eventSubs map[string][]func(json.RawMessage)
}

// New wires a Gateway to client under sessionID, which the caller is
// responsible for having opened via an envelope.KindOpenSession submit.
// The gateway starts with WriteAtomic/ReadSequential as its default
// consistency levels; override with WithWriteConsistency/
// WithReadConsistency.
func New(client RaftClient, sessionID uint64) *Gateway {
	g := &Gateway{
		client:    client,
		sessionID: sessionID,
		state:     types.StateConnected,
		defaultWC: types.WriteAtomic,
		defaultRC: types.ReadSequential,
		eventSubs: map[string][]func(json.RawMessage){},
	}
	client.OnStateChange(g.handleStateChange)
	client.OnEvent(g.handleEvent)
	return g
}

// SessionID returns the Raft client session this gateway operates under.
func (g *Gateway) SessionID() uint64 { return g.sessionID }

// State returns the gateway's last observed connection state.
func (g *Gateway) State() types.GatewayState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// WriteConsistency returns this gateway's current default write
// consistency, used by every resource handle that has no handle-local
// override of its own (see WithWriteConsistency on Value/MultiMap/
// Topic/TaskQueue).
func (g *Gateway) WriteConsistency() types.WriteConsistency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultWC
}

// ReadConsistency returns this gateway's current default read consistency.
func (g *Gateway) ReadConsistency() types.ReadConsistency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultRC
}

// WithWriteConsistency mutates this gateway's default write consistency
// (spec.md §4.5 withWriteConsistency). It affects every handle sharing
// this Gateway that has no handle-local override. Returns g for chaining.
func (g *Gateway) WithWriteConsistency(wc types.WriteConsistency) *Gateway {
	g.mu.Lock()
	g.defaultWC = wc
	g.mu.Unlock()
	return g
}

// WithReadConsistency mutates this gateway's default read consistency.
// Returns g for chaining.
func (g *Gateway) WithReadConsistency(rc types.ReadConsistency) *Gateway {
	g.mu.Lock()
	g.defaultRC = rc
	g.mu.Unlock()
	return g
}

// Close closes the underlying session (spec.md §4.5 close()), transitioning
// this gateway to CLOSED. Every subsequent call through this Gateway, or
// any resource handle obtained from it, fails with ErrIllegalState. Safe
// to call more than once.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	env := &envelope.Envelope{SessionID: g.sessionID, Kind: envelope.KindCloseSession}
	_, err := g.client.Submit(ctx, env)
	g.handleStateChange(types.StateClosed)
	return err
}

func (g *Gateway) checkOpen() error {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrIllegalState, "gateway: session is closed")
	}
	return nil
}

// consistencyOverrides is embedded in every typed resource handle
// (Value, MultiMap, Topic, TaskQueue) to implement spec.md §4.5's
// handle-local withWriteConsistency/withReadConsistency: once set via
// the handle's own WithWriteConsistency/WithReadConsistency, it takes
// priority over the Gateway's shared default for every call on that one
// handle, without affecting sibling handles on the same Gateway. A call-
// site override (the wc/rc variadic arguments resource methods accept)
// still wins over both. Topic.Listen/Unlisten and TaskQueue.Subscribe/
// Unsubscribe always submit with WriteSequentialEvent and consult neither.
type consistencyOverrides struct {
	wc *types.WriteConsistency
	rc *types.ReadConsistency
}

func (c *consistencyOverrides) resolveWC(gw *Gateway, override []types.WriteConsistency) types.WriteConsistency {
	if len(override) > 0 {
		return override[0]
	}
	if c.wc != nil {
		return *c.wc
	}
	return gw.WriteConsistency()
}

func (c *consistencyOverrides) resolveRC(gw *Gateway, override []types.ReadConsistency) types.ReadConsistency {
	if len(override) > 0 {
		return override[0]
	}
	if c.rc != nil {
		return *c.rc
	}
	return gw.ReadConsistency()
}

// OnStateChange registers fn to be called whenever the underlying
// connection's state transitions (e.g. CONNECTED -> SUSPENDED on a
// missed heartbeat, per spec.md S5).
func (g *Gateway) OnStateChange(fn func(types.GatewayState)) {
	g.mu.Lock()
	g.stateSubs = append(g.stateSubs, fn)
	g.mu.Unlock()
}

func (g *Gateway) handleStateChange(state types.GatewayState) {
	g.mu.Lock()
	g.state = state
	subs := append([]func(types.GatewayState){}, g.stateSubs...)
	g.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// onTopic registers fn to fire for every event published on topic. Topic
// names are not scoped per resource (see session.Event), so a session
// that listens on more than one resource of the same type receives every
// subscriber's events on shared callbacks; callers that need isolation
// should use one session per subscribed Topic/TaskQueue.
func (g *Gateway) onTopic(topic string, fn func(json.RawMessage)) {
	g.mu.Lock()
	g.eventSubs[topic] = append(g.eventSubs[topic], fn)
	g.mu.Unlock()
}

func (g *Gateway) handleEvent(topic string, payload json.RawMessage) {
	g.mu.RLock()
	subs := append([]func(json.RawMessage){}, g.eventSubs[topic]...)
	g.mu.RUnlock()
	for _, fn := range subs {
		fn(payload)
	}
}

// GetResource resolves (typeName, key) to a resourceID, creating it with
// cfg if it doesn't already exist.
func (g *Gateway) GetResource(ctx context.Context, typeName, key string, cfg map[string]string) (manager.GetResourceResult, error) {
	if err := g.checkOpen(); err != nil {
		return manager.GetResourceResult{}, err
	}
	env := &envelope.Envelope{
		SessionID: g.sessionID,
		Kind:      envelope.KindGetResource,
	}
	data, err := json.Marshal(manager.GetResourceRequest{Key: key, TypeName: typeName, Config: cfg})
	if err != nil {
		return manager.GetResourceResult{}, err
	}
	env.Inner = data

	res, err := g.client.Submit(ctx, env)
	if err != nil {
		return manager.GetResourceResult{}, err
	}
	return decodeResult[manager.GetResourceResult](res)
}

// CloseResource releases this session's interest in a resource without
// deleting it, analogous to closing a file descriptor.
func (g *Gateway) CloseResource(ctx context.Context, resourceID uint64) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	env := &envelope.Envelope{SessionID: g.sessionID, Kind: envelope.KindCloseResource}
	data, err := json.Marshal(manager.CloseResourceRequest{ResourceID: resourceID})
	if err != nil {
		return err
	}
	env.Inner = data
	res, err := g.client.Submit(ctx, env)
	if err != nil {
		return err
	}
	_, err = decodeResult[any](res)
	return err
}

// DeleteResource permanently removes a resource and its state.
func (g *Gateway) DeleteResource(ctx context.Context, resourceID uint64) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	env := &envelope.Envelope{SessionID: g.sessionID, Kind: envelope.KindDeleteResource}
	data, err := json.Marshal(manager.DeleteResourceRequest{ResourceID: resourceID})
	if err != nil {
		return err
	}
	env.Inner = data
	res, err := g.client.Submit(ctx, env)
	if err != nil {
		return err
	}
	_, err = decodeResult[any](res)
	return err
}

// ConfigureResource sends Configure for resourceID (spec.md §4.5
// configure()), merging cfg into the resource's stored configuration.
func (g *Gateway) ConfigureResource(ctx context.Context, resourceID uint64, cfg map[string]string) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	env := &envelope.Envelope{SessionID: g.sessionID, Kind: envelope.KindConfigureResource}
	data, err := json.Marshal(manager.ConfigureResourceRequest{ResourceID: resourceID, Config: cfg})
	if err != nil {
		return err
	}
	env.Inner = data
	res, err := g.client.Submit(ctx, env)
	if err != nil {
		return err
	}
	_, err = decodeResult[any](res)
	return err
}

// decodeResult normalizes a manager.Result into a typed value. Result.Value
// may already be the concrete Go type (an in-process RaftClient) or a
// json.RawMessage/map[string]any (a wire-based RaftClient); marshaling it
// back out and into T handles both uniformly.
func decodeResult[T any](res manager.Result) (T, error) {
	var zero T
	if res.Err != nil {
		return zero, res.Err
	}
	if res.Value == nil {
		return zero, nil
	}
	if v, ok := res.Value.(T); ok {
		return v, nil
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return zero, fmt.Errorf("gateway: encode result: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("gateway: decode result: %w", err)
	}
	return out, nil
}

// submitCommand submits a resource command envelope and decodes its
// result as T.
func submitCommand[T any](ctx context.Context, g *Gateway, resourceID uint64, op string, req any, wc types.WriteConsistency) (T, error) {
	var zero T
	if err := g.checkOpen(); err != nil {
		return zero, err
	}
	env, err := envelope.Command(resourceID, g.sessionID, op, req, wc)
	if err != nil {
		return zero, err
	}
	res, err := g.client.Submit(ctx, env)
	if err != nil {
		return zero, err
	}
	return decodeResult[T](res)
}

// submitQuery submits a resource query envelope and decodes its result as T.
func submitQuery[T any](ctx context.Context, g *Gateway, resourceID uint64, op string, req any, rc types.ReadConsistency) (T, error) {
	var zero T
	if err := g.checkOpen(); err != nil {
		return zero, err
	}
	env, err := envelope.Query(resourceID, g.sessionID, op, req, rc)
	if err != nil {
		return zero, err
	}
	res, err := g.client.Query(ctx, env)
	if err != nil {
		return zero, err
	}
	return decodeResult[T](res)
}
