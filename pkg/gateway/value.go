package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/meridian/pkg/resource/value"
	"github.com/cuemby/meridian/pkg/types"
)

// Value is a typed client handle onto one Value resource.
type Value struct {
	gw         *Gateway
	resourceID uint64
	consistencyOverrides
}

// GetValue resolves key to a Value resource, creating it if necessary.
func (g *Gateway) GetValue(ctx context.Context, key string, cfg map[string]string) (*Value, error) {
	res, err := g.GetResource(ctx, "value", key, cfg)
	if err != nil {
		return nil, err
	}
	return &Value{gw: g, resourceID: res.ResourceID}, nil
}

func (v *Value) ResourceID() uint64 { return v.resourceID }

// WithWriteConsistency sets this handle's own default write consistency,
// overriding the Gateway's without affecting any other handle. Returns v
// for chaining.
func (v *Value) WithWriteConsistency(wc types.WriteConsistency) *Value {
	v.wc = &wc
	return v
}

// WithReadConsistency sets this handle's own default read consistency.
// Returns v for chaining.
func (v *Value) WithReadConsistency(rc types.ReadConsistency) *Value {
	v.rc = &rc
	return v
}

// Close releases this session's interest in the resource (see
// Gateway.CloseResource).
func (v *Value) Close(ctx context.Context) error {
	return v.gw.CloseResource(ctx, v.resourceID)
}

// Configure merges cfg into the resource's stored configuration.
func (v *Value) Configure(ctx context.Context, cfg map[string]string) error {
	return v.gw.ConfigureResource(ctx, v.resourceID, cfg)
}

// Get returns the current payload, or nil if unset. rc overrides this
// handle's (and the gateway's) default read consistency for this call only.
func (v *Value) Get(ctx context.Context, rc ...types.ReadConsistency) (json.RawMessage, error) {
	res, err := submitQuery[value.GetResult](ctx, v.gw, v.resourceID, "Get", struct{}{}, v.resolveRC(v.gw, rc))
	return res.Payload, err
}

// Set replaces the value, arming a TTL eviction timer if ttl > 0. wc
// overrides this handle's (and the gateway's) default write consistency
// for this call only.
func (v *Value) Set(ctx context.Context, payload json.RawMessage, ttl time.Duration, wc ...types.WriteConsistency) error {
	_, err := submitCommand[any](ctx, v.gw, v.resourceID, "Set", value.SetRequest{Value: payload, TTLMs: ttl.Milliseconds()}, v.resolveWC(v.gw, wc))
	return err
}

// GetAndSet atomically replaces the value and returns the prior payload.
func (v *Value) GetAndSet(ctx context.Context, payload json.RawMessage, ttl time.Duration, wc ...types.WriteConsistency) (json.RawMessage, error) {
	res, err := submitCommand[value.GetResult](ctx, v.gw, v.resourceID, "GetAndSet", value.SetRequest{Value: payload, TTLMs: ttl.Milliseconds()}, v.resolveWC(v.gw, wc))
	return res.Payload, err
}

// CompareAndSet replaces the value only if the current payload deep-equals
// expect (nil expect means "currently unset"), reporting whether it did.
func (v *Value) CompareAndSet(ctx context.Context, expect, update json.RawMessage, ttl time.Duration, wc ...types.WriteConsistency) (bool, error) {
	return submitCommand[bool](ctx, v.gw, v.resourceID, "CompareAndSet", value.CompareAndSetRequest{Expect: expect, Update: update, TTLMs: ttl.Milliseconds()}, v.resolveWC(v.gw, wc))
}
