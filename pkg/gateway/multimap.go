package gateway

import (
	"context"

	"github.com/cuemby/meridian/pkg/resource/multimap"
	"github.com/cuemby/meridian/pkg/types"
)

// MultiMap is a typed client handle onto one MultiMap resource.
type MultiMap struct {
	gw         *Gateway
	resourceID uint64
	consistencyOverrides
}

// GetMultiMap resolves key to a MultiMap resource, creating it if
// necessary. cfg may set "valueOrder" to one of multimap.Order's values.
func (g *Gateway) GetMultiMap(ctx context.Context, key string, cfg map[string]string) (*MultiMap, error) {
	res, err := g.GetResource(ctx, "multimap", key, cfg)
	if err != nil {
		return nil, err
	}
	return &MultiMap{gw: g, resourceID: res.ResourceID}, nil
}

func (m *MultiMap) ResourceID() uint64 { return m.resourceID }

// WithWriteConsistency sets this handle's own default write consistency,
// overriding the Gateway's without affecting any other handle. Returns m
// for chaining.
func (m *MultiMap) WithWriteConsistency(wc types.WriteConsistency) *MultiMap {
	m.wc = &wc
	return m
}

// WithReadConsistency sets this handle's own default read consistency.
// Returns m for chaining.
func (m *MultiMap) WithReadConsistency(rc types.ReadConsistency) *MultiMap {
	m.rc = &rc
	return m
}

// Close releases this session's interest in the resource (see
// Gateway.CloseResource).
func (m *MultiMap) Close(ctx context.Context) error {
	return m.gw.CloseResource(ctx, m.resourceID)
}

// Configure merges cfg into the resource's stored configuration.
func (m *MultiMap) Configure(ctx context.Context, cfg map[string]string) error {
	return m.gw.ConfigureResource(ctx, m.resourceID, cfg)
}

func (m *MultiMap) Put(ctx context.Context, key, value string, wc ...types.WriteConsistency) error {
	_, err := submitCommand[any](ctx, m.gw, m.resourceID, "Put", multimap.KVRequest{Key: key, Value: value}, m.resolveWC(m.gw, wc))
	return err
}

func (m *MultiMap) PutIfAbsent(ctx context.Context, key, value string, wc ...types.WriteConsistency) (bool, error) {
	return submitCommand[bool](ctx, m.gw, m.resourceID, "PutIfAbsent", multimap.KVRequest{Key: key, Value: value}, m.resolveWC(m.gw, wc))
}

// Remove drops value from key, or the whole key if value is empty.
func (m *MultiMap) Remove(ctx context.Context, key, value string, wc ...types.WriteConsistency) (bool, error) {
	return submitCommand[bool](ctx, m.gw, m.resourceID, "Remove", multimap.KVRequest{Key: key, Value: value}, m.resolveWC(m.gw, wc))
}

func (m *MultiMap) Clear(ctx context.Context, wc ...types.WriteConsistency) error {
	_, err := submitCommand[any](ctx, m.gw, m.resourceID, "Clear", struct{}{}, m.resolveWC(m.gw, wc))
	return err
}

func (m *MultiMap) Get(ctx context.Context, key string, rc ...types.ReadConsistency) ([]string, error) {
	return submitQuery[[]string](ctx, m.gw, m.resourceID, "Get", multimap.KVRequest{Key: key}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) Keys(ctx context.Context, rc ...types.ReadConsistency) ([]string, error) {
	return submitQuery[[]string](ctx, m.gw, m.resourceID, "Keys", struct{}{}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) Values(ctx context.Context, rc ...types.ReadConsistency) ([]string, error) {
	return submitQuery[[]string](ctx, m.gw, m.resourceID, "Values", struct{}{}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) Entries(ctx context.Context, rc ...types.ReadConsistency) ([]multimap.Entry, error) {
	return submitQuery[[]multimap.Entry](ctx, m.gw, m.resourceID, "Entries", struct{}{}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) Size(ctx context.Context, rc ...types.ReadConsistency) (int, error) {
	return submitQuery[int](ctx, m.gw, m.resourceID, "Size", struct{}{}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) IsEmpty(ctx context.Context, rc ...types.ReadConsistency) (bool, error) {
	return submitQuery[bool](ctx, m.gw, m.resourceID, "IsEmpty", struct{}{}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) ContainsKey(ctx context.Context, key string, rc ...types.ReadConsistency) (bool, error) {
	return submitQuery[bool](ctx, m.gw, m.resourceID, "ContainsKey", multimap.KVRequest{Key: key}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) ContainsValue(ctx context.Context, value string, rc ...types.ReadConsistency) (bool, error) {
	return submitQuery[bool](ctx, m.gw, m.resourceID, "ContainsValue", multimap.KVRequest{Value: value}, m.resolveRC(m.gw, rc))
}

func (m *MultiMap) ContainsEntry(ctx context.Context, key, value string, rc ...types.ReadConsistency) (bool, error) {
	return submitQuery[bool](ctx, m.gw, m.resourceID, "ContainsEntry", multimap.KVRequest{Key: key, Value: value}, m.resolveRC(m.gw, rc))
}
