package gateway

import (
	"context"
	"encoding/json"

	"github.com/cuemby/meridian/pkg/resource/topic"
	"github.com/cuemby/meridian/pkg/types"
)

// Topic is a typed client handle onto one Topic resource.
type Topic struct {
	gw         *Gateway
	resourceID uint64
	consistencyOverrides
}

// GetTopic resolves key to a Topic resource, creating it if necessary.
func (g *Gateway) GetTopic(ctx context.Context, key string, cfg map[string]string) (*Topic, error) {
	res, err := g.GetResource(ctx, "topic", key, cfg)
	if err != nil {
		return nil, err
	}
	return &Topic{gw: g, resourceID: res.ResourceID}, nil
}

func (t *Topic) ResourceID() uint64 { return t.resourceID }

// WithWriteConsistency sets this handle's own default write consistency,
// overriding the Gateway's without affecting any other handle. Returns t
// for chaining.
func (t *Topic) WithWriteConsistency(wc types.WriteConsistency) *Topic {
	t.wc = &wc
	return t
}

// WithReadConsistency sets this handle's own default read consistency.
// Returns t for chaining.
func (t *Topic) WithReadConsistency(rc types.ReadConsistency) *Topic {
	t.rc = &rc
	return t
}

// Close releases this session's interest in the resource (see
// Gateway.CloseResource).
func (t *Topic) Close(ctx context.Context) error {
	return t.gw.CloseResource(ctx, t.resourceID)
}

// Configure merges cfg into the resource's stored configuration.
func (t *Topic) Configure(ctx context.Context, cfg map[string]string) error {
	return t.gw.ConfigureResource(ctx, t.resourceID, cfg)
}

// Listen subscribes this session to messages published on the topic,
// invoking onMessage for each one delivered. Returns false if this
// session was already listening.
func (t *Topic) Listen(ctx context.Context, onMessage func(json.RawMessage)) (bool, error) {
	ok, err := submitCommand[bool](ctx, t.gw, t.resourceID, "Listen", struct{}{}, types.WriteSequentialEvent)
	if err != nil || !ok {
		return ok, err
	}
	t.gw.onTopic("message", onMessage)
	return true, nil
}

// Unlisten cancels this session's subscription.
func (t *Topic) Unlisten(ctx context.Context) error {
	_, err := submitCommand[any](ctx, t.gw, t.resourceID, "Unlisten", struct{}{}, types.WriteSequentialEvent)
	return err
}

// Publish broadcasts message to every currently-listening session. wc
// overrides this handle's (and the gateway's) default write consistency
// for this call only.
func (t *Topic) Publish(ctx context.Context, message json.RawMessage, wc ...types.WriteConsistency) error {
	_, err := submitCommand[any](ctx, t.gw, t.resourceID, "Publish", topic.PublishRequest{Message: message}, t.resolveWC(t.gw, wc))
	return err
}
