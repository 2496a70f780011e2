package gateway

import (
	"context"
	"encoding/json"

	"github.com/cuemby/meridian/pkg/resource/taskqueue"
	"github.com/cuemby/meridian/pkg/types"
)

// TaskQueue is a typed client handle onto one TaskQueue resource.
type TaskQueue struct {
	gw         *Gateway
	resourceID uint64
	consistencyOverrides
}

// GetTaskQueue resolves key to a TaskQueue resource, creating it if necessary.
func (g *Gateway) GetTaskQueue(ctx context.Context, key string, cfg map[string]string) (*TaskQueue, error) {
	res, err := g.GetResource(ctx, "taskqueue", key, cfg)
	if err != nil {
		return nil, err
	}
	return &TaskQueue{gw: g, resourceID: res.ResourceID}, nil
}

func (q *TaskQueue) ResourceID() uint64 { return q.resourceID }

// WithWriteConsistency sets this handle's own default write consistency,
// overriding the Gateway's without affecting any other handle. Returns q
// for chaining.
func (q *TaskQueue) WithWriteConsistency(wc types.WriteConsistency) *TaskQueue {
	q.wc = &wc
	return q
}

// WithReadConsistency sets this handle's own default read consistency.
// Returns q for chaining.
func (q *TaskQueue) WithReadConsistency(rc types.ReadConsistency) *TaskQueue {
	q.rc = &rc
	return q
}

// Close releases this session's interest in the resource (see
// Gateway.CloseResource).
func (q *TaskQueue) Close(ctx context.Context) error {
	return q.gw.CloseResource(ctx, q.resourceID)
}

// Configure merges cfg into the resource's stored configuration.
func (q *TaskQueue) Configure(ctx context.Context, cfg map[string]string) error {
	return q.gw.ConfigureResource(ctx, q.resourceID, cfg)
}

// Subscribe registers this session as a consumer, invoking onTask for
// each task dispatched to it (topic "process"). Returns false if this
// session was already subscribed.
func (q *TaskQueue) Subscribe(ctx context.Context, onTask func(taskqueue.ProcessEvent)) (bool, error) {
	ok, err := submitCommand[bool](ctx, q.gw, q.resourceID, "Subscribe", struct{}{}, types.WriteSequentialEvent)
	if err != nil || !ok {
		return ok, err
	}
	q.gw.onTopic("process", func(payload json.RawMessage) {
		var ev taskqueue.ProcessEvent
		if err := json.Unmarshal(payload, &ev); err == nil {
			onTask(ev)
		}
	})
	return true, nil
}

// Unsubscribe withdraws this session as a consumer, requeuing any task
// currently assigned to it.
func (q *TaskQueue) Unsubscribe(ctx context.Context) (bool, error) {
	return submitCommand[bool](ctx, q.gw, q.resourceID, "Unsubscribe", struct{}{}, types.WriteSequentialEvent)
}

// Submit enqueues a task. If ack is true, onAck is called (topic "ack")
// once some consumer acknowledges it; the submit itself still returns as
// soon as the task is durably queued. wc overrides this handle's (and
// the gateway's) default write consistency for this call only.
func (q *TaskQueue) Submit(ctx context.Context, taskID string, payload json.RawMessage, ack bool, onAck func(taskqueue.AckEvent), wc ...types.WriteConsistency) error {
	if ack && onAck != nil {
		q.gw.onTopic("ack", func(raw json.RawMessage) {
			var ev taskqueue.AckEvent
			if err := json.Unmarshal(raw, &ev); err == nil && ev.TaskID == taskID {
				onAck(ev)
			}
		})
	}
	_, err := submitCommand[any](ctx, q.gw, q.resourceID, "Submit", taskqueue.SubmitRequest{TaskID: taskID, Payload: payload, Ack: ack}, q.resolveWC(q.gw, wc))
	return err
}

// Ack acknowledges the task currently assigned to this session as a
// consumer, returning false if this session has no inflight task.
func (q *TaskQueue) Ack(ctx context.Context, wc ...types.WriteConsistency) (bool, error) {
	return submitCommand[bool](ctx, q.gw, q.resourceID, "Ack", struct{}{}, q.resolveWC(q.gw, wc))
}
