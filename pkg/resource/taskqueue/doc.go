// Package taskqueue implements the replicated TaskQueue resource (spec.md
// §4.2): a FIFO of tasks fanned out to subscribed consumer sessions with
// at-least-once delivery. A Submit made under synchronous consistency
// keeps its commit open in ackWaiters until the task is actually
// acknowledged by whichever consumer ends up processing it — the same
// commit-as-pending-future pattern pkg/resource/topic uses for
// subscriptions, applied here to a single in-flight task rather than a
// standing subscription. Losing a consumer session requeues its
// in-flight task to the head of pending, trading strict FIFO order for
// at-least-once delivery (spec.md §9's resolved Open Question).
package taskqueue
