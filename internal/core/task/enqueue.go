package task

import (
	"context"
	"errors"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/queue"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// Queue results reported to the enqueue action hook
const (
	QueueBridged = "bridged"
	QueueLeave   = "leave"
	QueueHangup  = "hangup"
	QueueError   = "error"
)

// Notification events exchanged between processes
const (
	EventDequeue         = "dequeue"
	EventConferenceStart = "conference-start"
)

// Enqueue holds the caller in a named queue until another call dequeues it
type Enqueue struct {
	Base
	queueName  string
	actionHook any
	waitHook   any
	dequeued   chan Notification
}

func newEnqueue(params map[string]any, parent Task) (Task, error) {
	t := &Enqueue{
		queueName:  stringParam(params, "name"),
		actionHook: params["actionHook"],
		waitHook:   params["waitHook"],
		dequeued:   make(chan Notification, 1),
	}
	if t.queueName == "" {
		return nil, errors.New("name is empty")
	}
	t.init(t, "enqueue", params, RequiresMediaEndpoint, parent)
	return t, nil
}

// Notify delivers a bridge request from a dequeuing call
func (t *Enqueue) Notify(ctx context.Context, s Session, n Notification) error {
	if n.Event != EventDequeue || t.State() != StateRunning {
		return ErrNotWaiting
	}
	select {
	case t.dequeued <- n:
		return nil
	default:
		return ErrNotWaiting
	}
}

func (t *Enqueue) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	enqueuedAt := s.Clock().Now()
	if r := t.reserved(); r != nil {
		if ts, ok := r["enqueueTime"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				enqueuedAt = parsed
			}
		}
		if dequeuer, ok := r["dequeuer"].(string); ok && dequeuer != "" {
			return t.report(ctx, s, t.bridgeLocal(ctx, s, res, dequeuer, enqueuedAt), enqueuedAt)
		}
	}

	q := queue.New(s.Store(), s.AccountSid(), t.queueName)
	memberURL := s.Settings().NotifyURL("enqueue", s.CallSid())
	if _, err := q.Push(ctx, memberURL); err != nil {
		t.logger().Error("Failed to enqueue call", zap.String("queue", t.queueName), zap.Error(err))
		return t.report(ctx, s, QueueError, enqueuedAt)
	}
	t.logger().Info("Call enqueued", zap.String("queue", t.queueName))

	result, handedOff := t.wait(ctx, s, res, q, memberURL, enqueuedAt)
	if handedOff {
		return nil
	}
	return t.report(ctx, s, result, enqueuedAt)
}

// wait holds the caller until a dequeue, a leave or a hangup
func (t *Enqueue) wait(ctx context.Context, s Session, res Resources, q *queue.Queue, memberURL string, enqueuedAt time.Time) (result string, handedOff bool) {
	popped := false
	defer func() {
		if popped {
			return
		}
		if err := q.Remove(context.WithoutCancel(ctx), memberURL); err != nil {
			t.logger().Warn("Failed to remove call from queue", zap.Error(err))
		}
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	w := newWaitHook(&t.Base, t.waitHook, func(ctx context.Context) map[string]any {
		return t.waitPayload(ctx, s, q, memberURL, enqueuedAt)
	})
	if w != nil {
		go w.run(waitCtx, s, res)
	}
	halt := func() {
		stopWaiting()
		w.Wait()
	}

	select {
	case n := <-t.dequeued:
		popped = true
		halt()
		dequeuer, _ := n.Data["dequeuerCallSid"].(string)
		address, _ := n.Data["dequeueSipAddress"].(string)
		if address != "" && address != s.Settings().LocalAddress {
			err := s.Handoff(ctx, address, map[string]any{
				"dequeuer":    dequeuer,
				"enqueueTime": enqueuedAt.UTC().Format(time.RFC3339Nano),
			}, t)
			if err != nil {
				t.logger().Error("Failed to hand call to dequeuer", zap.String("address", address), zap.Error(err))
				return QueueError, false
			}
			return "", true
		}
		return t.bridgeLocal(ctx, s, res, dequeuer, enqueuedAt), false
	case <-w.Leave():
		halt()
		return QueueLeave, false
	case <-ctx.Done():
		halt()
		return QueueHangup, false
	}
}

func (t *Enqueue) waitPayload(ctx context.Context, s Session, q *queue.Queue, memberURL string, enqueuedAt time.Time) map[string]any {
	p := map[string]any{
		"queueSid":  t.queueName,
		"queueTime": int(s.Clock().Now().Sub(enqueuedAt).Seconds()),
	}
	if pos, err := q.Position(ctx, memberURL); err == nil {
		p["queuePosition"] = pos
	}
	if size, err := q.Length(ctx); err == nil {
		p["queueSize"] = size
	}
	return payload(s, p)
}

// bridgeLocal hands this leg to the dequeuer waiting on this process and holds it until the bridge ends
func (t *Enqueue) bridgeLocal(ctx context.Context, s Session, res Resources, dequeuer string, enqueuedAt time.Time) string {
	b := NewBridge(s.CallSid(), res.Endpoint, enqueuedAt)
	if !s.Bridges().Offer(dequeuer, b) {
		t.logger().Warn("Dequeuing call is no longer waiting", zap.String("dequeuer", dequeuer))
		return QueueError
	}
	defer b.End()
	t.logger().Info("Call bridged", zap.String("dequeuer", dequeuer))
	select {
	case <-b.Done():
		return QueueBridged
	case <-ctx.Done():
		return QueueHangup
	}
}

func (t *Enqueue) report(ctx context.Context, s Session, result string, enqueuedAt time.Time) error {
	results := map[string]any{
		"queueSid":    t.queueName,
		"queueResult": result,
		"queueTime":   int(s.Clock().Now().Sub(enqueuedAt).Seconds()),
	}
	if result == QueueHangup {
		notifyStatus(context.WithoutCancel(ctx), s, webhook.VerbHook, t.actionHook, results)
		return nil
	}
	return t.performAction(ctx, s, t.actionHook, results)
}
