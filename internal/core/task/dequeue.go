package task

import (
	"context"
	"errors"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/queue"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// Dequeue results reported to the action hook
const (
	DequeueComplete = "complete"
	DequeueTimeout  = "timeout"
	DequeueHangup   = "hangup"
	DequeueError    = "error"
)

const (
	defaultBridgeTimeout = 30 * time.Second
	dequeuePollInterval  = time.Second
)

// Dequeue takes the caller at the head of a queue and bridges it to this call
type Dequeue struct {
	Base
	queueName  string
	actionHook any
	timeout    time.Duration
	beep       bool
}

func newDequeue(params map[string]any, parent Task) (Task, error) {
	t := &Dequeue{
		queueName:  stringParam(params, "name"),
		actionHook: params["actionHook"],
		timeout:    seconds(numberParam(params, "timeout", 0)),
		beep:       boolParam(params, "beep", false),
	}
	if t.queueName == "" {
		return nil, errors.New("name is empty")
	}
	t.init(t, "dequeue", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Dequeue) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	q := queue.New(s.Store(), s.AccountSid(), t.queueName)
	results := map[string]any{"queueSid": t.queueName}

	b, result := t.takeMember(ctx, s, q)
	if b != nil {
		results["bridgeCallSid"] = b.MemberCallSid
		result = t.bridge(ctx, s, res, b)
	}
	results["dequeueResult"] = result
	t.logger().Info("Dequeue completed", zap.String("queue", t.queueName), zap.String("result", result))

	if result == DequeueHangup {
		notifyStatus(context.WithoutCancel(ctx), s, webhook.VerbHook, t.actionHook, results)
		return nil
	}
	return t.performAction(ctx, s, t.actionHook, results)
}

// takeMember pops members until one arrives for bridging, the queue stays empty past
// the timeout, or the call ends. Members that cannot be reached are skipped.
func (t *Dequeue) takeMember(ctx context.Context, s Session, q *queue.Queue) (*Bridge, string) {
	clk := s.Clock()
	deadline := clk.Now().Add(t.timeout)
	bridgeTimeout := s.Settings().BridgeTimeout
	if bridgeTimeout <= 0 {
		bridgeTimeout = defaultBridgeTimeout
	}

	for {
		memberURL, ok, err := q.Pop(ctx)
		if ctx.Err() != nil {
			return nil, DequeueHangup
		}
		if err != nil {
			t.logger().Error("Failed to pop queue", zap.String("queue", t.queueName), zap.Error(err))
			return nil, DequeueError
		}
		if !ok {
			if !clk.Now().Before(deadline) {
				return nil, DequeueTimeout
			}
			select {
			case <-clk.After(dequeuePollInterval):
				continue
			case <-ctx.Done():
				return nil, DequeueHangup
			}
		}

		arrivals, cancel := s.Bridges().Expect(s.CallSid())
		err = s.Notifier().Notify(ctx, memberURL, map[string]any{
			"event": EventDequeue,
			"data": map[string]any{
				"dequeuerCallSid":   s.CallSid(),
				"dequeueSipAddress": s.Settings().LocalAddress,
			},
		})
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, DequeueHangup
			}
			t.logger().Warn("Skipping unreachable queue member", zap.String("member", memberURL), zap.Error(err))
			continue
		}

		select {
		case b := <-arrivals:
			return b, ""
		case <-clk.After(bridgeTimeout):
			cancel()
			t.logger().Warn("Queue member never arrived", zap.String("member", memberURL))
			return nil, DequeueTimeout
		case <-ctx.Done():
			cancel()
			return nil, DequeueHangup
		}
	}
}

// bridge holds both legs together until either one leaves
func (t *Dequeue) bridge(ctx context.Context, s Session, res Resources, b *Bridge) string {
	defer b.End()
	if t.beep {
		if _, err := res.Endpoint.Execute(ctx, "playback", "tone_stream://%(200,0,800)"); err != nil {
			t.logger().Warn("Failed to play beep", zap.Error(err))
		}
	}

	bridgeCtx, unbridge := context.WithCancel(ctx)
	defer unbridge()
	go func() {
		select {
		case <-b.Done():
			unbridge()
		case <-bridgeCtx.Done():
		}
	}()

	t.logger().Info("Bridging queue member", zap.String("member", b.MemberCallSid))
	err := res.Endpoint.Bridge(bridgeCtx, b.Member)
	if ctx.Err() != nil {
		return DequeueHangup
	}
	if err != nil {
		t.logger().Error("Bridge failed", zap.String("member", b.MemberCallSid), zap.Error(err))
		return DequeueError
	}
	return DequeueComplete
}
