package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/verb"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultWaitHookInterval = time.Second

var errWaitHookVerb = errors.New("verb not allowed in a wait hook response")

// waitHook repeatedly fetches filler verbs for a caller waiting in a queue or for a
// conference to start. It closes leave when the controller returns a leave verb.
type waitHook struct {
	owner   *Base
	hook    webhook.Hook
	payload func(ctx context.Context) map[string]any

	leave chan struct{}
	done  chan struct{}
}

func newWaitHook(owner *Base, hookParam any, payload func(ctx context.Context) map[string]any) *waitHook {
	hook, ok := webhook.ParseHook(hookParam)
	if !ok {
		return nil
	}
	return &waitHook{
		owner:   owner,
		hook:    *hook,
		payload: payload,
		leave:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Leave is closed when the controller asked the caller to leave; nil-safe
func (w *waitHook) Leave() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.leave
}

// run polls until ctx ends, the controller returns nothing, or a leave verb arrives
func (w *waitHook) run(ctx context.Context, s Session, res Resources) {
	defer close(w.done)
	log := w.owner.logger().With(zap.String("wait_hook", w.hook.URL))

	interval := s.Settings().WaitHookMinInterval
	if interval <= 0 {
		interval = defaultWaitHookInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		program, err := s.Requestor().Request(ctx, webhook.VerbHook, w.hook, w.payload(ctx))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("Wait hook failed", zap.Error(err))
			continue
		}
		if len(program) == 0 {
			return
		}
		if err := w.play(ctx, s, res, program); err != nil {
			if errors.Is(err, errWaitHookVerb) {
				log.Error("Ignoring wait hook response", zap.Error(err))
				s.Alert(ctx, "wait_hook_violation", map[string]any{"url": w.hook.URL, "error": err.Error()})
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("Wait hook verb failed", zap.Error(err))
		}
		select {
		case <-w.leave:
			return
		default:
		}
	}
}

// play executes a wait hook response. The whole response is checked against the
// allow-list before anything is played.
func (w *waitHook) play(ctx context.Context, s Session, res Resources, program []map[string]any) error {
	for _, desc := range program {
		for name := range desc {
			if !verb.WaitHookVerbs[name] {
				return fmt.Errorf("%w: %s", errWaitHookVerb, name)
			}
		}
	}
	for _, desc := range program {
		t, err := New(desc, w.owner.self)
		if err != nil {
			return err
		}
		if t.Name() == "leave" {
			close(w.leave)
			return nil
		}
		if err := w.owner.runChild(ctx, s, res, t); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until run has returned; nil-safe
func (w *waitHook) Wait() {
	if w == nil {
		return
	}
	<-w.done
}
