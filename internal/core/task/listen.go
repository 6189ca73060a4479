package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"go.uber.org/zap"
)

// Listen results reported to the action hook
const (
	ListenCompleted = "completed"
	ListenTimeout   = "timeout"
	ListenFailed    = "failed"
)

// Listen forks call audio to a websocket server
type Listen struct {
	Base
	url        string
	mixType    string
	sampleRate int
	metadata   map[string]any
	maxLength  time.Duration
	actionHook any
}

func newListen(params map[string]any, parent Task) (Task, error) {
	t := &Listen{
		url:        stringParam(params, "url"),
		mixType:    stringParam(params, "mixType"),
		sampleRate: int(numberParam(params, "sampleRate", 8000)),
		maxLength:  seconds(numberParam(params, "maxLength", numberParam(params, "timeout", 0))),
		actionHook: params["actionHook"],
	}
	if t.url == "" {
		return nil, errors.New("url is empty")
	}
	if t.mixType == "" {
		t.mixType = "mono"
	}
	t.metadata, _ = params["metadata"].(map[string]any)
	t.init(t, "listen", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Listen) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	forkCtx, stopFork := context.WithCancel(ctx)
	defer stopFork()
	timedOut := make(chan struct{})
	if t.maxLength > 0 {
		t.afterFunc(s, t.maxLength, func() {
			close(timedOut)
			stopFork()
		})
	}

	start := s.Clock().Now()
	t.logger().Info("Forking call audio", zap.String("url", t.url), zap.String("mix", t.mixType))
	err = res.Endpoint.Fork(forkCtx, media.ForkRequest{
		URL:        t.url,
		MixType:    t.mixType,
		SampleRate: t.sampleRate,
		Metadata:   t.metadata,
	})
	if ctx.Err() != nil {
		return nil
	}

	reason := ListenCompleted
	select {
	case <-timedOut:
		reason = ListenTimeout
	default:
	}
	if err != nil {
		t.logger().Error("Audio fork failed", zap.String("url", t.url), zap.Error(err))
		reason = ListenFailed
		if t.actionHook == nil {
			return fmt.Errorf("listen %s: %w", t.url, err)
		}
	}
	return t.performAction(ctx, s, t.actionHook, map[string]any{
		"listenResult": reason,
		"duration":     int(s.Clock().Now().Sub(start).Seconds()),
	})
}
