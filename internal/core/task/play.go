package task

import (
	"context"
	"errors"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"go.uber.org/zap"
)

// Play results reported to the action hook
const (
	PlayCompleted = "playCompleted"
	PlayTimeout   = "playTimeout"
	PlayFailed    = "playFailed"
)

// Play streams one or more audio files
type Play struct {
	Base
	urls       []string
	loop       int
	seekOffset int
	timeout    time.Duration
	early      bool
	actionHook any
}

func newPlay(params map[string]any, parent Task) (Task, error) {
	t := &Play{
		urls:       stringList(params["url"]),
		loop:       loopCount(params),
		seekOffset: int(numberParam(params, "seekOffset", 0)),
		timeout:    time.Duration(numberParam(params, "timeoutSecs", 0) * float64(time.Second)),
		early:      boolParam(params, "earlyMedia", false),
		actionHook: params["actionHook"],
	}
	if len(t.urls) == 0 {
		return nil, errors.New("url is empty")
	}
	t.init(t, "play", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Play) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	a := &audio{ep: res.Endpoint}
	t.onCleanup(a.stop)

	playCtx, stopPlaying := context.WithCancel(ctx)
	defer stopPlaying()
	timedOut := make(chan struct{})
	if t.timeout > 0 {
		t.afterFunc(s, t.timeout, func() {
			close(timedOut)
			stopPlaying()
		})
	}

	start := s.Clock().Now()
	reason := PlayCompleted
loop:
	for i := 0; t.loop == 0 || i < t.loop; i++ {
		for _, url := range t.urls {
			err := res.Endpoint.Play(playCtx, media.PlayRequest{
				Token:      a.next(),
				URL:        url,
				SeekOffset: t.seekOffset,
				Early:      t.early,
			})
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-timedOut:
				reason = PlayTimeout
				break loop
			default:
			}
			if err != nil {
				t.logger().Warn("Playback failed", zap.String("url", url), zap.Error(err))
				reason = PlayFailed
				break loop
			}
		}
	}

	return t.performAction(ctx, s, t.actionHook, map[string]any{
		"reason":          reason,
		"playbackSeconds": int(s.Clock().Now().Sub(start).Seconds()),
	})
}

// Pause waits silently
type Pause struct {
	Base
	length time.Duration
}

func newPause(params map[string]any, parent Task) (Task, error) {
	t := &Pause{length: time.Duration(numberParam(params, "length", 0) * float64(time.Second))}
	t.init(t, "pause", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Pause) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()

	select {
	case <-s.Clock().After(t.length):
	case <-ctx.Done():
	}
	return nil
}
