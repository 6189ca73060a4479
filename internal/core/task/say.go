package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// audio tracks the playback token a task owns so a stop never cuts off someone else's audio
type audio struct {
	ep media.Endpoint

	mu    sync.Mutex
	token string
}

func (a *audio) next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = uuid.NewString()
	return a.token
}

func (a *audio) stop() {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if a.ep == nil || token == "" {
		return
	}
	_ = a.ep.StopPlayback(context.Background(), token)
}

// Say speaks text through a synthesizer, switching to the fallback vendor on failure
type Say struct {
	Base
	texts       []string
	loop        int
	synthesizer map[string]any
	early       bool
}

func newSay(params map[string]any, parent Task) (Task, error) {
	t := &Say{
		texts: stringList(params["text"]),
		loop:  loopCount(params),
		early: boolParam(params, "earlyMedia", false),
	}
	if len(t.texts) == 0 {
		return nil, errors.New("text is empty")
	}
	t.synthesizer, _ = params["synthesizer"].(map[string]any)
	t.init(t, "say", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Say) Exec(ctx context.Context, s Session, res Resources) error {
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
	fb := speechFallback(ctx, s, t.synthesizer, s.Settings().Synthesizer, speech.UsageTTS)

	for i := 0; t.loop == 0 || i < t.loop; i++ {
		for _, text := range t.texts {
			err := fb.Run(ctx, func(ctx context.Context, v speech.Vendor) error {
				creds, err := credentials(ctx, s, v, speech.UsageTTS)
				if err != nil {
					return err
				}
				return res.Endpoint.Speak(ctx, media.SpeakRequest{
					Token:       a.next(),
					Text:        text,
					Vendor:      v.Name,
					Label:       v.Label,
					Language:    v.Language,
					Voice:       v.Voice,
					Credentials: creds,
					Early:       t.early,
				})
			})
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				t.logger().Error("Speech synthesis failed", zap.Error(err))
				return fmt.Errorf("say: %w", err)
			}
		}
	}
	return nil
}
