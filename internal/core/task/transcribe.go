package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transcribe streams call audio to a recognizer and posts results to the transcription hook until killed
type Transcribe struct {
	Base
	hook       any
	recognizer map[string]any

	lock   sync.Mutex
	active string
	failed chan error
}

func newTranscribe(params map[string]any, parent Task) (Task, error) {
	t := &Transcribe{
		hook:   params["transcriptionHook"],
		failed: make(chan error, 1),
	}
	if _, ok := webhook.ParseHook(t.hook); !ok {
		return nil, errors.New("transcriptionHook is required")
	}
	t.recognizer, _ = params["recognizer"].(map[string]any)
	t.init(t, "transcribe", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Transcribe) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}
	ep := res.Endpoint

	fb := speechFallback(ctx, s, t.recognizer, s.Settings().Recognizer, speech.UsageSTT)
	if err := t.subscribe(ep, event.TranscriptionFinal, func(e *event.CallEvent) { t.onResult(ctx, s, e) }); err != nil {
		return err
	}
	if err := t.subscribe(ep, event.TranscriptionError, func(e *event.CallEvent) { t.onError(ctx, s, ep, fb, e) }); err != nil {
		return err
	}
	t.onCleanup(func() { t.stop(ep) })

	if err := t.start(ctx, s, ep, fb); err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-t.failed:
		t.logger().Error("Transcription stopped", zap.Error(err))
		return fmt.Errorf("transcribe: %w", err)
	}
}

func (t *Transcribe) onResult(ctx context.Context, s Session, e *event.CallEvent) {
	data, ok := e.GetTranscription()
	if !ok || !data.IsFinal || data.Transcript() == "" {
		return
	}
	hook, _ := webhook.ParseHook(t.hook)
	go func() {
		program, err := s.Requestor().Request(ctx, webhook.VerbHook, *hook, payload(s, map[string]any{"speech": data}))
		if err != nil {
			if ctx.Err() == nil {
				t.logger().Warn("Transcription hook failed", zap.Error(err))
			}
			return
		}
		if program == nil {
			return
		}
		if err := s.ReplaceApplication(ctx, program, t); err != nil {
			t.logger().Warn("Transcription hook returned an invalid application", zap.Error(err))
		}
	}()
}

func (t *Transcribe) onError(ctx context.Context, s Session, ep media.Endpoint, fb *speech.Fallback, e *event.CallEvent) {
	cause := errors.New("recognizer error")
	if d, ok := e.GetError(); ok && d.Message != "" {
		cause = errors.New(d.Message)
	}
	if _, ok := fb.Advance(cause); !ok {
		t.fail(cause)
		return
	}
	t.stop(ep)
	go func() {
		if err := t.start(ctx, s, ep, fb); err != nil && ctx.Err() == nil {
			t.fail(err)
		}
	}()
}

func (t *Transcribe) fail(err error) {
	select {
	case t.failed <- err:
	default:
	}
}

func (t *Transcribe) start(ctx context.Context, s Session, ep media.Endpoint, fb *speech.Fallback) error {
	return fb.Run(ctx, func(ctx context.Context, v speech.Vendor) error {
		creds, err := credentials(ctx, s, v, speech.UsageSTT)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		if err := ep.StartTranscription(ctx, media.TranscribeRequest{
			ID:          id,
			Vendor:      v.Name,
			Label:       v.Label,
			Language:    v.Language,
			Interim:     boolParam(t.recognizer, "interim", false),
			Hints:       stringList(t.recognizer["hints"]),
			Credentials: creds,
		}); err != nil {
			return err
		}
		t.lock.Lock()
		t.active = id
		t.lock.Unlock()
		t.logger().Info("Transcription started", zap.String("vendor", v.String()))
		return nil
	})
}

func (t *Transcribe) stop(ep media.Endpoint) {
	t.lock.Lock()
	id := t.active
	t.active = ""
	t.lock.Unlock()
	if id != "" {
		_ = ep.StopTranscription(context.Background(), id)
	}
}
