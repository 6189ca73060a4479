package task

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"go.uber.org/zap"
)

// Stream keeps a streaming synthesis channel open on the endpoint until killed
type Stream struct {
	Base
	synthesizer map[string]any
}

func newStream(params map[string]any, parent Task) (Task, error) {
	t := &Stream{}
	t.synthesizer, _ = params["synthesizer"].(map[string]any)
	t.init(t, "stream", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Stream) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	fb := speechFallback(ctx, s, t.synthesizer, s.Settings().Synthesizer, speech.UsageTTS)
	err = fb.Run(ctx, func(ctx context.Context, v speech.Vendor) error {
		creds, err := credentials(ctx, s, v, speech.UsageTTS)
		if err != nil {
			return err
		}
		t.logger().Info("TTS stream open", zap.String("vendor", v.String()))
		return res.Endpoint.StreamTTS(ctx, media.TTSStreamRequest{
			Vendor:      v.Name,
			Label:       v.Label,
			Language:    v.Language,
			Voice:       v.Voice,
			Credentials: creds,
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}
