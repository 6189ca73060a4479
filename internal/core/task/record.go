package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"go.uber.org/zap"
)

// Record captures call audio and stores it at the account's recording destination
type Record struct {
	Base
	format    string
	maxLength time.Duration
}

func newRecord(params map[string]any, parent Task) (Task, error) {
	t := &Record{
		format:    stringParam(params, "format"),
		maxLength: seconds(numberParam(params, "maxLength", 0)),
	}
	if t.format == "" {
		t.format = "wav"
	}
	t.init(t, "record", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *Record) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}
	sink := s.Recordings()
	if sink == nil {
		t.logger().Warn("No recording destination configured")
		return nil
	}

	t.logger().Info("Recording started", zap.String("format", t.format))
	rec, err := res.Endpoint.Record(ctx, media.RecordRequest{
		Format:    t.format,
		MaxLength: t.maxLength,
	})
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	defer rec.Reader.Close()

	location, err := sink.Store(context.WithoutCancel(ctx), s.CallSid(), rec)
	if err != nil {
		t.logger().Error("Failed to store recording", zap.Error(err))
		s.Alert(context.WithoutCancel(ctx), "recording_upload_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("store recording: %w", err)
	}
	t.logger().Info("Recording stored",
		zap.String("location", location),
		zap.Duration("duration", rec.Duration))
	return nil
}
