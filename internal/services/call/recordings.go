package call

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/pkg/clock"
)

// Uploader writes an object to a bucket and returns its location
type Uploader interface {
	Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error)
}

// RecordingStore files recordings by day under recordings/
type RecordingStore struct {
	uploader Uploader
	clk      clock.Clock
}

func NewRecordingStore(uploader Uploader, clk clock.Clock) *RecordingStore {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &RecordingStore{uploader: uploader, clk: clk}
}

// Store uploads the recording; the caller keeps ownership of rec.Reader
func (r *RecordingStore) Store(ctx context.Context, callSid string, rec *media.Recording) (string, error) {
	format := strings.ToLower(rec.Format)
	if format == "" {
		format = "wav"
	}
	objectPath := fmt.Sprintf("recordings/%s/%s.%s", r.clk.Now().UTC().Format("2006/01/02"), callSid, format)
	location, err := r.uploader.Upload(ctx, objectPath, contentType(format), rec.Reader)
	if err != nil {
		return "", fmt.Errorf("upload recording for %s: %w", callSid, err)
	}
	return location, nil
}

func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}
