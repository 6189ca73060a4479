package task

import "context"

// Category names a background slot; a call runs at most one task per category
type Category string

const (
	CategoryListen     Category = "listen"
	CategoryTranscribe Category = "transcribe"
	CategoryRecord     Category = "record"
	CategoryTTSStream  Category = "ttsStream"
	CategoryBargeIn    Category = "bargeIn"
)

// BackgroundManager runs tasks alongside the foreground program of a call
type BackgroundManager interface {
	// NewTask returns the running task for category, starting it if absent. A nil task
	// with a nil error means the category is not configured for this call.
	NewTask(ctx context.Context, category Category, params map[string]any, sticky bool) (Task, error)
	Stop(ctx context.Context, category Category)
	StopAll(ctx context.Context)
	Get(category Category) Task
}
