package task

import (
	"context"
	"errors"

	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"go.uber.org/zap"
)

type filler struct {
	task    Task
	session Session
	done    chan struct{}
}

func (f *filler) Name() string          { return f.task.Name() }
func (f *filler) Kill()                 { f.task.Kill(f.session) }
func (f *filler) Done() <-chan struct{} { return f.done }

// FillerLauncher returns a delay.Launcher that plays filler verbs on the session's endpoint.
// Done closes only after the filler's audio has actually ended.
func FillerLauncher(ctx context.Context, s Session) delay.Launcher {
	return func(desc map[string]any) (delay.Filler, error) {
		t, err := New(desc, nil)
		if err != nil {
			return nil, err
		}
		res, err := s.Resources(ctx, t.Precondition())
		if err != nil {
			return nil, err
		}
		f := &filler{task: t, session: s, done: make(chan struct{})}
		go func() {
			defer close(f.done)
			if err := t.Exec(ctx, s, res); err != nil && !errors.Is(err, ErrKilled) {
				s.Logger().Warn("Filler action failed", zap.String("verb", t.Name()), zap.Error(err))
			}
		}()
		return f, nil
	}
}
