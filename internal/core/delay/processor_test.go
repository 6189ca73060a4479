package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiller struct {
	name   string
	done   chan struct{}
	once   sync.Once
	killed bool
	mu     sync.Mutex
}

func newFakeFiller(name string) *fakeFiller {
	return &fakeFiller{name: name, done: make(chan struct{})}
}

func (f *fakeFiller) Name() string          { return f.name }
func (f *fakeFiller) Done() <-chan struct{} { return f.done }

func (f *fakeFiller) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.finish()
}

func (f *fakeFiller) finish() { f.once.Do(func() { close(f.done) }) }

func (f *fakeFiller) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type launcher struct {
	mu      sync.Mutex
	fillers []*fakeFiller
	times   []time.Time
	clk     clock.Clock

	// autoFinish completes fillers as soon as they start
	autoFinish bool
}

func (l *launcher) launch(verb map[string]any) (Filler, error) {
	var name string
	for k := range verb {
		name = k
	}
	f := newFakeFiller(name)
	l.mu.Lock()
	l.fillers = append(l.fillers, f)
	l.times = append(l.times, l.clk.Now())
	l.mu.Unlock()
	if l.autoFinish {
		f.finish()
	}
	return f, nil
}

func (l *launcher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fillers)
}

func (l *launcher) last() *fakeFiller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fillers[len(l.fillers)-1]
}

func config(t *testing.T, params map[string]any) *Config {
	t.Helper()
	cfg, err := ParseConfig(params)
	require.NoError(t, err)
	return cfg
}

var sayAction = map[string]any{"say": map[string]any{"text": "one moment please"}}
var playAction = map[string]any{"play": map[string]any{"url": "https://example.com/hold.mp3"}}

func TestParseConfigDefaults(t *testing.T) {
	cfg := config(t, map[string]any{"actions": []any{sayAction}})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 1, cfg.Retries)
	assert.Equal(t, time.Duration(0), cfg.NoResponseTimeout)
	assert.Equal(t, time.Duration(0), cfg.NoResponseGiveUpTimeout)

	cfg = config(t, map[string]any{"enabled": true})
	assert.False(t, cfg.Enabled, "no actions means nothing to play")

	_, err := ParseConfig(map[string]any{"actions": []any{map[string]any{"gather": map[string]any{}}}})
	assert.Error(t, err)
}

func TestBoundedRetries(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	l := &launcher{clk: clk, autoFinish: true}
	p := NewProcessor(l.launch, clk, nil)
	p.SetConfig(config(t, map[string]any{
		"actions":           []any{sayAction, playAction},
		"retries":           float64(2),
		"noResponseTimeout": float64(5),
	}))
	start := clk.Now()
	require.True(t, p.Start())

	clk.Advance(5 * time.Second)
	require.Equal(t, 1, l.count())
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)

	clk.Advance(5 * time.Second)
	require.Equal(t, 2, l.count())

	time.Sleep(10 * time.Millisecond)
	clk.Advance(time.Minute)
	assert.Equal(t, 2, l.count())
	assert.Equal(t, 0, clk.Pending())

	assert.Equal(t, []time.Time{start.Add(5 * time.Second), start.Add(10 * time.Second)}, l.times)
	assert.Equal(t, "say", l.fillers[0].name)
	assert.Equal(t, "play", l.fillers[1].name)

	p.Stop(context.Background())
	assert.False(t, p.Active())
}

func TestZeroTimeoutFiresImmediately(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	l := &launcher{clk: clk, autoFinish: true}
	p := NewProcessor(l.launch, clk, nil)
	p.SetConfig(config(t, map[string]any{"actions": []any{sayAction}}))
	require.True(t, p.Start())

	clk.Advance(minTimeout)
	assert.Equal(t, 1, l.count())
	p.Stop(context.Background())
}

func TestStartIsReentrant(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	l := &launcher{clk: clk}
	p := NewProcessor(l.launch, clk, nil)
	p.SetConfig(config(t, map[string]any{"actions": []any{sayAction}, "noResponseTimeout": float64(1)}))

	require.True(t, p.Start())
	assert.False(t, p.Start())
	assert.Equal(t, 1, clk.Pending())
	p.Stop(context.Background())
	assert.Equal(t, 0, clk.Pending())
}

func TestGiveUpFiresOnceWhileFillerPlays(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	l := &launcher{clk: clk}
	p := NewProcessor(l.launch, clk, nil)
	p.SetConfig(config(t, map[string]any{
		"actions":                 []any{playAction},
		"retries":                 float64(10),
		"noResponseTimeout":       float64(1),
		"noResponseGiveUpTimeout": float64(3),
	}))
	require.True(t, p.Start())
	giveUp := p.GiveUp()

	clk.Advance(time.Second)
	require.Equal(t, 1, l.count())
	filler := l.last()

	clk.Advance(2 * time.Second)
	select {
	case <-giveUp:
	default:
		t.Fatal("give-up signal did not fire")
	}
	assert.False(t, p.Active())
	assert.True(t, filler.wasKilled())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, l.count())
	p.Stop(context.Background())
}

func TestStopLetsSayFinishButKillsPlay(t *testing.T) {
	clk := clock.NewManual(time.Time{})

	l := &launcher{clk: clk}
	p := NewProcessor(l.launch, clk, nil)
	p.SetConfig(config(t, map[string]any{"actions": []any{sayAction}}))
	require.True(t, p.Start())
	clk.Advance(minTimeout)
	say := l.last()

	stopped := make(chan struct{})
	go func() {
		p.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned before the utterance finished")
	case <-time.After(20 * time.Millisecond):
	}
	say.finish()
	<-stopped
	assert.False(t, say.wasKilled())

	l2 := &launcher{clk: clk}
	p2 := NewProcessor(l2.launch, clk, nil)
	p2.SetConfig(config(t, map[string]any{"actions": []any{playAction}}))
	require.True(t, p2.Start())
	clk.Advance(minTimeout)
	p2.Stop(context.Background())
	assert.True(t, l2.last().wasKilled())
}

func TestPushPopRestoresConfig(t *testing.T) {
	p := NewProcessor(nil, clock.NewManual(time.Time{}), nil)
	session := config(t, map[string]any{"actions": []any{sayAction}, "retries": float64(3)})
	verb := config(t, map[string]any{"actions": []any{playAction}, "retries": float64(1)})

	p.SetConfig(session)
	p.Push(verb)
	assert.Same(t, verb, p.Config())
	p.Pop()
	assert.Same(t, session, p.Config())
	p.Pop()
	assert.Nil(t, p.Config())
	assert.False(t, p.Enabled())
}

// gatedLauncher holds every launch until release is closed
type gatedLauncher struct {
	launcher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLauncher) launch(verb map[string]any) (Filler, error) {
	close(g.entered)
	<-g.release
	return g.launcher.launch(verb)
}

func TestStopWaitsForFillerStillLaunching(t *testing.T) {
	for _, tc := range []struct {
		name   string
		action map[string]any
		killed bool
	}{
		{"say", sayAction, false},
		{"play", playAction, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(time.Time{})
			g := &gatedLauncher{
				launcher: launcher{clk: clk},
				entered:  make(chan struct{}),
				release:  make(chan struct{}),
			}
			p := NewProcessor(g.launch, clk, nil)
			p.SetConfig(config(t, map[string]any{"actions": []any{tc.action}}))
			require.True(t, p.Start())

			go clk.Advance(minTimeout)
			<-g.entered

			stopped := make(chan struct{})
			go func() {
				p.Stop(context.Background())
				close(stopped)
			}()
			select {
			case <-stopped:
				t.Fatal("stop returned while a filler was launching")
			case <-time.After(20 * time.Millisecond):
			}
			assert.False(t, p.Active())

			close(g.release)
			require.Eventually(t, func() bool { return g.count() == 1 }, time.Second, time.Millisecond)
			filler := g.last()
			if !tc.killed {
				select {
				case <-stopped:
					t.Fatal("stop returned before the utterance finished")
				case <-time.After(20 * time.Millisecond):
				}
				filler.finish()
			}
			<-stopped
			assert.Equal(t, tc.killed, filler.wasKilled())
		})
	}
}
