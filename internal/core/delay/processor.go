package delay

import (
	"context"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
	"go.uber.org/zap"
)

// minTimeout is what a zero noResponseTimeout is normalized to
const minTimeout = time.Millisecond

// Filler is one running filler action
type Filler interface {
	// Name is the verb name, "say" or "play"
	Name() string
	// Kill interrupts the filler immediately
	Kill()
	Done() <-chan struct{}
}

// Launcher starts a filler for a single-verb description
type Launcher func(verb map[string]any) (Filler, error)

// Processor plays filler actions on a schedule while a webhook response is outstanding.
// Configurations form a LIFO stack so a verb-level configuration can be applied
// on top of the session-level one and removed afterwards.
type Processor struct {
	launch Launcher
	clk    clock.Clock
	log    *zap.Logger

	mu         sync.Mutex
	cfg        *Config
	stack      []*Config
	active     bool
	generation uint64
	retryCount int
	timer      clock.Timer
	giveUp     clock.Timer
	filler     Filler
	gaveUp     chan struct{}

	// launching is closed once an in-flight launch has settled. A filler
	// that came up after the processor was halted is parked in late.
	launching chan struct{}
	late      Filler
}

func NewProcessor(launch Launcher, clk clock.Clock, log *zap.Logger) *Processor {
	if clk == nil {
		clk = clock.NewReal()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		launch: launch,
		clk:    clk,
		log:    log.With(zap.String("component", "action_hook_delay")),
		gaveUp: make(chan struct{}),
	}
}

// SetConfig replaces the configuration at the top of the stack
func (p *Processor) SetConfig(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Push stashes the current configuration and applies cfg
func (p *Processor) Push(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack = append(p.stack, p.cfg)
	p.cfg = cfg
}

// Pop restores the configuration stashed by the matching Push
func (p *Processor) Pop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stack) == 0 {
		p.cfg = nil
		return
	}
	p.cfg = p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
}

// Config returns the configuration in effect
func (p *Processor) Config() *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Enabled reports whether Start would activate the processor
func (p *Processor) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg != nil && p.cfg.Enabled
}

func (p *Processor) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start activates the processor. It returns false when the processor is disabled
// or already active, in which case the caller must not Stop it.
func (p *Processor) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active || p.cfg == nil || !p.cfg.Enabled {
		return false
	}
	p.active = true
	p.generation++
	p.retryCount = 0
	p.gaveUp = make(chan struct{})

	gen := p.generation
	p.scheduleLocked(gen)
	if p.cfg.NoResponseGiveUpTimeout > 0 {
		p.giveUp = p.clk.AfterFunc(p.cfg.NoResponseGiveUpTimeout, func() { p.onGiveUp(gen) })
	}
	p.log.Debug("Action hook delay started",
		zap.Duration("no_response_timeout", p.cfg.NoResponseTimeout),
		zap.Int("retries", p.cfg.Retries))
	return true
}

// GiveUp is closed when the give-up timeout of the current activation fires
func (p *Processor) GiveUp() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gaveUp
}

// Stop deactivates the processor and returns once any in-flight filler has ended.
// A say filler is allowed to finish its utterance; a play filler is interrupted.
func (p *Processor) Stop(ctx context.Context) {
	f, launching := p.halt()
	if launching != nil {
		<-launching
		if late := p.takeLate(); late != nil {
			f = late
		}
	}
	if f == nil {
		return
	}
	if f.Name() != "say" {
		f.Kill()
	}
	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Kill()
		<-f.Done()
	}
}

func (p *Processor) halt() (Filler, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, nil
	}
	return p.haltLocked(), p.launching
}

func (p *Processor) haltLocked() Filler {
	if !p.active {
		return nil
	}
	p.active = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.giveUp != nil {
		p.giveUp.Stop()
		p.giveUp = nil
	}
	f := p.filler
	p.filler = nil
	return f
}

func (p *Processor) takeLate() Filler {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.late
	p.late = nil
	return f
}

func (p *Processor) scheduleLocked(gen uint64) {
	if p.retryCount >= p.cfg.Retries {
		return
	}
	d := p.cfg.NoResponseTimeout
	if d <= 0 {
		d = minTimeout
	}
	p.timer = p.clk.AfterFunc(d, func() { p.onTimeout(gen) })
}

func (p *Processor) onTimeout(gen uint64) {
	p.mu.Lock()
	if !p.active || p.generation != gen || p.filler != nil || p.launching != nil {
		if p.active && p.generation == gen {
			p.timer = nil
		}
		p.mu.Unlock()
		return
	}
	p.timer = nil
	action := p.cfg.Actions[p.retryCount%len(p.cfg.Actions)]
	p.retryCount++
	attempt := p.retryCount
	launching := make(chan struct{})
	p.launching = launching
	p.mu.Unlock()

	f, err := p.launch(action)

	p.mu.Lock()
	p.launching = nil
	live := p.active && p.generation == gen
	switch {
	case err != nil:
		if live {
			p.scheduleLocked(gen)
		}
	case live:
		p.filler = f
	default:
		p.late = f
	}
	if !live && p.active && p.timer == nil && p.filler == nil {
		// a newer activation skipped its timeout while this launch was in flight
		p.scheduleLocked(p.generation)
	}
	p.mu.Unlock()
	close(launching)

	if err != nil {
		p.log.Warn("Failed to launch filler action", zap.Int("attempt", attempt), zap.Error(err))
		return
	}
	if !live {
		return
	}
	p.log.Debug("Filler action started", zap.String("verb", f.Name()), zap.Int("attempt", attempt))

	go p.watch(gen, f)
}

func (p *Processor) watch(gen uint64, f Filler) {
	<-f.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filler == f {
		p.filler = nil
	}
	if p.active && p.generation == gen {
		p.scheduleLocked(gen)
	}
}

func (p *Processor) onGiveUp(gen uint64) {
	p.mu.Lock()
	if !p.active || p.generation != gen {
		p.mu.Unlock()
		return
	}
	launching := p.launching
	f := p.haltLocked()
	ch := p.gaveUp
	p.mu.Unlock()

	p.log.Info("Action hook delay gave up waiting for a response")
	close(ch)
	if f != nil {
		f.Kill()
	}
	if launching != nil {
		go func() {
			<-launching
			if late := p.takeLate(); late != nil {
				late.Kill()
			}
		}()
	}
}
