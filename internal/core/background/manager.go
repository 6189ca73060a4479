// Package background runs the verbs a call keeps alive next to its foreground program:
// transcription, recording, audio forks, streaming synthesis and the sticky bargein listener.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-call-control/internal/core/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "astra-call-control"

// categoryVerbs maps each category to the verb it runs
var categoryVerbs = map[task.Category]string{
	task.CategoryBargeIn:    "gather",
	task.CategoryRecord:     "record",
	task.CategoryTranscribe: "transcribe",
	task.CategoryListen:     "listen",
	task.CategoryTTSStream:  "stream",
}

// ErrUnknownCategory is returned for a category with no background verb
var ErrUnknownCategory = errors.New("unknown background category")

type supervisorState int

const (
	supervisorRunning supervisorState = iota
	supervisorStopping
	supervisorStopped
)

// entry is one occupied category slot. The supervisor owns task replacement for sticky entries.
type entry struct {
	category task.Category
	params   map[string]any
	sticky   bool
	span     trace.Span

	mu    sync.Mutex
	task  task.Task
	state supervisorState

	endOnce sync.Once
	done    chan struct{}
}

func (e *entry) current() task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

// end closes the span once, whichever of stop or completion gets there first
func (e *entry) end(err error) {
	e.endOnce.Do(func() {
		if err != nil {
			e.span.RecordError(err)
			e.span.SetStatus(codes.Error, err.Error())
		}
		e.span.End()
		e.mu.Lock()
		e.state = supervisorStopped
		e.mu.Unlock()
		close(e.done)
	})
}

// Manager is the per-call registry of background tasks, at most one per category
type Manager struct {
	ctx     context.Context
	session task.Session
	log     *zap.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	entries map[task.Category]*entry
	closing bool
}

// NewManager creates a manager whose tasks live until ctx ends or StopAll is called
func NewManager(ctx context.Context, s task.Session) *Manager {
	return &Manager{
		ctx:     ctx,
		session: s,
		log:     s.Logger().With(zap.String("component", "background")),
		tracer:  otel.Tracer(tracerName),
		entries: make(map[task.Category]*entry),
	}
}

func (m *Manager) Get(category task.Category) task.Task {
	m.mu.Lock()
	e := m.entries[category]
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	return e.current()
}

// NewTask starts category unless it is already running, in which case the running task is returned
func (m *Manager) NewTask(ctx context.Context, category task.Category, params map[string]any, sticky bool) (task.Task, error) {
	name, ok := categoryVerbs[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, nil
	}
	if e := m.entries[category]; e != nil {
		m.mu.Unlock()
		return e.current(), nil
	}
	m.mu.Unlock()

	if category == task.CategoryRecord && m.session.Recordings() == nil {
		m.log.Info("Recording requested but no destination is configured")
		return nil, nil
	}

	t, err := task.New(map[string]any{name: params}, nil)
	if err != nil {
		return nil, fmt.Errorf("background %s: %w", category, err)
	}
	res, err := m.session.Resources(ctx, t.Precondition())
	if err != nil {
		return nil, fmt.Errorf("background %s: %w", category, err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, nil
	}
	if e := m.entries[category]; e != nil {
		m.mu.Unlock()
		return e.current(), nil
	}
	_, span := m.tracer.Start(m.ctx, "background:"+string(category), trace.WithAttributes(
		attribute.String("call_sid", m.session.CallSid()),
		attribute.String("verb", name),
		attribute.Bool("sticky", sticky),
	))
	e := &entry{
		category: category,
		params:   params,
		sticky:   sticky,
		span:     span,
		task:     t,
		done:     make(chan struct{}),
	}
	m.entries[category] = e
	m.mu.Unlock()

	m.log.Info("Background task started",
		zap.String("category", string(category)),
		zap.Bool("sticky", sticky))
	go m.supervise(e, res)
	return t, nil
}

// supervise runs the entry's task, restarting sticky tasks after each natural completion
func (m *Manager) supervise(e *entry, res task.Resources) {
	log := m.log.With(zap.String("category", string(e.category)))
	for {
		t := e.current()
		err := t.Exec(m.ctx, m.session, res)
		if err != nil && !errors.Is(err, task.ErrKilled) {
			log.Warn("Background task failed", zap.Error(err))
			m.session.Alert(m.ctx, "background_task_failed", map[string]any{
				"category": string(e.category),
				"error":    err.Error(),
			})
			m.remove(e, err)
			return
		}
		if !m.shouldRestart(e) {
			m.remove(e, nil)
			return
		}

		next, err := task.New(map[string]any{categoryVerbs[e.category]: e.params}, nil)
		if err != nil {
			log.Error("Failed to restart sticky background task", zap.Error(err))
			m.remove(e, err)
			return
		}
		e.mu.Lock()
		if e.state != supervisorRunning {
			e.mu.Unlock()
			m.remove(e, nil)
			return
		}
		e.task = next
		e.mu.Unlock()
		log.Debug("Restarting sticky background task")
	}
}

func (m *Manager) shouldRestart(e *entry) bool {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sticky && e.state == supervisorRunning && !closing && m.ctx.Err() == nil
}

// remove clears the slot if e still holds it and ends the entry exactly once
func (m *Manager) remove(e *entry, err error) {
	m.mu.Lock()
	if m.entries[e.category] == e {
		delete(m.entries, e.category)
	}
	m.mu.Unlock()
	e.end(err)
}

// Stop kills the task in category; stopping an absent category does nothing
func (m *Manager) Stop(ctx context.Context, category task.Category) {
	m.mu.Lock()
	e := m.entries[category]
	if e != nil {
		delete(m.entries, category)
	}
	m.mu.Unlock()
	if e == nil {
		m.log.Debug("No background task to stop", zap.String("category", string(category)))
		return
	}
	m.stopEntry(ctx, e)
}

func (m *Manager) stopEntry(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.state == supervisorRunning {
		e.state = supervisorStopping
	}
	t := e.task
	e.mu.Unlock()

	t.Kill(m.session)
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	m.log.Info("Background task stopped", zap.String("category", string(e.category)))
}

// StopAll stops every category and refuses new tasks; used at call teardown
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.closing = true
	entries := make([]*entry, 0, len(m.entries))
	for cat, e := range m.entries {
		entries = append(entries, e)
		delete(m.entries, cat)
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.stopEntry(ctx, e)
	}
}
