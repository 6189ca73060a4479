package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/verb"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrKilled           = errors.New("task killed")
	ErrNoEndpoint       = errors.New("no media endpoint for call")
	ErrCallAnswered     = errors.New("call already answered")
	ErrActionHookGiveUp = errors.New("gave up waiting for action hook response")
	ErrNotWaiting       = errors.New("task is not waiting for this notification")
)

// State of a task. Killed implies Done.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDone
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

// Precondition names the resources a call session must resolve before Exec
type Precondition int

const (
	PreconditionNone Precondition = iota
	RequiresMediaEndpoint
	RequiresUnansweredCall
	RequiresStableDialog
)

// Resources are borrowed from the call session for the lifetime of one Exec
type Resources struct {
	Endpoint media.Endpoint
	Dialog   media.Dialog
}

// Task is the runtime instance of one verb
type Task interface {
	Name() string
	ID() string
	// Verb returns the single-key description the task was built from, without hand-off parameters
	Verb() map[string]any
	Precondition() Precondition
	State() State
	Parent() Task

	// Exec performs the verb and returns when it completes or is killed
	Exec(ctx context.Context, s Session, res Resources) error
	// Kill is idempotent and always signals completion before it returns
	Kill(s Session)
	Done() <-chan struct{}
}

// Notification is an out-of-band event for the task currently running on a call
type Notification struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifiable tasks accept notifications routed to their call
type Notifiable interface {
	Notify(ctx context.Context, s Session, n Notification) error
}

// RecordingSink stores finished call recordings
type RecordingSink interface {
	Store(ctx context.Context, callSid string, rec *media.Recording) (string, error)
}

// Settings are per-process values a session hands to its tasks
type Settings struct {
	LocalAddress        string
	BaseURL             string
	BridgeTimeout       time.Duration
	WaitHookMinInterval time.Duration
	Synthesizer         speech.Vendor
	Recognizer          speech.Vendor
}

// NotifyURL is where other processes reach a task waiting on callSid
func (s Settings) NotifyURL(kind, callSid string) string {
	return fmt.Sprintf("%s/v1/%s/%s", strings.TrimSuffix(s.BaseURL, "/"), kind, callSid)
}

// Session is what a task sees of the call it runs on
type Session interface {
	CallSid() string
	AccountSid() string
	// CallInfo is merged into every webhook payload
	CallInfo() map[string]any
	Logger() *zap.Logger
	Clock() clock.Clock
	Settings() Settings

	Resources(ctx context.Context, pre Precondition) (Resources, error)
	Requestor() webhook.Requestor
	Notifier() webhook.Notifier
	Store() redis.RedisServiceInterface
	Bridges() *BridgeRegistry
	Delay() *delay.Processor
	Background() BackgroundManager
	Credentials() speech.CredentialResolver
	// Recordings is nil when the account has no recording destination
	Recordings() RecordingSink
	// Dialer is nil when the signaling stack cannot place outbound legs
	Dialer() media.Dialer

	// ReplaceApplication swaps the rest of the program; the running task is killed unless it is from
	ReplaceApplication(ctx context.Context, program []map[string]any, from Task) error
	// Handoff moves the call, starting with from, to the process at sipAddress
	Handoff(ctx context.Context, sipAddress string, params map[string]any, from Task) error
	SetCustomerData(data map[string]any)
	SetSpeechDefaults(usage speech.Usage, v speech.Vendor)
	Alert(ctx context.Context, kind string, fields map[string]any)
	Hangup(ctx context.Context, headers map[string]string) error
}

// Base carries the lifecycle shared by every verb
type Base struct {
	self         Task
	name         string
	id           string
	params       map[string]any
	parent       Task
	precondition Precondition

	mu       sync.Mutex
	state    State
	killed   bool
	cancel   context.CancelFunc
	children []Task
	cleanups []func()
	log      *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

func (b *Base) init(self Task, name string, params map[string]any, pre Precondition, parent Task) {
	b.self = self
	b.name = name
	b.id = uuid.NewString()
	b.params = params
	b.parent = parent
	b.precondition = pre
	b.log = zap.NewNop()
	b.done = make(chan struct{})
}

func (b *Base) Name() string               { return b.name }
func (b *Base) ID() string                 { return b.id }
func (b *Base) Parent() Task               { return b.parent }
func (b *Base) Precondition() Precondition { return b.precondition }
func (b *Base) Done() <-chan struct{}      { return b.done }

func (b *Base) Verb() map[string]any {
	return map[string]any{b.name: withoutReserved(b.params)}
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.killed {
		return StateKilled
	}
	return b.state
}

// reserved returns the hand-off parameters carried by this verb
func (b *Base) reserved() map[string]any {
	r, _ := b.params[verb.ReservedProperty].(map[string]any)
	return r
}

// begin binds the task to its session and returns the context Exec must honor
func (b *Base) begin(ctx context.Context, s Session) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.killed {
		return ctx, ErrKilled
	}
	b.state = StateRunning
	b.log = s.Logger().With(zap.String("task", b.name), zap.String("task_id", b.id))
	ctx, b.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (b *Base) logger() *zap.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log
}

func (b *Base) isKilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.killed
}

// Kill cancels the task, kills its children and signals completion
func (b *Base) Kill(s Session) {
	b.mu.Lock()
	if b.killed || b.state == StateDone {
		b.mu.Unlock()
		return
	}
	b.killed = true
	cancel := b.cancel
	children := append([]Task(nil), b.children...)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range children {
		c.Kill(s)
	}
	b.finish()
}

// finish releases everything the task registered and closes Done exactly once
func (b *Base) finish() {
	b.doneOnce.Do(func() {
		b.mu.Lock()
		if !b.killed {
			b.state = StateDone
		}
		cancel := b.cancel
		cleanups := b.cleanups
		b.cleanups = nil
		b.mu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if cancel != nil {
			cancel()
		}
		close(b.done)
	})
}

// onCleanup registers fn to run when the task finishes or is killed
func (b *Base) onCleanup(fn func()) {
	b.mu.Lock()
	if b.state != StateDone && !b.killed {
		b.cleanups = append(b.cleanups, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// adopt makes child owned by this task; a child adopted after Kill is killed at once
func (b *Base) adopt(s Session, child Task) {
	b.mu.Lock()
	if b.killed {
		b.mu.Unlock()
		child.Kill(s)
		return
	}
	b.children = append(b.children, child)
	b.mu.Unlock()
}

func (b *Base) release(child Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.children {
		if c == child {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

// subscribe listens to an endpoint event until the task finishes
func (b *Base) subscribe(ep media.Endpoint, eventType event.EventType, handler event.EventHandler) error {
	unsubscribe, err := ep.Events().Subscribe(eventType, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	b.onCleanup(unsubscribe)
	return nil
}

// runChild executes a nested verb owned by this task
func (b *Base) runChild(ctx context.Context, s Session, res Resources, child Task) error {
	b.adopt(s, child)
	defer b.release(child)
	return child.Exec(ctx, s, res)
}

// afterFunc schedules fn on the session clock and stops the timer when the task finishes
func (b *Base) afterFunc(s Session, d time.Duration, fn func()) clock.Timer {
	t := s.Clock().AfterFunc(d, fn)
	b.onCleanup(func() { t.Stop() })
	return t
}
