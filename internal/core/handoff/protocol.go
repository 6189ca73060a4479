package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/verb"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTTL               = 30 * time.Second
	DefaultCompletionTimeout = 10 * time.Second

	referUserPrefix = "handoff-"
)

var ErrEmptyProgram = errors.New("nothing left to transfer")

// ErrNoTransfer means no program was waiting under the uuid: never written, already consumed, or expired
var ErrNoTransfer = errors.New("no call transfer pending")

// Outcome of waiting for a handoff to complete
type Outcome string

const (
	OutcomeHangup   Outcome = "hangup"
	OutcomeConsumed Outcome = "consumed"
	OutcomeTimeout  Outcome = "timeout"
)

// Protocol moves the rest of a call's program to a sibling process: write the program
// under a uuid with a TTL, then REFER the dialog to a URI carrying that uuid.
type Protocol struct {
	store             redis.RedisServiceInterface
	bus               Bus
	clk               clock.Clock
	log               *zap.Logger
	ttl               time.Duration
	completionTimeout time.Duration
	localAddress      string

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	consumed chan struct{}
	once     sync.Once
}

func (w *waiter) signal() { w.once.Do(func() { close(w.consumed) }) }

type Option func(*Protocol)

func WithTTL(ttl time.Duration) Option {
	return func(p *Protocol) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithCompletionTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.completionTimeout = d
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(p *Protocol) { p.clk = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Protocol) { p.log = log }
}

func NewProtocol(store redis.RedisServiceInterface, bus Bus, localAddress string, opts ...Option) *Protocol {
	p := &Protocol{
		store:             store,
		bus:               bus,
		clk:               clock.NewReal(),
		log:               zap.NewNop(),
		ttl:               DefaultTTL,
		completionTimeout: DefaultCompletionTimeout,
		localAddress:      localAddress,
		waiters:           make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start listens for consumed notifications from other processes
func (p *Protocol) Start(ctx context.Context) error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Subscribe(ctx, func(evt ConsumedEvent) {
		p.mu.Lock()
		w, ok := p.waiters[evt.UUID]
		p.mu.Unlock()
		if ok {
			w.signal()
		}
	})
}

// Prepare deep-copies a program and attaches params to the first verb under the reserved property
func Prepare(program []map[string]any, params map[string]any) ([]map[string]any, error) {
	if len(program) == 0 {
		return nil, ErrEmptyProgram
	}
	data, err := json.Marshal(program)
	if err != nil {
		return nil, fmt.Errorf("serialize program: %w", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy program: %w", err)
	}
	if len(params) == 0 {
		return out, nil
	}
	for _, body := range out[0] {
		obj, ok := body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("first verb is not an object")
		}
		reserved, _ := obj[verb.ReservedProperty].(map[string]any)
		if reserved == nil {
			reserved = make(map[string]any, len(params))
		}
		for k, v := range params {
			reserved[k] = v
		}
		obj[verb.ReservedProperty] = reserved
	}
	return out, nil
}

// ReferTo builds the target URI for a handoff to the process at sipAddress
func ReferTo(id, sipAddress string) string {
	return fmt.Sprintf("sip:%s%s@%s", referUserPrefix, id, sipAddress)
}

// ParseReferTarget extracts the handoff uuid from a request URI, if it carries one
func ParseReferTarget(uri string) (string, bool) {
	user := strings.TrimPrefix(strings.TrimPrefix(uri, "sips:"), "sip:")
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if !strings.HasPrefix(user, referUserPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(user, referUserPrefix)
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

func (p *Protocol) key(id string) string {
	return p.store.GenerateKey(redis.HANDOFF, id)
}

// Write stores a prepared program and returns its uuid
func (p *Protocol) Write(ctx context.Context, program []map[string]any) (string, error) {
	data, err := json.Marshal(program)
	if err != nil {
		return "", fmt.Errorf("serialize program: %w", err)
	}
	id := uuid.NewString()
	if err := p.store.SetValue(ctx, p.key(id), string(data), p.ttl); err != nil {
		return "", fmt.Errorf("store handoff %s: %w", id, err)
	}
	return id, nil
}

// Transfer hands the call to sipAddress. The result covers only the signaling step;
// on REFER failure the stored program is removed and the error returned.
func (p *Protocol) Transfer(ctx context.Context, dialog media.Dialog, sipAddress string, program []map[string]any, params map[string]any) (string, error) {
	prepared, err := Prepare(program, params)
	if err != nil {
		return "", err
	}
	id, err := p.Write(ctx, prepared)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.waiters[id] = &waiter{consumed: make(chan struct{})}
	p.mu.Unlock()

	target := ReferTo(id, sipAddress)
	if err := dialog.Refer(ctx, target); err != nil {
		p.forget(id)
		if _, delErr := p.store.DeleteKey(ctx, p.key(id)); delErr != nil {
			p.log.Warn("Failed to remove handoff record", zap.String("uuid", id), zap.Error(delErr))
		}
		return "", fmt.Errorf("refer to %s: %w", target, err)
	}
	p.log.Info("Call handed off",
		zap.String("call_id", dialog.CallID()),
		zap.String("uuid", id),
		zap.String("target", sipAddress),
		zap.Int("verbs", len(prepared)))
	return id, nil
}

func (p *Protocol) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// AwaitCompletion waits for the far side to take over after a successful Transfer:
// a BYE on the dialog or a consumed notification. On timeout the dialog is destroyed.
func (p *Protocol) AwaitCompletion(ctx context.Context, dialog media.Dialog, id string) Outcome {
	p.mu.Lock()
	w, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		w = &waiter{consumed: make(chan struct{})}
	}
	defer p.forget(id)

	select {
	case <-dialog.Destroyed():
		return OutcomeHangup
	case <-w.consumed:
		return OutcomeConsumed
	case <-ctx.Done():
		return OutcomeHangup
	case <-p.clk.After(p.completionTimeout):
		p.log.Warn("Handoff did not complete, releasing dialog", zap.String("uuid", id))
		if err := dialog.Destroy(context.WithoutCancel(ctx), nil); err != nil {
			p.log.Warn("Failed to destroy dialog", zap.String("uuid", id), zap.Error(err))
		}
		return OutcomeTimeout
	}
}

// Consume reads and removes a transferred program. It returns ErrNoTransfer when the
// record is absent or its TTL has elapsed.
func (p *Protocol) Consume(ctx context.Context, id, callSid string) ([]map[string]any, error) {
	data, err := p.store.GetDelValue(ctx, p.key(id))
	if errors.Is(err, redis.ErrKeyNotExist) {
		return nil, ErrNoTransfer
	}
	if err != nil {
		return nil, fmt.Errorf("read handoff %s: %w", id, err)
	}
	var program []map[string]any
	if err := json.Unmarshal([]byte(data), &program); err != nil {
		return nil, fmt.Errorf("decode handoff %s: %w", id, err)
	}

	if p.bus != nil {
		evt := ConsumedEvent{UUID: id, CallSid: callSid, SipAddress: p.localAddress}
		if err := p.bus.Publish(ctx, evt); err != nil {
			p.log.Warn("Failed to publish handoff consumed", zap.String("uuid", id), zap.Error(err))
		}
	}
	return program, nil
}
