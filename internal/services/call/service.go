// Package call runs the verb programs of the calls owned by this process and routes
// notifications and hangup requests to them.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "astra-call-control"

// CallService is the registry of live call sessions on this process
type CallService struct {
	cfg     Config
	deps    Dependencies
	bridges *task.BridgeRegistry
	tracer  trace.Tracer

	calls map[string]*CallSession
	mutex sync.RWMutex
	wg    sync.WaitGroup
}

func NewCallService(cfg Config, deps Dependencies) *CallService {
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.Requestors == nil {
		deps.Requestors = func(c httpadapter.RequestorConfig) webhook.Requestor {
			return httpadapter.NewRequestor(c)
		}
	}
	return &CallService{
		cfg:     cfg,
		deps:    deps,
		bridges: task.NewBridgeRegistry(),
		tracer:  otel.Tracer(tracerName),
		calls:   make(map[string]*CallSession),
	}
}

// Start subscribes to the cross-process channels the service depends on
func (s *CallService) Start(ctx context.Context) error {
	if s.deps.Handoff != nil {
		if err := s.deps.Handoff.Start(ctx); err != nil {
			return fmt.Errorf("start handoff listener: %w", err)
		}
	}
	if s.deps.Registry != nil {
		if err := s.deps.Registry.SubscribeToHangup(ctx, s.hangupBroadcast); err != nil {
			return fmt.Errorf("subscribe to hangups: %w", err)
		}
	}
	logger.Base().Info("Call service started", zap.String("sip_address", s.cfg.SipAddress))
	return nil
}

// Accept starts a session for a new call leg. An error means the call was rejected and
// its dialog released; application failures after that end the call from inside the session.
func (s *CallService) Accept(ctx context.Context, in IncomingCall) (*CallSession, error) {
	if in.Dialog == nil {
		return nil, errors.New("incoming call has no dialog")
	}
	if in.CallSid == "" {
		in.CallSid = uuid.New().String()
	}

	account, err := s.deps.Accounts.GetAccount(ctx, in.AccountSid)
	if err != nil {
		logger.Base().Warn("Rejecting call for unknown account",
			zap.String("call_sid", in.CallSid),
			zap.String("account_sid", in.AccountSid),
			zap.Error(err))
		s.reject(ctx, in)
		return nil, fmt.Errorf("resolve account %s: %w", in.AccountSid, err)
	}

	cs := newCallSession(s, in, account)
	s.mutex.Lock()
	if _, exists := s.calls[in.CallSid]; exists {
		s.mutex.Unlock()
		cs.cancel()
		cs.span.End()
		cs.requestor.Close()
		s.reject(ctx, in)
		return nil, fmt.Errorf("call %s is already running", in.CallSid)
	}
	s.calls[in.CallSid] = cs
	s.mutex.Unlock()

	s.register(ctx, cs)
	cs.log.Info("Call accepted",
		zap.String("from", in.From),
		zap.String("to", in.To),
		zap.String("direction", in.Direction))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cs.run()
	}()
	return cs, nil
}

func (s *CallService) reject(ctx context.Context, in IncomingCall) {
	if err := in.Dialog.Destroy(context.WithoutCancel(ctx), nil); err != nil {
		logger.Base().Warn("Failed to release rejected call", zap.String("call_sid", in.CallSid), zap.Error(err))
	}
}

func (s *CallService) register(ctx context.Context, cs *CallSession) {
	if s.deps.Registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	err := s.deps.Registry.Register(ctx, session.CallInfo{
		CallSid:    cs.call.CallSid,
		AccountSid: cs.call.AccountSid,
		Direction:  cs.call.Direction,
		StartTime:  cs.started(),
	})
	if err != nil {
		cs.log.Warn("Failed to register call", zap.Error(err))
	}
}

// release forgets a session that has torn down
func (s *CallService) release(ctx context.Context, cs *CallSession) {
	s.mutex.Lock()
	if s.calls[cs.call.CallSid] == cs {
		delete(s.calls, cs.call.CallSid)
	}
	s.mutex.Unlock()

	if s.deps.Registry != nil {
		if err := s.deps.Registry.Unregister(ctx, cs.call.CallSid); err != nil {
			cs.log.Warn("Failed to unregister call", zap.Error(err))
		}
	}
}

// Get returns the live session for callSid, or nil when the call is not on this process
func (s *CallService) Get(callSid string) *CallSession {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.calls[callSid]
}

func (s *CallService) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.calls)
}

// Notify routes a notification to the verb waiting on a local call
func (s *CallService) Notify(ctx context.Context, callSid, kind string, n task.Notification) error {
	if kind != NotifyEnqueue && kind != NotifyConference {
		return fmt.Errorf("%w: %s", ErrUnknownNotification, kind)
	}
	cs := s.Get(callSid)
	if cs == nil {
		return ErrCallNotFound
	}
	if err := cs.Notify(ctx, kind, n); err != nil {
		return err
	}
	cs.log.Info("Notification delivered", zap.String("kind", kind), zap.String("event", n.Event))
	return nil
}

// Hangup ends a call. Calls owned by other processes are reached through the hangup broadcast.
func (s *CallService) Hangup(ctx context.Context, callSid string) error {
	if cs := s.Get(callSid); cs != nil {
		return cs.Hangup(ctx, nil)
	}
	if s.deps.Registry == nil {
		return ErrCallNotFound
	}
	return s.deps.Registry.NotifyHangup(ctx, callSid)
}

func (s *CallService) hangupBroadcast(callSid string) {
	cs := s.Get(callSid)
	if cs == nil {
		return
	}
	cs.log.Info("Hangup requested by another instance")
	cs.hangupQuietly()
}

// Shutdown hangs up every local call and waits for the sessions to end or ctx to expire
func (s *CallService) Shutdown(ctx context.Context) error {
	s.mutex.RLock()
	sessions := make([]*CallSession, 0, len(s.calls))
	for _, cs := range s.calls {
		sessions = append(sessions, cs)
	}
	s.mutex.RUnlock()

	logger.Base().Info("Hanging up calls for shutdown", zap.Int("calls", len(sessions)))
	for _, cs := range sessions {
		cs.hangupQuietly()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
