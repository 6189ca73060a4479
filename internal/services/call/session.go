package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/background"
	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"github.com/ClareAI/astra-call-control/internal/core/handoff"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/core/verb"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/ClareAI/astra-call-control/pkg/pubsub"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CallSession runs the program of one call leg and owns its resources until the dialog ends
type CallSession struct {
	svc     *CallService
	call    IncomingCall
	account *domain.Account
	log     *zap.Logger
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	delay  *delay.Processor
	bg     *background.Manager

	mu           sync.Mutex
	startTime    time.Time
	requestor    webhook.Requestor
	program      []task.Task
	current      task.Task
	handoffID    string
	status       string
	customerData map[string]any
	synthesizer  speech.Vendor
	recognizer   speech.Vendor

	recordOnce sync.Once
	endOnce    sync.Once
	done       chan struct{}
}

func newCallSession(svc *CallService, in IncomingCall, account *domain.Account) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := svc.tracer.Start(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("call_sid", in.CallSid),
			attribute.String("account_sid", in.AccountSid),
			attribute.String("direction", in.Direction),
		))

	cs := &CallSession{
		svc:       svc,
		call:      in,
		account:   account,
		log:       logger.ForCall(in.CallSid, in.AccountSid),
		clk:       svc.deps.Clock,
		startTime: svc.deps.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		status:    domain.CallStatusCompleted,
		done:      make(chan struct{}),
	}
	cs.synthesizer, cs.recognizer = speechDefaults(svc.cfg, account)
	cs.requestor = svc.deps.Requestors(httpadapter.RequestorConfig{
		CallSid:    in.CallSid,
		BaseURL:    account.CallHookURL,
		Username:   account.WebhookUsername,
		Password:   account.WebhookPassword,
		Timeout:    svc.cfg.WebhookTimeout,
		Signer:     svc.deps.Signer,
		OnHandover: cs.handover,
		OnCommand:  cs.command,
		Logger:     cs.log,
	})
	cs.delay = delay.NewProcessor(task.FillerLauncher(ctx, cs), cs.clk, cs.log)
	cs.bg = background.NewManager(ctx, cs)
	return cs
}

// speechDefaults starts from the process defaults and applies what the account configures
func speechDefaults(cfg Config, a *domain.Account) (speech.Vendor, speech.Vendor) {
	tts, stt := cfg.Synthesizer, cfg.Recognizer
	if a.SynthesizerVendor != "" {
		tts = speech.Vendor{Name: a.SynthesizerVendor, Language: tts.Language, Voice: a.SynthesizerVoice}
	}
	if a.SynthesizerLanguage != "" {
		tts.Language = a.SynthesizerLanguage
	}
	if a.RecognizerVendor != "" {
		stt = speech.Vendor{Name: a.RecognizerVendor, Language: stt.Language}
	}
	if a.RecognizerLanguage != "" {
		stt.Language = a.RecognizerLanguage
	}
	return tts, stt
}

func (cs *CallSession) CallSid() string                        { return cs.call.CallSid }
func (cs *CallSession) AccountSid() string                     { return cs.call.AccountSid }
func (cs *CallSession) Logger() *zap.Logger                    { return cs.log }
func (cs *CallSession) Clock() clock.Clock                     { return cs.clk }
func (cs *CallSession) Notifier() webhook.Notifier             { return cs.svc.deps.Notifier }
func (cs *CallSession) Store() redis.RedisServiceInterface     { return cs.svc.deps.Store }
func (cs *CallSession) Bridges() *task.BridgeRegistry          { return cs.svc.bridges }
func (cs *CallSession) Delay() *delay.Processor                { return cs.delay }
func (cs *CallSession) Background() task.BackgroundManager     { return cs.bg }
func (cs *CallSession) Credentials() speech.CredentialResolver { return cs.svc.deps.Credentials }
func (cs *CallSession) Dialer() media.Dialer                   { return cs.call.Dialer }

// Done is closed once the session has torn down
func (cs *CallSession) Done() <-chan struct{} { return cs.done }

func (cs *CallSession) CallInfo() map[string]any {
	info := map[string]any{
		"callSid":    cs.call.CallSid,
		"accountSid": cs.call.AccountSid,
		"callId":     cs.call.Dialog.CallID(),
		"from":       cs.call.From,
		"to":         cs.call.To,
		"direction":  cs.call.Direction,
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.customerData != nil {
		info["customerData"] = cs.customerData
	}
	return info
}

func (cs *CallSession) Settings() task.Settings {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return task.Settings{
		LocalAddress:        cs.svc.cfg.SipAddress,
		BaseURL:             cs.svc.cfg.BaseURL,
		BridgeTimeout:       cs.svc.cfg.BridgeTimeout,
		WaitHookMinInterval: cs.svc.cfg.WaitHookMinInterval,
		Synthesizer:         cs.synthesizer,
		Recognizer:          cs.recognizer,
	}
}

func (cs *CallSession) Requestor() webhook.Requestor {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requestor
}

// Recordings is nil unless the account records and the process has a destination
func (cs *CallSession) Recordings() task.RecordingSink {
	if !cs.account.RecordingEnabled && !cs.account.RecordAllCalls {
		return nil
	}
	return cs.svc.deps.Recordings
}

// Resources resolves what a verb needs before it runs. Nothing here is retried.
func (cs *CallSession) Resources(ctx context.Context, pre task.Precondition) (task.Resources, error) {
	res := task.Resources{Endpoint: cs.call.Endpoint, Dialog: cs.call.Dialog}
	switch pre {
	case task.RequiresMediaEndpoint:
		if cs.call.Endpoint == nil {
			return res, task.ErrNoEndpoint
		}
		if err := cs.answer(ctx); err != nil {
			return res, err
		}
	case task.RequiresStableDialog:
		select {
		case <-cs.call.Dialog.Destroyed():
			return res, media.ErrDialogGone
		default:
		}
		if err := cs.answer(ctx); err != nil {
			return res, err
		}
	case task.RequiresUnansweredCall:
		if cs.call.Dialog.Answered() {
			return res, task.ErrCallAnswered
		}
	}
	return res, nil
}

func (cs *CallSession) answer(ctx context.Context) error {
	if !cs.call.Dialog.Answered() {
		if err := cs.call.Dialog.Answer(ctx); err != nil {
			return fmt.Errorf("answer call: %w", err)
		}
		cs.log.Info("Call answered")
	}
	if cs.account.RecordAllCalls && cs.Recordings() != nil {
		cs.recordOnce.Do(func() { go cs.recordAll() })
	}
	return nil
}

func (cs *CallSession) recordAll() {
	if _, err := cs.bg.NewTask(cs.ctx, task.CategoryRecord, map[string]any{"format": "wav"}, false); err != nil {
		cs.log.Warn("Failed to start call recording", zap.Error(err))
	}
}

// ReplaceApplication swaps the rest of the program. The new program is built in full
// before anything changes; the running task is killed unless from is it or one of its children.
func (cs *CallSession) ReplaceApplication(ctx context.Context, program []map[string]any, from task.Task) error {
	tasks, err := task.NewProgram(program)
	if err != nil {
		cs.Alert(ctx, AlertInvalidApplication, map[string]any{"error": err.Error()})
		return fmt.Errorf("replace application: %w", err)
	}

	cs.mu.Lock()
	if cs.ctx.Err() != nil || cs.handoffID != "" {
		cs.mu.Unlock()
		return ErrCallEnded
	}
	cs.program = tasks
	current := cs.current
	cs.mu.Unlock()

	cs.log.Info("Application replaced", zap.Int("verbs", len(tasks)))
	if current != nil && !descends(from, current) {
		current.Kill(cs)
	}
	return nil
}

// descends reports whether t is ancestor or runs nested under it
func descends(t, ancestor task.Task) bool {
	for ; t != nil; t = t.Parent() {
		if t == ancestor {
			return true
		}
	}
	return false
}

// Handoff moves from and everything after it to the process at sipAddress
func (cs *CallSession) Handoff(ctx context.Context, sipAddress string, params map[string]any, from task.Task) error {
	cs.mu.Lock()
	rest := cs.program
	cs.mu.Unlock()

	program := make([]map[string]any, 0, len(rest)+1)
	program = append(program, from.Verb())
	for _, t := range rest {
		program = append(program, t.Verb())
	}

	carried := make(map[string]any, len(params)+1)
	for k, v := range params {
		carried[k] = v
	}
	carried[connectTimeParam] = cs.started().UTC().Format(time.RFC3339Nano)

	id, err := cs.svc.deps.Handoff.Transfer(ctx, cs.call.Dialog, sipAddress, program, carried)
	if err != nil {
		cs.Alert(ctx, AlertHandoffFailed, map[string]any{
			"target": sipAddress,
			"verb":   from.Name(),
			"error":  err.Error(),
		})
		return err
	}

	cs.mu.Lock()
	cs.program = nil
	cs.handoffID = id
	cs.mu.Unlock()
	cs.span.SetAttributes(attribute.String("handoff_uuid", id))
	return nil
}

func (cs *CallSession) SetCustomerData(data map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.customerData = data
}

func (cs *CallSession) SetSpeechDefaults(usage speech.Usage, v speech.Vendor) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if usage == speech.UsageTTS {
		cs.synthesizer = v
		return
	}
	cs.recognizer = v
}

// Alert logs and, when configured, publishes an operational alert for this call
func (cs *CallSession) Alert(ctx context.Context, kind string, fields map[string]any) {
	cs.log.Warn("Call alert", zap.String("kind", kind), zap.Any("fields", fields))
	cs.span.AddEvent("alert", trace.WithAttributes(attribute.String("kind", kind)))
	if cs.svc.deps.Alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	err := cs.svc.deps.Alerts.Publish(ctx, pubsub.Alert{
		Kind:       kind,
		CallSid:    cs.call.CallSid,
		AccountSid: cs.call.AccountSid,
		Fields:     fields,
		CreatedAt:  cs.clk.Now().UTC(),
	})
	if err != nil {
		cs.log.Warn("Failed to publish alert", zap.String("kind", kind), zap.Error(err))
	}
}

func (cs *CallSession) Hangup(ctx context.Context, headers map[string]string) error {
	if err := cs.call.Dialog.Destroy(ctx, headers); err != nil {
		return fmt.Errorf("hang up %s: %w", cs.call.CallSid, err)
	}
	return nil
}

func (cs *CallSession) hangupQuietly() {
	if err := cs.Hangup(context.WithoutCancel(cs.ctx), nil); err != nil {
		cs.log.Warn("Failed to hang up", zap.Error(err))
	}
}

// Notify hands a notification to the running verb when it is of the given kind
func (cs *CallSession) Notify(ctx context.Context, kind string, n task.Notification) error {
	cs.mu.Lock()
	current := cs.current
	cs.mu.Unlock()
	if current == nil || current.Name() != kind {
		return task.ErrNotWaiting
	}
	target, ok := current.(task.Notifiable)
	if !ok {
		return task.ErrNotWaiting
	}
	return target.Notify(ctx, cs, n)
}

func (cs *CallSession) handover(next webhook.Requestor) {
	cs.mu.Lock()
	previous := cs.requestor
	cs.requestor = next
	cs.mu.Unlock()
	cs.log.Info("Webhook transport handed over")
	if previous != nil && previous != next {
		if err := previous.Close(); err != nil {
			cs.log.Debug("Failed to close previous requestor", zap.Error(err))
		}
	}
}

// command applies controller-initiated commands from a persistent transport
func (cs *CallSession) command(command string, data json.RawMessage) {
	switch command {
	case "redirect":
		var program []map[string]any
		if err := json.Unmarshal(data, &program); err != nil {
			cs.log.Warn("Malformed redirect command", zap.Error(err))
			return
		}
		if err := cs.ReplaceApplication(cs.ctx, program, nil); err != nil {
			cs.log.Warn("Redirect rejected", zap.Error(err))
		}
	case "hangup":
		cs.hangupQuietly()
	case "tag":
		var customerData map[string]any
		if err := json.Unmarshal(data, &customerData); err != nil {
			cs.log.Warn("Malformed tag command", zap.Error(err))
			return
		}
		cs.SetCustomerData(customerData)
	default:
		cs.log.Warn("Ignoring unknown command", zap.String("command", command))
	}
}

// run fetches the application and executes it verb by verb until the program is
// exhausted, the call ends or the call is handed off
func (cs *CallSession) run() {
	defer cs.teardown()
	go cs.watchDialog()

	tasks, err := cs.application()
	if err != nil {
		cs.log.Warn("No application for call", zap.Error(err))
		cs.span.RecordError(err)
		cs.span.SetStatus(codes.Error, err.Error())
		cs.mu.Lock()
		cs.status = domain.CallStatusFailed
		cs.mu.Unlock()
		cs.hangupQuietly()
		return
	}

	cs.mu.Lock()
	cs.program = tasks
	cs.mu.Unlock()

	for {
		t := cs.next()
		if t == nil {
			break
		}
		cs.execute(t)
	}
	cs.finish()
}

// application returns the program a handed-off call brought along, or asks the account's call hook
func (cs *CallSession) application() ([]task.Task, error) {
	var (
		program []map[string]any
		err     error
	)
	if id, ok := handoff.ParseReferTarget(cs.call.RequestURI); ok {
		program, err = cs.svc.deps.Handoff.Consume(cs.ctx, id, cs.call.CallSid)
		if err != nil {
			return nil, fmt.Errorf("consume handoff %s: %w", id, err)
		}
		cs.log.Info("Call arrived by handoff", zap.String("uuid", id), zap.Int("verbs", len(program)))
		if connected, ok := handoffConnectTime(program); ok {
			cs.mu.Lock()
			cs.startTime = connected
			cs.mu.Unlock()
			cs.svc.register(cs.ctx, cs)
		}
	} else {
		hook := webhook.Hook{
			URL:      cs.account.CallHookURL,
			Method:   cs.account.CallHookMethod,
			Username: cs.account.WebhookUsername,
			Password: cs.account.WebhookPassword,
		}
		if hook.Method == "" {
			hook.Method = "POST"
		}
		program, err = cs.Requestor().Request(cs.ctx, webhook.SessionNew, hook, cs.CallInfo())
		if err != nil {
			cs.Alert(cs.ctx, AlertWebhookFailed, map[string]any{"url": hook.URL, "error": err.Error()})
			return nil, fmt.Errorf("call hook: %w", err)
		}
	}

	tasks, err := task.NewProgram(program)
	if err != nil {
		cs.Alert(cs.ctx, AlertInvalidApplication, map[string]any{"error": err.Error()})
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("empty application")
	}
	return tasks, nil
}

// started is when the call connected, on this process or the first one that handled it
func (cs *CallSession) started() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.startTime
}

// handoffConnectTime reads the connect time the sending process attached to the first verb
func handoffConnectTime(program []map[string]any) (time.Time, bool) {
	if len(program) == 0 {
		return time.Time{}, false
	}
	for _, body := range program[0] {
		obj, _ := body.(map[string]any)
		reserved, _ := obj[verb.ReservedProperty].(map[string]any)
		ts, _ := reserved[connectTimeParam].(string)
		if ts == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// next pops the head of the program and makes it the running task
func (cs *CallSession) next() task.Task {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.ctx.Err() != nil || cs.handoffID != "" || len(cs.program) == 0 {
		return nil
	}
	t := cs.program[0]
	cs.program = cs.program[1:]
	cs.current = t
	return t
}

func (cs *CallSession) execute(t task.Task) {
	defer func() {
		cs.mu.Lock()
		if cs.current == t {
			cs.current = nil
		}
		cs.mu.Unlock()
	}()

	log := cs.log.With(zap.String("task", t.Name()), zap.String("task_id", t.ID()))
	res, err := cs.Resources(cs.ctx, t.Precondition())
	if err != nil {
		log.Warn("Verb cannot run", zap.Error(err))
		return
	}

	err = t.Exec(cs.ctx, cs, res)
	switch {
	case err == nil, errors.Is(err, task.ErrKilled):
	case errors.Is(err, task.ErrActionHookGiveUp):
		log.Warn("Gave up waiting for the application, hanging up")
		cs.mu.Lock()
		cs.program = nil
		cs.mu.Unlock()
		cs.hangupQuietly()
	default:
		log.Warn("Verb failed", zap.Error(err))
	}
}

// finish settles a handed-off call or hangs up a call whose program ran out
func (cs *CallSession) finish() {
	cs.mu.Lock()
	id := cs.handoffID
	cs.mu.Unlock()

	if id != "" {
		outcome := cs.svc.deps.Handoff.AwaitCompletion(cs.ctx, cs.call.Dialog, id)
		cs.log.Info("Handoff settled", zap.String("uuid", id), zap.String("outcome", string(outcome)))
		if outcome == handoff.OutcomeConsumed {
			cs.hangupQuietly()
		}
		return
	}
	if cs.ctx.Err() == nil {
		cs.log.Info("Application finished, hanging up")
		cs.hangupQuietly()
	}
}

// watchDialog ends the session when the dialog goes away from either side
func (cs *CallSession) watchDialog() {
	select {
	case <-cs.call.Dialog.Destroyed():
	case <-cs.done:
		return
	}
	cs.log.Info("Dialog ended")
	cs.cancel()

	cs.mu.Lock()
	current := cs.current
	cs.program = nil
	cs.mu.Unlock()
	if current != nil {
		current.Kill(cs)
	}
}

// teardown releases everything the call holds and reports its final status exactly once
func (cs *CallSession) teardown() {
	cs.endOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()

		cs.delay.Stop(ctx)
		cs.bg.StopAll(ctx)
		cs.cancel()

		cs.mu.Lock()
		handedOff := cs.handoffID != ""
		status := cs.status
		requestor := cs.requestor
		cs.mu.Unlock()

		if !handedOff {
			cs.reportStatus(ctx, requestor, status)
		}
		if err := requestor.Close(); err != nil {
			cs.log.Debug("Failed to close requestor", zap.Error(err))
		}
		cs.svc.release(ctx, cs)

		duration := cs.clk.Now().Sub(cs.started())
		cs.span.SetAttributes(attribute.Bool("handed_off", handedOff), attribute.String("status", status))
		cs.span.End()
		cs.log.Info("Call session ended", zap.String("status", status), zap.Duration("duration", duration))
		close(cs.done)
	})
}

func (cs *CallSession) reportStatus(ctx context.Context, requestor webhook.Requestor, status string) {
	if cs.account.CallStatusHookURL == "" {
		return
	}
	hook := webhook.Hook{
		URL:      cs.account.CallStatusHookURL,
		Method:   "POST",
		Username: cs.account.WebhookUsername,
		Password: cs.account.WebhookPassword,
	}
	payload := cs.CallInfo()
	payload["callStatus"] = status
	payload["duration"] = int(cs.clk.Now().Sub(cs.started()).Seconds())
	if _, err := requestor.Request(ctx, webhook.CallStatus, hook, payload); err != nil {
		cs.log.Warn("Call status webhook failed", zap.String("status", status), zap.Error(err))
	}
}
