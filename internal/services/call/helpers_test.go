package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/handoff"
	"github.com/ClareAI/astra-call-control/internal/core/media/mediatest"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/pubsub"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/stretchr/testify/require"
)

const (
	testAccountSid = "AC1"
	testAddress    = "10.0.0.1:5060"
	testBaseURL    = "http://10.0.0.1:3000"
	callHookURL    = "https://app.example.com/call"
	statusHookURL  = "https://app.example.com/status"
)

type hookCall struct {
	callSid string
	msgType webhook.MessageType
	url     string
	payload map[string]any
}

type respondFunc func(callSid string, msgType webhook.MessageType, url string) ([]map[string]any, error)

// hookRecorder stands in for the application controller of every call in a test
type hookRecorder struct {
	mu      sync.Mutex
	calls   []hookCall
	configs map[string]httpadapter.RequestorConfig
	respond respondFunc
}

func (h *hookRecorder) factory(cfg httpadapter.RequestorConfig) webhook.Requestor {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configs[cfg.CallSid] = cfg
	return &recordingRequestor{hooks: h, callSid: cfg.CallSid}
}

func (h *hookRecorder) config(callSid string) httpadapter.RequestorConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.configs[callSid]
}

func (h *hookRecorder) find(callSid string, msgType webhook.MessageType) []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hookCall
	for _, c := range h.calls {
		if c.callSid == callSid && c.msgType == msgType {
			out = append(out, c)
		}
	}
	return out
}

type recordingRequestor struct {
	hooks   *hookRecorder
	callSid string
}

func (r *recordingRequestor) Request(ctx context.Context, msgType webhook.MessageType, hook webhook.Hook, payload map[string]any) ([]map[string]any, error) {
	r.hooks.mu.Lock()
	r.hooks.calls = append(r.hooks.calls, hookCall{callSid: r.callSid, msgType: msgType, url: hook.URL, payload: payload})
	respond := r.hooks.respond
	r.hooks.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(r.callSid, msgType, hook.URL)
}

func (r *recordingRequestor) Close() error { return nil }

// loopbackNotifier delivers notify URLs of this process straight to the service
type loopbackNotifier struct {
	mu  sync.Mutex
	svc *CallService
}

func (n *loopbackNotifier) Notify(ctx context.Context, url string, payload map[string]any) error {
	n.mu.Lock()
	svc := n.svc
	n.mu.Unlock()
	rest := strings.TrimPrefix(url, testBaseURL+"/v1/")
	kind, callSid, ok := strings.Cut(rest, "/")
	if !ok || rest == url {
		return errors.New("connection refused")
	}
	event, _ := payload["event"].(string)
	data, _ := payload["data"].(map[string]any)
	return svc.Notify(ctx, callSid, kind, task.Notification{Event: event, Data: data})
}

type fakeAccounts map[string]*domain.Account

func (f fakeAccounts) GetAccount(ctx context.Context, accountSid string) (*domain.Account, error) {
	a, ok := f[accountSid]
	if !ok {
		return nil, errors.New("account not found")
	}
	account := *a
	return &account, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []pubsub.Alert
}

func (a *fakeAlerter) Publish(ctx context.Context, alert pubsub.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *fakeAlerter) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

type harness struct {
	svc      *CallService
	store    redis.RedisServiceInterface
	hooks    *hookRecorder
	alerts   *fakeAlerter
	protocol *handoff.Protocol
	registry *session.Manager
	media    *mediatest.Server
	dialer   *mediatest.Dialer
	account  *domain.Account
}

type harnessOption func(*Dependencies)

func newHarness(t *testing.T, respond respondFunc, opts ...harnessOption) *harness {
	t.Helper()
	clk := clock.NewReal()
	store := redis.NewMemoryService(clk)
	h := &harness{
		store:  store,
		hooks:  &hookRecorder{configs: make(map[string]httpadapter.RequestorConfig), respond: respond},
		alerts: &fakeAlerter{},
		media:  mediatest.NewServer(),
		account: &domain.Account{
			AccountSid:        testAccountSid,
			CallHookURL:       callHookURL,
			CallStatusHookURL: statusHookURL,
		},
	}
	h.dialer = mediatest.NewDialer(h.media)
	h.protocol = handoff.NewProtocol(store, handoff.NewRedisBus(store), testAddress,
		handoff.WithClock(clk),
		handoff.WithCompletionTimeout(time.Second))
	h.registry = session.NewManager(store, "pod-1", testAddress, clk)

	notifier := &loopbackNotifier{}
	deps := Dependencies{
		Store:      store,
		Registry:   h.registry,
		Handoff:    h.protocol,
		Notifier:   notifier,
		Accounts:   fakeAccounts{testAccountSid: h.account},
		Alerts:     h.alerts,
		Requestors: h.hooks.factory,
		Clock:      clk,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = NewCallService(Config{
		SipAddress:          testAddress,
		BaseURL:             testBaseURL,
		BridgeTimeout:       2 * time.Second,
		WaitHookMinInterval: 10 * time.Millisecond,
		WebhookTimeout:      time.Second,
		Synthesizer:         speech.Vendor{Name: "google", Language: "en-US"},
		Recognizer:          speech.Vendor{Name: "google", Language: "en-US"},
	}, deps)
	notifier.mu.Lock()
	notifier.svc = h.svc
	notifier.mu.Unlock()

	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

type leg struct {
	session  *CallSession
	dialog   *mediatest.Dialog
	endpoint *mediatest.Endpoint
}

func (h *harness) accept(t *testing.T, callSid, requestURI string) leg {
	t.Helper()
	l := leg{
		dialog:   mediatest.NewDialog(callSid+"@sip", testAddress),
		endpoint: mediatest.NewEndpoint(h.media, callSid),
	}
	cs, err := h.svc.Accept(context.Background(), IncomingCall{
		CallSid:    callSid,
		AccountSid: testAccountSid,
		From:       "+15550001111",
		To:         "+15550002222",
		Direction:  domain.DirectionInbound,
		RequestURI: requestURI,
		Dialog:     l.dialog,
		Endpoint:   l.endpoint,
		Dialer:     h.dialer,
	})
	require.NoError(t, err)
	l.session = cs
	return l
}

// verbs decodes a JSON verb array the way a webhook response is decoded
func verbs(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var p []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func waitEnded(t *testing.T, cs *CallSession) {
	t.Helper()
	select {
	case <-cs.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("call %s did not end", cs.CallSid())
	}
}

// running returns the name of the verb in the foreground, or ""
func running(cs *CallSession) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.current == nil || cs.current.State() != task.StateRunning {
		return ""
	}
	return cs.current.Name()
}
