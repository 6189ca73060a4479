package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/media/mediatest"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAccount = "AC123"
	testAddress = "10.0.0.1:5060"
)

type hookRequest struct {
	msgType webhook.MessageType
	url     string
	payload map[string]any
}

type fakeRequestor struct {
	mu       sync.Mutex
	requests []hookRequest
	respond  func(url string, payload map[string]any) ([]map[string]any, error)
}

func (r *fakeRequestor) Request(ctx context.Context, msgType webhook.MessageType, hook webhook.Hook, payload map[string]any) ([]map[string]any, error) {
	r.mu.Lock()
	r.requests = append(r.requests, hookRequest{msgType: msgType, url: hook.URL, payload: payload})
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(hook.URL, payload)
}

func (r *fakeRequestor) Close() error { return nil }

func (r *fakeRequestor) to(url string) []hookRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hookRequest
	for _, req := range r.requests {
		if req.url == url {
			out = append(out, req)
		}
	}
	return out
}

// routingNotifier delivers notifications straight to the task registered for a URL
type routingNotifier struct {
	mu     sync.Mutex
	routes map[string]func(Notification) error
	sent   []string
}

func newRoutingNotifier() *routingNotifier {
	return &routingNotifier{routes: make(map[string]func(Notification) error)}
}

func (n *routingNotifier) route(url string, s Session, t Notifiable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[url] = func(note Notification) error { return t.Notify(context.Background(), s, note) }
}

func (n *routingNotifier) Notify(ctx context.Context, url string, payload map[string]any) error {
	n.mu.Lock()
	n.sent = append(n.sent, url)
	deliver, ok := n.routes[url]
	n.mu.Unlock()
	if !ok {
		return errors.New("connection refused")
	}
	event, _ := payload["event"].(string)
	data, _ := payload["data"].(map[string]any)
	return deliver(Notification{Event: event, Data: data})
}

func (n *routingNotifier) sentTo() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fakeBackground struct {
	mu      sync.Mutex
	started map[Category]map[string]any
	sticky  map[Category]bool
	stopped []Category
}

func newFakeBackground() *fakeBackground {
	return &fakeBackground{started: make(map[Category]map[string]any), sticky: make(map[Category]bool)}
}

func (b *fakeBackground) NewTask(ctx context.Context, category Category, params map[string]any, sticky bool) (Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started[category] = params
	b.sticky[category] = sticky
	return nil, nil
}

func (b *fakeBackground) Stop(ctx context.Context, category Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, category)
}

func (b *fakeBackground) StopAll(ctx context.Context) {}

func (b *fakeBackground) Get(category Category) Task { return nil }

type handoffCall struct {
	address string
	params  map[string]any
	from    Task
}

type memorySink struct {
	mu     sync.Mutex
	stored []string
}

func (m *memorySink) Store(ctx context.Context, callSid string, rec *media.Recording) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, callSid)
	return "gs://recordings/" + callSid + "." + rec.Format, nil
}

// fakeSession is a call session backed by in-memory collaborators
type fakeSession struct {
	callSid  string
	clk      clock.Clock
	settings Settings
	store    redis.RedisServiceInterface
	ep       *mediatest.Endpoint
	dialog   *mediatest.Dialog
	req      *fakeRequestor
	notifier webhook.Notifier
	bridges  *BridgeRegistry
	delay    *delay.Processor
	bg       *fakeBackground
	sink     RecordingSink
	dialer   media.Dialer

	mu             sync.Mutex
	replaced       [][]map[string]any
	replacedFrom   []Task
	handoffs       []handoffCall
	handoffErr     error
	customerData   map[string]any
	speechDefaults map[speech.Usage]speech.Vendor
	alerts         []string
	hangupHeaders  []map[string]string
}

func newFakeSession(t *testing.T, callSid string, clk clock.Clock) *fakeSession {
	t.Helper()
	if clk == nil {
		clk = clock.NewManual(time.Time{})
	}
	s := &fakeSession{
		callSid: callSid,
		clk:     clk,
		settings: Settings{
			LocalAddress:        testAddress,
			BaseURL:             "http://10.0.0.1:3000",
			BridgeTimeout:       5 * time.Second,
			WaitHookMinInterval: 10 * time.Millisecond,
			Synthesizer:         speech.Vendor{Name: "google", Language: "en-US"},
			Recognizer:          speech.Vendor{Name: "google", Language: "en-US"},
		},
		store:          redis.NewMemoryService(clk),
		ep:             mediatest.NewEndpoint(nil, callSid),
		dialog:         mediatest.NewDialog(callSid, testAddress),
		req:            &fakeRequestor{},
		notifier:       newRoutingNotifier(),
		bridges:        NewBridgeRegistry(),
		bg:             newFakeBackground(),
		speechDefaults: make(map[speech.Usage]speech.Vendor),
	}
	s.delay = delay.NewProcessor(FillerLauncher(context.Background(), s), clk, zap.NewNop())
	return s
}

func (s *fakeSession) CallSid() string                        { return s.callSid }
func (s *fakeSession) AccountSid() string                     { return testAccount }
func (s *fakeSession) Logger() *zap.Logger                    { return zap.NewNop() }
func (s *fakeSession) Clock() clock.Clock                     { return s.clk }
func (s *fakeSession) Settings() Settings                     { return s.settings }
func (s *fakeSession) Requestor() webhook.Requestor           { return s.req }
func (s *fakeSession) Notifier() webhook.Notifier             { return s.notifier }
func (s *fakeSession) Store() redis.RedisServiceInterface     { return s.store }
func (s *fakeSession) Bridges() *BridgeRegistry               { return s.bridges }
func (s *fakeSession) Delay() *delay.Processor                { return s.delay }
func (s *fakeSession) Background() BackgroundManager          { return s.bg }
func (s *fakeSession) Credentials() speech.CredentialResolver { return nil }
func (s *fakeSession) Recordings() RecordingSink              { return s.sink }
func (s *fakeSession) Dialer() media.Dialer                   { return s.dialer }

func (s *fakeSession) CallInfo() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := map[string]any{"callSid": s.callSid, "accountSid": testAccount}
	if s.customerData != nil {
		info["customerData"] = s.customerData
	}
	return info
}

func (s *fakeSession) Resources(ctx context.Context, pre Precondition) (Resources, error) {
	return Resources{Endpoint: s.ep, Dialog: s.dialog}, nil
}

func (s *fakeSession) ReplaceApplication(ctx context.Context, program []map[string]any, from Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, program)
	s.replacedFrom = append(s.replacedFrom, from)
	return nil
}

func (s *fakeSession) Handoff(ctx context.Context, sipAddress string, params map[string]any, from Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, handoffCall{address: sipAddress, params: params, from: from})
	return s.handoffErr
}

func (s *fakeSession) SetCustomerData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerData = data
}

func (s *fakeSession) SetSpeechDefaults(usage speech.Usage, v speech.Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speechDefaults[usage] = v
}

func (s *fakeSession) Alert(ctx context.Context, kind string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, kind)
}

func (s *fakeSession) Hangup(ctx context.Context, headers map[string]string) error {
	s.mu.Lock()
	s.hangupHeaders = append(s.hangupHeaders, headers)
	s.mu.Unlock()
	return s.dialog.Destroy(ctx, headers)
}

func (s *fakeSession) alertKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}

func (s *fakeSession) handoffCalls() []handoffCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handoffCall(nil), s.handoffs...)
}

func (s *fakeSession) replacements() [][]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]map[string]any(nil), s.replaced...)
}

func (s *fakeSession) manual() *clock.Manual {
	return s.clk.(*clock.Manual)
}

func mustTask(t *testing.T, desc map[string]any) Task {
	t.Helper()
	task, err := New(desc, nil)
	require.NoError(t, err)
	return task
}

// start runs a task in the background and returns a channel with its Exec result
func start(s *fakeSession, task Task) <-chan error {
	ch := make(chan error, 1)
	go func() {
		res, _ := s.Resources(context.Background(), task.Precondition())
		ch <- task.Exec(context.Background(), s, res)
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
