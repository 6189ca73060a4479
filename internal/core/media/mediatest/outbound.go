package mediatest

import (
	"context"
	"sync"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/google/uuid"
)

// Dialer places outbound legs on a media server. Every target answers unless scripted otherwise.
type Dialer struct {
	server *Server

	mu       sync.Mutex
	outcomes map[string]error
	held     map[string]bool
	requests []media.DialRequest
	legs     []*Leg
}

func NewDialer(server *Server) *Dialer {
	if server == nil {
		server = NewServer()
	}
	return &Dialer{server: server, outcomes: make(map[string]error), held: make(map[string]bool)}
}

// Fail makes calls to target end with err, such as media.ErrBusy
func (d *Dialer) Fail(target string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[target] = err
}

// Hold makes target ring until the dial is cancelled
func (d *Dialer) Hold(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[target] = true
}

func (d *Dialer) Dial(ctx context.Context, req media.DialRequest) (media.Leg, error) {
	key := TargetKey(req.Target)
	d.mu.Lock()
	d.requests = append(d.requests, req)
	err := d.outcomes[key]
	held := d.held[key]
	d.mu.Unlock()

	if held {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	leg := &Leg{
		callSid: uuid.NewString(),
		target:  key,
		ep:      NewEndpoint(d.server, key),
		ended:   make(chan struct{}),
	}
	d.mu.Lock()
	d.legs = append(d.legs, leg)
	d.mu.Unlock()
	return leg, nil
}

func (d *Dialer) Requests() []media.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.DialRequest(nil), d.requests...)
}

func (d *Dialer) Legs() []*Leg {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Leg(nil), d.legs...)
}

// TargetKey is the number, uri or user name a target addresses
func TargetKey(t media.DialTarget) string {
	switch {
	case t.Number != "":
		return t.Number
	case t.SipURI != "":
		return t.SipURI
	}
	return t.Name
}

// Leg is an answered outbound leg
type Leg struct {
	callSid string
	target  string
	ep      *Endpoint

	mu      sync.Mutex
	hangups int
	endOnce sync.Once
	ended   chan struct{}
}

func (l *Leg) CallSid() string          { return l.callSid }
func (l *Leg) Target() string           { return l.target }
func (l *Leg) Endpoint() media.Endpoint { return l.ep }
func (l *Leg) MediaEndpoint() *Endpoint { return l.ep }
func (l *Leg) Ended() <-chan struct{}   { return l.ended }

func (l *Leg) Hangup(ctx context.Context) error {
	l.mu.Lock()
	l.hangups++
	l.mu.Unlock()
	l.end()
	return nil
}

// FarEndHangup simulates the called party hanging up
func (l *Leg) FarEndHangup() { l.end() }

func (l *Leg) HungUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hangups > 0
}

func (l *Leg) end() {
	l.endOnce.Do(func() {
		close(l.ended)
		_ = l.ep.Destroy(context.Background())
	})
}

// Agent is a scripted agent session. Tests drive it with Emit and End.
type Agent struct {
	Request media.AgentRequest

	mu      sync.Mutex
	events  chan media.AgentEvent
	ended   bool
	closed  bool
	outputs map[string]map[string]any
}

func newAgent(req media.AgentRequest) *Agent {
	return &Agent{
		Request: req,
		events:  make(chan media.AgentEvent, 32),
		outputs: make(map[string]map[string]any),
	}
}

func (a *Agent) Events() <-chan media.AgentEvent { return a.events }

// Emit delivers an event from the agent; it is dropped once the agent has ended
func (a *Agent) Emit(eventType string, data map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}
	a.events <- media.AgentEvent{Type: eventType, Data: data}
}

// End finishes the conversation from the agent side
func (a *Agent) End() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ended {
		a.ended = true
		close(a.events)
	}
}

func (a *Agent) SendToolOutput(ctx context.Context, toolCallID string, output map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs[toolCallID] = output
	return nil
}

func (a *Agent) ToolOutput(toolCallID string) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.outputs[toolCallID]
	return out, ok
}

func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.End()
	return nil
}

func (a *Agent) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// FailAgent makes StartAgent return err
func (e *Endpoint) FailAgent(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentErr = err
}

func (e *Endpoint) StartAgent(ctx context.Context, req media.AgentRequest) (media.AgentSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agentErr != nil {
		return nil, e.agentErr
	}
	a := newAgent(req)
	e.agents = append(e.agents, a)
	return a, nil
}

func (e *Endpoint) Agents() []*Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Agent(nil), e.agents...)
}

var (
	_ media.Dialer       = (*Dialer)(nil)
	_ media.Leg          = (*Leg)(nil)
	_ media.AgentSession = (*Agent)(nil)
)
