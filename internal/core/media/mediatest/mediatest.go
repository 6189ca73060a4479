// Package mediatest provides in-memory media endpoints and SIP dialogs for tests.
package mediatest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/google/uuid"
)

// Server holds the state shared by endpoints on one media server, such as conference rooms.
type Server struct {
	mu          sync.Mutex
	conferences map[string]map[*Endpoint]chan struct{}
}

func NewServer() *Server {
	return &Server{conferences: make(map[string]map[*Endpoint]chan struct{})}
}

func (s *Server) join(name string, e *Endpoint) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.conferences[name]
	if !ok {
		members = make(map[*Endpoint]chan struct{})
		s.conferences[name] = members
	}
	kick := make(chan struct{})
	members[e] = kick
	return kick
}

func (s *Server) leave(name string, e *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.conferences[name]
	delete(members, e)
	if len(members) == 0 {
		delete(s.conferences, name)
	}
}

// Members returns the number of endpoints currently in a conference
func (s *Server) Members(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conferences[name])
}

func (s *Server) end(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e, kick := range s.conferences[name] {
		close(kick)
		delete(s.conferences[name], e)
	}
	delete(s.conferences, name)
}

type playback struct {
	token string
	done  chan struct{}
	once  sync.Once
}

func (p *playback) finish() {
	p.once.Do(func() { close(p.done) })
}

// Endpoint is a fake media endpoint. Playback completes immediately unless HoldPlayback is set.
type Endpoint struct {
	id      string
	callSid string
	server  *Server
	bus     event.EventBus

	mu              sync.Mutex
	hold            bool
	current         *playback
	plays           []media.PlayRequest
	speaks          []media.SpeakRequest
	stops           []string
	transcribing    map[string]media.TranscribeRequest
	transcribeCalls []media.TranscribeRequest
	speakErr        map[string]error
	transcribeErr   map[string]error
	ttsErr          map[string]error
	forkErr         error
	forks           []media.ForkRequest
	ttsStreams      []media.TTSStreamRequest
	recordings      int
	bridgedTo       *Endpoint
	vars            map[string]string
	commands        []string
	agentErr        error
	agents          []*Agent

	destroyOnce sync.Once
	destroyed   chan struct{}
}

func NewEndpoint(server *Server, callSid string) *Endpoint {
	if server == nil {
		server = NewServer()
	}
	return &Endpoint{
		id:            uuid.NewString(),
		callSid:       callSid,
		server:        server,
		bus:           event.NewEventBus(),
		transcribing:  make(map[string]media.TranscribeRequest),
		speakErr:      make(map[string]error),
		transcribeErr: make(map[string]error),
		ttsErr:        make(map[string]error),
		vars:          make(map[string]string),
		destroyed:     make(chan struct{}),
	}
}

func (e *Endpoint) ID() string             { return e.id }
func (e *Endpoint) Events() event.EventBus { return e.bus }
func (e *Endpoint) Server() *Server        { return e.server }

// HoldPlayback makes Play and Speak block until FinishPlayback or a stop
func (e *Endpoint) HoldPlayback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = true
}

// FailSpeak makes Speak with vendor return err
func (e *Endpoint) FailSpeak(vendor string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speakErr[vendor] = err
}

// FailTranscription makes StartTranscription with vendor return err
func (e *Endpoint) FailTranscription(vendor string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcribeErr[vendor] = err
}

func (e *Endpoint) FailTTSStream(vendor string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ttsErr[vendor] = err
}

func (e *Endpoint) FailFork(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forkErr = err
}

func (e *Endpoint) playAudio(ctx context.Context, token string) error {
	p := &playback{token: token, done: make(chan struct{})}
	e.mu.Lock()
	e.current = p
	hold := e.hold
	e.mu.Unlock()

	_ = e.bus.Publish(event.PlaybackStarted, e.callSid, &event.PlaybackData{Token: token})
	if !hold {
		p.finish()
	}

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		p.finish()
		err = ctx.Err()
	case <-e.destroyed:
		p.finish()
		err = media.ErrEndpointGone
	}

	e.mu.Lock()
	if e.current == p {
		e.current = nil
	}
	e.mu.Unlock()
	_ = e.bus.Publish(event.PlaybackStopped, e.callSid, &event.PlaybackData{Token: token})
	return err
}

func (e *Endpoint) Play(ctx context.Context, req media.PlayRequest) error {
	e.mu.Lock()
	e.plays = append(e.plays, req)
	e.mu.Unlock()
	return e.playAudio(ctx, req.Token)
}

func (e *Endpoint) Speak(ctx context.Context, req media.SpeakRequest) error {
	e.mu.Lock()
	e.speaks = append(e.speaks, req)
	err := e.speakErr[req.Vendor]
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.playAudio(ctx, req.Token)
}

func (e *Endpoint) StopPlayback(ctx context.Context, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, token)
	if e.current != nil && e.current.token == token {
		e.current.finish()
	}
	return nil
}

// FinishPlayback completes the current playback as if the audio ended
func (e *Endpoint) FinishPlayback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return false
	}
	e.current.finish()
	return true
}

// Playing reports whether audio is currently being played
func (e *Endpoint) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Endpoint) Plays() []media.PlayRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.PlayRequest(nil), e.plays...)
}

func (e *Endpoint) Speaks() []media.SpeakRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.SpeakRequest(nil), e.speaks...)
}

func (e *Endpoint) StopRequests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stops...)
}

func (e *Endpoint) StartTranscription(ctx context.Context, req media.TranscribeRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcribeCalls = append(e.transcribeCalls, req)
	if err := e.transcribeErr[req.Vendor]; err != nil {
		return err
	}
	e.transcribing[req.ID] = req
	return nil
}

func (e *Endpoint) StopTranscription(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.transcribing, id)
	return nil
}

// Transcribing returns the vendors of all running recognizers
func (e *Endpoint) Transcribing() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.transcribing))
	for _, r := range e.transcribing {
		out = append(out, r.Vendor)
	}
	return out
}

func (e *Endpoint) TranscribeCalls() []media.TranscribeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.TranscribeRequest(nil), e.transcribeCalls...)
}

func (e *Endpoint) SendDTMF(digits string) {
	for _, d := range digits {
		_ = e.bus.Publish(event.DTMF, e.callSid, &event.DTMFData{Digit: string(d)})
	}
}

func (e *Endpoint) SendTranscript(vendor, text string, final bool) {
	_ = e.bus.Publish(event.TranscriptionFinal, e.callSid, &event.TranscriptionData{
		Vendor:       vendor,
		IsFinal:      final,
		Alternatives: []event.Alternative{{Transcript: text, Confidence: 0.9}},
	})
}

func (e *Endpoint) SendTranscriptionError(vendor, message string) {
	_ = e.bus.PublishEvent(event.NewCallEvent(event.TranscriptionError, e.callSid).
		WithData(&event.ErrorData{Vendor: vendor, Message: message}).
		WithError(errors.New(message)))
}

func (e *Endpoint) Record(ctx context.Context, req media.RecordRequest) (*media.Recording, error) {
	e.mu.Lock()
	e.recordings++
	e.mu.Unlock()
	start := time.Now()
	select {
	case <-ctx.Done():
	case <-e.destroyed:
	}
	return &media.Recording{
		Reader:   io.NopCloser(strings.NewReader("RIFF....WAVE")),
		Format:   req.Format,
		Duration: time.Since(start),
	}, nil
}

func (e *Endpoint) Recordings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordings
}

func (e *Endpoint) Fork(ctx context.Context, req media.ForkRequest) error {
	e.mu.Lock()
	e.forks = append(e.forks, req)
	err := e.forkErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-e.destroyed:
	}
	return nil
}

func (e *Endpoint) Forks() []media.ForkRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.ForkRequest(nil), e.forks...)
}

func (e *Endpoint) StreamTTS(ctx context.Context, req media.TTSStreamRequest) error {
	e.mu.Lock()
	e.ttsStreams = append(e.ttsStreams, req)
	err := e.ttsErr[req.Vendor]
	e.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-e.destroyed:
	}
	return nil
}

func (e *Endpoint) TTSStreams() []media.TTSStreamRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.TTSStreamRequest(nil), e.ttsStreams...)
}

func (e *Endpoint) JoinConference(ctx context.Context, name string, opts media.ConferenceOptions) error {
	kick := e.server.join(name, e)
	defer e.server.leave(name, e)
	select {
	case <-ctx.Done():
	case <-kick:
	case <-e.destroyed:
		return media.ErrEndpointGone
	}
	return nil
}

func (e *Endpoint) ConferenceMemberCount(ctx context.Context, name string) (int, error) {
	return e.server.Members(name), nil
}

func (e *Endpoint) EndConference(ctx context.Context, name string) error {
	e.server.end(name)
	return nil
}

func (e *Endpoint) Bridge(ctx context.Context, other media.Endpoint) error {
	peer, _ := other.(*Endpoint)
	e.mu.Lock()
	e.bridgedTo = peer
	e.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.bridgedTo = e
		peer.mu.Unlock()
	}

	var peerGone <-chan struct{}
	if peer != nil {
		peerGone = peer.destroyed
	}
	select {
	case <-ctx.Done():
	case <-e.destroyed:
	case <-peerGone:
	}

	e.mu.Lock()
	e.bridgedTo = nil
	e.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.bridgedTo = nil
		peer.mu.Unlock()
	}
	return nil
}

// BridgedTo returns the endpoint this one is bridged with, if any
func (e *Endpoint) BridgedTo() *Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bridgedTo
}

func (e *Endpoint) SetVariables(ctx context.Context, vars map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range vars {
		e.vars[k] = v
	}
	return nil
}

func (e *Endpoint) Variable(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vars[name]
}

func (e *Endpoint) Execute(ctx context.Context, app string, args string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, app+" "+args)
	return "+OK", nil
}

func (e *Endpoint) Destroy(ctx context.Context) error {
	e.destroyOnce.Do(func() { close(e.destroyed) })
	return nil
}

// Dialog is a fake SIP dialog
type Dialog struct {
	callID string
	local  string
	remote string

	mu          sync.Mutex
	answered    bool
	connectTime time.Time
	referErr    error
	refers      []string
	requests    []string
	destroys    int

	destroyOnce sync.Once
	destroyed   chan struct{}
}

func NewDialog(callID, localAddress string) *Dialog {
	return &Dialog{
		callID:    callID,
		local:     localAddress,
		remote:    "192.0.2.10:5060",
		destroyed: make(chan struct{}),
	}
}

func (d *Dialog) CallID() string        { return d.callID }
func (d *Dialog) LocalAddress() string  { return d.local }
func (d *Dialog) RemoteAddress() string { return d.remote }

func (d *Dialog) ConnectTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectTime
}

func (d *Dialog) Answered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answered
}

func (d *Dialog) Answer(ctx context.Context) error {
	select {
	case <-d.destroyed:
		return media.ErrDialogGone
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.answered {
		d.answered = true
		d.connectTime = time.Now()
	}
	return nil
}

// FailRefer makes Refer return err
func (d *Dialog) FailRefer(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.referErr = err
}

func (d *Dialog) Refer(ctx context.Context, referTo string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refers = append(d.refers, referTo)
	return d.referErr
}

func (d *Dialog) Refers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.refers...)
}

func (d *Dialog) Request(ctx context.Context, method string, headers map[string]string, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, method)
	return nil
}

func (d *Dialog) Destroy(ctx context.Context, headers map[string]string) error {
	d.mu.Lock()
	d.destroys++
	d.mu.Unlock()
	d.destroyOnce.Do(func() { close(d.destroyed) })
	return nil
}

// Hangup simulates a BYE from the far end
func (d *Dialog) Hangup() {
	d.destroyOnce.Do(func() { close(d.destroyed) })
}

func (d *Dialog) Destroys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroys
}

func (d *Dialog) Destroyed() <-chan struct{} { return d.destroyed }

var (
	_ media.Endpoint = (*Endpoint)(nil)
	_ media.Dialog   = (*Dialog)(nil)
)
