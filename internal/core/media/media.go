package media

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/event"
)

var (
	ErrEndpointGone = errors.New("media endpoint destroyed")
	ErrDialogGone   = errors.New("dialog destroyed")
	ErrBusy         = errors.New("busy")
	ErrNoAnswer     = errors.New("no answer")
)

// PlayRequest plays an audio file. Token identifies this request for stop and completion events.
type PlayRequest struct {
	Token      string
	URL        string
	SeekOffset int
	Early      bool
}

// SpeakRequest synthesizes text with the given vendor credentials.
type SpeakRequest struct {
	Token       string
	Text        string
	Vendor      string
	Label       string
	Language    string
	Voice       string
	Credentials map[string]any
	Early       bool
}

// TranscribeRequest starts a recognizer on the endpoint audio.
type TranscribeRequest struct {
	ID          string
	Vendor      string
	Label       string
	Language    string
	Interim     bool
	Hints       []string
	Credentials map[string]any
}

// RecordRequest starts recording the call audio.
type RecordRequest struct {
	Format    string
	MaxLength time.Duration
}

// Recording is the result of a finished recording.
type Recording struct {
	Reader   io.ReadCloser
	Format   string
	Duration time.Duration
}

// ForkRequest streams call audio to a websocket server.
type ForkRequest struct {
	URL        string
	MixType    string
	SampleRate int
	Metadata   map[string]any
}

// TTSStreamRequest opens a streaming synthesis channel.
type TTSStreamRequest struct {
	Vendor      string
	Label       string
	Language    string
	Voice       string
	Credentials map[string]any
}

// ConferenceOptions controls how a member joins a conference.
type ConferenceOptions struct {
	Muted           bool
	Beep            bool
	MaxParticipants int
}

// DialTarget is one destination of an outbound call. Type is phone, sip or user.
type DialTarget struct {
	Type    string
	Number  string
	SipURI  string
	Name    string
	Headers map[string]string
}

// DialRequest places an outbound leg on behalf of a call
type DialRequest struct {
	ParentCallSid string
	Target        DialTarget
	CallerID      string
	Timeout       time.Duration
}

// Leg is an answered outbound call
type Leg interface {
	CallSid() string
	Endpoint() Endpoint
	Hangup(ctx context.Context) error
	// Ended is closed once the far end hangs up
	Ended() <-chan struct{}
}

// Dialer places outbound legs. Dial blocks until the leg answers, fails with
// ErrBusy or ErrNoAnswer, or ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Leg, error)
}

// AgentRequest connects the call audio to a speech-to-speech AI agent
type AgentRequest struct {
	Vendor      string
	Model       string
	Credentials map[string]any
	Options     map[string]any
}

// Agent event types the call control layer acts on; others are passed through
const (
	AgentToolCall = "tool_call"
	AgentError    = "error"
)

// AgentEvent is one event emitted by an agent session
type AgentEvent struct {
	Type string
	Data map[string]any
}

// AgentSession is an agent conversation running on an endpoint
type AgentSession interface {
	// Events is closed when the agent ends the conversation
	Events() <-chan AgentEvent
	SendToolOutput(ctx context.Context, toolCallID string, output map[string]any) error
	Close(ctx context.Context) error
}

// Endpoint is the media-server side of one call leg.
// Blocking operations return when the operation completes or ctx is cancelled;
// cancellation stops only the audio started by that call.
type Endpoint interface {
	ID() string
	Events() event.EventBus

	Play(ctx context.Context, req PlayRequest) error
	Speak(ctx context.Context, req SpeakRequest) error
	// StopPlayback stops audio only if token is the most recent playback request
	StopPlayback(ctx context.Context, token string) error

	StartTranscription(ctx context.Context, req TranscribeRequest) error
	StopTranscription(ctx context.Context, id string) error

	Record(ctx context.Context, req RecordRequest) (*Recording, error)
	Fork(ctx context.Context, req ForkRequest) error
	StreamTTS(ctx context.Context, req TTSStreamRequest) error

	// JoinConference blocks while the endpoint is a member
	JoinConference(ctx context.Context, name string, opts ConferenceOptions) error
	ConferenceMemberCount(ctx context.Context, name string) (int, error)
	EndConference(ctx context.Context, name string) error

	// Bridge connects the audio of two endpoints and blocks until unbridged
	Bridge(ctx context.Context, other Endpoint) error

	StartAgent(ctx context.Context, req AgentRequest) (AgentSession, error)

	SetVariables(ctx context.Context, vars map[string]string) error
	Execute(ctx context.Context, app string, args string) (string, error)
	Destroy(ctx context.Context) error
}

// Dialog is the SIP signaling side of one call leg.
type Dialog interface {
	CallID() string
	// LocalAddress is the signaling address of the process owning this dialog
	LocalAddress() string
	RemoteAddress() string
	ConnectTime() time.Time
	Answered() bool
	Answer(ctx context.Context) error
	Refer(ctx context.Context, referTo string) error
	Request(ctx context.Context, method string, headers map[string]string, body string) error
	Destroy(ctx context.Context, headers map[string]string) error
	// Destroyed is closed once the dialog is torn down from either side
	Destroyed() <-chan struct{}
}
