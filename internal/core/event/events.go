package event

import (
	"time"
)

// EventType represents the type of event raised by a media endpoint
type EventType string

const (
	// Media endpoint events
	DTMF               EventType = "media.dtmf"
	TranscriptionFinal EventType = "media.transcription"
	TranscriptionError EventType = "media.transcription_error"
	PlaybackStarted    EventType = "media.playback_start"
	PlaybackStopped    EventType = "media.playback_stop"
	ConnectionState    EventType = "media.connection_state"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// CallEvent represents an event raised on one call's media endpoint
type CallEvent struct {
	Type       EventType   `json:"type"`
	CallSid    string      `json:"call_sid,omitempty"`
	EndpointID string      `json:"endpoint_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
	Error      error       `json:"error,omitempty"`
}

// DTMFData is a single detected digit
type DTMFData struct {
	Digit    string `json:"digit"`
	Duration int    `json:"duration,omitempty"`
}

// Alternative is one recognition hypothesis
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TranscriptionData is the normalized shape of a recognizer result, whatever the vendor
type TranscriptionData struct {
	Vendor       string        `json:"vendor"`
	Language     string        `json:"language,omitempty"`
	IsFinal      bool          `json:"is_final"`
	Channel      int           `json:"channel,omitempty"`
	Alternatives []Alternative `json:"alternatives"`
}

// Transcript returns the top alternative, or an empty string
func (d *TranscriptionData) Transcript() string {
	if d == nil || len(d.Alternatives) == 0 {
		return ""
	}
	return d.Alternatives[0].Transcript
}

// ErrorData is the normalized shape of a vendor error
type ErrorData struct {
	Vendor  string `json:"vendor"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PlaybackData identifies which playback request an event belongs to
type PlaybackData struct {
	Token string `json:"token"`
}

// ConnectionData carries endpoint connection state changes
type ConnectionData struct {
	State string `json:"state"`
}

// NewCallEvent creates a new call event
func NewCallEvent(eventType EventType, callSid string) *CallEvent {
	return &CallEvent{
		Type:      eventType,
		CallSid:   callSid,
		Timestamp: time.Now(),
	}
}

// WithEndpoint adds the endpoint id to the event
func (e *CallEvent) WithEndpoint(id string) *CallEvent {
	e.EndpointID = id
	return e
}

// WithData adds data to the event
func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

// WithError adds error to the event
func (e *CallEvent) WithError(err error) *CallEvent {
	e.Error = err
	return e
}

// IsError returns true if the event contains an error
func (e *CallEvent) IsError() bool {
	return e.Error != nil
}

func (e *CallEvent) GetDTMF() (*DTMFData, bool) {
	d, ok := e.Data.(*DTMFData)
	return d, ok
}

func (e *CallEvent) GetTranscription() (*TranscriptionData, bool) {
	d, ok := e.Data.(*TranscriptionData)
	return d, ok
}

func (e *CallEvent) GetError() (*ErrorData, bool) {
	d, ok := e.Data.(*ErrorData)
	return d, ok
}

func (e *CallEvent) GetPlayback() (*PlaybackData, bool) {
	d, ok := e.Data.(*PlaybackData)
	return d, ok
}
