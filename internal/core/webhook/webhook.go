package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MessageType names the kind of request sent to the application controller
type MessageType string

const (
	SessionNew       MessageType = "session:new"
	VerbHook         MessageType = "verb:hook"
	VerbStatus       MessageType = "verb:status"
	CallStatus       MessageType = "call:status"
	ConferenceStatus MessageType = "conference:status"
	LLMEvent         MessageType = "llm:event"
	LLMToolCall      MessageType = "llm:tool-call"
)

var (
	ErrTimeout           = errors.New("webhook timed out")
	ErrMalformedResponse = errors.New("malformed webhook response")
)

// StatusError is returned for a non-2xx webhook response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

// Hook is a controller endpoint; verbs accept it either as a URL string or as an object
type Hook struct {
	URL      string `json:"url"`
	Method   string `json:"method,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseHook reads a hook from a decoded verb property
func ParseHook(v any) (*Hook, bool) {
	switch h := v.(type) {
	case string:
		if h == "" {
			return nil, false
		}
		return &Hook{URL: h, Method: "POST"}, true
	case map[string]any:
		u, _ := h["url"].(string)
		if u == "" {
			return nil, false
		}
		hook := &Hook{URL: u, Method: "POST"}
		if m, ok := h["method"].(string); ok && m != "" {
			hook.Method = strings.ToUpper(m)
		}
		hook.Username, _ = h["username"].(string)
		hook.Password, _ = h["password"].(string)
		return hook, true
	}
	return nil, false
}

// IsWebsocket reports whether the hook asks for a persistent websocket transport
func (h Hook) IsWebsocket() bool {
	u, err := url.Parse(h.URL)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// Requestor sends requests to the application controller. A nil program with a nil
// error is an acknowledgement; a non-nil program replaces the rest of the call.
type Requestor interface {
	Request(ctx context.Context, msgType MessageType, hook Hook, payload map[string]any) ([]map[string]any, error)
	Close() error
}

// HandoverFunc is raised by a transport when later requests must use next
type HandoverFunc func(next Requestor)

// CommandFunc receives controller-initiated commands on persistent transports
type CommandFunc func(command string, data json.RawMessage)

// Notifier posts server-to-server notifications such as bridge requests
type Notifier interface {
	Notify(ctx context.Context, url string, payload map[string]any) error
}

// ParseResponse interprets a controller response body
func ParseResponse(body []byte) ([]map[string]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	switch body[0] {
	case '[':
		var program []map[string]any
		if err := json.Unmarshal(body, &program); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return program, nil
	case '{':
		if !json.Valid(body) {
			return nil, ErrMalformedResponse
		}
		return nil, nil
	}
	return nil, ErrMalformedResponse
}
