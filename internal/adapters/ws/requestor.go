// Package ws implements the persistent websocket transport to an application controller.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	Subprotocol    = "ws.astra.call"
	DefaultTimeout = 10 * time.Second

	msgTypeAck     = "ack"
	msgTypeCommand = "command"
)

var ErrClosed = errors.New("websocket requestor closed")

// message is the envelope for both directions of the socket
type message struct {
	Type    string          `json:"type"`
	MsgID   string          `json:"msgid,omitempty"`
	CallSid string          `json:"call_sid,omitempty"`
	Hook    string          `json:"hook,omitempty"`
	Command string          `json:"command,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type reply struct {
	data json.RawMessage
}

type Options struct {
	CallSid   string
	Timeout   time.Duration
	OnCommand webhook.CommandFunc
	Logger    *zap.Logger
}

// Requestor multiplexes controller requests over one websocket, matching acks by msgid
type Requestor struct {
	conn      *websocket.Conn
	callSid   string
	timeout   time.Duration
	onCommand webhook.CommandFunc
	log       *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan reply

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the socket described by hook and starts reading from it
func Dial(ctx context.Context, hook webhook.Hook, opts Options) (*Requestor, error) {
	header := http.Header{}
	if hook.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(hook.Username + ":" + hook.Password))
		header.Set("Authorization", "Basic "+creds)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, hook.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hook.URL, err)
	}
	return NewRequestor(conn, opts), nil
}

// NewRequestor wraps an established connection
func NewRequestor(conn *websocket.Conn, opts Options) *Requestor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Requestor{
		conn:      conn,
		callSid:   opts.CallSid,
		timeout:   opts.Timeout,
		onCommand: opts.OnCommand,
		log:       opts.Logger.With(zap.String("transport", "ws")),
		pending:   make(map[string]chan reply),
		done:      make(chan struct{}),
	}
	go r.readLoop()
	return r
}

// expectsAck reports whether the controller answers msgType; status messages are fire-and-forget
func expectsAck(msgType webhook.MessageType) bool {
	switch msgType {
	case webhook.VerbStatus, webhook.CallStatus, webhook.ConferenceStatus, webhook.LLMEvent:
		return false
	}
	return true
}

func (r *Requestor) Request(ctx context.Context, msgType webhook.MessageType, hook webhook.Hook, payload map[string]any) ([]map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	msg := message{
		Type:    string(msgType),
		MsgID:   uuid.NewString(),
		CallSid: r.callSid,
		Hook:    hook.URL,
		Data:    data,
	}

	wait := expectsAck(msgType)
	var ch chan reply
	if wait {
		ch = make(chan reply, 1)
		r.mu.Lock()
		r.pending[msg.MsgID] = ch
		r.mu.Unlock()
		defer r.forget(msg.MsgID)
	}

	if err := r.write(msg); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case rep := <-ch:
		return webhook.ParseResponse(rep.data)
	case <-timer.C:
		return nil, fmt.Errorf("%s %s: %w", msgType, hook.URL, webhook.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *Requestor) write(msg message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	if err := r.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (r *Requestor) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Requestor) readLoop() {
	defer r.Close()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-r.done:
				default:
					r.log.Warn("Controller socket read failed", zap.Error(err))
				}
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn("Ignoring malformed controller message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case msgTypeAck:
			r.mu.Lock()
			ch, ok := r.pending[msg.MsgID]
			r.mu.Unlock()
			if !ok {
				r.log.Debug("Ack for unknown message", zap.String("msgid", msg.MsgID))
				continue
			}
			select {
			case ch <- reply{data: msg.Data}:
			default:
			}
		case msgTypeCommand:
			if r.onCommand != nil {
				r.onCommand(msg.Command, msg.Data)
			}
		default:
			r.log.Debug("Ignoring controller message", zap.String("type", msg.Type))
		}
	}
}

// Done is closed once the socket is gone
func (r *Requestor) Done() <-chan struct{} {
	return r.done
}

func (r *Requestor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}
