// Package http implements the HTTP webhook transport and server-to-server notifications.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ClareAI/astra-call-control/internal/adapters/ws"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// RequestorConfig describes the application a call's webhooks go to
type RequestorConfig struct {
	CallSid string
	// BaseURL resolves relative hook URLs
	BaseURL string
	// Auth is used when a hook carries no credentials of its own
	Username string
	Password string
	Timeout  time.Duration
	Signer   *Signer

	OnHandover webhook.HandoverFunc
	OnCommand  webhook.CommandFunc
	Logger     *zap.Logger
}

// Requestor sends webhooks over HTTP. A hook with a ws or wss URL switches the call to a
// websocket transport, raised through OnHandover.
type Requestor struct {
	cfg    RequestorConfig
	client *http.Client
	log    *zap.Logger
}

func NewRequestor(cfg RequestorConfig) *Requestor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Requestor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger.With(zap.String("transport", "http")),
	}
}

func (r *Requestor) resolve(hookURL string) (string, error) {
	u, err := url.Parse(hookURL)
	if err != nil {
		return "", fmt.Errorf("parse hook url %q: %w", hookURL, err)
	}
	if u.IsAbs() {
		return hookURL, nil
	}
	if r.cfg.BaseURL == "" {
		return "", fmt.Errorf("relative hook %q without a base url", hookURL)
	}
	base, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func (r *Requestor) Request(ctx context.Context, msgType webhook.MessageType, hook webhook.Hook, payload map[string]any) ([]map[string]any, error) {
	if hook.IsWebsocket() {
		return r.handover(ctx, msgType, hook, payload)
	}

	target, err := r.resolve(hook.URL)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	method := hook.Method
	if method == "" {
		method = http.MethodPost
	}
	var req *http.Request
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, withQuery(target, payload), nil)
		body = nil
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Astra-Message-Type", string(msgType))
	if sig, err := r.cfg.Signer.Sign(body); err != nil {
		return nil, err
	} else if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	if hook.Username != "" {
		req.SetBasicAuth(hook.Username, hook.Password)
	} else if r.cfg.Username != "" {
		req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s %s: %w", method, target, webhook.ErrTimeout)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	r.log.Debug("Webhook answered",
		zap.String("type", string(msgType)),
		zap.String("url", target),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &webhook.StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return webhook.ParseResponse(respBody)
}

// handover opens a websocket transport and sends this request, and all later ones, over it
func (r *Requestor) handover(ctx context.Context, msgType webhook.MessageType, hook webhook.Hook, payload map[string]any) ([]map[string]any, error) {
	next, err := ws.Dial(ctx, hook, ws.Options{
		CallSid:   r.cfg.CallSid,
		Timeout:   r.cfg.Timeout,
		OnCommand: r.cfg.OnCommand,
		Logger:    r.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("Switching webhook transport to websocket", zap.String("url", hook.URL))
	if r.cfg.OnHandover != nil {
		r.cfg.OnHandover(next)
	}
	return next.Request(ctx, msgType, hook, payload)
}

func (r *Requestor) Close() error { return nil }

func withQuery(target string, payload map[string]any) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range payload {
		switch x := v.(type) {
		case string:
			q.Set(k, x)
		case nil:
		default:
			data, _ := json.Marshal(x)
			q.Set(k, string(data))
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout() || strings.Contains(err.Error(), "Client.Timeout")
}
