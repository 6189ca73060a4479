package task

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/verb"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// payload merges call metadata with verb results; results win on conflict
func payload(s Session, results map[string]any) map[string]any {
	info := s.CallInfo()
	out := make(map[string]any, len(info)+len(results))
	for k, v := range info {
		out[k] = v
	}
	for k, v := range results {
		out[k] = v
	}
	return out
}

// performAction reports results to the verb's action hook while the delay processor
// keeps the caller engaged. A program in the response replaces the rest of the call.
func (b *Base) performAction(ctx context.Context, s Session, hookParam any, results map[string]any) error {
	hook, ok := webhook.ParseHook(hookParam)
	if !ok {
		return nil
	}
	log := b.logger()

	p := s.Delay()
	started := p.Start()
	var giveUp <-chan struct{}
	if started || p.Active() {
		giveUp = p.GiveUp()
	}

	type response struct {
		program []map[string]any
		err     error
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan response, 1)
	go func() {
		program, err := s.Requestor().Request(reqCtx, webhook.VerbHook, *hook, payload(s, results))
		ch <- response{program: program, err: err}
	}()

	var resp response
	select {
	case resp = <-ch:
	case <-giveUp:
		log.Warn("No response from action hook", zap.String("url", hook.URL))
		return ErrActionHookGiveUp
	case <-ctx.Done():
		if started {
			p.Stop(context.WithoutCancel(ctx))
		}
		return ErrKilled
	}
	if started {
		p.Stop(ctx)
	}

	if resp.err != nil {
		log.Warn("Action hook failed", zap.String("url", hook.URL), zap.Error(resp.err))
		return fmt.Errorf("action hook %s: %w", hook.URL, resp.err)
	}
	if resp.program == nil {
		return nil
	}
	log.Info("Action hook returned a new application", zap.Int("verbs", len(resp.program)))
	return s.ReplaceApplication(ctx, resp.program, b.self)
}

// notifyStatus posts an informational webhook and ignores any program in the response
func notifyStatus(ctx context.Context, s Session, msgType webhook.MessageType, hookParam any, results map[string]any) {
	hook, ok := webhook.ParseHook(hookParam)
	if !ok {
		return
	}
	if _, err := s.Requestor().Request(ctx, msgType, *hook, payload(s, results)); err != nil {
		s.Logger().Warn("Status webhook failed",
			zap.String("type", string(msgType)),
			zap.String("url", hook.URL),
			zap.Error(err))
	}
}

// speechFallback builds a fallback over the vendors a verb configured, alerting on each switch
func speechFallback(ctx context.Context, s Session, params any, defaults speech.Vendor, usage speech.Usage) *speech.Fallback {
	obj, _ := params.(map[string]any)
	choice := speech.FromParams(obj, defaults)
	return speech.NewFallback(choice, func(from, to speech.Vendor, cause error) {
		s.Logger().Warn("Switching to fallback speech vendor",
			zap.String("usage", string(usage)),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(cause))
		s.Alert(ctx, "speech_fallback", map[string]any{
			"usage":  string(usage),
			"from":   from.String(),
			"to":     to.String(),
			"reason": cause.Error(),
		})
	})
}

func credentials(ctx context.Context, s Session, v speech.Vendor, usage speech.Usage) (map[string]any, error) {
	r := s.Credentials()
	if r == nil {
		return nil, nil
	}
	creds, err := r.Resolve(ctx, s.AccountSid(), v, usage)
	if err != nil {
		return nil, fmt.Errorf("%s credentials for %s: %w", usage, v, err)
	}
	return creds, nil
}

func numberParam(params map[string]any, key string, def float64) float64 {
	switch n := params[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// stringList accepts a string or an array of strings
func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	}
	return nil
}

// loopCount reads a loop property; 0 means forever
func loopCount(params map[string]any) int {
	switch v := params["loop"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if v == "forever" {
			return 0
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 1
}

// withoutReserved strips hand-off parameters so they never travel further than one hop
func withoutReserved(params map[string]any) map[string]any {
	if _, ok := params[verb.ReservedProperty]; !ok {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k != verb.ReservedProperty {
			out[k] = v
		}
	}
	return out
}
