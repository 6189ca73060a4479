package task

import (
	"context"
	"errors"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// Agent session completion reasons reported to the action hook
const (
	LLMCompleted     = "normal conversation end"
	LLMConnectFailed = "connection failure"
	LLMServerFailure = "server failure"
)

// LLM hands the conversation to a speech-to-speech AI agent hosted by the media server.
// Tool calls go to toolHook and the first object of its response is the tool output.
type LLM struct {
	Base
	vendor     string
	model      string
	auth       map[string]any
	options    map[string]any
	events     map[string]bool
	actionHook any
	eventHook  any
	toolHook   any
}

func newLLM(params map[string]any, parent Task) (Task, error) {
	t := &LLM{
		vendor:     stringParam(params, "vendor"),
		model:      stringParam(params, "model"),
		actionHook: params["actionHook"],
		eventHook:  params["eventHook"],
		toolHook:   params["toolHook"],
	}
	if t.vendor == "" {
		return nil, errors.New("vendor is empty")
	}
	t.auth, _ = params["auth"].(map[string]any)
	t.options, _ = params["llmOptions"].(map[string]any)
	if names := stringList(params["events"]); len(names) > 0 {
		t.events = make(map[string]bool, len(names))
		for _, n := range names {
			t.events[n] = true
		}
	}
	t.init(t, "llm", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func (t *LLM) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	creds := t.auth
	if creds == nil {
		creds, err = credentials(ctx, s, speech.Vendor{Name: t.vendor}, speech.UsageLLM)
		if err != nil {
			t.logger().Error("No credentials for agent vendor", zap.String("vendor", t.vendor), zap.Error(err))
			return t.report(ctx, s, LLMConnectFailed)
		}
	}

	agent, err := res.Endpoint.StartAgent(ctx, media.AgentRequest{
		Vendor:      t.vendor,
		Model:       t.model,
		Credentials: creds,
		Options:     t.options,
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		t.logger().Error("Failed to start agent session", zap.String("vendor", t.vendor), zap.Error(err))
		return t.report(ctx, s, LLMConnectFailed)
	}
	t.onCleanup(func() { _ = agent.Close(context.Background()) })
	t.logger().Info("Agent session started", zap.String("vendor", t.vendor), zap.String("model", t.model))

	reason := t.converse(ctx, s, agent)
	if ctx.Err() != nil {
		return nil
	}
	if err := agent.Close(ctx); err != nil {
		t.logger().Debug("Failed to close agent session", zap.Error(err))
	}
	return t.report(ctx, s, reason)
}

// converse relays agent events until the agent ends the conversation or reports an error
func (t *LLM) converse(ctx context.Context, s Session, agent media.AgentSession) string {
	for {
		select {
		case <-ctx.Done():
			return ""
		case ev, ok := <-agent.Events():
			if !ok {
				return LLMCompleted
			}
			switch ev.Type {
			case media.AgentToolCall:
				t.toolCall(ctx, s, agent, ev)
			case media.AgentError:
				t.logger().Warn("Agent session failed", zap.Any("data", ev.Data))
				t.forward(ctx, s, ev)
				return LLMServerFailure
			default:
				t.forward(ctx, s, ev)
			}
		}
	}
}

func (t *LLM) forward(ctx context.Context, s Session, ev media.AgentEvent) {
	if t.events != nil && !t.events[ev.Type] {
		return
	}
	notifyStatus(ctx, s, webhook.LLMEvent, t.eventHook, map[string]any{
		"type": ev.Type,
		"data": ev.Data,
	})
}

func (t *LLM) toolCall(ctx context.Context, s Session, agent media.AgentSession, ev media.AgentEvent) {
	id, _ := ev.Data["tool_call_id"].(string)
	name, _ := ev.Data["name"].(string)
	log := t.logger().With(zap.String("tool", name), zap.String("tool_call_id", id))

	output := t.runTool(ctx, s, id, name, ev.Data["args"])
	if err := agent.SendToolOutput(ctx, id, output); err != nil && ctx.Err() == nil {
		log.Warn("Failed to return tool output to agent", zap.Error(err))
	}
}

func (t *LLM) runTool(ctx context.Context, s Session, id, name string, args any) map[string]any {
	hook, ok := webhook.ParseHook(t.toolHook)
	if !ok {
		return map[string]any{"error": "no toolHook configured"}
	}
	resp, err := s.Requestor().Request(ctx, webhook.LLMToolCall, *hook, payload(s, map[string]any{
		"tool_call_id": id,
		"name":         name,
		"args":         args,
	}))
	if err != nil {
		t.logger().Warn("Tool hook failed", zap.String("tool", name), zap.Error(err))
		return map[string]any{"error": err.Error()}
	}
	if len(resp) == 0 {
		return map[string]any{}
	}
	return resp[0]
}

func (t *LLM) report(ctx context.Context, s Session, reason string) error {
	return t.performAction(ctx, s, t.actionHook, map[string]any{"completion_reason": reason})
}
