package task

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"go.uber.org/zap"
)

// Hangup tears the call down
type Hangup struct {
	Base
	headers map[string]string
}

func newHangup(params map[string]any, parent Task) (Task, error) {
	t := &Hangup{headers: make(map[string]string)}
	if h, ok := params["headers"].(map[string]any); ok {
		for k, v := range h {
			t.headers[k] = fmt.Sprint(v)
		}
	}
	t.init(t, "hangup", params, PreconditionNone, parent)
	return t, nil
}

func (t *Hangup) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	return s.Hangup(ctx, t.headers)
}

// Redirect asks the controller for a new program
type Redirect struct {
	Base
	actionHook any
}

func newRedirect(params map[string]any, parent Task) (Task, error) {
	t := &Redirect{actionHook: params["actionHook"]}
	t.init(t, "redirect", params, PreconditionNone, parent)
	return t, nil
}

func (t *Redirect) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	return t.performAction(ctx, s, t.actionHook, nil)
}

// Tag replaces the customer data sent with every webhook
type Tag struct {
	Base
	data map[string]any
}

func newTag(params map[string]any, parent Task) (Task, error) {
	data, _ := params["data"].(map[string]any)
	t := &Tag{data: data}
	t.init(t, "tag", params, PreconditionNone, parent)
	return t, nil
}

func (t *Tag) Exec(ctx context.Context, s Session, res Resources) error {
	if _, err := t.begin(ctx, s); err != nil {
		return err
	}
	defer t.finish()
	s.SetCustomerData(t.data)
	return nil
}

// Leave ends an enqueue or conference wait. Outside a wait hook it does nothing.
type Leave struct {
	Base
}

func newLeave(params map[string]any, parent Task) (Task, error) {
	t := &Leave{}
	t.init(t, "leave", params, PreconditionNone, parent)
	return t, nil
}

func (t *Leave) Exec(ctx context.Context, s Session, res Resources) error {
	if _, err := t.begin(ctx, s); err != nil {
		return err
	}
	t.finish()
	return nil
}

// Config changes session-level settings and starts or stops background tasks
type Config struct {
	Base
	delayConfig *delay.Config
	hasDelay    bool
	synthesizer map[string]any
	recognizer  map[string]any
	background  map[Category]map[string]any
}

// backgroundVerbs maps config properties to the background category they control
var backgroundVerbs = map[string]Category{
	"bargeIn":    CategoryBargeIn,
	"transcribe": CategoryTranscribe,
	"listen":     CategoryListen,
	"ttsStream":  CategoryTTSStream,
	"record":     CategoryRecord,
}

func newConfig(params map[string]any, parent Task) (Task, error) {
	t := &Config{background: make(map[Category]map[string]any)}
	if d, ok := params["actionHookDelayAction"].(map[string]any); ok {
		cfg, err := delay.ParseConfig(d)
		if err != nil {
			return nil, err
		}
		t.delayConfig, t.hasDelay = cfg, true
	}
	t.synthesizer, _ = params["synthesizer"].(map[string]any)
	t.recognizer, _ = params["recognizer"].(map[string]any)
	for prop, category := range backgroundVerbs {
		if opts, ok := params[prop].(map[string]any); ok {
			t.background[category] = opts
		}
	}
	t.init(t, "config", params, PreconditionNone, parent)
	return t, nil
}

func (t *Config) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()

	if t.hasDelay {
		if t.delayConfig != nil && t.delayConfig.Enabled {
			s.Delay().SetConfig(t.delayConfig)
		} else {
			s.Delay().SetConfig(nil)
		}
	}
	if t.synthesizer != nil {
		s.SetSpeechDefaults(speech.UsageTTS, speech.FromParams(t.synthesizer, s.Settings().Synthesizer).Primary)
	}
	if t.recognizer != nil {
		s.SetSpeechDefaults(speech.UsageSTT, speech.FromParams(t.recognizer, s.Settings().Recognizer).Primary)
	}

	bg := s.Background()
	for category, opts := range t.background {
		enable, sticky, params := backgroundOptions(category, opts)
		if !enable {
			bg.Stop(ctx, category)
			continue
		}
		if _, err := bg.NewTask(ctx, category, params, sticky); err != nil {
			t.logger().Warn("Failed to start background task",
				zap.String("category", string(category)),
				zap.Error(err))
		}
	}
	return nil
}

// backgroundOptions splits a config property into its switch and the verb parameters
func backgroundOptions(category Category, opts map[string]any) (enable, sticky bool, params map[string]any) {
	params = make(map[string]any, len(opts))
	for k, v := range opts {
		switch k {
		case "enable", "sticky", "action":
		default:
			params[k] = v
		}
	}
	if category == CategoryRecord {
		return stringParam(opts, "action") == "startCallRecording", false, params
	}
	return boolParam(opts, "enable", false), boolParam(opts, "sticky", false), params
}
