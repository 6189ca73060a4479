package delay

import (
	"fmt"
	"time"
)

// Config controls filler behavior while a webhook response is outstanding
type Config struct {
	Enabled                 bool
	NoResponseTimeout       time.Duration
	NoResponseGiveUpTimeout time.Duration // zero means never give up
	Retries                 int
	Actions                 []map[string]any
}

// ParseConfig reads an actionHookDelayAction object. It returns nil when params is nil.
func ParseConfig(params map[string]any) (*Config, error) {
	if params == nil {
		return nil, nil
	}
	cfg := &Config{Retries: 1}

	if raw, ok := params["actions"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("actions must be an array")
		}
		for i, a := range list {
			verb, ok := a.(map[string]any)
			if !ok || len(verb) != 1 {
				return nil, fmt.Errorf("actions[%d] must be a single verb", i)
			}
			for name := range verb {
				if name != "say" && name != "play" {
					return nil, fmt.Errorf("actions[%d]: %s is not a filler verb", i, name)
				}
			}
			cfg.Actions = append(cfg.Actions, verb)
		}
	}

	cfg.Enabled = len(cfg.Actions) > 0
	if v, ok := params["enabled"].(bool); ok {
		cfg.Enabled = v && len(cfg.Actions) > 0
	}
	if v, ok := number(params["noResponseTimeout"]); ok && v > 0 {
		cfg.NoResponseTimeout = seconds(v)
	}
	if v, ok := number(params["noResponseGiveUpTimeout"]); ok && v > 0 {
		cfg.NoResponseGiveUpTimeout = seconds(v)
	}
	if v, ok := number(params["retries"]); ok && v >= 0 {
		cfg.Retries = int(v)
	}
	return cfg, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
