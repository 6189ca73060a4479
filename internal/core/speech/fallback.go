package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Usage distinguishes synthesis from recognition credentials
type Usage string

const (
	UsageTTS Usage = "tts"
	UsageSTT Usage = "stt"
	UsageLLM Usage = "llm"
)

var ErrNoCredential = errors.New("no speech credential")

// Vendor identifies one speech vendor configuration
type Vendor struct {
	Name     string `json:"vendor"`
	Label    string `json:"label,omitempty"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

func (v Vendor) String() string {
	if v.Label != "" {
		return v.Name + ":" + v.Label
	}
	return v.Name
}

// Choice is a primary vendor plus an optional fallback
type Choice struct {
	Primary  Vendor
	Fallback *Vendor
}

// CredentialResolver looks up the account credential for a vendor
type CredentialResolver interface {
	Resolve(ctx context.Context, accountSid string, v Vendor, usage Usage) (map[string]any, error)
}

// FromParams reads a synthesizer or recognizer object, filling gaps from defaults
func FromParams(params map[string]any, defaults Vendor) Choice {
	c := Choice{Primary: defaults}
	if params == nil {
		return c
	}
	if s, ok := params["vendor"].(string); ok && s != "" {
		c.Primary = Vendor{Name: s}
	}
	if s, ok := params["label"].(string); ok {
		c.Primary.Label = s
	}
	c.Primary.Language = stringOr(params["language"], defaults.Language)
	c.Primary.Voice = stringOr(params["voice"], defaults.Voice)

	if s, ok := params["fallbackVendor"].(string); ok && s != "" {
		fb := Vendor{
			Name:     s,
			Language: stringOr(params["fallbackLanguage"], c.Primary.Language),
			Voice:    stringOr(params["fallbackVoice"], c.Primary.Voice),
		}
		fb.Label, _ = params["fallbackLabel"].(string)
		c.Fallback = &fb
	}
	return c
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// TransitionFunc observes a switch from one vendor to the next
type TransitionFunc func(from, to Vendor, cause error)

// Fallback walks a Choice's vendors, moving forward at most once per configured fallback
type Fallback struct {
	mu         sync.Mutex
	candidates []Vendor
	idx        int
	onSwitch   TransitionFunc
}

func NewFallback(c Choice, onSwitch TransitionFunc) *Fallback {
	candidates := []Vendor{c.Primary}
	if c.Fallback != nil {
		candidates = append(candidates, *c.Fallback)
	}
	return &Fallback{candidates: candidates, onSwitch: onSwitch}
}

// Current returns the vendor in use
func (f *Fallback) Current() Vendor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates[f.idx]
}

// Advance switches to the next vendor; false when no fallback remains
func (f *Fallback) Advance(cause error) (Vendor, bool) {
	f.mu.Lock()
	if f.idx+1 >= len(f.candidates) {
		f.mu.Unlock()
		return Vendor{}, false
	}
	from := f.candidates[f.idx]
	f.idx++
	to := f.candidates[f.idx]
	f.mu.Unlock()

	if f.onSwitch != nil {
		f.onSwitch(from, to, cause)
	}
	return to, true
}

// Run executes op with the current vendor and retries with each remaining fallback on failure.
func (f *Fallback) Run(ctx context.Context, op func(ctx context.Context, v Vendor) error) error {
	v := f.Current()
	for {
		err := op(ctx, v)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next, ok := f.Advance(err)
		if !ok {
			return fmt.Errorf("speech vendor %s: %w", v, err)
		}
		v = next
	}
}
