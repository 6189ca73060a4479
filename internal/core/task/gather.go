package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/delay"
	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gather results reported to the action hook
const (
	GatherDTMF    = "dtmfDetected"
	GatherSpeech  = "speechDetected"
	GatherTimeout = "timeout"
	GatherError   = "error"
)

const defaultGatherTimeout = 15 * time.Second

type gatherResult struct {
	reason     string
	digits     string
	transcript *event.TranscriptionData
	err        error
}

// Gather collects DTMF digits and/or speech, optionally while playing a prompt
type Gather struct {
	Base
	digits             bool
	speechInput        bool
	finishOnKey        string
	numDigits          int
	minDigits          int
	maxDigits          int
	interDigitTimeout  time.Duration
	timeout            time.Duration
	bargein            bool
	dtmfBargein        bool
	listenDuringPrompt bool
	minBargeinWords    int
	prompt             map[string]any
	recognizer         map[string]any
	actionHook         any
	partialResultHook  any
	delayConfig        *delay.Config

	input      sync.Mutex
	collected  strings.Builder
	resolved   bool
	result     chan gatherResult
	promptTask Task
	firstDigit bool
	noInput    clock.Timer
	interDigit clock.Timer
	transcribe string
}

func newGather(params map[string]any, parent Task) (Task, error) {
	t := &Gather{
		finishOnKey:        stringParam(params, "finishOnKey"),
		numDigits:          int(numberParam(params, "numDigits", 0)),
		minDigits:          int(numberParam(params, "minDigits", 1)),
		maxDigits:          int(numberParam(params, "maxDigits", 0)),
		interDigitTimeout:  seconds(numberParam(params, "interDigitTimeout", 0)),
		timeout:            seconds(numberParam(params, "timeout", defaultGatherTimeout.Seconds())),
		bargein:            boolParam(params, "bargein", false),
		dtmfBargein:        boolParam(params, "dtmfBargein", false),
		listenDuringPrompt: boolParam(params, "listenDuringPrompt", true),
		minBargeinWords:    int(numberParam(params, "minBargeinWordCount", 1)),
		actionHook:         params["actionHook"],
		partialResultHook:  params["partialResultHook"],
		result:             make(chan gatherResult, 1),
	}
	inputs := stringList(params["input"])
	if len(inputs) == 0 {
		inputs = []string{"digits"}
	}
	for _, in := range inputs {
		switch in {
		case "digits":
			t.digits = true
		case "speech":
			t.speechInput = true
		default:
			return nil, errors.New("input must be digits or speech")
		}
	}
	if t.numDigits > 0 {
		t.minDigits, t.maxDigits = t.numDigits, t.numDigits
	}
	if p, ok := params["say"].(map[string]any); ok {
		t.prompt = map[string]any{"say": p}
	} else if p, ok := params["play"].(map[string]any); ok {
		t.prompt = map[string]any{"play": p}
	}
	t.recognizer, _ = params["recognizer"].(map[string]any)
	if d, ok := params["actionHookDelayAction"].(map[string]any); ok {
		cfg, err := delay.ParseConfig(d)
		if err != nil {
			return nil, err
		}
		t.delayConfig = cfg
	}
	t.init(t, "gather", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (t *Gather) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}
	t.onCleanup(t.stopTimers)

	if t.delayConfig != nil {
		s.Delay().Push(t.delayConfig)
		defer s.Delay().Pop()
	}

	if t.digits {
		if err := t.subscribe(res.Endpoint, event.DTMF, func(e *event.CallEvent) { t.onDigit(s, e) }); err != nil {
			return err
		}
	}
	var fb *speech.Fallback
	if t.speechInput {
		fb = speechFallback(ctx, s, t.recognizer, s.Settings().Recognizer, speech.UsageSTT)
		if err := t.subscribe(res.Endpoint, event.TranscriptionFinal, func(e *event.CallEvent) { t.onTranscript(ctx, s, e) }); err != nil {
			return err
		}
		if err := t.subscribe(res.Endpoint, event.TranscriptionError, func(e *event.CallEvent) { t.onRecognizerError(ctx, s, res.Endpoint, fb, e) }); err != nil {
			return err
		}
		t.onCleanup(func() { t.stopRecognizer(res.Endpoint) })
		if t.prompt == nil || t.listenDuringPrompt || t.bargein {
			if err := t.startRecognizer(ctx, s, res.Endpoint, fb); err != nil {
				return err
			}
		}
	}

	if t.prompt != nil {
		go t.playPrompt(ctx, s, res, fb)
	} else {
		t.startNoInputTimer(s)
	}

	var r gatherResult
	select {
	case r = <-t.result:
	case <-ctx.Done():
		return nil
	}
	t.killPrompt(s)
	t.stopRecognizer(res.Endpoint)
	t.stopTimers()

	results := map[string]any{"reason": r.reason}
	switch r.reason {
	case GatherDTMF:
		results["digits"] = r.digits
	case GatherSpeech:
		results["speech"] = r.transcript
	case GatherError:
		if r.err != nil {
			results["details"] = r.err.Error()
		}
	}
	t.logger().Info("Gather completed", zap.String("reason", r.reason))
	return t.performAction(ctx, s, t.actionHook, results)
}

func (t *Gather) playPrompt(ctx context.Context, s Session, res Resources, fb *speech.Fallback) {
	child, err := New(t.prompt, t)
	if err != nil {
		t.resolve(gatherResult{reason: GatherError, err: err})
		return
	}
	t.input.Lock()
	if t.resolved {
		t.input.Unlock()
		return
	}
	t.promptTask = child
	t.input.Unlock()

	if err := t.runChild(ctx, s, res, child); err != nil && ctx.Err() == nil {
		t.logger().Warn("Gather prompt failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	if t.speechInput && !t.listenDuringPrompt && !t.bargein {
		if err := t.startRecognizer(ctx, s, res.Endpoint, fb); err != nil {
			t.resolve(gatherResult{reason: GatherError, err: err})
			return
		}
	}
	t.startNoInputTimer(s)
}

func (t *Gather) killPrompt(s Session) {
	t.input.Lock()
	p := t.promptTask
	t.input.Unlock()
	if p != nil {
		p.Kill(s)
	}
}

func (t *Gather) startNoInputTimer(s Session) {
	t.input.Lock()
	defer t.input.Unlock()
	if t.resolved || t.firstDigit && t.interDigitTimeout > 0 {
		return
	}
	t.noInput = t.afterFunc(s, t.timeout, func() {
		t.input.Lock()
		digits := t.collected.String()
		t.input.Unlock()
		if digits != "" && len(digits) >= t.minDigits {
			t.resolve(gatherResult{reason: GatherDTMF, digits: digits})
			return
		}
		t.resolve(gatherResult{reason: GatherTimeout})
	})
}

func (t *Gather) stopTimers() {
	t.input.Lock()
	defer t.input.Unlock()
	if t.noInput != nil {
		t.noInput.Stop()
	}
	if t.interDigit != nil {
		t.interDigit.Stop()
	}
}

func (t *Gather) resolve(r gatherResult) {
	t.input.Lock()
	if t.resolved {
		t.input.Unlock()
		return
	}
	t.resolved = true
	t.input.Unlock()
	t.result <- r
}

func (t *Gather) onDigit(s Session, e *event.CallEvent) {
	d, ok := e.GetDTMF()
	if !ok {
		return
	}
	if t.dtmfBargein || t.bargein {
		t.killPrompt(s)
	}

	t.input.Lock()
	if t.resolved {
		t.input.Unlock()
		return
	}
	if t.finishOnKey != "" && d.Digit == t.finishOnKey {
		digits := t.collected.String()
		t.input.Unlock()
		t.resolve(gatherResult{reason: GatherDTMF, digits: digits})
		return
	}
	t.collected.WriteString(d.Digit)
	digits := t.collected.String()
	t.firstDigit = true
	if t.noInput != nil && t.interDigitTimeout > 0 {
		t.noInput.Stop()
	}
	if t.interDigit != nil {
		t.interDigit.Stop()
	}
	complete := t.maxDigits > 0 && len(digits) >= t.maxDigits
	if !complete && t.interDigitTimeout > 0 {
		t.interDigit = s.Clock().AfterFunc(t.interDigitTimeout, func() {
			if len(digits) >= t.minDigits {
				t.resolve(gatherResult{reason: GatherDTMF, digits: digits})
			} else {
				t.resolve(gatherResult{reason: GatherTimeout})
			}
		})
	}
	t.input.Unlock()

	if complete {
		t.resolve(gatherResult{reason: GatherDTMF, digits: digits})
	}
}

func (t *Gather) onTranscript(ctx context.Context, s Session, e *event.CallEvent) {
	data, ok := e.GetTranscription()
	if !ok {
		return
	}
	text := strings.TrimSpace(data.Transcript())
	if text == "" {
		return
	}
	if t.bargein && len(strings.Fields(text)) >= t.minBargeinWords {
		t.killPrompt(s)
	}
	if !data.IsFinal {
		if t.partialResultHook != nil {
			go notifyStatus(ctx, s, webhook.VerbHook, t.partialResultHook, map[string]any{"speech": data})
		}
		return
	}
	t.resolve(gatherResult{reason: GatherSpeech, transcript: data})
}

func (t *Gather) onRecognizerError(ctx context.Context, s Session, ep media.Endpoint, fb *speech.Fallback, e *event.CallEvent) {
	msg := "recognizer error"
	if d, ok := e.GetError(); ok && d.Message != "" {
		msg = d.Message
	}
	cause := errors.New(msg)
	if _, ok := fb.Advance(cause); !ok {
		t.resolve(gatherResult{reason: GatherError, err: cause})
		return
	}
	t.stopRecognizer(ep)
	go func() {
		if err := t.startRecognizer(ctx, s, ep, fb); err != nil && ctx.Err() == nil {
			t.resolve(gatherResult{reason: GatherError, err: err})
		}
	}()
}

// startRecognizer starts transcription with the current vendor, falling back once on failure
func (t *Gather) startRecognizer(ctx context.Context, s Session, ep media.Endpoint, fb *speech.Fallback) error {
	return fb.Run(ctx, func(ctx context.Context, v speech.Vendor) error {
		creds, err := credentials(ctx, s, v, speech.UsageSTT)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		err = ep.StartTranscription(ctx, media.TranscribeRequest{
			ID:          id,
			Vendor:      v.Name,
			Label:       v.Label,
			Language:    v.Language,
			Interim:     t.bargein || t.partialResultHook != nil,
			Hints:       stringList(t.recognizer["hints"]),
			Credentials: creds,
		})
		if err != nil {
			return err
		}
		t.input.Lock()
		t.transcribe = id
		t.input.Unlock()
		return nil
	})
}

func (t *Gather) stopRecognizer(ep media.Endpoint) {
	t.input.Lock()
	id := t.transcribe
	t.transcribe = ""
	t.input.Unlock()
	if id != "" {
		_ = ep.StopTranscription(context.Background(), id)
	}
}
