package task

import (
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatherHook = "https://app.example.com/gather"

func gatherResultPayload(t *testing.T, s *fakeSession) map[string]any {
	t.Helper()
	reqs := s.req.to(gatherHook)
	require.Len(t, reqs, 1)
	return reqs[0].payload
}

func TestGatherDigits(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"numDigits":  3,
	}})

	result := start(s, task)
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "no-input timer armed")
	s.ep.SendDTMF("123")

	require.NoError(t, waitResult(t, result))
	p := gatherResultPayload(t, s)
	assert.Equal(t, GatherDTMF, p["reason"])
	assert.Equal(t, "123", p["digits"])
}

func TestGatherFinishOnKey(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook":  gatherHook,
		"finishOnKey": "#",
		"maxDigits":   10,
	}})

	result := start(s, task)
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "no-input timer armed")
	s.ep.SendDTMF("42#9")

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, "42", gatherResultPayload(t, s)["digits"])
}

func TestGatherTimeout(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"timeout":    5,
	}})

	result := start(s, task)
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "no-input timer armed")
	s.manual().Advance(5 * time.Second)

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, GatherTimeout, gatherResultPayload(t, s)["reason"])
}

func TestGatherInterDigitTimeout(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook":        gatherHook,
		"interDigitTimeout": 2,
		"maxDigits":         6,
	}})

	result := start(s, task)
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "no-input timer armed")
	s.ep.SendDTMF("7")
	s.manual().Advance(time.Second)
	s.ep.SendDTMF("8")
	s.manual().Advance(2 * time.Second)

	require.NoError(t, waitResult(t, result))
	p := gatherResultPayload(t, s)
	assert.Equal(t, GatherDTMF, p["reason"])
	assert.Equal(t, "78", p["digits"])
}

func TestGatherSpeech(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"input":      []any{"speech"},
	}})

	result := start(s, task)
	eventually(t, func() bool { return len(s.ep.Transcribing()) == 1 }, "recognizer started")
	s.ep.SendTranscript("google", "   ", true)
	s.ep.SendTranscript("google", "I need billing", true)

	require.NoError(t, waitResult(t, result))
	p := gatherResultPayload(t, s)
	assert.Equal(t, GatherSpeech, p["reason"])
	speech, ok := p["speech"].(*event.TranscriptionData)
	require.True(t, ok)
	assert.Equal(t, "I need billing", speech.Transcript())
	assert.Empty(t, s.ep.Transcribing(), "recognizer stopped after the result")
}

func TestGatherRecognizerFallback(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"input":      []any{"speech"},
		"recognizer": map[string]any{"vendor": "google", "fallbackVendor": "microsoft"},
	}})

	result := start(s, task)
	eventually(t, func() bool { return len(s.ep.Transcribing()) == 1 }, "recognizer started")
	s.ep.SendTranscriptionError("google", "stream closed")
	eventually(t, func() bool {
		v := s.ep.Transcribing()
		return len(v) == 1 && v[0] == "microsoft"
	}, "fallback recognizer started")
	s.ep.SendTranscript("microsoft", "yes", true)

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, GatherSpeech, gatherResultPayload(t, s)["reason"])
	assert.Equal(t, []string{"speech_fallback"}, s.alertKinds())
}

func TestGatherRecognizerErrorWithoutFallback(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"input":      []any{"speech"},
	}})

	result := start(s, task)
	eventually(t, func() bool { return len(s.ep.Transcribing()) == 1 }, "recognizer started")
	s.ep.SendTranscriptionError("google", "stream closed")

	require.NoError(t, waitResult(t, result))
	p := gatherResultPayload(t, s)
	assert.Equal(t, GatherError, p["reason"])
	assert.Equal(t, "stream closed", p["details"])
}

func TestGatherDTMFBargeinStopsPrompt(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	s.ep.HoldPlayback()
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook":  gatherHook,
		"numDigits":   1,
		"dtmfBargein": true,
		"say":         map[string]any{"text": "press 1 for sales"},
	}})

	result := start(s, task)
	eventually(t, s.ep.Playing, "prompt playing")
	token := s.ep.Speaks()[0].Token
	s.ep.SendDTMF("1")

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, "1", gatherResultPayload(t, s)["digits"])
	assert.Contains(t, s.ep.StopRequests(), token)
	assert.False(t, s.ep.Playing())
}

func TestGatherTimerStartsAfterPrompt(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	s.ep.HoldPlayback()
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"timeout":    4,
		"play":       map[string]any{"url": "https://example.com/menu.wav"},
	}})

	result := start(s, task)
	eventually(t, s.ep.Playing, "prompt playing")
	assert.Equal(t, 0, s.manual().Pending())

	s.ep.FinishPlayback()
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "no-input timer armed after prompt")
	s.manual().Advance(4 * time.Second)

	require.NoError(t, waitResult(t, result))
	assert.Equal(t, GatherTimeout, gatherResultPayload(t, s)["reason"])
}

func TestGatherKillReleasesRecognizer(t *testing.T) {
	s := newFakeSession(t, "CA1", nil)
	task := mustTask(t, map[string]any{"gather": map[string]any{
		"actionHook": gatherHook,
		"input":      []any{"digits", "speech"},
	}})

	result := start(s, task)
	eventually(t, func() bool { return s.manual().Pending() == 1 }, "gather waiting")
	task.Kill(s)

	assert.NoError(t, waitResult(t, result))
	assert.Empty(t, s.ep.Transcribing())
	assert.Equal(t, 0, s.manual().Pending())
	assert.Empty(t, s.req.to(gatherHook))

	s.ep.SendDTMF("1")
	assert.Empty(t, s.req.to(gatherHook), "listeners are detached")
}
