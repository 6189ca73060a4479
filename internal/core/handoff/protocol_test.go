package handoff_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/handoff"
	"github.com/ClareAI/astra-call-control/internal/core/media/mediatest"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func program() []map[string]any {
	return []map[string]any{
		{"conference": map[string]any{"name": "room", "beep": true}},
		{"say": map[string]any{"text": "goodbye"}},
		{"hangup": map[string]any{}},
	}
}

func TestPrepareAttachesParamsToFirstVerb(t *testing.T) {
	src := program()
	out, err := handoff.Prepare(src, map[string]any{"connectTime": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	conf := out[0]["conference"].(map[string]any)
	assert.Equal(t, map[string]any{"connectTime": "2024-01-01T00:00:00Z"}, conf["_"])
	assert.Equal(t, "goodbye", out[1]["say"].(map[string]any)["text"])

	_, touched := src[0]["conference"].(map[string]any)["_"]
	assert.False(t, touched, "the source program is not modified")

	_, err = handoff.Prepare(nil, nil)
	assert.ErrorIs(t, err, handoff.ErrEmptyProgram)
}

func TestReferTarget(t *testing.T) {
	uri := handoff.ReferTo("2f1c1b8e-4a0e-4a57-9a3b-0e6f1f3d8c11", "10.0.0.2:5060")
	assert.Equal(t, "sip:handoff-2f1c1b8e-4a0e-4a57-9a3b-0e6f1f3d8c11@10.0.0.2:5060", uri)

	id, ok := handoff.ParseReferTarget(uri)
	require.True(t, ok)
	assert.Equal(t, "2f1c1b8e-4a0e-4a57-9a3b-0e6f1f3d8c11", id)

	_, ok = handoff.ParseReferTarget("sip:+15551234567@10.0.0.2")
	assert.False(t, ok)
	_, ok = handoff.ParseReferTarget("sip:handoff-not-a-uuid@10.0.0.2")
	assert.False(t, ok)
}

func TestTransferAndConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryService(nil)
	bus := handoff.NewRedisBus(store)

	sender := handoff.NewProtocol(store, bus, "10.0.0.1:5060")
	receiver := handoff.NewProtocol(store, bus, "10.0.0.2:5060")
	require.NoError(t, sender.Start(ctx))

	dlg := mediatest.NewDialog("call-1", "10.0.0.1:5060")
	id, err := sender.Transfer(ctx, dlg, "10.0.0.2:5060", program(), nil)
	require.NoError(t, err)
	require.Len(t, dlg.Refers(), 1)
	assert.True(t, strings.Contains(dlg.Refers()[0], id))

	got, err := receiver.Consume(ctx, id, "CA2")
	require.NoError(t, err)
	assert.Equal(t, program(), got)

	assert.Equal(t, handoff.OutcomeConsumed, sender.AwaitCompletion(ctx, dlg, id))
	assert.Equal(t, 0, dlg.Destroys())

	_, err = receiver.Consume(ctx, id, "CA2")
	assert.ErrorIs(t, err, handoff.ErrNoTransfer, "a record is consumed at most once")
}

func TestExpiredRecordIsNoTransfer(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Time{})
	store := redis.NewMemoryService(clk)
	p := handoff.NewProtocol(store, nil, "10.0.0.1:5060", handoff.WithTTL(5*time.Second))

	id, err := p.Write(ctx, program())
	require.NoError(t, err)
	clk.Advance(6 * time.Second)

	_, err = p.Consume(ctx, id, "CA2")
	assert.ErrorIs(t, err, handoff.ErrNoTransfer)
}

func TestReferFailureRemovesRecord(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryService(nil)
	p := handoff.NewProtocol(store, nil, "10.0.0.1:5060")

	dlg := mediatest.NewDialog("call-1", "10.0.0.1:5060")
	dlg.FailRefer(errors.New("403 forbidden"))

	_, err := p.Transfer(ctx, dlg, "10.0.0.2:5060", program(), nil)
	require.Error(t, err)

	target := dlg.Refers()[0]
	id, ok := handoff.ParseReferTarget(target)
	require.True(t, ok)
	_, err = p.Consume(ctx, id, "CA2")
	assert.ErrorIs(t, err, handoff.ErrNoTransfer)
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Time{})
	store := redis.NewMemoryService(clk)
	p := handoff.NewProtocol(store, nil, "10.0.0.1:5060",
		handoff.WithClock(clk), handoff.WithCompletionTimeout(10*time.Second))

	dlg := mediatest.NewDialog("call-1", "10.0.0.1:5060")
	id, err := p.Transfer(ctx, dlg, "10.0.0.2:5060", program(), nil)
	require.NoError(t, err)

	done := make(chan handoff.Outcome, 1)
	go func() { done <- p.AwaitCompletion(ctx, dlg, id) }()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(10 * time.Second)

	assert.Equal(t, handoff.OutcomeTimeout, <-done)
	assert.Equal(t, 1, dlg.Destroys())
}

func TestAwaitCompletionSeesBye(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryService(nil)
	p := handoff.NewProtocol(store, nil, "10.0.0.1:5060")

	dlg := mediatest.NewDialog("call-1", "10.0.0.1:5060")
	id, err := p.Transfer(ctx, dlg, "10.0.0.2:5060", program(), nil)
	require.NoError(t, err)
	dlg.Hangup()

	assert.Equal(t, handoff.OutcomeHangup, p.AwaitCompletion(ctx, dlg, id))
}
