package event_test

import (
	"testing"

	"github.com/ClareAI/astra-call-control/internal/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := event.NewEventBus()
	var digits []string
	_, err := bus.Subscribe(event.DTMF, func(e *event.CallEvent) {
		d, ok := e.GetDTMF()
		require.True(t, ok)
		digits = append(digits, d.Digit)
	})
	require.NoError(t, err)

	for _, d := range []string{"1", "2", "3", "#"} {
		require.NoError(t, bus.Publish(event.DTMF, "CA1", &event.DTMFData{Digit: d}))
	}
	assert.Equal(t, []string{"1", "2", "3", "#"}, digits)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := event.NewEventBus()
	calls := 0
	unsub, err := bus.Subscribe(event.PlaybackStopped, func(*event.CallEvent) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(event.PlaybackStopped, "CA1", &event.PlaybackData{Token: "t"}))
	unsub()
	unsub()
	require.NoError(t, bus.Publish(event.PlaybackStopped, "CA1", &event.PlaybackData{Token: "t"}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.GetStats().ActiveHandlers)
}

func TestHandlerRemovedDuringDispatchDoesNotFire(t *testing.T) {
	bus := event.NewEventBus()
	var second event.Unsubscribe
	fired := false
	_, err := bus.Subscribe(event.DTMF, func(*event.CallEvent) { second() })
	require.NoError(t, err)
	second, err = bus.Subscribe(event.DTMF, func(*event.CallEvent) { fired = true })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(event.DTMF, "CA1", &event.DTMFData{Digit: "5"}))
	assert.False(t, fired)
}

func TestPanicIsRecovered(t *testing.T) {
	bus := event.NewEventBus()
	after := false
	_, _ = bus.Subscribe(event.DTMF, func(*event.CallEvent) { panic("boom") })
	_, _ = bus.Subscribe(event.DTMF, func(*event.CallEvent) { after = true })

	assert.NotPanics(t, func() {
		_ = bus.Publish(event.DTMF, "CA1", &event.DTMFData{Digit: "1"})
	})
	assert.True(t, after)
}

func TestClosedBusRejects(t *testing.T) {
	bus := event.NewEventBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(event.DTMF, "CA1", nil), event.ErrBusClosed)
	_, err := bus.Subscribe(event.DTMF, func(*event.CallEvent) {})
	assert.ErrorIs(t, err, event.ErrBusClosed)
}
