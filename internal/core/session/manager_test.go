package session

import (
	"context"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	store := redis.NewMemoryService(clk)
	m := NewManager(store, "pod-a", "10.0.0.1:5060", clk)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, CallInfo{CallSid: "CA1", AccountSid: "AC1", Direction: "inbound"}))
	info, err := m.Lookup(ctx, "CA1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "pod-a", info.PodID)
	assert.Equal(t, "10.0.0.1:5060", info.SipAddress)
	assert.True(t, clk.Now().Equal(info.StartTime))

	require.NoError(t, m.Unregister(ctx, "CA1"))
	info, err = m.Lookup(ctx, "CA1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRegistrationExpires(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := NewManager(redis.NewMemoryService(clk), "pod-a", "10.0.0.1:5060", clk)
	require.NoError(t, m.Register(context.Background(), CallInfo{CallSid: "CA1"}))

	clk.Advance(CallTTL)
	info, err := m.Lookup(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestHangupBroadcastSkipsSender(t *testing.T) {
	store := redis.NewMemoryService(nil)
	a := NewManager(store, "pod-a", "10.0.0.1:5060", nil)
	b := NewManager(store, "pod-b", "10.0.0.2:5060", nil)

	var gotA, gotB []string
	require.NoError(t, a.SubscribeToHangup(context.Background(), func(callSid string) { gotA = append(gotA, callSid) }))
	require.NoError(t, b.SubscribeToHangup(context.Background(), func(callSid string) { gotB = append(gotB, callSid) }))

	require.NoError(t, a.NotifyHangup(context.Background(), "CA9"))
	assert.Empty(t, gotA)
	assert.Equal(t, []string{"CA9"}, gotB)
}
