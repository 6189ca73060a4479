package queue_test

import (
	"context"
	"testing"

	"github.com/ClareAI/astra-call-control/internal/core/queue"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := queue.New(redis.NewMemoryService(nil), "AC1", "support")
	assert.Equal(t, "queue:AC1:support", q.Key())

	n, err := q.Push(ctx, "https://a/enqueue/CA1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = q.Push(ctx, "https://a/enqueue/CA2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pos, err := q.Position(ctx, "https://a/enqueue/CA2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	first, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://a/enqueue/CA1", first)

	second, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://a/enqueue/CA2", second)

	_, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueRemoveAndPosition(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryService(nil)
	q := queue.New(store, "AC1", "sales")
	other := queue.New(store, "AC2", "sales")

	_, _ = q.Push(ctx, "m1")
	_, _ = q.Push(ctx, "m2")
	_, _ = other.Push(ctx, "m1")

	require.NoError(t, q.Remove(ctx, "m1"))
	require.NoError(t, q.Remove(ctx, "missing"))

	pos, err := q.Position(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	pos, err = q.Position(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	n, err := other.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "queues are scoped by account")
}
