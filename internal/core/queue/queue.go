package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClareAI/astra-call-control/pkg/redis"
)

// Queue is a named hold queue of member notification URLs shared by every process.
// Push and Pop are atomic; Length and Position are point-in-time reads.
type Queue struct {
	store redis.RedisServiceInterface
	name  string
	key   string
}

func New(store redis.RedisServiceInterface, accountSid, name string) *Queue {
	return &Queue{
		store: store,
		name:  name,
		key:   store.GenerateKey(redis.QUEUE, fmt.Sprintf("%s:%s", accountSid, name)),
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Key() string  { return q.key }

// Push appends a member and returns the queue length after the push
func (q *Queue) Push(ctx context.Context, memberURL string) (int64, error) {
	n, err := q.store.PushBack(ctx, q.key, memberURL)
	if err != nil {
		return 0, fmt.Errorf("push to queue %s: %w", q.name, err)
	}
	return n, nil
}

// Pop removes the member at the front. ok is false when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (memberURL string, ok bool, err error) {
	memberURL, err = q.store.PopFront(ctx, q.key)
	if errors.Is(err, redis.ErrKeyNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop from queue %s: %w", q.name, err)
	}
	return memberURL, true, nil
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.store.ListLength(ctx, q.key)
}

// Position returns the 1-based position of a member, or 0 if it is not queued
func (q *Queue) Position(ctx context.Context, memberURL string) (int64, error) {
	idx, err := q.store.ListPosition(ctx, q.key, memberURL)
	if err != nil {
		return 0, err
	}
	return idx + 1, nil
}

// Remove takes a member out of the queue wherever it is. Removing an absent member is not an error.
func (q *Queue) Remove(ctx context.Context, memberURL string) error {
	_, err := q.store.RemoveFromList(ctx, q.key, memberURL)
	return err
}
