package handoff

import (
	"context"
	"encoding/json"

	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"go.uber.org/zap"
)

const (
	ConsumedChannel = "astra:call:handoff:consumed"
)

// ConsumedEvent is broadcast by the process that picked up a transferred program
type ConsumedEvent struct {
	UUID       string `json:"uuid"`
	CallSid    string `json:"callSid,omitempty"`
	SipAddress string `json:"sipAddress"`
}

// Bus carries handoff notifications between processes
type Bus interface {
	Publish(ctx context.Context, evt ConsumedEvent) error
	Subscribe(ctx context.Context, handler func(ConsumedEvent)) error
}

// RedisBus implements Bus using Redis Pub/Sub
type RedisBus struct {
	redisSvc redis.RedisServiceInterface
}

func NewRedisBus(redisSvc redis.RedisServiceInterface) *RedisBus {
	return &RedisBus{redisSvc: redisSvc}
}

func (b *RedisBus) Publish(ctx context.Context, evt ConsumedEvent) error {
	logger.Base().Debug("Publishing handoff consumed", zap.String("uuid", evt.UUID), zap.String("sip_address", evt.SipAddress))
	return b.redisSvc.Publish(ctx, ConsumedChannel, evt)
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(ConsumedEvent)) error {
	logger.Base().Info("Subscribing to handoff notifications")
	return b.redisSvc.Subscribe(ctx, ConsumedChannel, func(payload string) {
		var evt ConsumedEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			logger.Base().Error("Failed to unmarshal handoff payload", zap.Error(err))
			return
		}
		handler(evt)
	})
}
