package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/ClareAI/astra-call-control/pkg/redis"
	"go.uber.org/zap"
)

const (
	HangupChannel = "astra:call:hangup"
	CallTTL       = 4 * time.Hour
)

// CallInfo is the monitoring record for a live call
type CallInfo struct {
	CallSid    string    `json:"callSid"`
	AccountSid string    `json:"accountSid"`
	PodID      string    `json:"podId"`
	SipAddress string    `json:"sipAddress"`
	Direction  string    `json:"direction"`
	StartTime  time.Time `json:"startTime"`
}

// HangupMessage asks whichever pod owns CallSid to end it
type HangupMessage struct {
	CallSid string `json:"callSid"`
	From    string `json:"from"`
}

// Manager registers the calls owned by this pod in the shared store
type Manager struct {
	redisSvc   redis.RedisServiceInterface
	podID      string
	sipAddress string
	clk        clock.Clock
}

func NewManager(redisSvc redis.RedisServiceInterface, podID, sipAddress string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Manager{
		redisSvc:   redisSvc,
		podID:      podID,
		sipAddress: sipAddress,
		clk:        clk,
	}
}

func (m *Manager) PodID() string { return m.podID }

func (m *Manager) key(callSid string) string {
	return m.redisSvc.GenerateKey(redis.CALL_INFO, callSid)
}

// Register records a call as owned by this pod
func (m *Manager) Register(ctx context.Context, info CallInfo) error {
	info.PodID = m.podID
	info.SipAddress = m.sipAddress
	if info.StartTime.IsZero() {
		info.StartTime = m.clk.Now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode call info: %w", err)
	}
	if err := m.redisSvc.SetValue(ctx, m.key(info.CallSid), string(data), CallTTL); err != nil {
		return fmt.Errorf("register call %s: %w", info.CallSid, err)
	}
	logger.Base().Info("Call registered in Redis", zap.String("call_sid", info.CallSid), zap.String("pod_id", m.podID))
	return nil
}

// Unregister removes the call record
func (m *Manager) Unregister(ctx context.Context, callSid string) error {
	return m.redisSvc.DelValue(ctx, m.key(callSid))
}

// Lookup returns the record for a call, or nil when no pod owns it
func (m *Manager) Lookup(ctx context.Context, callSid string) (*CallInfo, error) {
	data, err := m.redisSvc.GetValue(ctx, m.key(callSid))
	if errors.Is(err, redis.ErrKeyNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup call %s: %w", callSid, err)
	}
	var info CallInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("decode call info %s: %w", callSid, err)
	}
	return &info, nil
}

// NotifyHangup broadcasts a hangup request to all pods
func (m *Manager) NotifyHangup(ctx context.Context, callSid string) error {
	logger.Base().Info("Broadcasting hangup request", zap.String("call_sid", callSid))
	return m.redisSvc.Publish(ctx, HangupChannel, HangupMessage{CallSid: callSid, From: m.podID})
}

// SubscribeToHangup listens for hangup broadcasts from other pods
func (m *Manager) SubscribeToHangup(ctx context.Context, handler func(callSid string)) error {
	return m.redisSvc.Subscribe(ctx, HangupChannel, func(payload string) {
		var msg HangupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal hangup message", zap.Error(err))
			return
		}
		if msg.From == m.podID {
			return
		}
		handler(msg.CallSid)
	})
}
