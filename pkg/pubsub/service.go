package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// Source is stamped on every alert, usually the pod id
	Source string `mapstructure:"source"`
}

// Alert is an operational event raised by a call, such as a failed background task
type Alert struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	CallSid    string         `json:"call_sid,omitempty"`
	AccountSid string         `json:"account_sid,omitempty"`
	Source     string         `json:"source,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type AlertPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

func NewAlertPublisher(ctx context.Context, cfg *PubSubConfig) (*AlertPublisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topic", cfg.TopicName))
	}

	return &AlertPublisher{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// Publish sends an alert and waits for the server to accept it
func (p *AlertPublisher) Publish(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Source == "" {
		alert.Source = p.config.Source
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("alert:%s:%s", alert.Kind, alert.ID),
			"kind": alert.Kind,
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish alert",
			zap.String("kind", alert.Kind),
			zap.String("call_sid", alert.CallSid),
			zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	logger.Base().Debug("Published alert", zap.String("kind", alert.Kind), zap.String("id", alert.ID))
	return nil
}

func (p *AlertPublisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
