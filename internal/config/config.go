package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig holds the process configuration. The .env file, if any, is loaded in main
// before LoadServerConfig runs.
type ServerConfig struct {
	Port   string
	LogEnv string

	// InstanceID identifies this pod in the call registry; defaults to the hostname
	InstanceID string
	// SipAddress is the signaling address other pods REFER calls to
	SipAddress string
	// PublicBaseURL prefixes notification URLs handed to other pods
	PublicBaseURL string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	HandoffTTL               time.Duration
	HandoffCompletionTimeout time.Duration
	BridgeTimeout            time.Duration
	WebhookTimeout           time.Duration
	WaitHookMinInterval      time.Duration
	AccountCacheTTL          time.Duration

	WebhookSecret string
	NotifySecret  string

	DefaultSynthesizerVendor   string
	DefaultSynthesizerLanguage string
	DefaultRecognizerVendor    string
	DefaultRecognizerLanguage  string

	DBAutoMigrate bool

	RecordingBucket  string
	PubSubProjectID  string
	PubSubAlertTopic string
}

// LoadServerConfig reads the configuration from the environment
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:   getEnvOrDefault("PORT", "3000"),
		LogEnv: getEnvOrDefault("LOG_ENV", "development"),

		InstanceID:    getEnvOrDefault("INSTANCE_ID", hostname()),
		SipAddress:    os.Getenv("SIP_ADDRESS"),
		PublicBaseURL: strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),

		HandoffTTL:               getEnvAsDurationOrDefault("HANDOFF_TTL", 30*time.Second),
		HandoffCompletionTimeout: getEnvAsDurationOrDefault("HANDOFF_COMPLETION_TIMEOUT", 10*time.Second),
		BridgeTimeout:            getEnvAsDurationOrDefault("BRIDGE_TIMEOUT", 30*time.Second),
		WebhookTimeout:           getEnvAsDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
		WaitHookMinInterval:      getEnvAsDurationOrDefault("WAIT_HOOK_MIN_INTERVAL", time.Second),
		AccountCacheTTL:          getEnvAsDurationOrDefault("ACCOUNT_CACHE_TTL", time.Minute),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		NotifySecret:  os.Getenv("NOTIFY_SECRET"),

		DefaultSynthesizerVendor:   getEnvOrDefault("DEFAULT_TTS_VENDOR", "google"),
		DefaultSynthesizerLanguage: getEnvOrDefault("DEFAULT_TTS_LANGUAGE", "en-US"),
		DefaultRecognizerVendor:    getEnvOrDefault("DEFAULT_STT_VENDOR", "google"),
		DefaultRecognizerLanguage:  getEnvOrDefault("DEFAULT_STT_LANGUAGE", "en-US"),

		DBAutoMigrate: getEnvAsBoolOrDefault("DB_AUTO_MIGRATE", true),

		RecordingBucket:  os.Getenv("RECORDING_BUCKET"),
		PubSubProjectID:  os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubAlertTopic: getEnvOrDefault("PUBSUB_ALERT_TOPIC", "call-control-alerts"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings other pods depend on
func (c *ServerConfig) Validate() error {
	if c.SipAddress == "" {
		return fmt.Errorf("SIP_ADDRESS is required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !strings.HasPrefix(c.PublicBaseURL, "http://") && !strings.HasPrefix(c.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL: %q", c.PublicBaseURL)
	}
	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *ServerConfig) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "call-control"
	}
	return name
}
