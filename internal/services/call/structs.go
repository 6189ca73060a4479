package call

import (
	"context"
	"errors"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/handoff"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/speech"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/ClareAI/astra-call-control/pkg/pubsub"
	"github.com/ClareAI/astra-call-control/pkg/redis"
)

var (
	ErrCallNotFound = errors.New("call not found on this instance")
	ErrCallEnded    = errors.New("call has ended")
	// ErrUnknownNotification is returned for a notification kind no verb waits on
	ErrUnknownNotification = errors.New("unknown notification kind")
)

// Notification kinds routed to a waiting verb; they match the path segment of the notify URL
const (
	NotifyEnqueue    = "enqueue"
	NotifyConference = "conference"
)

// Alert kinds raised by the session itself
const (
	AlertHandoffFailed      = "handoff_failed"
	AlertInvalidApplication = "invalid_application"
	AlertWebhookFailed      = "webhook_failed"
)

const registryTimeout = 5 * time.Second

// connectTimeParam carries the original connect time of a call across handoffs
const connectTimeParam = "connectTime"

// AccountStore resolves the account a call belongs to
type AccountStore interface {
	GetAccount(ctx context.Context, accountSid string) (*domain.Account, error)
}

// Alerter publishes operational alerts
type Alerter interface {
	Publish(ctx context.Context, alert pubsub.Alert) error
}

// RequestorFactory builds the webhook transport for one call
type RequestorFactory func(cfg httpadapter.RequestorConfig) webhook.Requestor

// Config holds the per-process values every call session shares
type Config struct {
	SipAddress          string
	BaseURL             string
	BridgeTimeout       time.Duration
	WaitHookMinInterval time.Duration
	WebhookTimeout      time.Duration
	Synthesizer         speech.Vendor
	Recognizer          speech.Vendor
}

// Dependencies are the collaborators of the call service. Recordings and Alerts are optional.
type Dependencies struct {
	Store       redis.RedisServiceInterface
	Registry    *session.Manager
	Handoff     *handoff.Protocol
	Notifier    webhook.Notifier
	Accounts    AccountStore
	Credentials speech.CredentialResolver
	Recordings  task.RecordingSink
	Alerts      Alerter
	Signer      *httpadapter.Signer
	Requestors  RequestorFactory
	Clock       clock.Clock
}

// IncomingCall is a new call leg offered to this process by the SIP layer
type IncomingCall struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	// RequestURI of the INVITE; a handed-off call carries the uuid of its program here
	RequestURI string
	Dialog     media.Dialog
	Endpoint   media.Endpoint
	// Dialer places outbound legs for the dial verb; nil when the signaling stack has none
	Dialer media.Dialer
}
