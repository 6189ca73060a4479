package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// CallController is the part of the call service the HTTP surface drives
type CallController interface {
	Notify(ctx context.Context, callSid, kind string, n task.Notification) error
	Hangup(ctx context.Context, callSid string) error
	Count() int
}

// CallLocator finds the pod that owns a call
type CallLocator interface {
	Lookup(ctx context.Context, callSid string) (*session.CallInfo, error)
}

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerManager owns the HTTP routes of the process
type HandlerManager struct {
	calls      CallController
	locator    CallLocator
	signer     *httpadapter.Signer
	instanceID string
	pingers    map[string]Pinger
}

type Option func(*HandlerManager)

// WithLocator enables GET /v1/calls/{callSid}
func WithLocator(l CallLocator) Option {
	return func(hm *HandlerManager) { hm.locator = l }
}

// WithHealthCheck adds a dependency to /health
func WithHealthCheck(name string, p Pinger) Option {
	return func(hm *HandlerManager) { hm.pingers[name] = p }
}

// NewHandlerManager builds the routes around calls. signer verifies pod-to-pod notifications.
func NewHandlerManager(calls CallController, signer *httpadapter.Signer, instanceID string, opts ...Option) *HandlerManager {
	hm := &HandlerManager{
		calls:      calls,
		signer:     signer,
		instanceID: instanceID,
		pingers:    make(map[string]Pinger),
	}
	for _, opt := range opts {
		opt(hm)
	}
	return hm
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(LoggingMiddleware)

	router.HandleFunc("/health", hm.health).Methods(http.MethodGet)

	hm.SetupNotificationRoutes(router)
	hm.SetupCallRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupNotificationRoutes registers the routes other pods post notifications to
func (hm *HandlerManager) SetupNotificationRoutes(router *mux.Router) {
	notify := router.PathPrefix("/v1").Subrouter()
	notify.Use(ValidationMiddleware)
	notify.Use(SignatureMiddleware(hm.signer))

	h := NewNotificationHandler(hm.calls)
	notify.HandleFunc("/{kind:enqueue|conference}/{callSid}", h.Notify).Methods(http.MethodPost)

	logger.Base().Info("notification routes registered", zap.Bool("signed", hm.signer.Enabled()))
}

// SetupCallRoutes registers the call control routes
func (hm *HandlerManager) SetupCallRoutes(router *mux.Router) {
	calls := router.PathPrefix("/v1/calls").Subrouter()
	calls.Use(SignatureMiddleware(hm.signer))

	h := NewCallHandler(hm.calls, hm.locator)
	calls.HandleFunc("/{callSid}", h.Hangup).Methods(http.MethodDelete)
	if hm.locator != nil {
		calls.HandleFunc("/{callSid}", h.Get).Methods(http.MethodGet)
	}
}

type healthResponse struct {
	Status      string            `json:"status"`
	InstanceID  string            `json:"instanceId"`
	ActiveCalls int               `json:"activeCalls"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (hm *HandlerManager) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		InstanceID:  hm.instanceID,
		ActiveCalls: hm.calls.Count(),
	}
	status := http.StatusOK
	if len(hm.pingers) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		resp.Checks = make(map[string]string, len(hm.pingers))
		for name, p := range hm.pingers {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Warn("failed to encode response", zap.Error(err))
	}
}
