package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/services/call"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NotificationHandler receives the notifications pods exchange about waiting calls:
// dequeue bridge requests for enqueued members and conference start for waiting participants
type NotificationHandler struct {
	calls CallController
}

func NewNotificationHandler(calls CallController) *NotificationHandler {
	return &NotificationHandler{calls: calls}
}

// Notify handles POST /v1/{kind}/{callSid}
func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, callSid := vars["kind"], vars["callSid"]

	var n task.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if n.Event == "" {
		http.Error(w, "event is required", http.StatusBadRequest)
		return
	}

	err := h.calls.Notify(r.Context(), callSid, kind, n)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, call.ErrCallNotFound):
		http.Error(w, "Call not found", http.StatusNotFound)
	case errors.Is(err, task.ErrNotWaiting):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrUnknownNotification):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Base().Error("failed to deliver notification",
			zap.String("call_sid", callSid),
			zap.String("kind", kind),
			zap.String("event", n.Event),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
