package handler

import (
	"errors"
	"net/http"

	"github.com/ClareAI/astra-call-control/internal/services/call"
	"github.com/ClareAI/astra-call-control/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type CallHandler struct {
	calls   CallController
	locator CallLocator
}

func NewCallHandler(calls CallController, locator CallLocator) *CallHandler {
	return &CallHandler{calls: calls, locator: locator}
}

// Hangup handles DELETE /v1/calls/{callSid}. Calls owned by another pod are ended
// through the hangup broadcast, so success only means the request was accepted.
func (h *CallHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	callSid := mux.Vars(r)["callSid"]
	if err := h.calls.Hangup(r.Context(), callSid); err != nil {
		if errors.Is(err, call.ErrCallNotFound) {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		logger.Base().Error("failed to hang up call", zap.String("call_sid", callSid), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Get handles GET /v1/calls/{callSid} with the registry record of a live call
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	callSid := mux.Vars(r)["callSid"]
	info, err := h.locator.Lookup(r.Context(), callSid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if info == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
