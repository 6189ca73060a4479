package event

import (
	"time"

	"github.com/ClareAI/astra-call-control/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every dispatched event at debug level
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		start := time.Now()
		defer func() {
			if event.IsError() {
				logger.Base().Warn("event carried error", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSid), zap.Error(event.Error))
				return
			}
			logger.Base().Debug("event handled", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSid), zap.Duration("duration", time.Since(start)))
		}()

		next(event)
	}
}

// RecoveryMiddleware keeps a panicking handler from taking down the publisher
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSid), zap.Any("panic", r))
			}
		}()

		next(event)
	}
}

// ValidationMiddleware drops events that cannot be routed
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		if event == nil || event.Type == "" {
			logger.Base().Error("dropping untyped event")
			return
		}
		next(event)
	}
}

// CreateDefaultMiddlewareChain creates the middleware chain used for endpoint buses
func CreateDefaultMiddlewareChain() []EventMiddleware {
	return []EventMiddleware{
		RecoveryMiddleware,
		ValidationMiddleware,
		LoggingMiddleware,
	}
}
