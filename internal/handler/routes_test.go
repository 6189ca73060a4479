package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	httpadapter "github.com/ClareAI/astra-call-control/internal/adapters/http"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/services/call"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notified struct {
	callSid string
	kind    string
	n       task.Notification
}

type fakeCalls struct {
	mu        sync.Mutex
	notified  []notified
	hungUp    []string
	notifyErr error
	hangupErr error
	count     int
}

func (f *fakeCalls) Notify(ctx context.Context, callSid, kind string, n task.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notified = append(f.notified, notified{callSid: callSid, kind: kind, n: n})
	return nil
}

func (f *fakeCalls) Hangup(ctx context.Context, callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangupErr != nil {
		return f.hangupErr
	}
	f.hungUp = append(f.hungUp, callSid)
	return nil
}

func (f *fakeCalls) Count() int { return f.count }

type fakeLocator map[string]*session.CallInfo

func (f fakeLocator) Lookup(ctx context.Context, callSid string) (*session.CallInfo, error) {
	return f[callSid], nil
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func newRouter(calls CallController, signer *httpadapter.Signer, opts ...Option) *mux.Router {
	router := mux.NewRouter()
	NewHandlerManager(calls, signer, "pod-1", opts...).SetupAllRoutes(router)
	return router
}

func post(t *testing.T, router http.Handler, signer *httpadapter.Signer, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		sig, err := signer.Sign(raw)
		require.NoError(t, err)
		req.Header.Set(httpadapter.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestNotifyDeliversToCall(t *testing.T) {
	calls := &fakeCalls{}
	router := newRouter(calls, httpadapter.NewSigner("", nil))

	rec := post(t, router, nil, "/v1/enqueue/CA-1", map[string]any{
		"event": task.EventDequeue,
		"data":  map[string]any{"dequeueSipAddress": "10.0.0.2:5060"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, calls.notified, 1)
	assert.Equal(t, "CA-1", calls.notified[0].callSid)
	assert.Equal(t, "enqueue", calls.notified[0].kind)
	assert.Equal(t, task.EventDequeue, calls.notified[0].n.Event)
	assert.Equal(t, "10.0.0.2:5060", calls.notified[0].n.Data["dequeueSipAddress"])

	rec = post(t, router, nil, "/v1/conference/CA-2", map[string]any{"event": task.EventConferenceStart})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "conference", calls.notified[1].kind)
}

func TestNotifyErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{call.ErrCallNotFound, http.StatusNotFound},
		{fmt.Errorf("deliver: %w", task.ErrNotWaiting), http.StatusConflict},
		{fmt.Errorf("%w: dial", call.ErrUnknownNotification), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			router := newRouter(&fakeCalls{notifyErr: tc.err}, httpadapter.NewSigner("", nil))
			rec := post(t, router, nil, "/v1/enqueue/CA-1", map[string]any{"event": task.EventDequeue})
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestNotifyRejectsBadRequests(t *testing.T) {
	calls := &fakeCalls{}
	router := newRouter(calls, httpadapter.NewSigner("", nil))

	rec := post(t, router, nil, "/v1/enqueue/CA-1", map[string]any{"data": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "event is required")

	req := httptest.NewRequest(http.MethodPost, "/v1/enqueue/CA-1", bytes.NewReader([]byte("event=dequeue")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post(t, router, nil, "/v1/dial/CA-1", map[string]any{"event": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "only enqueue and conference are routed")
	assert.Empty(t, calls.notified)
}

func TestNotifySignatureRequiredWhenConfigured(t *testing.T) {
	calls := &fakeCalls{}
	signer := httpadapter.NewSigner("notify-secret", nil)
	router := newRouter(calls, signer)
	body := map[string]any{"event": task.EventDequeue}

	rec := post(t, router, nil, "/v1/enqueue/CA-1", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, router, httpadapter.NewSigner("other-secret", nil), "/v1/enqueue/CA-1", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, calls.notified)

	rec = post(t, router, signer, "/v1/enqueue/CA-1", body)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, calls.notified, 1)
	assert.Equal(t, task.EventDequeue, calls.notified[0].n.Event, "body is readable after verification")
}

func TestHangupRoute(t *testing.T) {
	calls := &fakeCalls{}
	router := newRouter(calls, httpadapter.NewSigner("", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/calls/CA-1", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"CA-1"}, calls.hungUp)

	calls.hangupErr = call.ErrCallNotFound
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/calls/CA-2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallLookupRoute(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	locator := fakeLocator{"CA-1": {CallSid: "CA-1", AccountSid: "AC1", PodID: "pod-2", SipAddress: "10.0.0.2:5060", StartTime: start}}
	router := newRouter(&fakeCalls{}, httpadapter.NewSigner("", nil), WithLocator(locator))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls/CA-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info session.CallInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "pod-2", info.PodID)
	assert.True(t, start.Equal(info.StartTime))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls/CA-missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	healthy := pingFunc(func(context.Context) error { return nil })
	router := newRouter(&fakeCalls{count: 3}, httpadapter.NewSigner("", nil), WithHealthCheck("redis", healthy))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "pod-1", resp.InstanceID)
	assert.Equal(t, 3, resp.ActiveCalls)
	assert.Equal(t, "ok", resp.Checks["redis"])

	failing := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	router = newRouter(&fakeCalls{}, httpadapter.NewSigner("", nil), WithHealthCheck("database", failing))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}
