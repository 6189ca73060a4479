package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media/mediatest"
	"github.com/ClareAI/astra-call-control/internal/core/queue"
	"github.com/ClareAI/astra-call-control/internal/core/session"
	"github.com/ClareAI/astra-call-control/internal/core/task"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"github.com/ClareAI/astra-call-control/internal/domain"
	"github.com/ClareAI/astra-call-control/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEnqueueDequeueEndsEachLegOnce(t *testing.T) {
	callerProgram := verbs(t, `[{"enqueue": {"name": "support", "actionHook": "https://app.example.com/queue-action"}}]`)
	agentProgram := verbs(t, `[{"dequeue": {"name": "support", "actionHook": "https://app.example.com/dequeue-action"}}]`)
	h := newHarness(t, func(callSid string, msgType webhook.MessageType, url string) ([]map[string]any, error) {
		if msgType != webhook.SessionNew {
			return nil, nil
		}
		if callSid == "CA-caller" {
			return callerProgram, nil
		}
		return agentProgram, nil
	})
	ctx := context.Background()

	caller := h.accept(t, "CA-caller", "")
	q := queue.New(h.store, testAccountSid, "support")
	require.Eventually(t, func() bool {
		n, err := q.Length(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	agent := h.accept(t, "CA-agent", "")
	require.Eventually(t, func() bool {
		return agent.endpoint.BridgedTo() == caller.endpoint
	}, 2*time.Second, 10*time.Millisecond)

	caller.dialog.Hangup()
	waitEnded(t, caller.session)
	waitEnded(t, agent.session)

	for _, callSid := range []string{"CA-caller", "CA-agent"} {
		statuses := h.hooks.find(callSid, webhook.CallStatus)
		require.Len(t, statuses, 1, callSid)
		assert.Equal(t, statusHookURL, statuses[0].url)
		assert.Equal(t, domain.CallStatusCompleted, statuses[0].payload["callStatus"])
	}

	callerResults := h.hooks.find("CA-caller", webhook.VerbHook)
	require.Len(t, callerResults, 1)
	assert.Equal(t, task.QueueHangup, callerResults[0].payload["queueResult"])

	agentResults := h.hooks.find("CA-agent", webhook.VerbHook)
	require.Len(t, agentResults, 1)
	assert.Equal(t, task.DequeueComplete, agentResults[0].payload["dequeueResult"])
	assert.Equal(t, "CA-caller", agentResults[0].payload["bridgeCallSid"])

	assert.Equal(t, 1, agent.dialog.Destroys(), "agent hung up once its program ran out")
	assert.Equal(t, 0, h.svc.Count())
	info, err := h.registry.Lookup(ctx, "CA-agent")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestUnknownAccountRejectsCall(t *testing.T) {
	h := newHarness(t, nil)
	dialog := mediatest.NewDialog("x@sip", testAddress)
	_, err := h.svc.Accept(context.Background(), IncomingCall{
		CallSid:    "CA-1",
		AccountSid: "AC-unknown",
		Dialog:     dialog,
	})
	require.Error(t, err)
	assert.Equal(t, 1, dialog.Destroys())
	assert.Equal(t, 0, h.svc.Count())
}

func TestDuplicateCallSidRejected(t *testing.T) {
	pause := verbs(t, `[{"pause": {"length": 60}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return pause, nil })
	first := h.accept(t, "CA-1", "")

	dialog := mediatest.NewDialog("dup@sip", testAddress)
	_, err := h.svc.Accept(context.Background(), IncomingCall{CallSid: "CA-1", AccountSid: testAccountSid, Dialog: dialog})
	require.Error(t, err)
	assert.Equal(t, 1, dialog.Destroys())
	assert.Same(t, first.session, h.svc.Get("CA-1"))
}

func TestCallIsRegisteredWhileLive(t *testing.T) {
	pause := verbs(t, `[{"pause": {"length": 60}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return pause, nil })
	l := h.accept(t, "CA-1", "")

	info, err := h.registry.Lookup(context.Background(), "CA-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "pod-1", info.PodID)
	assert.Equal(t, testAddress, info.SipAddress)
	assert.Equal(t, testAccountSid, info.AccountSid)

	l.dialog.Hangup()
	waitEnded(t, l.session)
	info, err = h.registry.Lookup(context.Background(), "CA-1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestNotifyRouting(t *testing.T) {
	pause := verbs(t, `[{"pause": {"length": 60}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return pause, nil })
	ctx := context.Background()
	l := h.accept(t, "CA-1", "")
	require.Eventually(t, func() bool { return running(l.session) == "pause" }, 2*time.Second, 10*time.Millisecond)

	err := h.svc.Notify(ctx, "CA-1", "dial", task.Notification{Event: task.EventDequeue})
	assert.ErrorIs(t, err, ErrUnknownNotification)
	err = h.svc.Notify(ctx, "CA-missing", NotifyEnqueue, task.Notification{Event: task.EventDequeue})
	assert.ErrorIs(t, err, ErrCallNotFound)
	err = h.svc.Notify(ctx, "CA-1", NotifyEnqueue, task.Notification{Event: task.EventDequeue})
	assert.ErrorIs(t, err, task.ErrNotWaiting)
}

func TestHangupLocalAndBroadcast(t *testing.T) {
	pause := verbs(t, `[{"pause": {"length": 60}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return pause, nil })
	ctx := context.Background()

	local := h.accept(t, "CA-local", "")
	require.NoError(t, h.svc.Hangup(ctx, "CA-local"))
	waitEnded(t, local.session)
	assert.Equal(t, 1, local.dialog.Destroys())

	remote := h.accept(t, "CA-remote", "")
	other := session.NewManager(h.store, "pod-2", "10.0.0.2:5060", clock.NewReal())
	require.NoError(t, other.NotifyHangup(ctx, "CA-remote"))
	waitEnded(t, remote.session)
	assert.Equal(t, 1, remote.dialog.Destroys())

	assert.NoError(t, h.svc.Hangup(ctx, "CA-elsewhere"), "unknown calls are broadcast")
}

func TestShutdownEndsAllCalls(t *testing.T) {
	pause := verbs(t, `[{"pause": {"length": 60}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return pause, nil })
	a := h.accept(t, "CA-a", "")
	b := h.accept(t, "CA-b", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Equal(t, 1, a.dialog.Destroys())
	assert.Equal(t, 1, b.dialog.Destroys())
	assert.Equal(t, 0, h.svc.Count())
}

func TestCallHookFailureFailsCall(t *testing.T) {
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) {
		return nil, errors.New("connection refused")
	})
	l := h.accept(t, "CA-1", "")
	waitEnded(t, l.session)

	assert.Equal(t, 1, l.dialog.Destroys())
	statuses := h.hooks.find("CA-1", webhook.CallStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.CallStatusFailed, statuses[0].payload["callStatus"])
	assert.Contains(t, h.alerts.kinds(), AlertWebhookFailed)
}

func TestInvalidApplicationFailsCall(t *testing.T) {
	bad := verbs(t, `[{"say": {"text": "hi"}}, {"dial": {"target": []}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return bad, nil })
	l := h.accept(t, "CA-1", "")
	waitEnded(t, l.session)

	assert.Empty(t, l.endpoint.Speaks(), "no verb of a rejected program runs")
	assert.Contains(t, h.alerts.kinds(), AlertInvalidApplication)
	statuses := h.hooks.find("CA-1", webhook.CallStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.CallStatusFailed, statuses[0].payload["callStatus"])
}

func TestNoStatusHookMeansNoStatusReport(t *testing.T) {
	tag := verbs(t, `[{"tag": {"data": {"crm": "42"}}}]`)
	h := newHarness(t, func(string, webhook.MessageType, string) ([]map[string]any, error) { return tag, nil })
	h.account.CallStatusHookURL = ""
	l := h.accept(t, "CA-1", "")
	waitEnded(t, l.session)
	assert.Empty(t, h.hooks.find("CA-1", webhook.CallStatus))
}

func TestDialBridgesCallerToOutboundLeg(t *testing.T) {
	program := verbs(t, `[
		{"dial": {"target": [{"type": "phone", "number": "+15550003333"}], "callerId": "+15550002222"}},
		{"say": {"text": "the other party hung up"}}
	]`)
	h := newHarness(t, func(callSid string, msgType webhook.MessageType, url string) ([]map[string]any, error) {
		if msgType != webhook.SessionNew {
			return nil, nil
		}
		return program, nil
	})
	l := h.accept(t, "CA-1", "")

	require.Eventually(t, func() bool {
		return len(h.dialer.Legs()) == 1 && l.endpoint.BridgedTo() != nil
	}, 2*time.Second, 10*time.Millisecond)
	out := h.dialer.Legs()[0]
	assert.Same(t, out.MediaEndpoint(), l.endpoint.BridgedTo())
	req := h.dialer.Requests()[0]
	assert.Equal(t, "CA-1", req.ParentCallSid)
	assert.Equal(t, "+15550002222", req.CallerID)

	out.FarEndHangup()
	waitEnded(t, l.session)
	assert.True(t, out.HungUp())
	speaks := l.endpoint.Speaks()
	require.Len(t, speaks, 1)
	assert.Equal(t, "the other party hung up", speaks[0].Text)
}
