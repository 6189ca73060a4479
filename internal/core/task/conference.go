package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/conference"
	"github.com/ClareAI/astra-call-control/internal/core/media"
	"github.com/ClareAI/astra-call-control/internal/core/webhook"
	"go.uber.org/zap"
)

// Conference results reported to the action hook
const (
	ConferenceCompleted = "completed"
	ConferenceLeave     = "leave"
	ConferenceError     = "error"
)

// Conference joins the caller to a named conference, starting it or waiting for it to start
type Conference struct {
	Base
	confName        string
	beep            bool
	startOnEnter    bool
	endOnExit       bool
	muted           bool
	maxParticipants int
	actionHook      any
	waitHook        any
	statusHook      any
	statusEvents    []string

	startOnce sync.Once
	started   chan struct{}
}

func newConference(params map[string]any, parent Task) (Task, error) {
	t := &Conference{
		confName:        stringParam(params, "name"),
		beep:            boolParam(params, "beep", false),
		startOnEnter:    boolParam(params, "startConferenceOnEnter", true),
		endOnExit:       boolParam(params, "endConferenceOnExit", false),
		muted:           boolParam(params, "joinMuted", false),
		maxParticipants: int(numberParam(params, "maxParticipants", 0)),
		actionHook:      params["actionHook"],
		waitHook:        params["waitHook"],
		statusHook:      params["statusHook"],
		statusEvents:    stringList(params["statusEvents"]),
		started:         make(chan struct{}),
	}
	if t.confName == "" {
		return nil, errors.New("name is empty")
	}
	t.init(t, "conference", params, RequiresStableDialog, parent)
	return t, nil
}

// Notify wakes a caller waiting for the conference to start
func (t *Conference) Notify(ctx context.Context, s Session, n Notification) error {
	if n.Event != EventConferenceStart || t.State() != StateRunning {
		return ErrNotWaiting
	}
	t.startOnce.Do(func() { close(t.started) })
	return nil
}

func (t *Conference) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	reg := conference.NewRegistry(s.Store())
	rec, err := reg.Get(ctx, s.AccountSid(), t.confName)
	if err != nil {
		return t.report(ctx, s, ConferenceError, err)
	}

	if rec == nil && !t.startOnEnter {
		if left := t.waitForStart(ctx, s, res, reg); left {
			return t.report(ctx, s, ConferenceLeave, nil)
		}
		if ctx.Err() != nil {
			return nil
		}
		if rec, err = reg.Get(ctx, s.AccountSid(), t.confName); err != nil {
			return t.report(ctx, s, ConferenceError, err)
		}
	}

	if rec == nil {
		created, current, err := reg.CreateIfAbsent(ctx, s.AccountSid(), t.confName, conference.Record{
			SipAddress:   s.Settings().LocalAddress,
			StartTime:    s.Clock().Now(),
			StatusHook:   t.statusHook,
			StatusEvents: t.statusEvents,
		})
		if err != nil {
			return t.report(ctx, s, ConferenceError, err)
		}
		rec = current
		if created {
			t.logger().Info("Conference started", zap.String("conference", t.confName))
			t.status(ctx, s, rec, conference.EventStart, nil)
			t.wakeWaiters(ctx, s, reg)
		}
	}

	if rec.SipAddress != "" && rec.SipAddress != s.Settings().LocalAddress {
		if err := s.Handoff(ctx, rec.SipAddress, nil, t); err != nil {
			t.logger().Error("Failed to hand call to conference host", zap.String("address", rec.SipAddress), zap.Error(err))
			return t.report(ctx, s, ConferenceError, err)
		}
		return nil
	}

	err = t.join(ctx, s, res, reg, rec)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return t.report(ctx, s, ConferenceError, err)
	}
	return t.report(ctx, s, ConferenceCompleted, nil)
}

// waitForStart parks the caller on the conference wait-list; true means the caller left
func (t *Conference) waitForStart(ctx context.Context, s Session, res Resources, reg *conference.Registry) bool {
	url := s.Settings().NotifyURL("conference", s.CallSid())
	if err := reg.AddWaiter(ctx, s.AccountSid(), t.confName, url); err != nil {
		t.logger().Warn("Failed to join conference wait-list", zap.Error(err))
	}
	// the host may have drained the wait-list between our first lookup and the add
	if rec, err := reg.Get(ctx, s.AccountSid(), t.confName); err == nil && rec != nil {
		_ = reg.RemoveWaiter(ctx, s.AccountSid(), t.confName, url)
		return false
	}
	t.logger().Info("Waiting for conference to start", zap.String("conference", t.confName))

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	w := newWaitHook(&t.Base, t.waitHook, func(ctx context.Context) map[string]any {
		return payload(s, map[string]any{"conferenceName": t.confName})
	})
	if w != nil {
		go w.run(waitCtx, s, res)
	}
	defer func() {
		stopWaiting()
		w.Wait()
	}()

	select {
	case <-t.started:
		return false
	case <-w.Leave():
	case <-ctx.Done():
	}
	if err := reg.RemoveWaiter(context.WithoutCancel(ctx), s.AccountSid(), t.confName, url); err != nil {
		t.logger().Warn("Failed to leave conference wait-list", zap.Error(err))
	}
	return ctx.Err() == nil
}

func (t *Conference) wakeWaiters(ctx context.Context, s Session, reg *conference.Registry) {
	n, err := reg.DrainWaiters(ctx, s.AccountSid(), t.confName, func(ctx context.Context, url string) error {
		return s.Notifier().Notify(ctx, url, map[string]any{
			"event": EventConferenceStart,
			"data":  map[string]any{"conferenceName": t.confName},
		})
	})
	if err != nil {
		t.logger().Warn("Failed to notify conference waiters", zap.Int("waiters", n), zap.Error(err))
	}
}

// join blocks while the caller is a member, then tears the conference down if it is now empty
func (t *Conference) join(ctx context.Context, s Session, res Resources, reg *conference.Registry, rec *conference.Record) error {
	ep := res.Endpoint
	count, _ := ep.ConferenceMemberCount(ctx, t.confName)
	t.status(ctx, s, rec, conference.EventJoin, map[string]any{"members": count + 1})

	err := ep.JoinConference(ctx, t.confName, media.ConferenceOptions{
		Muted:           t.muted,
		Beep:            t.beep,
		MaxParticipants: t.maxParticipants,
	})

	cleanupCtx := context.WithoutCancel(ctx)
	if t.endOnExit {
		if err := ep.EndConference(cleanupCtx, t.confName); err != nil {
			t.logger().Warn("Failed to end conference", zap.Error(err))
		}
	}
	remaining, countErr := ep.ConferenceMemberCount(cleanupCtx, t.confName)
	if countErr != nil {
		t.logger().Warn("Failed to count conference members", zap.Error(countErr))
	}
	t.status(cleanupCtx, s, rec, conference.EventLeave, map[string]any{"members": remaining})

	if t.endOnExit || countErr == nil && remaining == 0 {
		deleted, delErr := reg.Delete(cleanupCtx, s.AccountSid(), t.confName)
		if delErr != nil {
			t.logger().Warn("Failed to delete conference record", zap.Error(delErr))
		}
		if deleted {
			t.logger().Info("Conference ended", zap.String("conference", t.confName))
			t.status(cleanupCtx, s, rec, conference.EventEnd, nil)
		}
	}
	return err
}

// status posts a conference event to the status hook when the conference asked for it
func (t *Conference) status(ctx context.Context, s Session, rec *conference.Record, evt string, extra map[string]any) {
	src := rec
	if src.StatusHook == nil {
		src = &conference.Record{StatusHook: t.statusHook, StatusEvents: t.statusEvents}
	}
	if src.StatusHook == nil || !src.Wants(evt) {
		return
	}
	results := map[string]any{
		"conferenceName": t.confName,
		"event":          evt,
		"time":           s.Clock().Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		results[k] = v
	}
	notifyStatus(ctx, s, webhook.ConferenceStatus, src.StatusHook, results)
}

func (t *Conference) report(ctx context.Context, s Session, result string, cause error) error {
	results := map[string]any{
		"conferenceName":   t.confName,
		"conferenceResult": result,
	}
	if cause != nil {
		results["details"] = cause.Error()
	}
	return t.performAction(ctx, s, t.actionHook, results)
}
