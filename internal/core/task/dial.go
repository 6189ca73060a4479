package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
	"go.uber.org/zap"
)

// Dial results reported to the action hook as dialCallStatus
const (
	DialCompleted = "completed"
	DialBusy      = "busy"
	DialNoAnswer  = "no-answer"
	DialFailed    = "failed"
)

const defaultDialTimeout = 60 * time.Second

var ErrNoDialer = errors.New("no outbound dialer for call")

// Dial rings one or more targets at once and bridges the caller to the first that answers
type Dial struct {
	Base
	targets    []media.DialTarget
	callerID   string
	timeout    time.Duration
	timeLimit  time.Duration
	actionHook any
}

func newDial(params map[string]any, parent Task) (Task, error) {
	t := &Dial{
		callerID:   stringParam(params, "callerId"),
		timeout:    seconds(numberParam(params, "timeout", defaultDialTimeout.Seconds())),
		timeLimit:  seconds(numberParam(params, "timeLimit", 0)),
		actionHook: params["actionHook"],
	}
	raw, _ := params["target"].([]any)
	for i, r := range raw {
		obj, _ := r.(map[string]any)
		target, err := dialTarget(obj)
		if err != nil {
			return nil, fmt.Errorf("target[%d]: %w", i, err)
		}
		t.targets = append(t.targets, target)
	}
	if len(t.targets) == 0 {
		return nil, errors.New("target is empty")
	}
	t.init(t, "dial", params, RequiresMediaEndpoint, parent)
	return t, nil
}

func dialTarget(obj map[string]any) (media.DialTarget, error) {
	target := media.DialTarget{
		Type:   stringParam(obj, "type"),
		Number: stringParam(obj, "number"),
		SipURI: stringParam(obj, "sipUri"),
		Name:   stringParam(obj, "name"),
	}
	if h, ok := obj["headers"].(map[string]any); ok {
		target.Headers = make(map[string]string, len(h))
		for k, v := range h {
			target.Headers[k] = fmt.Sprint(v)
		}
	}
	switch target.Type {
	case "phone":
		if target.Number == "" {
			return target, errors.New("phone target needs a number")
		}
	case "sip":
		if target.SipURI == "" {
			return target, errors.New("sip target needs a sipUri")
		}
	case "user":
		if target.Name == "" {
			return target, errors.New("user target needs a name")
		}
	default:
		return target, fmt.Errorf("unknown target type %q", target.Type)
	}
	return target, nil
}

func (t *Dial) Exec(ctx context.Context, s Session, res Resources) error {
	ctx, err := t.begin(ctx, s)
	if err != nil {
		return err
	}
	defer t.finish()
	if res.Endpoint == nil {
		return ErrNoEndpoint
	}

	d := s.Dialer()
	if d == nil {
		t.logger().Warn("Cannot place outbound call", zap.Error(ErrNoDialer))
		return t.report(ctx, s, DialFailed, nil, 0)
	}

	leg, status := t.ring(ctx, s, d)
	if leg != nil {
		t.onCleanup(func() { _ = leg.Hangup(context.Background()) })
	}
	if ctx.Err() != nil {
		return nil
	}
	if leg == nil {
		return t.report(ctx, s, status, nil, 0)
	}

	answered := s.Clock().Now()
	t.logger().Info("Outbound leg answered, bridging", zap.String("dial_call_sid", leg.CallSid()))
	t.bridge(ctx, s, res.Endpoint, leg)
	if ctx.Err() != nil {
		return nil
	}
	if err := leg.Hangup(ctx); err != nil {
		t.logger().Debug("Failed to hang up outbound leg", zap.Error(err))
	}
	return t.report(ctx, s, DialCompleted, leg, s.Clock().Now().Sub(answered))
}

// ring dials every target at once; the first to answer wins and the rest are abandoned
func (t *Dial) ring(ctx context.Context, s Session, d media.Dialer) (media.Leg, string) {
	ringCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.timeout > 0 {
		t.afterFunc(s, t.timeout, cancel)
	}

	type outcome struct {
		leg media.Leg
		err error
	}
	results := make(chan outcome, len(t.targets))
	for _, target := range t.targets {
		go func(target media.DialTarget) {
			leg, err := d.Dial(ringCtx, media.DialRequest{
				ParentCallSid: s.CallSid(),
				Target:        target,
				CallerID:      t.callerID,
				Timeout:       t.timeout,
			})
			results <- outcome{leg: leg, err: err}
		}(target)
	}

	var (
		winner media.Leg
		errs   []error
	)
	for range t.targets {
		o := <-results
		switch {
		case o.err != nil:
			errs = append(errs, o.err)
		case winner == nil:
			winner = o.leg
			cancel()
		default:
			// answered after another target won
			_ = o.leg.Hangup(context.WithoutCancel(ctx))
		}
	}
	if winner != nil {
		return winner, DialCompleted
	}
	status := dialStatus(errs)
	t.logger().Info("No target answered", zap.String("status", status), zap.Errors("errors", errs))
	return nil, status
}

// bridge joins the caller to the leg until either side hangs up or the time limit passes
func (t *Dial) bridge(ctx context.Context, s Session, ep media.Endpoint, leg media.Leg) {
	bridgeCtx, stop := context.WithCancel(ctx)
	defer stop()
	if t.timeLimit > 0 {
		t.afterFunc(s, t.timeLimit, stop)
	}

	bridged := make(chan error, 1)
	go func() { bridged <- ep.Bridge(bridgeCtx, leg.Endpoint()) }()

	var err error
	select {
	case err = <-bridged:
	case <-leg.Ended():
		stop()
		err = <-bridged
	}
	if err != nil && ctx.Err() == nil {
		t.logger().Warn("Bridge to outbound leg failed", zap.Error(err))
	}
}

func dialStatus(errs []error) string {
	status := DialFailed
	for _, err := range errs {
		switch {
		case errors.Is(err, media.ErrBusy):
			return DialBusy
		case errors.Is(err, media.ErrNoAnswer), errors.Is(err, context.Canceled):
			status = DialNoAnswer
		}
	}
	return status
}

func (t *Dial) report(ctx context.Context, s Session, status string, leg media.Leg, duration time.Duration) error {
	results := map[string]any{"dialCallStatus": status}
	if leg != nil {
		results["dialCallSid"] = leg.CallSid()
		results["dialCallDuration"] = int(duration.Seconds())
	}
	return t.performAction(ctx, s, t.actionHook, results)
}
