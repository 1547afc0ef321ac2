package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// startTimer computes the next OnCalendar= elapse time and schedules a
// goroutine that activates the timer's target unit when it arrives
// (spec.md's timer supplement, grounded on OnBootSec/OnUnitActiveSec/
// OnCalendar parsing). OnBootSec/OnUnitActiveSec schedule relative to
// activation instead of a calendar expression.
func (e *Engine) startTimer(ctx context.Context, u *unit.Unit) error {
	timer := u.Timer()
	target := timer.Unit
	if target == (unit.ID{}) {
		target = unit.ID{Kind: unit.KindService, Name: u.ID.Name}
	}

	next, err := nextElapse(timer)
	if err != nil {
		return err
	}
	timer.NextElapse = next

	go e.runTimerLoop(ctx, u, timer, target)
	return nil
}

func nextElapse(timer *unit.TimerSpecific) (time.Time, error) {
	now := time.Now()
	best := time.Time{}

	for _, expr := range timer.OnCalendar {
		ce, err := cronexpr.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing OnCalendar=%q: %w", expr, err)
		}
		t := ce.Next(now)
		if best.IsZero() || (!t.IsZero() && t.Before(best)) {
			best = t
		}
	}
	if timer.OnBootSec > 0 {
		t := now.Add(timer.OnBootSec)
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best, nil
}

func (e *Engine) runTimerLoop(ctx context.Context, u *unit.Unit, timer *unit.TimerSpecific, target unit.ID) {
	for {
		wait := time.Until(timer.NextElapse)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := e.Start(ctx, target); err != nil {
			e.log.Error("timer failed to activate target", "timer", u.ID, "target", target, "err", err)
		}

		if timer.OnUnitActive > 0 {
			timer.NextElapse = time.Now().Add(timer.OnUnitActive)
			continue
		}
		next, err := nextElapse(timer)
		if err != nil || next.IsZero() {
			return
		}
		timer.NextElapse = next
	}
}
