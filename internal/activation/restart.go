package activation

import (
	"context"
	"time"

	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// maybeRestart evaluates Restart= against how the service exited and, if
// it applies, re-enters Start after RestartSec (spec.md §4.3's restart
// policy table).
func (e *Engine) maybeRestart(ctx context.Context, u *unit.Unit, term pidtable.Termination) {
	svc := u.Service()
	if svc == nil {
		return
	}
	success := term.Success()
	if term.Exited {
		success = isSuccessCode(svc, term.Code)
	}
	if !shouldRestart(svc, term, success) {
		return
	}

	delay := svc.RestartSec
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		u.Status.Lock()
		u.Status.Set(unit.Restarting)
		u.Status.Unlock()
		e.publish(u)

		if err := e.Start(ctx, u.ID); err != nil {
			e.log.Error("restart failed", "unit", u.ID, "err", err)
		}
	}()
}

func shouldRestart(svc *unit.ServiceSpecific, term pidtable.Termination, success bool) bool {
	switch svc.RestartPolicy {
	case unit.RestartAlways:
		return true
	case unit.RestartOnSuccess:
		return success
	case unit.RestartOnFailure:
		return !success
	case unit.RestartOnAbnormal:
		return !success && term.Signal != 0
	case unit.RestartOnWatchdog:
		return !success
	case unit.RestartOnAbort:
		return !success && term.Signal != 0
	default:
		return false
	}
}

// isSuccessCode checks a raw exit code against both the default (0) and
// any SuccessExitStatus= additions (spec.md §4.3).
func isSuccessCode(svc *unit.ServiceSpecific, code int) bool {
	if code == 0 {
		return true
	}
	for _, c := range svc.SuccessExitCodes {
		if c == code {
			return true
		}
	}
	return false
}
