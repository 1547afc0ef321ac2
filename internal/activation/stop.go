package activation

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// Stop deactivates id: first every unit that RequiredBy/PartOfBy it (a
// dependent must go down before its dependency, spec.md §4.3's "stop walk
// is the mirror of the start walk"), then id itself.
func (e *Engine) Stop(ctx context.Context, id unit.ID, kind unit.StopKind) error {
	u, ok := e.rt.Get(id)
	if !ok {
		return fmt.Errorf("unit %s not found", id)
	}

	status, _, _ := u.Status.Get()
	if status == unit.Stopped || status == unit.NeverStarted {
		return nil
	}

	for _, dep := range append(append([]unit.ID{}, u.Dependencies.RequiredBy...), u.Dependencies.PartOfBy...) {
		du, ok := e.rt.Get(dep)
		if !ok {
			continue
		}
		dstatus, _, _ := du.Status.Get()
		if dstatus == unit.Running || dstatus == unit.Starting || dstatus == unit.WaitingForSocket {
			if err := e.Stop(ctx, dep, kind); err != nil {
				e.log.Warn("dependent unit failed to stop cleanly, continuing", "unit", id, "dependent", dep, "err", err)
			}
		}
	}

	return e.stopOne(ctx, u, kind)
}

func (e *Engine) stopOne(ctx context.Context, u *unit.Unit, kind unit.StopKind) error {
	u.Status.Lock()
	u.Status.Set(unit.Stopping)
	u.Status.Unlock()
	e.publish(u)

	var timeout time.Duration
	svc := u.Service()
	if svc != nil {
		timeout = svc.TimeoutStopSec
	}
	stopCtx, cancel := e.boundedContext(ctx, timeout)
	defer cancel()

	var errs []error
	if svc != nil {
		errs = e.stopService(stopCtx, u, svc)
		if svc.Type == unit.ServiceNotify {
			e.unregisterNotifySocket(u.ID)
		}
	}

	e.rt.FDStore.Clear(u.ID)

	u.Status.Lock()
	u.Status.SetStopped(kind, errs)
	u.Status.Unlock()
	e.publish(u)

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// stopService runs ExecStop (if any), then escalates KillSignal (default
// SIGTERM) -> SIGKILL against the tracked main pid only (spec.md §4.3).
// KillMode= and the unit's cgroup are not consulted, so other processes of
// the service are not signalled.
func (e *Engine) stopService(ctx context.Context, u *unit.Unit, svc *unit.ServiceSpecific) []error {
	var errs []error

	for _, cmd := range svc.ExecStop {
		if err := e.runAuxCommand(ctx, u, "stop", cmd); err != nil && !cmd.IgnoreError {
			errs = append(errs, err)
		}
	}

	pid, hasPID := e.rt.PIDTable.FindPIDForUnit(u.ID)
	if hasPID {
		if err := e.killWithEscalation(ctx, u, svc, pid); err != nil {
			errs = append(errs, err)
		}
		e.rt.PIDTable.Remove(pid)
	}

	for _, cmd := range svc.ExecStopPost {
		if err := e.runAuxCommand(ctx, u, "stop-post", cmd); err != nil && !cmd.IgnoreError {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *Engine) killWithEscalation(ctx context.Context, u *unit.Unit, svc *unit.ServiceSpecific, pid int) error {
	signal := svc.KillSignal
	if signal == "" {
		signal = "SIGTERM"
	}
	if err := signalPID(pid, signal); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sending %s to %d: %w", signal, pid, err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(killEscalationDelay):
	}

	if stillAlive(pid) {
		if err := signalPID(pid, "SIGKILL"); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("sending SIGKILL to %d: %w", pid, err)
		}
	}
	return nil
}

const killEscalationDelay = 5 * time.Second

func (e *Engine) handleExit(ctx context.Context, id unit.ID, term pidtable.Termination) {
	u, ok := e.rt.Get(id)
	if !ok {
		return
	}
	status, _, _ := u.Status.Get()
	if status == unit.Stopping {
		// Expected exit as part of a Stop() already in flight; stopOne
		// will record the final state once ExecStop/kill completes.
		return
	}

	success := term.Success()
	if svc := u.Service(); svc != nil {
		if term.Exited {
			success = isSuccessCode(svc, term.Code)
		}
		if svc.Type == unit.ServiceNotify {
			e.unregisterNotifySocket(id)
		}
	}

	u.Status.Lock()
	if success {
		u.Status.SetStopped(unit.StopFinal, nil)
	} else {
		u.Status.SetStopped(unit.StopUnexpected, []error{fmt.Errorf("exited with code=%d signal=%d", term.Code, term.Signal)})
	}
	u.Status.Unlock()
	e.publish(u)

	e.maybeRestart(ctx, u, term)
}
