package activation

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/notify"
	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/socketunit"
	"github.com/systemd-rs-go/manager/internal/supervisor"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// drainStdio forwards one exec-helper child's stdout or stderr, line by
// line, to the journal sink until the pipe closes at process exit (spec.md
// §4.6's stdio multiplexer, the counterpart to the sd_notify drain loop
// internal/notify.Run runs for the NOTIFY_SOCKET side).
func (e *Engine) drainStdio(id unit.ID, stream string, r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		notify.Sink(e.log, id, stream, scanner.Text())
	}
}

// startService runs ExecStartPre, launches ExecStart under the exec
// helper, waits for type-appropriate readiness, then runs ExecStartPost
// (spec.md §4.3, §4.4).
func (e *Engine) startService(ctx context.Context, u *unit.Unit) error {
	svc := u.Service()

	for _, cmd := range svc.ExecStartPre {
		if err := e.runAuxCommand(ctx, u, "start-pre", cmd); err != nil && !cmd.IgnoreError {
			return fmt.Errorf("ExecStartPre failed: %w", err)
		}
	}

	invocationID, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("generating invocation id: %w", err)
	}
	svc.Runtime.InvocationID = invocationID
	svc.Runtime.StartedAt = time.Now()

	listenFDs := e.rt.FDStore.Get(u.ID)

	var notifySocket string
	if svc.Type == unit.ServiceNotify {
		notifySocket = notify.SocketPath(u.ID, invocationID)
		if err := e.registerNotifySocket(u.ID, notifySocket); err != nil {
			return err
		}
	}

	cfg := supervisor.Config{
		Unit:             u.ID,
		Phase:            "start",
		Command:          svc.ExecStart,
		Isolation:        svc.Isolation,
		ListenFDNames:    socketunit.FDNames(listenFDs),
		NotifySocketPath: notifySocket,
		InvocationID:     invocationID,
	}

	var files []*os.File
	for _, fd := range listenFDs {
		files = append(files, fd.File)
	}

	handle, err := supervisor.Spawn(e.log, cfg, files)
	if err != nil {
		return fmt.Errorf("spawning %s: %w", u.ID, err)
	}
	svc.Runtime.PID = handle.Pid
	e.rt.PIDTable.Insert(handle.Pid, pidtable.Entry{Kind: pidtable.KindService, Unit: u.ID, ServiceType: svc.Type})
	go e.drainStdio(u.ID, "stdout", handle.Stdout)
	go e.drainStdio(u.ID, "stderr", handle.Stderr)

	if err := e.awaitReadiness(ctx, u, svc, handle.Pid); err != nil {
		if svc.Type == unit.ServiceNotify {
			e.unregisterNotifySocket(u.ID)
		}
		return err
	}

	for _, cmd := range svc.ExecStartPost {
		if err := e.runAuxCommand(ctx, u, "start-post", cmd); err != nil && !cmd.IgnoreError {
			e.log.Warn("ExecStartPost failed", "unit", u.ID, "err", err)
		}
	}

	u.Status.Lock()
	u.Status.Set(unit.Running)
	u.Status.Unlock()
	e.publish(u)
	return nil
}

// runAuxCommand runs one ExecStartPre/ExecStartPost/ExecStop* entry
// through the same exec-helper isolation path as the main command, but
// waits synchronously for it to exit; it holds a Helper entry in the PID
// table only for the duration of that wait (spec.md §4.3: "auxiliary
// commands run to completion before the next phase begins").
func (e *Engine) runAuxCommand(ctx context.Context, u *unit.Unit, phase string, cmd unit.ExecCommand) error {
	svc := u.Service()
	cfg := supervisor.Config{
		Unit:      u.ID,
		Phase:     phase,
		Command:   cmd,
		Isolation: svc.Isolation,
	}
	handle, err := supervisor.Spawn(e.log, cfg, nil)
	if err != nil {
		return err
	}
	e.rt.PIDTable.Insert(handle.Pid, pidtable.Entry{Kind: pidtable.KindHelper, Unit: u.ID, Phase: phase})
	go e.drainStdio(u.ID, "stdout", handle.Stdout)
	go e.drainStdio(u.ID, "stderr", handle.Stderr)
	state, err := handle.Process.Wait()
	e.rt.PIDTable.Remove(handle.Pid)
	if err != nil {
		return fmt.Errorf("waiting for %s %s: %w", phase, u.ID, err)
	}
	if !state.Success() {
		return fmt.Errorf("%s command exited with %s", phase, state.String())
	}
	_ = ctx
	return nil
}

// awaitReadiness blocks until the service's ServiceType-specific readiness
// condition is met (spec.md §4.3's Type= table), or ctx is cancelled.
func (e *Engine) awaitReadiness(ctx context.Context, u *unit.Unit, svc *unit.ServiceSpecific, pid int) error {
	switch svc.Type {
	case unit.ServiceSimple, unit.ServiceIdle:
		return nil // ready as soon as fork+exec succeeds
	case unit.ServiceOneshot:
		return e.waitForExit(ctx, pid)
	case unit.ServiceForking:
		return e.waitForPIDFile(ctx, svc)
	case unit.ServiceNotify:
		return e.waitForNotifyReady(ctx, u, svc)
	case unit.ServiceDBus:
		return e.waitForBusName(ctx, svc)
	default:
		return nil
	}
}

func (e *Engine) waitForExit(ctx context.Context, pid int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			if !stillAlive(pid) {
				return nil
			}
		}
	}
}

func (e *Engine) waitForPIDFile(ctx context.Context, svc *unit.ServiceSpecific) error {
	if svc.PIDFile == "" {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for PIDFile %s", svc.PIDFile)
		case <-time.After(50 * time.Millisecond):
			if _, err := os.Stat(svc.PIDFile); err == nil {
				return nil
			}
		}
	}
}

// waitForNotifyReady is a placeholder synchronization point: the actual
// READY=1 datagram is consumed by the shared internal/notify drain loop
// (cmd/manager wires one per manager, not per service) which calls back
// into MarkReady; here we just wait for that callback or the timeout.
func (e *Engine) waitForNotifyReady(ctx context.Context, u *unit.Unit, svc *unit.ServiceSpecific) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for READY=1 from %s", u.ID)
		case <-time.After(50 * time.Millisecond):
			u.Status.RLock()
			ready := svc.Runtime.SignaledReady
			u.Status.RUnlock()
			if ready {
				return nil
			}
		}
	}
}

func (e *Engine) waitForBusName(ctx context.Context, svc *unit.ServiceSpecific) error {
	if svc.BusName == "" {
		return nil
	}
	return pollBusNameOwner(ctx, svc.BusName)
}

// MarkReady is called by the notify drain loop when a READY=1 datagram
// arrives for a notify-type service, unblocking waitForNotifyReady.
func (e *Engine) MarkReady(id unit.ID, pushedFDs []fdstore.NamedFD) {
	u, ok := e.rt.Get(id)
	if !ok {
		return
	}
	svc := u.Service()
	if svc == nil {
		return
	}
	u.Status.Lock()
	svc.Runtime.SignaledReady = true
	u.Status.Unlock()
	if len(pushedFDs) > 0 {
		e.rt.FDStore.Put(id, pushedFDs...)
		if svc.FileDescriptorStoreMax > 0 {
			if err := e.rt.FDStore.Cap(id, svc.FileDescriptorStoreMax); err != nil {
				e.log.Warn("fd store over capacity", "unit", id, "err", err)
			}
		}
	}
}
