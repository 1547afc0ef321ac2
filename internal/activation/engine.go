// Package activation implements the Activation/Deactivation Engine of
// spec.md §4.3: the per-unit state machine, its dependency-aware start and
// stop walks, and the restart-policy loop that re-enters Start after an
// unexpected exit.
package activation

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LK4D4/joincontext"
	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/eventbus"
	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/notify"
	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/runtimeinfo"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// Engine drives every unit's state machine against the shared RuntimeInfo.
type Engine struct {
	log  hclog.Logger
	rt   *runtimeinfo.RuntimeInfo
	bus  *eventbus.Bus
	root context.Context // cancelled on manager shutdown (spec.md §5 joincontext composition)

	notifyMu      sync.Mutex
	notifySockets map[unit.ID]*net.UnixConn

	connSeq uint64 // instance counter for Accept=yes per-connection units
}

func New(log hclog.Logger, rt *runtimeinfo.RuntimeInfo, bus *eventbus.Bus, shutdownCtx context.Context) *Engine {
	return &Engine{
		log:           log.Named("activation"),
		rt:            rt,
		bus:           bus,
		root:          shutdownCtx,
		notifySockets: make(map[unit.ID]*net.UnixConn),
	}
}

// registerNotifySocket opens the per-invocation notify socket for a
// Type=notify service and adds it to the set the manager's shared notify
// drain loop polls via NotifyEntries.
func (e *Engine) registerNotifySocket(id unit.ID, path string) error {
	conn, err := notify.Listen(path)
	if err != nil {
		return fmt.Errorf("opening notify socket for %s: %w", id, err)
	}
	e.notifyMu.Lock()
	if old, ok := e.notifySockets[id]; ok {
		old.Close()
	}
	e.notifySockets[id] = conn
	e.notifyMu.Unlock()
	e.rt.NotificationEventFD.Notify()
	return nil
}

func (e *Engine) unregisterNotifySocket(id unit.ID) {
	e.notifyMu.Lock()
	conn, ok := e.notifySockets[id]
	if ok {
		delete(e.notifySockets, id)
	}
	e.notifyMu.Unlock()
	if ok {
		conn.Close()
	}
}

// NotifyEntries is the `get` callback internal/notify.Run polls to learn
// the live set of per-service notify sockets.
func (e *Engine) NotifyEntries() []notify.SocketEntry {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	out := make([]notify.SocketEntry, 0, len(e.notifySockets))
	for id, conn := range e.notifySockets {
		out = append(out, notify.SocketEntry{ID: id, Conn: conn})
	}
	return out
}

// Start activates id and, recursively, everything it Requires/Wants
// (spec.md §4.3): dependencies start one after another, Requires= entries
// first and then Wants= entries, each in list order, before id itself.
// Before=/After= are not consulted. It is idempotent: a unit already
// Running or Starting returns immediately.
func (e *Engine) Start(ctx context.Context, id unit.ID) error {
	u, ok := e.rt.Get(id)
	if !ok {
		return fmt.Errorf("unit %s not found", id)
	}

	status, _, _ := u.Status.Get()
	if status == unit.Running || status == unit.WaitingForSocket || status == unit.Starting {
		return nil
	}

	if err := e.stopConflicts(ctx, u); err != nil {
		return err
	}

	for _, dep := range u.Dependencies.Requires {
		if err := e.Start(ctx, dep); err != nil {
			e.setFailed(u, err)
			return fmt.Errorf("required dependency %s failed: %w", dep, err)
		}
	}
	for _, dep := range u.Dependencies.Wants {
		if err := e.Start(ctx, dep); err != nil {
			e.log.Warn("wanted dependency failed to start, continuing", "unit", id, "dependency", dep, "err", err)
		}
	}

	return e.startOne(ctx, u)
}

// startOne performs the single-unit activation (no dependency recursion),
// bounded by TimeoutStartSec via a joined context (spec.md §5: "each
// operation context is joined with the manager shutdown context so a
// shutdown always wins").
func (e *Engine) startOne(ctx context.Context, u *unit.Unit) error {
	u.Status.Lock()
	u.Status.Set(unit.Starting)
	u.Status.Unlock()
	e.publish(u)

	var timeout time.Duration
	if svc := u.Service(); svc != nil {
		timeout = svc.TimeoutStartSec
	}
	startCtx, cancel := e.boundedContext(ctx, timeout)
	defer cancel()

	var err error
	switch u.ID.Kind {
	case unit.KindService:
		err = e.startService(startCtx, u)
	case unit.KindSocket:
		err = e.startSocket(startCtx, u)
	case unit.KindTarget:
		// synchronization point only; reaching here with deps satisfied is success
	case unit.KindTimer:
		err = e.startTimer(startCtx, u)
	case unit.KindSlice, unit.KindMount:
		// no activation step beyond dependency ordering in this engine
	}

	if err != nil {
		u.Status.Lock()
		u.Status.SetStopped(unit.StopUnexpected, []error{err})
		u.Status.Unlock()
		e.publish(u)
		return err
	}

	if u.ID.Kind != unit.KindService {
		u.Status.Lock()
		u.Status.Set(unit.Running)
		u.Status.Unlock()
		e.publish(u)
	}
	return nil
}

// boundedContext joins ctx with the engine's shutdown context and, if
// timeout > 0, a deadline — using joincontext the same way the original
// combines a per-operation timeout with the process-wide cancellation
// signal, so neither context can be dropped by accident.
func (e *Engine) boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	joined, cancel := joincontext.Join(ctx, e.root)
	if timeout <= 0 {
		return joined, cancel
	}
	timed, timedCancel := context.WithTimeout(joined, timeout)
	return timed, func() {
		timedCancel()
		cancel()
	}
}

// stopConflicts stops every unit in u's Conflicts= list that is currently
// active (spec.md §4.3).
func (e *Engine) stopConflicts(ctx context.Context, u *unit.Unit) error {
	for _, c := range u.Dependencies.Conflicts {
		cu, ok := e.rt.Get(c)
		if !ok {
			continue
		}
		status, _, _ := cu.Status.Get()
		if status == unit.Running || status == unit.Starting || status == unit.WaitingForSocket {
			if err := e.Stop(ctx, c, unit.StopFinal); err != nil {
				return fmt.Errorf("stopping conflicting unit %s: %w", c, err)
			}
		}
	}
	return nil
}

func (e *Engine) setFailed(u *unit.Unit, err error) {
	u.Status.Lock()
	u.Status.SetStopped(unit.StopUnexpected, []error{err})
	u.Status.Unlock()
	e.publish(u)
}

func (e *Engine) publish(u *unit.Unit) {
	if e.bus == nil {
		return
	}
	status, _, _ := u.Status.Get()
	e.bus.Publish(eventbus.UnitEvent{ID: u.ID, Status: status, Timestamp: time.Now()})
}

// nextConnSeq hands out the per-connection instance suffix used by
// Accept=yes socket activation.
func (e *Engine) nextConnSeq() uint64 {
	return atomic.AddUint64(&e.connSeq, 1)
}

// pushFDStore registers fds with the FD store under owner, used by socket
// activation.
func (e *Engine) pushFDStore(owner unit.ID, fds []fdstore.NamedFD) {
	e.rt.FDStore.Put(owner, fds...)
}

// ExitReap wires a pidtable exit notification back into the restart-policy
// handler; cmd/manager's SIGCHLD loop calls this after MarkExited resolves
// the pid to a unit.
func (e *Engine) ExitReap(id unit.ID, term pidtable.Termination) {
	e.handleExit(e.root, id, term)
}
