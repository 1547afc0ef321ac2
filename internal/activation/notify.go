package activation

import (
	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/notify"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// HandleNotifyMessage is the notify.Handler cmd/manager wires into the
// shared notify drain loop: it folds one sd_notify datagram into the
// originating unit's runtime state (spec.md §4.6).
func (e *Engine) HandleNotifyMessage(id unit.ID, msg notify.Message, pushedFDs []fdstore.NamedFD) {
	u, ok := e.rt.Get(id)
	if !ok {
		return
	}
	svc := u.Service()
	if svc == nil {
		return
	}

	if msg.Ready {
		e.MarkReady(id, pushedFDs)
	} else if len(pushedFDs) > 0 {
		e.rt.FDStore.Put(id, pushedFDs...)
		if svc.FileDescriptorStoreMax > 0 {
			if err := e.rt.FDStore.Cap(id, svc.FileDescriptorStoreMax); err != nil {
				e.log.Warn("fd store over capacity", "unit", id, "err", err)
			}
		}
	}

	u.Status.Lock()
	if msg.Status != "" {
		svc.Runtime.StatusMsgs = append(svc.Runtime.StatusMsgs, msg.Status)
	}
	if msg.MainPID != 0 && msg.MainPID != svc.Runtime.PID {
		oldPID := svc.Runtime.PID
		svc.Runtime.PID = msg.MainPID
		e.rt.PIDTable.Retarget(oldPID, msg.MainPID, id, svc.Type)
	}
	u.Status.Unlock()

	if msg.Watchdog {
		e.log.Trace("watchdog keepalive received", "unit", id)
	}
	if msg.Stopping {
		e.log.Debug("service reported STOPPING=1", "unit", id)
	}
}
