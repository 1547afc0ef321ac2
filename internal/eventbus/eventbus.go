// Package eventbus broadcasts unit status transitions to interested
// subscribers (the control interface's "subscribe" method, tests asserting
// P5/P6 ordering). It is built directly on the teacher's
// drivers/shared/eventer.Eventer — the same "one event, many listeners"
// multiplexer the Nomad task driver used to fan TaskEvents out to every
// caller of TaskEvents(ctx) — repurposed here to fan UnitEvents out to every
// control-socket subscriber instead of every Nomad RPC caller.
package eventbus

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/drivers/shared/eventer"
	"github.com/hashicorp/nomad/plugins/drivers"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// UnitEvent is one status transition, exposed to subscribers.
type UnitEvent struct {
	ID        unit.ID
	Status    unit.Status
	Timestamp time.Time
	Message   string
}

// Bus wraps *eventer.Eventer, translating UnitEvent into the
// drivers.TaskEvent envelope eventer was built to carry and back again.
type Bus struct {
	e *eventer.Eventer
}

// New starts the underlying eventer loop; ctx bounds its lifetime (it is
// cancelled together with the manager's own shutdown context).
func New(ctx context.Context, log hclog.Logger) *Bus {
	return &Bus{e: eventer.NewEventer(ctx, log.Named("eventbus"))}
}

// Publish broadcasts a unit status transition to every current subscriber.
func (b *Bus) Publish(ev UnitEvent) {
	b.e.EmitEvent(&drivers.TaskEvent{
		TaskID:      ev.ID.String(),
		Timestamp:   ev.Timestamp,
		Message:     ev.Message,
		Annotations: map[string]string{"status": ev.Status.String()},
	})
}

// Subscribe returns a channel of every event published from now on, until
// ctx is cancelled. Backs internal/control's "subscribe" method.
func (b *Bus) Subscribe(ctx context.Context) (<-chan UnitEvent, error) {
	raw, err := b.e.TaskEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan UnitEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case te, ok := <-raw:
				if !ok {
					return
				}
				id, parseErr := unit.ParseID(te.TaskID)
				if parseErr != nil {
					continue
				}
				out <- UnitEvent{
					ID:        id,
					Status:    statusFromString(te.Annotations["status"]),
					Timestamp: te.Timestamp,
					Message:   te.Message,
				}
			}
		}
	}()
	return out, nil
}

func statusFromString(s string) unit.Status {
	switch s {
	case "Starting":
		return unit.Starting
	case "Running":
		return unit.Running
	case "WaitingForSocket":
		return unit.WaitingForSocket
	case "Stopping":
		return unit.Stopping
	case "Restarting":
		return unit.Restarting
	case "Stopped":
		return unit.Stopped
	default:
		return unit.NeverStarted
	}
}
