package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus"
)

// pollBusNameOwner implements Type=dbus readiness (spec.md §4.3): the
// service is considered started once it owns its configured BusName= on
// the system bus, checked via GetNameOwner the same way godbus-based
// systemd tooling polls bus ownership.
func pollBusNameOwner(ctx context.Context, busName string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		var owner string
		call := conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, busName)
		if call.Err == nil {
			if err := call.Store(&owner); err == nil && owner != "" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for bus name %s: %w", busName, ctx.Err())
		case <-ticker.C:
		}
	}
}
