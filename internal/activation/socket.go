package activation

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/socketunit"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// startSocket opens every listening endpoint and begins draining it; for
// Accept=no sockets the drain hands off to the bound service once, for
// Accept=yes it spawns a per-connection activation (spec.md §4.5).
func (e *Engine) startSocket(ctx context.Context, u *unit.Unit) error {
	sock := u.Socket()

	fds, err := socketunit.Open(e.log, u.ID, sock)
	if err != nil {
		return err
	}
	e.pushFDStore(u.ID, fds)

	u.Status.Lock()
	u.Status.Set(unit.WaitingForSocket)
	u.Status.Unlock()
	e.publish(u)

	files := make([]*os.File, len(fds))
	for i, f := range fds {
		files[i] = f.File
	}

	boundService := sock.Service
	if boundService == (unit.ID{}) {
		boundService = unit.ID{Kind: unit.KindService, Name: u.ID.Name}
	}

	go socketunit.Drain(e.root, e.log, u.ID, sock, files, func(actCtx context.Context, socketID unit.ID, conn net.Conn) {
		if conn == nil {
			if err := e.Start(actCtx, boundService); err != nil {
				e.log.Error("failed to activate bound service from socket", "socket", socketID, "service", boundService, "err", err)
			}
			return
		}
		if err := e.activateConnection(actCtx, socketID, boundService, conn); err != nil {
			e.log.Error("failed to activate per-connection instance", "socket", socketID, "service", boundService, "err", err)
			conn.Close()
		}
	})
	return nil
}

// activateConnection materializes a fresh "<service>@<n>.service" instance
// of the Accept=yes socket's bound service template, hands it the accepted
// connection as its sole listen fd, and starts it (spec.md line 182: the
// manager accept(2)s each connection itself and spawns a per-connection
// instance). The instance is reaped from RuntimeInfo once it stops.
func (e *Engine) activateConnection(ctx context.Context, socketID, boundService unit.ID, conn net.Conn) error {
	tmpl := boundService.TemplateID()
	tmplUnit, ok := e.rt.Get(tmpl)
	if !ok {
		return fmt.Errorf("accept-mode socket %s has no template service %s", socketID, tmpl)
	}
	tmplSvc := tmplUnit.Service()
	if tmplSvc == nil {
		return fmt.Errorf("bound unit %s for socket %s is not a service", tmpl, socketID)
	}

	f, err := socketunit.ConnFile(conn)
	if err != nil {
		return fmt.Errorf("duplicating accepted connection: %w", err)
	}

	base := tmpl.Name
	if !tmpl.IsTemplate() {
		base += "@"
	}
	instanceID := unit.ID{Kind: unit.KindService, Name: fmt.Sprintf("%s%d", base, e.nextConnSeq())}
	inst := unit.New(instanceID)
	instSvc := *tmplSvc // copy the Config; Runtime is reset below
	instSvc.Runtime = unit.ServiceRuntime{}
	inst.Specific = &instSvc
	inst.Config = tmplUnit.Config

	e.rt.Insert(inst)
	e.rt.FDStore.Put(instanceID, fdstore.NamedFD{Name: socketID.Name, File: f})

	if err := e.Start(ctx, instanceID); err != nil {
		e.rt.FDStore.Clear(instanceID)
		e.rt.Delete(instanceID)
		return err
	}

	go e.reapConnectionInstance(instanceID)
	return nil
}

// reapConnectionInstance deletes a per-connection instance from RuntimeInfo
// once it has fully stopped, so an Accept=yes socket doesn't accumulate one
// permanent unit per historical connection.
func (e *Engine) reapConnectionInstance(id unit.ID) {
	for {
		select {
		case <-e.root.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		u, ok := e.rt.Get(id)
		if !ok {
			return
		}
		status, _, _ := u.Status.Get()
		if status == unit.Stopped || status == unit.NeverStarted {
			e.rt.Delete(id)
			return
		}
	}
}
