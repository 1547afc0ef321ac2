package notify

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/systemd-rs-go/manager/internal/fdstore"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// pollInterval bounds how long one ReadMsgUnix blocks before Run rechecks
// ctx/wake, so newly-added sockets and shutdown are noticed promptly.
const pollInterval = 200 * time.Millisecond

func deadlineSoon() time.Time {
	return time.Now().Add(pollInterval)
}

// Handler is invoked for every parsed Message, with any SCM_RIGHTS fds
// (FDSTORE=1 pushes) already extracted.
type Handler func(id unit.ID, msg Message, pushedFDs []fdstore.NamedFD)

// SocketEntry pairs a listening conn with the unit it belongs to.
type SocketEntry struct {
	ID   unit.ID
	Conn *net.UnixConn
}

// Run drains every currently-registered notify socket until ctx is
// cancelled, polling get() for the live set on each pass and blocking on
// wake when nothing is registered yet — the eventfd-driven drain thread of
// spec.md §4.6, generalized to support dynamic socket addition as new
// service activations start.
func Run(ctx context.Context, log hclog.Logger, wake <-chan struct{}, get func() []SocketEntry, handle Handler) {
	buf := make([]byte, 4096)
	oob := make([]byte, 256)

	for {
		entries := get()
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		for _, e := range entries {
			e.Conn.SetReadDeadline(deadlineSoon())
		}

		for _, e := range entries {
			n, oobn, _, _, err := e.Conn.ReadMsgUnix(buf, oob)
			if err != nil {
				continue // read timeout (no datagram yet) or transient error
			}
			msg := Parse(buf[:n])
			pushed := extractRights(log, oob[:oobn])
			handle(e.ID, msg, pushed)
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		default:
		}
	}
}

// extractRights pulls any SCM_RIGHTS file descriptors out of an oob
// control-message buffer (FDSTORE=1's ancillary-data fd push).
func extractRights(log hclog.Logger, oob []byte) []fdstore.NamedFD {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		if len(oob) > 0 {
			log.Warn("failed to parse SCM_RIGHTS", "err", err)
		}
		return nil
	}
	var out []fdstore.NamedFD
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			out = append(out, fdstore.NamedFD{File: os.NewFile(uintptr(fd), "fdstore")})
		}
	}
	return out
}
