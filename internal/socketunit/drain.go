package socketunit

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// ActivationFunc starts the bound service (or hands off one accepted
// connection, for Accept=yes sockets); the activation engine supplies the
// real implementation so this package stays free of a direct import-cycle
// back to internal/activation.
type ActivationFunc func(ctx context.Context, socketID unit.ID, conn net.Conn)

// Drain polls every fd opened for sock and invokes activate on first
// readability — once for the bound service (Accept=no), or once per
// accepted connection up to MaxConnections (Accept=yes) — until ctx is
// cancelled (spec.md §4.5's drain-thread design).
func Drain(ctx context.Context, log hclog.Logger, socketID unit.ID, sock *unit.SocketSpecific, fds []*os.File, activate ActivationFunc) {
	if sock.Accept {
		drainAccept(ctx, log, socketID, sock, fds, activate)
		return
	}
	drainOnce(ctx, log, socketID, fds, activate)
}

// drainOnce wakes the bound service the first time any endpoint becomes
// readable, then stops draining — ownership of the fds passes to the
// service via LISTEN_FDS (spec.md §4.5's non-accept mode).
func drainOnce(ctx context.Context, log hclog.Logger, socketID unit.ID, fds []*os.File, activate ActivationFunc) {
	ready := make(chan struct{}, 1)
	for _, f := range fds {
		go waitReadable(ctx, f, ready)
	}
	select {
	case <-ctx.Done():
		return
	case <-ready:
		log.Debug("socket became readable, activating bound service", "socket", socketID)
		activate(ctx, socketID, nil)
	}
}

func drainAccept(ctx context.Context, log hclog.Logger, socketID unit.ID, sock *unit.SocketSpecific, fds []*os.File, activate ActivationFunc) {
	max := int64(ParseMaxConnections(sock))
	perSource := int64(sock.MaxConnectionsPerSrc)
	var active int64
	sources := &sourceCounter{counts: make(map[string]int64)}

	for _, f := range fds {
		l, err := net.FileListener(f)
		if err != nil {
			log.Error("cannot accept-loop on listen fd", "socket", socketID, "err", err)
			continue
		}
		go func(l net.Listener) {
			defer l.Close()
			for {
				conn, err := l.Accept()
				if err != nil {
					select {
					case <-ctx.Done():
						return
					default:
						log.Warn("accept failed", "socket", socketID, "err", err)
						return
					}
				}

				if atomic.AddInt64(&active, 1) > max {
					atomic.AddInt64(&active, -1)
					conn.Close()
					log.Warn("rejecting connection past MaxConnections", "socket", socketID, "max", max)
					continue
				}

				key := sourceKey(conn)
				if perSource > 0 && sources.add(key, 1) > perSource {
					sources.add(key, -1)
					atomic.AddInt64(&active, -1)
					conn.Close()
					log.Warn("rejecting connection past MaxConnectionsPerSource", "socket", socketID, "source", key, "max", perSource)
					continue
				}

				go func() {
					defer atomic.AddInt64(&active, -1)
					if perSource > 0 {
						defer sources.add(key, -1)
					}
					activate(ctx, socketID, conn)
				}()
			}
		}(l)
	}
	<-ctx.Done()
}

// sourceCounter tracks accepted connections per source host for
// MaxConnectionsPerSource enforcement.
type sourceCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (s *sourceCounter) add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] += delta
	if s.counts[key] <= 0 {
		delete(s.counts, key)
		return 0
	}
	return s.counts[key]
}

// sourceKey extracts the remote host (without port) a connection arrived
// from; connections with no meaningful remote address (e.g. pipes) share a
// single bucket.
func sourceKey(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// waitReadable blocks until f has data/a pending connection, signaling
// ready exactly once.
func waitReadable(ctx context.Context, f *os.File, ready chan<- struct{}) {
	sc, err := f.SyscallConn()
	if err != nil {
		return
	}
	err = sc.Read(func(fd uintptr) bool {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			if _, perr := unix.Poll(pfd, -1); perr != unix.EINTR {
				return true // any readability event satisfies the wait
			}
		}
	})
	if err == nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
	_ = ctx
}
