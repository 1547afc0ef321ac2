package platform

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

// SignalStream stands in for the dedicated signal-handling OS thread of
// spec.md §5 ("Multi-threaded with cooperative I/O on dedicated drain
// threads... one OS thread for: Signal handling"). Go has no portable
// signalfd equivalent in the standard library, so a buffered channel fed by
// signal.Notify on its own goroutine plays that role; the important
// property carried over from the original design (see
// original_source/systemd-rs/crates/libsystemd/src/signal_handler.rs) is
// that the channel consumer never blocks on the manager's RuntimeInfo lock
// before updating the PID table (see internal/pidtable).
type SignalStream struct {
	log hclog.Logger
	ch  chan os.Signal
}

// NewSignalStream starts listening for SIGCHLD, SIGTERM, SIGINT, SIGQUIT,
// SIGHUP.
func NewSignalStream(log hclog.Logger) *SignalStream {
	ch := make(chan os.Signal, 64)
	signal.Notify(ch, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	return &SignalStream{log: log.Named("signals"), ch: ch}
}

// C exposes the raw channel for the manager's dispatch loop.
func (s *SignalStream) C() <-chan os.Signal { return s.ch }

// Stop releases the underlying OS hook.
func (s *SignalStream) Stop() {
	signal.Stop(s.ch)
	close(s.ch)
}
