package platform

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// BecomeSubreaper makes this process the subreaper for its descendants
// (spec.md §5 "The manager is a PID-1 subreaper (or sets itself as
// subreaper via prctl when not PID 1)"). When running as PID 1 this is
// already implicit in the kernel and the prctl call is skipped.
func BecomeSubreaper() error {
	if os.Getpid() == 1 {
		return nil
	}
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Setsid wraps syscall.Setsid. The exec helper gets its own session from
// supervisor.Spawn's SysProcAttr.Setsid, not from this function.
func Setsid() (int, error) {
	return syscall.Setsid()
}
