package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

// configFD is the helper's inherited fd for the JSON-encoded Config; any
// ListenFDs the unit's socket carries follow immediately after it, so the
// helper can normalize them against fd 3 as LISTEN_FDS requires.
const configFD = 3

// Handle is a running exec-helper process. Stdout/Stderr are the read ends
// of the pipes the child's fd 1/2 were connected to; the caller is
// responsible for draining them (internal/activation does so via
// internal/notify.Sink) and closing them once the process exits.
type Handle struct {
	Process *os.Process
	Pid     int
	Stdout  *os.File
	Stderr  *os.File
}

// Spawn starts the exec helper for cfg, passing listenFDs as the unit's
// socket-activation fds; ExtraFiles carries them into the child whatever
// their close-on-exec flag, and the helper clears FD_CLOEXEC once it has
// moved them to their final slots.
// It does not wait for the child; the caller tracks it via
// internal/pidtable and reaps it from the SIGCHLD handler.
func Spawn(log hclog.Logger, cfg Config, listenFDs []*os.File) (*Handle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving manager executable: %w", err)
	}

	cfgReader, cfgWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating config pipe: %w", err)
	}
	defer cfgReader.Close()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{execHelperArgv0}
	cmd.Env = os.Environ()
	cmd.ExtraFiles = append([]*os.File{cfgReader}, listenFDs...)
	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session/process group, spec.md §4.4
	}

	cfg.ListenFDCount = len(listenFDs)

	if err := cmd.Start(); err != nil {
		cfgWriter.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting exec helper for %s: %w", cfg.Unit, err)
	}
	// The child now holds its own copy of the write ends; the parent's
	// copy must close so Stdout/Stderr's reader sees EOF when the child
	// exits instead of blocking forever on a fd the parent never closed.
	stdoutW.Close()
	stderrW.Close()

	if err := encodeConfig(cfgWriter, cfg); err != nil {
		log.Error("failed to write exec helper config", "unit", cfg.Unit, "err", err)
	}
	cfgWriter.Close()

	return &Handle{Process: cmd.Process, Pid: cmd.Process.Pid, Stdout: stdoutR, Stderr: stderrR}, nil
}
