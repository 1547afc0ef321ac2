// Package supervisor implements the Supervisor & Exec Helper of spec.md
// §4.4: the fork boundary between the manager process and the unit's
// final exec'd program.
//
// Go cannot safely fork() a multi-threaded runtime and keep running Go
// code in the child the way
// _examples/original_source/systemd-rs/crates/libsystemd/src/services/fork_child.rs
// does — only the thread that called fork survives, and the Go scheduler
// assumes all of them do. Instead this package re-execs the manager's own
// binary as a single-purpose "exec helper" process (argv[0] ==
// execHelperArgv0), the same boundary os/exec always uses for fork+exec,
// and hands it the unit's isolation settings over an inherited pipe
// instead of over shared memory. The helper then performs exactly the
// steps fork_child.rs performs between fork and execve — rlimits, cgroup
// join, directory creation, privilege drop, environment assembly — before
// calling syscall.Exec into the unit's real ExecStart.
package supervisor

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// execHelperArgv0 is the argv[0] cmd/manager/main.go dispatches on to enter
// RunHelper instead of the normal manager startup path.
const execHelperArgv0 = "systemd-rs-exec-helper"

// Config is everything the helper needs to prepare and exec one command;
// it is JSON-encoded across the config pipe described in Spawn.
type Config struct {
	Unit    unit.ID
	Phase   string // "start-pre" | "start" | "start-post" | "stop" | "stop-post" | "reload"
	Command unit.ExecCommand

	Isolation unit.ExecIsolation

	ListenFDCount int
	ListenFDNames []string

	NotifySocketPath string
	InvocationID     string
}

func encodeConfig(w io.Writer, cfg Config) error {
	return json.NewEncoder(w).Encode(cfg)
}

func decodeConfig(r io.Reader) (Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding exec helper config: %w", err)
	}
	return cfg, nil
}
