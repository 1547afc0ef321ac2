package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-hclog"
)

const cgroupRoot = "/sys/fs/cgroup"

// CGroupsV2Available reports whether the host has the unified cgroup v2
// hierarchy mounted. Kept optional per spec.md §1 ("cgroups v2 (optional)").
func CGroupsV2Available() bool {
	_, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers"))
	return err == nil
}

// EnsureCGroup creates (if needed) the slice/scope path for a unit and
// returns its absolute path, e.g. "/sys/fs/cgroup/system.slice/foo.service".
func EnsureCGroup(path string) (string, error) {
	if !CGroupsV2Available() {
		return "", fmt.Errorf("cgroups v2 not available")
	}
	full := filepath.Join(cgroupRoot, path)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", fmt.Errorf("creating cgroup %s: %w", full, err)
	}
	return full, nil
}

// JoinCGroup writes the given pid into the cgroup's cgroup.procs file,
// i.e. the OS-specific post-fork hook from spec.md §4.4.
func JoinCGroup(cgroupPath string, pid int) error {
	procs := filepath.Join(cgroupPath, "cgroup.procs")
	return os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644)
}

// KillCGroup sends signal to every pid currently in the cgroup, used for
// KillMode=control-group (spec.md §4.3).
func KillCGroup(log hclog.Logger, cgroupPath string, killFn func(pid int) error) error {
	procs := filepath.Join(cgroupPath, "cgroup.procs")
	data, err := os.ReadFile(procs)
	if err != nil {
		return err
	}
	var pids []int
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				if pid, err := strconv.Atoi(string(data[start:i])); err == nil {
					pids = append(pids, pid)
				}
			}
			start = i + 1
		}
	}
	var firstErr error
	for _, pid := range pids {
		if err := killFn(pid); err != nil && firstErr == nil {
			log.Warn("failed to signal cgroup member", "pid", pid, "error", err)
			firstErr = err
		}
	}
	return firstErr
}

// RemoveCGroup removes an (empty) cgroup directory after teardown.
func RemoveCGroup(path string) error {
	return os.Remove(filepath.Join(cgroupRoot, path))
}
