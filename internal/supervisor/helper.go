package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/systemd-rs-go/manager/internal/platform"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// IsHelperInvocation reports whether argv0 means "enter RunHelper instead
// of starting the manager", checked by cmd/manager/main.go before anything
// else runs.
func IsHelperInvocation(argv0 string) bool {
	return filepath.Base(argv0) == execHelperArgv0
}

// RunHelper is the single-purpose process Spawn re-execs into. It never
// returns on success — the last thing it does is syscall.Exec into the
// unit's command — and os.Exit(1)s on any setup failure, since there is no
// manager process left on the other end of a log call by the time exec
// would otherwise happen.
func RunHelper() {
	cfgFile := os.NewFile(uintptr(configFD), "exec-helper-config")
	cfg, err := decodeConfig(cfgFile)
	cfgFile.Close()
	if err != nil {
		fatal(err)
	}

	if err := renumberListenFDs(cfg.ListenFDCount); err != nil {
		fatal(err)
	}

	if cfg.Isolation.CGroupPath != "" {
		if err := platform.JoinCGroup(cfg.Isolation.CGroupPath, os.Getpid()); err != nil {
			fatal(fmt.Errorf("joining cgroup: %w", err))
		}
	}

	ident, err := platform.ResolveIdentity(cfg.Isolation.User, cfg.Isolation.Group)
	if err != nil {
		fatal(err)
	}

	if err := applyRLimits(cfg.Isolation.RLimits); err != nil {
		fatal(err)
	}

	if err := prepareDirectories(cfg, ident); err != nil {
		fatal(err)
	}

	if cfg.Isolation.WorkingDirectory != "" {
		wd := expandHome(cfg.Isolation.WorkingDirectory, ident.HomeDir)
		if err := os.Chdir(wd); err != nil {
			fatal(fmt.Errorf("chdir %s: %w", wd, err))
		}
	}

	if cfg.Isolation.OOMScoreAdjust != nil {
		_ = os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(*cfg.Isolation.OOMScoreAdjust)), 0o644)
	}

	// Privilege drop happens last and in this exact order: supplementary
	// groups, then gid, then uid — reversing it would leave the process
	// able to regain the supplementary groups after dropping uid (spec.md
	// §4.4, grounded on fork_child.rs's drop_privileges).
	if ident.UID != 0 || ident.GID != 0 {
		if err := dropPrivileges(ident); err != nil {
			fatal(err)
		}
	}

	if cfg.Isolation.NoNewPrivileges {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			fatal(fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", err))
		}
	}

	envp := buildEnv(cfg)
	argv := append([]string{cfg.Command.Path}, cfg.Command.Args...)
	if err := syscall.Exec(cfg.Command.Path, argv, envp); err != nil {
		fatal(fmt.Errorf("exec %s: %w", cfg.Command.Path, err))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "systemd-rs-exec-helper:", err)
	os.Exit(1)
}

// renumberListenFDs moves the inherited socket-activation fds (which start
// right after the config pipe at configFD+1) down to systemd's expected
// LISTEN_FDS base of 3, staging through temporary high fds first so that a
// short list never collides with its own destination range — the same
// fd-juggling fork_child.rs does around dup_stdio/unset_cloexec.
func renumberListenFDs(n int) error {
	if n == 0 {
		return syscall.Close(configFD)
	}
	staged := make([]int, n)
	for i := 0; i < n; i++ {
		src := configFD + 1 + i
		tmp, err := unix.FcntlInt(uintptr(src), unix.F_DUPFD, configFD+1+n)
		if err != nil {
			return fmt.Errorf("staging listen fd %d: %w", src, err)
		}
		staged[i] = tmp
		syscall.Close(src)
	}
	syscall.Close(configFD)
	for i, tmp := range staged {
		dst := 3 + i
		if err := syscall.Dup2(tmp, dst); err != nil {
			return fmt.Errorf("moving listen fd to %d: %w", dst, err)
		}
		syscall.Close(tmp)
		unsetCloexec(dst)
	}
	return nil
}

// unsetCloexec clears FD_CLOEXEC so the socket survives the final execve —
// every listening endpoint is created close-on-exec (spec.md §4.5) and
// must have that flag explicitly cleared once it reaches its final fd slot
// in the activated process.
func unsetCloexec(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err == nil {
		unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	}
}

func applyRLimits(limits map[string]unit.RLimit) error {
	for name, rl := range limits {
		res, ok := rlimitResource(name)
		if !ok {
			continue
		}
		lim := syscall.Rlimit{Cur: rlimitBound(rl.Soft), Max: rlimitBound(rl.Hard)}
		if err := syscall.Setrlimit(res, &lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", name, err)
		}
	}
	return nil
}

// rlimitResource maps a "LimitNOFILE"-derived resource name to its
// syscall.RLIMIT_* constant; names systemd supports but Linux has no
// distinct resource for are silently ignored.
func rlimitResource(name string) (int, bool) {
	switch name {
	case "NOFILE":
		return syscall.RLIMIT_NOFILE, true
	case "NPROC":
		return syscall.RLIMIT_NPROC, true
	case "CORE":
		return syscall.RLIMIT_CORE, true
	case "AS":
		return syscall.RLIMIT_AS, true
	case "CPU":
		return syscall.RLIMIT_CPU, true
	case "FSIZE":
		return syscall.RLIMIT_FSIZE, true
	case "MEMLOCK":
		return syscall.RLIMIT_MEMLOCK, true
	case "STACK":
		return syscall.RLIMIT_STACK, true
	case "DATA":
		return syscall.RLIMIT_DATA, true
	case "RSS":
		return syscall.RLIMIT_RSS, true
	default:
		return 0, false
	}
}

func rlimitBound(v int64) uint64 {
	if v < 0 {
		return unix.RLIM_INFINITY
	}
	return uint64(v)
}

func dropPrivileges(ident platform.Identity) error {
	if err := syscall.Setgroups(ident.SupplementaryGIDs); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(ident.GID); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := syscall.Setuid(ident.UID); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

func prepareDirectories(cfg Config, ident platform.Identity) error {
	for _, d := range cfg.Isolation.StateDirectory {
		if err := mkdirOwned(filepath.Join("/var/lib", d), ident); err != nil {
			return err
		}
	}
	for _, d := range cfg.Isolation.RuntimeDirectory {
		if err := mkdirOwned(filepath.Join("/run", d), ident); err != nil {
			return err
		}
	}
	return nil
}

func mkdirOwned(path string, ident platform.Identity) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if ident.UID != 0 || ident.GID != 0 {
		if err := os.Chown(path, ident.UID, ident.GID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

// expandHome resolves a leading "~" against the target user's own home
// directory (from the NSS lookup in ResolveIdentity), not the manager
// process's $HOME — chdir happens before privilege drop, so the two can
// differ whenever User= names someone other than the manager's own
// identity.
func expandHome(path, homeDir string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	if homeDir == "" {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}

// buildEnv assembles the child's final environment: the manager-internal
// variables spec.md §4.4/§4.6 define, then EnvironmentFile= contents, then
// Environment= — later entries override earlier ones for the same key.
func buildEnv(cfg Config) []string {
	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	if cfg.InvocationID != "" {
		env["INVOCATION_ID"] = cfg.InvocationID
	}
	if cfg.NotifySocketPath != "" {
		env["NOTIFY_SOCKET"] = cfg.NotifySocketPath
	}
	if cfg.ListenFDCount > 0 {
		env["LISTEN_FDS"] = strconv.Itoa(cfg.ListenFDCount)
		env["LISTEN_PID"] = strconv.Itoa(os.Getpid())
		if len(cfg.ListenFDNames) > 0 {
			env["LISTEN_FDNAMES"] = strings.Join(cfg.ListenFDNames, ":")
		}
	}
	if len(cfg.Isolation.StateDirectory) > 0 {
		env["STATE_DIRECTORY"] = joinPaths("/var/lib", cfg.Isolation.StateDirectory)
	}
	if len(cfg.Isolation.RuntimeDirectory) > 0 {
		env["RUNTIME_DIRECTORY"] = joinPaths("/run", cfg.Isolation.RuntimeDirectory)
	}

	for _, f := range cfg.Isolation.EnvironmentFiles {
		for k, v := range readEnvFile(f) {
			env[k] = v
		}
	}
	for _, kv := range cfg.Isolation.Environment {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func joinPaths(base string, names []string) string {
	full := make([]string, len(names))
	for i, n := range names {
		full[i] = filepath.Join(base, n)
	}
	return strings.Join(full, ":")
}

func readEnvFile(path string) map[string]string {
	out := map[string]string{}
	optional := strings.HasPrefix(path, "-")
	path = strings.TrimPrefix(path, "-")
	f, err := os.Open(path)
	if err != nil {
		if !optional {
			fmt.Fprintln(os.Stderr, "systemd-rs-exec-helper: environment file:", err)
		}
		return out
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[k] = v
		}
	}
	return out
}
