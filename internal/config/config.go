// Package config holds the manager's own configuration: unit search
// directories, the default target, and the control-socket path (spec.md §6).
//
// There is deliberately no external file format for this: systemd itself has
// no separate manager config file in the scope this repository covers, so
// these are plain Go structs populated by flags/defaults in cmd/manager.
package config

import (
	"os"
	"path/filepath"
)

// Config is the manager's process-wide configuration.
type Config struct {
	// UnitDirs is the priority-ordered list of unit search directories
	// (spec.md §6 Directory layout).
	UnitDirs []string

	// DefaultTarget is the unit the dependency engine prunes from and the
	// activation engine starts at boot.
	DefaultTarget string

	// ControlSocketPath is the JSON-RPC control socket (spec.md §4.7, §6).
	ControlSocketPath string

	// UserMode runs as a per-user session manager instead of PID 1,
	// switching to ~/.config/systemd/user style search paths.
	UserMode bool
}

// DefaultSystemDirs mirrors spec.md §6's system-instance directory layout,
// in priority order, plus an auto-discovered package-local directory
// derived from the executable's ancestors.
func DefaultSystemDirs() []string {
	dirs := []string{
		"/etc/systemd/system",
		"/run/systemd/system",
		"/usr/local/lib/systemd/system",
		"/usr/lib/systemd/system",
		"/lib/systemd/system",
	}
	if exe, err := os.Executable(); err == nil {
		prefix := filepath.Dir(filepath.Dir(exe)) // strip "/bin/<exe>"
		dirs = append(dirs, filepath.Join(prefix, "lib", "systemd", "system"))
	}
	return dirs
}

// DefaultUserDirs mirrors the per-user analogue of DefaultSystemDirs.
func DefaultUserDirs() []string {
	home, _ := os.UserHomeDir()
	dirs := []string{
		filepath.Join(home, ".config/systemd/user"),
		"/etc/systemd/user",
		"/run/systemd/user",
		"/usr/lib/systemd/user",
	}
	return dirs
}

// Default returns a Config with the system-instance defaults.
func Default() *Config {
	return &Config{
		UnitDirs:          DefaultSystemDirs(),
		DefaultTarget:     "default.target",
		ControlSocketPath: "/run/systemd/systemd-rs-notify/control.socket",
	}
}

// DefaultUser returns a Config with the per-user-session defaults.
func DefaultUser() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		UnitDirs:          DefaultUserDirs(),
		DefaultTarget:     "default.target",
		ControlSocketPath: filepath.Join(home, ".run/systemd-rs-notify/control.socket"),
		UserMode:          true,
	}
}
