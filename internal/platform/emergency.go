package platform

import (
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// EmergencyShell implements spec.md §7's InfrastructureError policy: "if
// PID 1 and unrecoverable, spawn an emergency shell rather than panic."
// It execs (replacing this process image) sulogin/sh on the controlling
// console so an operator has a chance to intervene; it never returns on
// success.
func EmergencyShell(log hclog.Logger, reason error) {
	log.Error("unrecoverable infrastructure error, starting emergency shell", "reason", reason)

	shell := "/bin/sh"
	if path, err := exec.LookPath("sulogin"); err == nil {
		shell = path
	}

	console, err := os.OpenFile("/dev/console", os.O_RDWR, 0)
	if err == nil {
		fd := int(console.Fd())
		unix.Dup2(fd, 0)
		unix.Dup2(fd, 1)
		unix.Dup2(fd, 2)
		if fd > 2 {
			console.Close()
		}
	}

	if err := syscallExec(shell, []string{shell}, os.Environ()); err != nil {
		log.Error("failed to exec emergency shell, halting", "error", err)
		select {}
	}
}
