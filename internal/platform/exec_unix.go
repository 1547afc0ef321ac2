package platform

import "syscall"

func syscallExec(path string, argv []string, envv []string) error {
	return syscall.Exec(path, argv, envv)
}
