//go:build !windows

package stdio

import (
	"os"
	"syscall"
)

// terminate asks the child to exit gracefully (SIGTERM).
func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// kill forcefully ends the child (SIGKILL).
func kill(proc *os.Process) error {
	return proc.Kill()
}
