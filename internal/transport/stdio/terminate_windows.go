//go:build windows

package stdio

import "os"

// terminate ends the child. Windows has no SIGTERM equivalent for
// arbitrary processes, so graceful stop and kill are the same call.
func terminate(proc *os.Process) error {
	return proc.Kill()
}

// kill forcefully ends the child.
func kill(proc *os.Process) error {
	return proc.Kill()
}
