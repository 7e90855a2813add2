//go:build unix

package manager

import (
	"os"
	"syscall"
)

// pidAlive probes a PID with signal 0. EPERM still means the process
// exists; only ESRCH (or a lookup failure) means it is gone.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
