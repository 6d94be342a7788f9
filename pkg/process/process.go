// Package process contains small helpers for inspecting OS processes.
package process

import (
	"os"
	"syscall"
)

// IsProcessAlive checks whether a process with the given PID exists. It works
// on Unix-like systems by sending signal 0, which probes for existence
// without delivering anything.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// FindProcess never fails on Unix.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// EPERM still means the process exists, we just cannot signal it.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
