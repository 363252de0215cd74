//go:build unix

package lock

import (
	"golang.org/x/sys/unix"
)

// processAlive checks if a process with the given pid is running.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false // 0 would signal our process group, not a specific process
	}
	return unix.Kill(pid, 0) == nil
}
