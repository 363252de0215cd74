//go:build !unix

package lock

import "os"

// processAlive is a best-effort liveness probe for platforms without kill(0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
