//go:build unix

package rendezvous

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive probes pid with signal 0. Only "no such process" counts as dead; a permission error means the process
// exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}
