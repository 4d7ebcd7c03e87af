//go:build !windows

package wake

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// interruptProcess sends SIGINT, the POSIX half of force_wake's stage 1/2
// "interrupt signal" (§4.X), mirroring termcap_unix.go's use of
// golang.org/x/sys/unix for signal delivery.
func interruptProcess(pid int) error {
	return unix.Kill(pid, syscall.SIGINT)
}
