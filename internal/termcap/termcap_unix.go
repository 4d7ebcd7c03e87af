//go:build !windows

package termcap

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDetached places the child in its own session/process group so it
// outlives the coordinator and is not signaled by a terminal SIGHUP.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func openTTYForWrite(tty string) (*os.File, error) {
	return os.OpenFile(tty, os.O_WRONLY, 0)
}

// killProcess sends SIGTERM, the POSIX half of kill_process (§6.3), to pid
// alone. No SIGKILL follows: worker.Kill sends this once and then reaps.
func killProcess(pid int) error {
	return unix.Kill(pid, syscall.SIGTERM)
}

// isProcessAlive uses signal-0, the standard POSIX liveness probe: it
// performs no-op permission/existence checks without delivering a signal.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM // exists but owned by another user
}
