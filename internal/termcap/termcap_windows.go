//go:build windows

package termcap

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setDetached creates the child in its own process group so taskkill
// targeting it does not touch the coordinator.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func openTTYForWrite(tty string) (*os.File, error) {
	// Windows has no POSIX tty path; keystroke injection has no portable
	// equivalent here and is always a best-effort no-op (§8.4).
	return nil, fmt.Errorf("termcap: tty injection unsupported on windows")
}

// killProcess uses taskkill, the Windows equivalent of SIGTERM for a
// process this supervisor did not itself parent.
func killProcess(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T")
	return cmd.Run()
}

// isProcessAlive filters `tasklist` output by PID (§3.5: "task-list
// filter on Windows").
func isProcessAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid)).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}
