// Package termcap is the single OS-integration capability interface (§6.3):
// best-effort terminal launching and keystroke injection, plus the
// process primitives (spawn, liveness probe, kill) the rest of the
// coordinator depends on. Terminal emulator launching is never the
// source of truth for delivery — the inbox is (§8.4) — so every method
// here degrades to a harmless no-op or a `background` fallback rather
// than failing the caller.
package termcap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Layout values accepted by open_terminal (§4.C4).
const (
	LayoutTab        = "tab"
	LayoutSplit      = "split"
	LayoutBackground = "background"
)

// Emulator name returned when no GUI terminal integration was available
// and the caller fell back to a detached background process.
const EmulatorBackground = "background"

var (
	// ErrNoTerminal is returned internally when no platform terminal
	// emulator integration applies; callers see a background fallback,
	// not this error.
	ErrNoTerminal = errors.New("termcap: no terminal integration available")
)

// Capability is the OS-integration surface the rest of the coordinator
// depends on. Tests substitute a fake.
type Capability interface {
	OpenTerminal(command []string, dir, layout string) (emulator string, err error)
	// SpawnDetached launches command in its own process group with
	// stdout+stderr appended to logPath, returning the child's pid
	// directly — used for the `background` layout, where the
	// coordinator itself is the immediate parent and can observe the
	// pid without a terminal emulator in between.
	SpawnDetached(command []string, dir, logPath string) (pid int, err error)
	InjectText(tty, text string) bool
	KillProcess(pid int) error
	IsProcessAlive(pid int) bool
}

// OS is the real, platform-dispatching implementation.
type OS struct{}

func New() *OS { return &OS{} }

// OpenTerminal attempts to open command in a new terminal tab/split
// using whatever emulator is available for runtime.GOOS, falling back to
// a detached background process. It never returns an error the caller
// must act on — background is always a valid outcome.
func (o *OS) OpenTerminal(command []string, dir, layout string) (string, error) {
	if layout == "" {
		layout = LayoutBackground
	}
	if layout == LayoutBackground {
		if err := spawnBackground(command, dir); err != nil {
			return "", err
		}
		return EmulatorBackground, nil
	}

	switch runtime.GOOS {
	case "darwin":
		if emulator, err := openMacTerminal(command, dir, layout); err == nil {
			return emulator, nil
		}
	case "linux":
		if emulator, err := openLinuxTerminal(command, dir, layout); err == nil {
			return emulator, nil
		}
	case "windows":
		if emulator, err := openWindowsTerminal(command, dir, layout); err == nil {
			return emulator, nil
		}
	}
	if err := spawnBackground(command, dir); err != nil {
		return "", err
	}
	return EmulatorBackground, nil
}

func openMacTerminal(command []string, dir, layout string) (string, error) {
	script := fmt.Sprintf(
		`tell application "Terminal" to do script %q`,
		"cd "+shellQuote(dir)+" && "+strings.Join(command, " "),
	)
	cmd := exec.Command("osascript", "-e", script)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: osascript: %v", ErrNoTerminal, err)
	}
	return "Terminal.app", nil
}

func openLinuxTerminal(command []string, dir, layout string) (string, error) {
	candidates := []struct {
		bin  string
		args func([]string) []string
	}{
		{"gnome-terminal", func(cmd []string) []string { return append([]string{"--"}, cmd...) }},
		{"x-terminal-emulator", func(cmd []string) []string { return append([]string{"-e"}, cmd...) }},
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c.bin); err != nil {
			continue
		}
		cmd := exec.Command(c.bin, c.args(command)...)
		cmd.Dir = dir
		if err := cmd.Start(); err == nil {
			return c.bin, nil
		}
	}
	return "", ErrNoTerminal
}

func openWindowsTerminal(command []string, dir, layout string) (string, error) {
	if _, err := exec.LookPath("wt.exe"); err != nil {
		return "", ErrNoTerminal
	}
	args := append([]string{"new-tab", "-d", dir}, command...)
	cmd := exec.Command("wt.exe", args...)
	if err := cmd.Start(); err == nil {
		return "wt.exe", nil
	}
	return "", ErrNoTerminal
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// spawnBackground launches command detached, in its own process group
// (POSIX) so killing the coordinator does not orphan-kill children, and
// with stdio discarded — background workers capture their own output via
// the worker package's own file redirection, not this path.
func spawnBackground(command []string, dir string) error {
	if len(command) == 0 {
		return fmt.Errorf("termcap: empty command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	setDetached(cmd)
	return cmd.Start()
}

// SpawnDetached is the background-layout launch path that returns a real
// pid: stdout+stderr append to logPath, the child is placed in its own
// process group, and the coordinator does not wait on it — supervision
// happens later via IsProcessAlive against the returned pid.
func (o *OS) SpawnDetached(command []string, dir, logPath string) (int, error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("termcap: empty command")
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("termcap: opening log %s: %w", logPath, err)
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setDetached(cmd)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, err
	}
	pid := cmd.Process.Pid
	// The coordinator does not parent-wait this child (it may outlive a
	// coordinator restart); release it and close our handle to the log —
	// the child keeps its own duplicated descriptor from exec.
	_ = cmd.Process.Release()
	logFile.Close()
	return pid, nil
}

// InjectText sends text to a tty as a best-effort liveness hint. The
// inbox remains the source of truth for delivery (§8.4); a false return
// means the caller must not retry aggressively, only fall back to the
// already-durable inbox message.
func (o *OS) InjectText(tty, text string) bool {
	if tty == "" {
		return false
	}
	f, err := openTTYForWrite(tty)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err == nil
}

// KillProcess sends SIGTERM to pid, escalating to SIGKILL is the
// caller's responsibility (worker lifecycle owns the termination
// policy; termcap only exposes the primitive).
func (o *OS) KillProcess(pid int) error {
	return killProcess(pid)
}

// IsProcessAlive probes pid with the platform's liveness primitive:
// signal-0 on POSIX, a process-list filter on Windows (§3.5).
func (o *OS) IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// waitTick is a fixed polling interval for a detached, non-child process
// the platform offers no blocking wait for (e.g. a pid re-read from a pid
// file after a coordinator restart). Nothing in the coordinator polls at
// it; liveness is probed on demand through IsProcessAlive.
const waitTick = 500 * time.Millisecond
