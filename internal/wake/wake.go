// Package wake implements the Wake / Force-Wake Protocol (§4.X): a
// best-effort, non-destructive nudge, and a three-stage escalation that
// culminates in process termination plus a re-spawned continuation.
// Keystroke injection is only a liveness hint (§8.4) — the inbox is
// always the source of truth for delivery.
package wake

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/mailbox"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// CoalesceWindow is how long a repeated wake_session call carrying the
// same text collapses onto the already-pending notification slot
// instead of appending a second inbox message (SPEC_FULL supplemented
// feature #4), grounded on internal/daemon/notification.go's
// ShouldSend/maxAge dedup window.
const CoalesceWindow = 30 * time.Second

// Stage1Wait and Stage2Wait are force_wake's per-stage observation
// budgets (§4.X); pollTick is the fixed interval polled within each.
const (
	Stage1Wait = 12 * time.Second
	Stage2Wait = 10 * time.Second
	pollTick   = 2 * time.Second
)

// Continuation prompt excerpt bounds (§4.X).
const (
	PlanExcerptLines    = 60
	FilesTouchedEntries = 30
	RecentOpsEntries    = 5
)

// Clock and Sleep are overridable in tests so force_wake's stage timers
// don't burn real wall-clock time.
var (
	Clock = time.Now
	Sleep = time.Sleep
)

// slot is the on-disk dedup record for one pending wake notification,
// mirroring NotificationSlot's shape.
type slot struct {
	Session string    `json:"session"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

func slotFile(l paths.Layout, sessionID string) string {
	return filepath.Join(l.RuntimeDir(), "wake-slots", sessionID+".json")
}

// ProcessControl is the interrupt-signal and child-process-enumeration
// surface force_wake needs beyond termcap.Capability's spawn/kill
// primitives. Grounded on internal/cmd/orphans.go's `ps -eo pid,ppid`
// parsing and SIGTERM/SIGINT selection idiom.
type ProcessControl interface {
	Interrupt(pid int) error
	ChildPIDs(pid int) ([]int, error)
}

// OSProcessControl is the real, platform-dispatching ProcessControl.
type OSProcessControl struct{}

func (OSProcessControl) Interrupt(pid int) error {
	return interruptProcess(pid)
}

// ChildPIDs lists the immediate children of pid by parsing `ps -eo
// pid,ppid`, the same enumeration strategy internal/cmd/orphans.go uses
// to find orphaned processes.
func (OSProcessControl) ChildPIDs(pid int) ([]int, error) {
	out, err := exec.Command("ps", "-eo", "pid,ppid").Output()
	if err != nil {
		return nil, fmt.Errorf("wake: running ps: %w", err)
	}
	var children []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		childPID, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if ppid == pid {
			children = append(children, childPID)
		}
	}
	return children, nil
}

// Dispatcher wires the wake/force-wake handlers to their dependencies.
type Dispatcher struct {
	Layout   paths.Layout
	Sessions *session.Store
	Mailbox  *mailbox.Fabric
	Worker   *worker.Store
	OS       termcap.Capability
	Proc     ProcessControl
}

func New(l paths.Layout, sessions *session.Store, mb *mailbox.Fabric, w *worker.Store, os_ termcap.Capability, proc ProcessControl) *Dispatcher {
	return &Dispatcher{Layout: l, Sessions: sessions, Mailbox: mb, Worker: w, OS: os_, Proc: proc}
}

// WakeSession implements wake_session (§4.X): attempts OS-specific
// keystroke injection, then unconditionally appends an urgent inbox
// message so a later tool call still surfaces it even if injection
// failed or went unnoticed.
func (d *Dispatcher) WakeSession(sessionID, text string) (injected bool, err error) {
	detail, err := d.Sessions.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if detail.Record.TTY != "" {
		injected = d.OS.InjectText(detail.Record.TTY, text)
	}

	send, err := d.reserveSlot(sessionID, text)
	if err != nil {
		return injected, err
	}
	if !send {
		return injected, nil
	}
	if err := d.Mailbox.SendMessage("coordinator", sessionID, text, mailbox.PriorityUrgent); err != nil {
		return injected, err
	}
	return injected, nil
}

// reserveSlot implements the supplemented notification-slot dedup: a
// repeated identical wake within CoalesceWindow is absorbed by the
// already-pending slot; anything else (first wake, stale slot, or a
// distinct text) reserves a fresh slot and tells the caller to send.
func (d *Dispatcher) reserveSlot(sessionID, text string) (bool, error) {
	path := slotFile(d.Layout, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	var s slot
	send := false
	err := fsutil.WithLockedJSON(path, &s, func(found bool) (bool, error) {
		now := Clock().UTC()
		if found && s.Text == text && now.Sub(s.SentAt) < CoalesceWindow {
			send = false
			return false, nil
		}
		send = true
		s = slot{Session: sessionID, Text: text, SentAt: now}
		return true, nil
	})
	return send, err
}

// Result reports the outcome of a force_wake call (§4.X): which stage
// stopped the escalation, and — only reached at stage 3 — how (if at
// all) a continuation was respawned.
type Result struct {
	Session        string
	StoppedAtStage int
	Terminated     bool
	RespawnedVia   string // "pane", "background", or "" if neither reached
	ContinuationID string
	RespawnError   string
}

// ForceWake implements force_wake (§4.X). force_kill=true skips stages
// 1-2 and goes directly to termination plus respawn.
func (d *Dispatcher) ForceWake(sessionID, message string, forceKill bool) (Result, error) {
	detail, err := d.Sessions.GetSession(sessionID)
	if err != nil {
		return Result{}, err
	}
	rec := detail.Record

	if !forceKill {
		if d.stage1(sessionID, rec, message) {
			return Result{Session: sessionID, StoppedAtStage: 1}, nil
		}
		if d.stage2(sessionID, rec, message) {
			return Result{Session: sessionID, StoppedAtStage: 2}, nil
		}
	}
	return d.stage3(sessionID, rec, message)
}

// stage1 sends an interrupt signal to host_pid, injects the message,
// and waits up to Stage1Wait for last_active to move.
func (d *Dispatcher) stage1(sessionID string, rec session.Record, message string) bool {
	if rec.HostPID > 0 {
		_ = d.Proc.Interrupt(rec.HostPID)
	}
	if rec.TTY != "" {
		d.OS.InjectText(rec.TTY, message)
	}
	return d.waitForActivity(sessionID, rec.LastActive, Stage1Wait)
}

// stage2 terminates host_pid's children, re-interrupts the parent,
// re-injects, and waits up to Stage2Wait.
func (d *Dispatcher) stage2(sessionID string, rec session.Record, message string) bool {
	if rec.HostPID > 0 {
		if children, err := d.Proc.ChildPIDs(rec.HostPID); err == nil {
			for _, pid := range children {
				_ = d.OS.KillProcess(pid)
			}
		}
		_ = d.Proc.Interrupt(rec.HostPID)
	}
	if rec.TTY != "" {
		d.OS.InjectText(rec.TTY, message)
	}
	return d.waitForActivity(sessionID, rec.LastActive, Stage2Wait)
}

func (d *Dispatcher) waitForActivity(sessionID string, baseline time.Time, budget time.Duration) bool {
	deadline := Clock().Add(budget)
	for Clock().Before(deadline) {
		detail, err := d.Sessions.GetSession(sessionID)
		if err == nil && detail.Record.LastActive.After(baseline) {
			return true
		}
		Sleep(pollTick)
	}
	return false
}

// stage3 terminates host_pid, marks the session closed, and attempts a
// continuation: first by injecting a relaunch command into the same
// tty/pane, falling back to a background worker spawn if the pane can't
// be reached (§4.X).
func (d *Dispatcher) stage3(sessionID string, rec session.Record, operatorMessage string) (Result, error) {
	result := Result{Session: sessionID, StoppedAtStage: 3, Terminated: true}
	if rec.HostPID > 0 {
		_ = d.OS.KillProcess(rec.HostPID)
	}
	if err := d.markClosed(sessionID); err != nil {
		return result, err
	}
	_ = eventlog.Emit(d.Layout.ActivityLog(), "SessionForceWaked", map[string]interface{}{
		"session": sessionID, "host_pid": rec.HostPID,
	})

	if d.Worker == nil {
		return result, nil
	}
	prompt := buildContinuationPrompt(rec, operatorMessage)

	reached := false
	if rec.TTY != "" {
		continuationID := ids.NewWorkerTaskID()
		promptFile := d.Layout.WorkerPrompt(continuationID)
		if err := os.MkdirAll(d.Layout.ResultsDir(), 0o700); err == nil {
			if err := os.WriteFile(promptFile, []byte(prompt), 0o600); err == nil {
				relaunch := fmt.Sprintf("%s --prompt-file %s\n", worker.DefaultRuntime, promptFile)
				reached = d.OS.InjectText(rec.TTY, relaunch)
			}
		}
	}
	if reached {
		result.RespawnedVia = "pane"
		return result, nil
	}

	meta, err := d.Worker.Spawn("", rec.CWD, prompt, worker.SpawnOpts{
		Mode:    worker.ModePipe,
		Runtime: worker.DefaultRuntime,
		Layout:  termcap.LayoutBackground,
	})
	if err != nil {
		result.RespawnError = err.Error()
		return result, nil
	}
	result.RespawnedVia = "background"
	result.ContinuationID = meta.TaskID
	return result, nil
}

func (d *Dispatcher) markClosed(sessionID string) error {
	path := d.Layout.SessionFile(sessionID)
	var rec session.Record
	return fsutil.WithLockedJSON(path, &rec, func(found bool) (bool, error) {
		if !found {
			return false, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
		}
		rec.Status = session.StatusClosed
		rec.KilledBy = "force_wake"
		return true, nil
	})
}

// buildContinuationPrompt assembles the re-spawn prompt from the closed
// session's tab_name, branch, plan_file excerpt, recently touched
// files, recent operations, and the operator's message (§4.X).
func buildContinuationPrompt(rec session.Record, operatorMessage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continuing session in tab %q", rec.TabName)
	if rec.Branch != "" {
		fmt.Fprintf(&b, " on branch %s", rec.Branch)
	}
	b.WriteString(".\n\n")

	if rec.PlanFile != "" {
		if lines, err := session.ReadPlanExcerpt(rec.PlanFile, PlanExcerptLines); err == nil && len(lines) > 0 {
			b.WriteString("--- plan ---\n")
			b.WriteString(strings.Join(lines, "\n"))
			b.WriteString("\n\n")
		}
	}
	if len(rec.FilesTouched) > 0 {
		files := rec.FilesTouched
		if len(files) > FilesTouchedEntries {
			files = files[len(files)-FilesTouchedEntries:]
		}
		b.WriteString("--- recently touched files ---\n")
		b.WriteString(strings.Join(files, "\n"))
		b.WriteString("\n\n")
	}
	if len(rec.RecentOps) > 0 {
		ops := rec.RecentOps
		if len(ops) > RecentOpsEntries {
			ops = ops[len(ops)-RecentOpsEntries:]
		}
		b.WriteString("--- recent operations ---\n")
		for _, op := range ops {
			fmt.Fprintf(&b, "%s %s %s\n", op.Timestamp.Format(time.RFC3339), op.Tool, op.File)
		}
		b.WriteString("\n")
	}
	if operatorMessage != "" {
		fmt.Fprintf(&b, "--- operator message ---\n%s\n", operatorMessage)
	}
	return b.String()
}
