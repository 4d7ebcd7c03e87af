// Package worker implements the Worker Lifecycle (§3.5, §4.C4): spawning
// a coding-assistant subprocess, supervising it to completion, and
// reaping its exit into the four `results/<task_id>.*` artifacts. It
// depends on termcap for the OS-integration primitives and never talks
// to the OS directly.
package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/termcap"
)

// Mode values (§4.C4).
const (
	ModePipe        = "pipe"
	ModeInteractive = "interactive"
)

// Status ladder (§3.5).
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusUnknown   = "unknown"
)

// Role presets (§4.C4).
const (
	RoleResearcher  = "researcher"
	RoleImplementer = "implementer"
	RoleReviewer    = "reviewer"
	RolePlanner     = "planner"
)

// Permission modes (§4.C4).
const (
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlanOnly    = "planOnly"
	PermissionReadOnly    = "readOnly"
	PermissionEditOnly    = "editOnly"
)

// DefaultRuntime is the assistant CLI launched when opts.Runtime is empty.
const DefaultRuntime = "claude"

// safeCLICharset restricts the opaque `runtime` binary token (§4.C4).
var safeCLICharset = ids.ValidateModel

// Meta is the on-disk shape of results/<task_id>.meta.json (§3.5).
type Meta struct {
	TaskID        string   `json:"task_id"`
	Directory     string   `json:"directory"`
	PromptExcerpt string   `json:"prompt_excerpt"`
	Model         string   `json:"model,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	Files         []string `json:"files,omitempty"`
	Spawned       time.Time `json:"spawned"`
	Status        string   `json:"status"`
	Mode          string   `json:"mode"`
	Runtime       string   `json:"runtime"`
	BudgetTokens  int      `json:"budget,omitempty"`
	TeamName      string   `json:"team_name,omitempty"`
	Role          string   `json:"role,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	WorkerName    string   `json:"worker_name,omitempty"`
	NotifySession string   `json:"notify_session_id,omitempty"`

	Finished time.Time `json:"finished,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Signal   string    `json:"signal,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// SpawnOpts mirrors the spawn contract of §4.C4.
type SpawnOpts struct {
	Mode              string
	Runtime           string
	Layout            string
	Isolate           bool
	Role              string
	PermissionMode    string
	RequirePlan       bool
	ContextLevel      string
	BudgetPolicy      string
	BudgetTokens      int
	GlobalBudgetPolicy string
	GlobalBudgetTokens int
	MaxActiveWorkers  int
	TeamName          string
	WorkerName        string
	NotifySessionID   string
	MaxTurns          int
	ContextSummary    string
	Files             []string
}

// ErrFileConflict is the conflict-class pre-check failure (§4.C4).
type ErrFileConflict struct {
	File       string
	HeldBy     string
}

func (e *ErrFileConflict) Error() string {
	return fmt.Sprintf("file %q is claimed by worker %s", e.File, e.HeldBy)
}

// ErrBudgetExceeded is returned when a spawn would exceed the global
// token budget under enforce policy.
var ErrBudgetExceeded = fmt.Errorf("global worker budget exceeded")

// ErrTooManyActiveWorkers is returned when max_active_workers is at
// capacity under enforcement.
var ErrTooManyActiveWorkers = fmt.Errorf("max_active_workers reached")

// Store is the worker lifecycle bound to a state root and capability.
type Store struct {
	Layout paths.Layout
	OS     termcap.Capability
}

// Clock is overridable in tests.
var Clock = time.Now

func New(l paths.Layout, capability termcap.Capability) *Store {
	return &Store{Layout: l, OS: capability}
}

func defaultOpts(o SpawnOpts) SpawnOpts {
	// Captured before any default fill touches the field, so applyRolePreset
	// can tell "caller left this unset" apart from "caller explicitly chose
	// accept_edits" — both would otherwise read back as PermissionAcceptEdits
	// once the generic default below runs.
	permissionModeSet := o.PermissionMode != ""

	if o.Mode == "" {
		o.Mode = ModePipe
	}
	if o.Runtime == "" {
		o.Runtime = DefaultRuntime
	}
	if o.Layout == "" {
		o.Layout = termcap.LayoutBackground
	}
	if o.RequirePlan {
		o.PermissionMode = PermissionPlanOnly
		permissionModeSet = true
	}
	applyRolePreset(&o, permissionModeSet)
	if o.PermissionMode == "" {
		o.PermissionMode = PermissionAcceptEdits
	}
	return o
}

// applyRolePreset fills in model/agent/permission/isolation defaults for a
// role when the corresponding field is not explicitly set (§4.C4).
// permissionModeSet tells it whether the caller (or require_plan above)
// already pinned permission_mode; a role preset never overrides that.
func applyRolePreset(o *SpawnOpts, permissionModeSet bool) {
	switch o.Role {
	case RoleReviewer:
		if !permissionModeSet {
			o.PermissionMode = PermissionReadOnly
		}
	case RolePlanner:
		if !permissionModeSet {
			o.PermissionMode = PermissionPlanOnly
		}
	case RoleImplementer:
		if !o.Isolate {
			o.Isolate = true
		}
	}
}

// ListAlive returns the meta of every worker currently considered alive
// (pid file present and the PID answers a liveness probe, §3.5).
func (s *Store) ListAlive() ([]Meta, error) {
	entries, err := os.ReadDir(s.Layout.ResultsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: reading results dir: %w", err)
	}
	var alive []Meta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".meta.json")
		var m Meta
		found, err := fsutil.ReadJSON(s.Layout.WorkerMeta(taskID), &m)
		if err != nil || !found {
			continue
		}
		if s.isAlive(taskID) {
			alive = append(alive, m)
		}
	}
	return alive, nil
}

// Reconcile implements the restart-time sweep referenced by §6's
// shared-resource policy: if the coordinator dies before a worker's
// exit hook writes .done, the pid file is left behind pointing at a
// dead process. Called at startup (before any spawn is accepted), it
// scans every meta file with no .done marker and reaps any whose pid
// is no longer alive as failed, so ListAlive/BudgetCheck never count a
// crashed worker as active.
func (s *Store) Reconcile() (reconciled []string, err error) {
	entries, readErr := os.ReadDir(s.Layout.ResultsDir())
	if os.IsNotExist(readErr) {
		return nil, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("worker: reading results dir: %w", readErr)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".meta.json")
		if _, statErr := os.Stat(s.Layout.WorkerDone(taskID)); statErr == nil {
			continue
		}
		if s.isAlive(taskID) {
			continue
		}
		if _, statErr := os.Stat(s.Layout.WorkerPID(taskID)); os.IsNotExist(statErr) {
			continue
		}
		if err := s.reap(taskID, StatusFailed, nil, ""); err != nil {
			return reconciled, err
		}
		reconciled = append(reconciled, taskID)
	}
	return reconciled, nil
}

// WorkerArtifactMaxAge is the §4.C1 GC threshold: a finished worker's
// artifacts are only eligible for removal once its .meta.json has aged
// past this.
const WorkerArtifactMaxAge = 7 * 24 * time.Hour

// PruneArtifacts implements the GC worker-artifact rule (§4.C1): removes
// the meta/done/pid/log/prompt files of any task whose .meta.json is
// older than maxAge and carries a .done marker. A task with no .done
// marker is still in flight (or crashed, pending Reconcile) and is left
// alone; a live pid is never touched regardless of age, same invariant
// Reconcile enforces.
func (s *Store) PruneArtifacts(maxAge time.Duration) (removed []string, err error) {
	entries, readErr := os.ReadDir(s.Layout.ResultsDir())
	if os.IsNotExist(readErr) {
		return nil, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("worker: reading results dir: %w", readErr)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".meta.json")
		metaPath := s.Layout.WorkerMeta(taskID)
		info, statErr := os.Stat(metaPath)
		if statErr != nil {
			continue
		}
		if time.Since(info.ModTime()) <= maxAge {
			continue
		}
		if _, statErr := os.Stat(s.Layout.WorkerDone(taskID)); os.IsNotExist(statErr) {
			continue
		}
		if s.isAlive(taskID) {
			continue
		}
		for _, p := range []string{metaPath, s.Layout.WorkerDone(taskID), s.Layout.WorkerPID(taskID), s.Layout.WorkerLog(taskID), s.Layout.WorkerPrompt(taskID)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("worker: removing %s: %w", p, err)
			}
		}
		removed = append(removed, taskID)
	}
	return removed, nil
}

func (s *Store) isAlive(taskID string) bool {
	pidBytes, err := os.ReadFile(s.Layout.WorkerPID(taskID))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return false
	}
	return s.OS.IsProcessAlive(pid)
}

// CheckFileConflicts implements the conflict pre-check of §4.C4: reject
// if any requested file overlaps a currently-alive worker's claimed
// files, matching on full path or basename.
func (s *Store) CheckFileConflicts(files []string) error {
	if len(files) == 0 {
		return nil
	}
	alive, err := s.ListAlive()
	if err != nil {
		return err
	}
	for _, a := range alive {
		for _, held := range a.Files {
			for _, want := range files {
				if held == want || filepath.Base(held) == filepath.Base(want) {
					return &ErrFileConflict{File: want, HeldBy: a.TaskID}
				}
			}
		}
	}
	return nil
}

// BudgetCheck sums budget_tokens across alive workers and validates
// against global_budget_tokens/max_active_workers (§4.C4). It returns a
// warning string under the warn policy instead of an error.
func (s *Store) BudgetCheck(o SpawnOpts) (warning string, err error) {
	alive, err := s.ListAlive()
	if err != nil {
		return "", err
	}
	if o.MaxActiveWorkers > 0 && len(alive) >= o.MaxActiveWorkers {
		if o.GlobalBudgetPolicy == "enforce" {
			return "", ErrTooManyActiveWorkers
		}
		warning = fmt.Sprintf("max_active_workers (%d) reached", o.MaxActiveWorkers)
	}
	if o.GlobalBudgetTokens > 0 {
		total := o.BudgetTokens
		for _, a := range alive {
			total += a.BudgetTokens
		}
		if total > o.GlobalBudgetTokens {
			if o.GlobalBudgetPolicy == "enforce" {
				return "", ErrBudgetExceeded
			}
			warning = fmt.Sprintf("global budget %d/%d tokens", total, o.GlobalBudgetTokens)
		}
	}
	return warning, nil
}

// PromptExcerptLength caps the prompt excerpt stored in meta.
const PromptExcerptLength = 200

func excerpt(prompt string) string {
	if len(prompt) <= PromptExcerptLength {
		return prompt
	}
	return prompt[:PromptExcerptLength]
}

// Spawn launches one worker, writing meta/prompt/pid artifacts and
// dispatching via termcap (§4.C4's Launch contract).
func (s *Store) Spawn(taskID, directory, prompt string, o SpawnOpts) (Meta, error) {
	if taskID == "" {
		taskID = ids.NewWorkerTaskID()
	}
	if err := ids.Validate("task_id", taskID); err != nil {
		return Meta{}, err
	}
	if directory != "" {
		cleaned, err := ids.ValidatePath("directory", directory, "")
		if err != nil {
			return Meta{}, err
		}
		directory = cleaned
	}
	o = defaultOpts(o)
	if err := safeCLICharset("runtime", o.Runtime); err != nil {
		return Meta{}, err
	}

	if err := s.CheckFileConflicts(o.Files); err != nil {
		return Meta{}, err
	}
	if _, err := s.BudgetCheck(o); err != nil {
		return Meta{}, err
	}

	const contextLevelFull = "full"
	if o.ContextLevel == contextLevelFull && o.ContextSummary != "" {
		prompt = o.ContextSummary + "\n\n" + prompt
	}

	meta := Meta{
		TaskID:         taskID,
		Directory:      directory,
		PromptExcerpt:  excerpt(prompt),
		Files:          o.Files,
		Spawned:        Clock().UTC(),
		Status:         StatusRunning,
		Mode:           o.Mode,
		Runtime:        o.Runtime,
		BudgetTokens:   o.BudgetTokens,
		TeamName:       o.TeamName,
		Role:           o.Role,
		PermissionMode: o.PermissionMode,
		WorkerName:     o.WorkerName,
		NotifySession:  o.NotifySessionID,
	}

	if err := os.MkdirAll(s.Layout.ResultsDir(), 0o700); err != nil {
		return Meta{}, err
	}
	if err := os.WriteFile(s.Layout.WorkerPrompt(taskID), []byte(prompt), 0o600); err != nil {
		return Meta{}, err
	}
	if err := fsutil.WriteJSON(s.Layout.WorkerMeta(taskID), meta); err != nil {
		return Meta{}, err
	}

	command := []string{o.Runtime, "--prompt-file", s.Layout.WorkerPrompt(taskID)}
	logPath := s.Layout.WorkerLog(taskID)
	if err := s.launch(taskID, command, directory, o.Layout, logPath); err != nil {
		meta.Status = StatusFailed
		meta.Error = err.Error()
		meta.Finished = Clock().UTC()
		_ = fsutil.WriteJSON(s.Layout.WorkerMeta(taskID), meta)
		_ = fsutil.WriteJSON(s.Layout.WorkerDone(taskID), meta)
		return meta, err
	}

	_ = eventlog.Emit(s.Layout.ActivityLog(), "WorkerSpawned", map[string]interface{}{
		"task_id": taskID, "mode": o.Mode, "role": o.Role,
	})
	return meta, nil
}

// launch dispatches on layout: `background` spawns directly via
// termcap.SpawnDetached, giving a pid the coordinator can supervise
// without a terminal emulator in between; `tab`/`split` hand off to
// OpenTerminal and rely on the launched shell self-reporting its pid
// into the pid file, since the terminal emulator — not the coordinator
// — is the immediate parent there.
var launchHook func(s *Store, taskID string, command []string, directory, layout, logPath string) error

func (s *Store) launch(taskID string, command []string, directory, layout, logPath string) error {
	if launchHook != nil {
		return launchHook(s, taskID, command, directory, layout, logPath)
	}
	pidPath := s.Layout.WorkerPID(taskID)
	if layout == termcap.LayoutBackground {
		pid, err := s.OS.SpawnDetached(command, directory, logPath)
		if err != nil {
			return err
		}
		return os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o600)
	}

	wrapped := []string{"sh", "-c", selfReportingShellScript(command, logPath, pidPath)}
	_, err := s.OS.OpenTerminal(wrapped, directory, layout)
	return err
}

// selfReportingShellScript wraps command so the spawned shell writes its
// own pid before exec'ing into command, with stdio appended to logPath.
func selfReportingShellScript(command []string, logPath, pidPath string) string {
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = shellQuoteArg(c)
	}
	return fmt.Sprintf("echo $$ > %s; exec %s >> %s 2>&1",
		shellQuoteArg(pidPath), strings.Join(quoted, " "), shellQuoteArg(logPath))
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Result is what GetResult reports for one worker task.
type Result struct {
	TaskID string
	Status string
	Meta   Meta
	LogTail []string
}

const DefaultTailLines = 100

// GetResult implements get_result (§4.C4): the status recorded in .done
// if it exists (a recorded "running" reads as completed); running if the
// pid answers the liveness probe; completed, reaped on the spot, if a pid
// file remains but the process is gone; unknown if there is no pid file.
func (s *Store) GetResult(taskID string, tailLines int) (Result, error) {
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	var meta Meta
	found, err := fsutil.ReadJSON(s.Layout.WorkerMeta(taskID), &meta)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("worker: no meta for task %s", taskID)
	}

	status := StatusUnknown
	if _, err := os.Stat(s.Layout.WorkerDone(taskID)); err == nil {
		status = meta.Status
		if status == StatusRunning {
			status = StatusCompleted
		}
	} else if s.isAlive(taskID) {
		status = StatusRunning
	} else if _, pidErr := os.Stat(s.Layout.WorkerPID(taskID)); pidErr == nil {
		// The pid file is still there but the liveness probe no longer
		// answers: the child exited without the coordinator observing it
		// directly (it is not a process-group child once spawned
		// detached). Lazily reap it as completed — there is no exit code
		// to recover from a pid alone, so this is the same "assume clean
		// exit unless told otherwise" stance Kill already takes for a
		// deliberate stop.
		if err := s.reap(taskID, StatusCompleted, nil, ""); err != nil {
			return Result{}, err
		}
		status = StatusCompleted
		_, _ = fsutil.ReadJSON(s.Layout.WorkerMeta(taskID), &meta) // refresh Finished/ExitCode
	}

	tail, _ := tailFile(s.Layout.WorkerLog(taskID), tailLines)
	return Result{TaskID: taskID, Status: status, Meta: meta, LogTail: tail}, nil
}

func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Kill sends a terminate signal and marks the worker cancelled (§4.C4).
// Idempotent: killing an already-done worker is a no-op success.
func (s *Store) Kill(taskID string) error {
	if _, err := os.Stat(s.Layout.WorkerDone(taskID)); err == nil {
		return nil
	}
	pidBytes, err := os.ReadFile(s.Layout.WorkerPID(taskID))
	if err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes))); err == nil {
			_ = s.OS.KillProcess(pid)
		}
	}
	return s.reap(taskID, StatusCancelled, nil, "")
}

// reap finalizes a worker's terminal state: writes .done, updates meta,
// removes the pid file.
func (s *Store) reap(taskID, status string, exitCode *int, signal string) error {
	var meta Meta
	if _, err := fsutil.ReadJSON(s.Layout.WorkerMeta(taskID), &meta); err != nil {
		return err
	}
	meta.Status = status
	meta.Finished = Clock().UTC()
	meta.ExitCode = exitCode
	meta.Signal = signal
	if err := fsutil.WriteJSON(s.Layout.WorkerMeta(taskID), meta); err != nil {
		return err
	}
	if err := fsutil.WriteJSON(s.Layout.WorkerDone(taskID), meta); err != nil {
		return err
	}
	_ = os.Remove(s.Layout.WorkerPID(taskID))
	_ = eventlog.Emit(s.Layout.ActivityLog(), "WorkerStatusChanged", map[string]interface{}{
		"task_id": taskID, "status": status,
	})
	return nil
}

// ResumeTailLines is how much of the dead worker's log is folded into
// the continuation prompt (§4.C4).
const ResumeTailLines = 50

// continuationPrompt builds the "Resume task X" prompt for resume/upgrade.
func (s *Store) continuationPrompt(taskID string) (string, Meta, error) {
	var meta Meta
	found, err := fsutil.ReadJSON(s.Layout.WorkerMeta(taskID), &meta)
	if err != nil {
		return "", Meta{}, err
	}
	if !found {
		return "", Meta{}, fmt.Errorf("worker: no meta for task %s", taskID)
	}
	promptBytes, _ := os.ReadFile(s.Layout.WorkerPrompt(taskID))
	tail, _ := tailFile(s.Layout.WorkerLog(taskID), ResumeTailLines)
	prompt := fmt.Sprintf(
		"Resume task %s. Previous output tail follows.\n\n--- original prompt ---\n%s\n\n--- tail of previous output ---\n%s",
		taskID, string(promptBytes), strings.Join(tail, "\n"),
	)
	return prompt, meta, nil
}

// Resume implements resume_worker (§4.C4): respawns a continuation of a
// dead worker, inheriting budget/team scope from the original meta
// (supplemented feature #3), not resetting to defaults.
func (s *Store) Resume(taskID string, mode string) (Meta, error) {
	prompt, oldMeta, err := s.continuationPrompt(taskID)
	if err != nil {
		return Meta{}, err
	}
	if mode == "" {
		mode = oldMeta.Mode
	}
	newTaskID := ids.NewWorkerTaskID()
	opts := SpawnOpts{
		Mode:         mode,
		Runtime:      oldMeta.Runtime,
		BudgetTokens: oldMeta.BudgetTokens,
		TeamName:     oldMeta.TeamName,
		Role:         oldMeta.Role,
		Files:        oldMeta.Files,
	}
	return s.Spawn(newTaskID, oldMeta.Directory, prompt, opts)
}

// Upgrade implements upgrade_worker (§4.C4): kills a pipe-mode worker and
// respawns interactively with the continuation prompt.
func (s *Store) Upgrade(taskID string) (Meta, error) {
	if err := s.Kill(taskID); err != nil {
		return Meta{}, err
	}
	return s.Resume(taskID, ModeInteractive)
}

// BatchSpawnLimit caps spawn_workers' parallelism (§4.C4).
const BatchSpawnLimit = 10

// BatchRequest is one item of a spawn_workers batch.
type BatchRequest struct {
	TaskID    string
	Directory string
	Prompt    string
	Opts      SpawnOpts
}

// BatchResult is the outcome for one batch item; Err is nil on success.
type BatchResult struct {
	TaskID string
	Meta   Meta
	Err    error
}

// SpawnBatch spawns up to BatchSpawnLimit workers in parallel; one failure
// does not abort the others (§4.C4). Each request gets its own goroutine —
// Spawn already treats a single spawn as fire-and-forget, not blocking on
// the worker's completion, so fanning the batch out costs nothing beyond
// the spawn calls themselves. Results are written to a pre-sized slice
// indexed by request position, so no lock is needed to collect them and
// callers still get results back in request order.
func (s *Store) SpawnBatch(requests []BatchRequest) []BatchResult {
	if len(requests) > BatchSpawnLimit {
		requests = requests[:BatchSpawnLimit]
	}
	results := make([]BatchResult, len(requests))
	var wg sync.WaitGroup
	for i, r := range requests {
		wg.Add(1)
		go func(i int, r BatchRequest) {
			defer wg.Done()
			meta, err := s.Spawn(r.TaskID, r.Directory, r.Prompt, r.Opts)
			results[i] = BatchResult{TaskID: r.TaskID, Meta: meta, Err: err}
		}(i, r)
	}
	wg.Wait()
	return results
}
