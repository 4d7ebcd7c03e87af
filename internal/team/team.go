// Package team implements Teams & Dispatch (§3.8, §4.C8): named groups
// of members with policy defaults, a queued task pool with role/load
// affinity, a deterministic load-aware scoring assigner, rebalancing,
// and a compact status render.
package team

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/sessionmesh/coordinator/internal/budget"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/task"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// Presets populate Policy defaults on create_team/update_team when the
// caller leaves policy unset (§4.C8). Modeled on the tiered default-map
// idiom of the cost-tier preset tables: each preset is a complete,
// explicit field set rather than a sparse overlay.
const (
	PresetSimple      = "simple"
	PresetStrict      = "strict"
	PresetNativeFirst = "native-first"
)

// Policy is the set of spawn defaults a team applies to its workers
// (§3.8).
type Policy struct {
	PermissionMode      string `json:"permission_mode,omitempty"`
	RequirePlan         bool   `json:"require_plan,omitempty"`
	DefaultMode         string `json:"default_mode,omitempty"`
	DefaultRuntime      string `json:"default_runtime,omitempty"`
	DefaultContextLevel string `json:"default_context_level,omitempty"`
	BudgetPolicy        string `json:"budget_policy,omitempty"`
	BudgetTokens        int    `json:"budget_tokens,omitempty"`
	GlobalBudgetPolicy  string `json:"global_budget_policy,omitempty"`
	GlobalBudgetTokens  int    `json:"global_budget_tokens,omitempty"`
	MaxActiveWorkers    int    `json:"max_active_workers,omitempty"`
	DefaultIsolate      bool   `json:"default_isolate,omitempty"`
}

// PresetPolicy returns the fully-populated Policy for a named preset,
// or the zero Policy plus false if the name is unknown.
func PresetPolicy(preset string) (Policy, bool) {
	switch preset {
	case PresetSimple:
		return Policy{
			PermissionMode:      "default",
			RequirePlan:         false,
			DefaultMode:         "pipe",
			DefaultRuntime:      "claude",
			DefaultContextLevel: "summary",
			BudgetPolicy:        "off",
			GlobalBudgetPolicy:  "warn",
			MaxActiveWorkers:    4,
			DefaultIsolate:      false,
		}, true
	case PresetStrict:
		return Policy{
			PermissionMode:      "plan",
			RequirePlan:         true,
			DefaultMode:         "pipe",
			DefaultRuntime:      "claude",
			DefaultContextLevel: "full",
			BudgetPolicy:        "enforce",
			BudgetTokens:        40000,
			GlobalBudgetPolicy:  "enforce",
			GlobalBudgetTokens:  200000,
			MaxActiveWorkers:    3,
			DefaultIsolate:      true,
		}, true
	case PresetNativeFirst:
		return Policy{
			PermissionMode:      "default",
			RequirePlan:         false,
			DefaultMode:         "background",
			DefaultRuntime:      "native",
			DefaultContextLevel: "summary",
			BudgetPolicy:        "warn",
			GlobalBudgetPolicy:  "warn",
			MaxActiveWorkers:    6,
			DefaultIsolate:      false,
		}, true
	default:
		return Policy{}, false
	}
}

// resolvePreset checks the operator's TOML preset overlay before
// falling back to the compiled-in PresetPolicy defaults.
func (d *Dispatcher) resolvePreset(preset string) (Policy, bool) {
	if d.PresetOverlay != nil {
		if p, ok := d.PresetOverlay[preset]; ok {
			return p, true
		}
	}
	return PresetPolicy(preset)
}

// Presence values for a member (§4.C8 scoring formula).
const (
	PresenceAvailable = "available"
	PresenceBusy      = "busy"
	PresenceAway      = "away"
)

// Member is one roster entry (§3.8).
type Member struct {
	Name            string   `json:"name"`
	Role            string   `json:"role,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	TaskID          string   `json:"task_id,omitempty"`
	Presence        string   `json:"presence,omitempty"`
	CurrentTasksCount int    `json:"current_tasks_count,omitempty"`
	RunningBudget   int      `json:"running_budget,omitempty"`
	RecentHistory   []string `json:"recent_history,omitempty"`
}

// QueueEntry is one queued, not-yet-dispatched task (§3.8).
type QueueEntry struct {
	TaskID             string              `json:"task_id"`
	Priority           string              `json:"priority,omitempty"`
	RoleHint           string              `json:"role_hint,omitempty"`
	LoadAffinity       string              `json:"load_affinity,omitempty"`
	Files              []string            `json:"files,omitempty"`
	AcceptanceCriteria []task.AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	Dispatch           Dispatch            `json:"dispatch"`
	QueuedAt           time.Time           `json:"queued_at"`
}

// Dispatch is what team_assign_next hands to worker.Spawn on selection.
type Dispatch struct {
	Prompt    string `json:"prompt"`
	Directory string `json:"directory,omitempty"`
}

// Record is the on-disk shape of teams/<team_name>.json (§3.8).
type Record struct {
	TeamName        string       `json:"team_name"`
	Project         string       `json:"project,omitempty"`
	Description     string       `json:"description,omitempty"`
	Members         []Member     `json:"members,omitempty"`
	Policy          Policy       `json:"policy"`
	Queue           []QueueEntry `json:"queue,omitempty"`
	LowOverheadMode string       `json:"low_overhead_mode,omitempty"`
	ExecutionPath   string       `json:"execution_path,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clock is overridable in tests.
var Clock = time.Now

// Dispatcher is Teams & Dispatch bound to a state root.
type Dispatcher struct {
	Layout paths.Layout
	Tasks  *task.Board
	Worker *worker.Store
	Budget *budget.Tracker

	// PresetOverlay, when non-nil, supplies operator-defined preset
	// bodies (loaded from TOML by internal/config) that take priority
	// over the compiled-in PresetPolicy defaults for a given name.
	PresetOverlay map[string]Policy
}

func New(l paths.Layout, tasks *task.Board, workers *worker.Store) *Dispatcher {
	return &Dispatcher{Layout: l, Tasks: tasks, Worker: workers, Budget: budget.New(l)}
}

// Errors returned by Dispatcher operations.
var (
	ErrTeamNotFound    = fmt.Errorf("team not found")
	ErrTeamNameRequired = fmt.Errorf("team: team_name is required")
	ErrUnknownPreset   = fmt.Errorf("team: unknown preset")
	ErrNoEligibleTask  = fmt.Errorf("team: no eligible queued task")
	ErrNoMembers       = fmt.Errorf("team: no members to assign")
	ErrAssigneeNotFound = fmt.Errorf("team: opts.assignee is not a member of this team")
)

// CreateOrUpdateOpts mirrors create_team/update_team's fields (§4.C8).
type CreateOrUpdateOpts struct {
	Project         string
	Description     string
	Preset          string
	ExecutionPath   string
	LowOverheadMode string
	Policy          *Policy
	Members         []Member
}

// CreateOrUpdateTeam implements create_team/update_team as a single
// upsert-by-name operation (§4.C8): presets populate policy defaults
// only when Policy is left unset, and members are upserted by name.
func (d *Dispatcher) CreateOrUpdateTeam(teamName string, o CreateOrUpdateOpts) (Record, error) {
	if teamName == "" {
		return Record{}, ErrTeamNameRequired
	}

	var preset Policy
	if o.Preset != "" {
		p, ok := d.resolvePreset(o.Preset)
		if !ok {
			return Record{}, fmt.Errorf("%w: %q", ErrUnknownPreset, o.Preset)
		}
		preset = p
	}

	var rec Record
	err := fsutil.WithLockedJSON(d.Layout.TeamFile(teamName), &rec, func(found bool) (bool, error) {
		now := Clock().UTC()
		if !found {
			rec = Record{TeamName: teamName, CreatedAt: now}
			if o.Preset != "" {
				rec.Policy = preset
			}
		}
		if o.Project != "" {
			rec.Project = o.Project
		}
		if o.Description != "" {
			rec.Description = o.Description
		}
		if o.ExecutionPath != "" {
			rec.ExecutionPath = o.ExecutionPath
		}
		if o.LowOverheadMode != "" {
			rec.LowOverheadMode = o.LowOverheadMode
		}
		if o.Policy != nil {
			rec.Policy = *o.Policy
		} else if o.Preset != "" && found {
			// Existing team, explicit preset re-applied, no explicit
			// policy override: populate only fields currently zero.
			rec.Policy = mergePolicyDefaults(rec.Policy, preset)
		}
		for _, m := range o.Members {
			rec.Members = upsertMember(rec.Members, m)
		}
		rec.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// mergePolicyDefaults fills zero-valued fields of existing from preset,
// leaving any already-set field untouched.
func mergePolicyDefaults(existing, preset Policy) Policy {
	if existing.PermissionMode == "" {
		existing.PermissionMode = preset.PermissionMode
	}
	if existing.DefaultMode == "" {
		existing.DefaultMode = preset.DefaultMode
	}
	if existing.DefaultRuntime == "" {
		existing.DefaultRuntime = preset.DefaultRuntime
	}
	if existing.DefaultContextLevel == "" {
		existing.DefaultContextLevel = preset.DefaultContextLevel
	}
	if existing.BudgetPolicy == "" {
		existing.BudgetPolicy = preset.BudgetPolicy
	}
	if existing.BudgetTokens == 0 {
		existing.BudgetTokens = preset.BudgetTokens
	}
	if existing.GlobalBudgetPolicy == "" {
		existing.GlobalBudgetPolicy = preset.GlobalBudgetPolicy
	}
	if existing.GlobalBudgetTokens == 0 {
		existing.GlobalBudgetTokens = preset.GlobalBudgetTokens
	}
	if existing.MaxActiveWorkers == 0 {
		existing.MaxActiveWorkers = preset.MaxActiveWorkers
	}
	return existing
}

func upsertMember(members []Member, m Member) []Member {
	for i, existing := range members {
		if existing.Name == m.Name {
			members[i] = m
			return members
		}
	}
	return append(members, m)
}

// GetTeam returns the full record for teamName.
func (d *Dispatcher) GetTeam(teamName string) (Record, error) {
	var rec Record
	found, err := fsutil.ReadJSON(d.Layout.TeamFile(teamName), &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrTeamNotFound
	}
	return rec, nil
}

// ResolveMemberTeam scans every team record for a member whose
// SessionID matches, for callers (the Shared Context Store's
// export_context) that only have a session id and need its team scope.
// Returns "" if no team claims the session.
func (d *Dispatcher) ResolveMemberTeam(sessionID string) (string, error) {
	entries, err := os.ReadDir(d.Layout.TeamsDir())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("team: reading teams dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec Record
		found, err := fsutil.ReadJSON(filepath.Join(d.Layout.TeamsDir(), name), &rec)
		if err != nil || !found {
			continue
		}
		for _, m := range rec.Members {
			if m.SessionID == sessionID {
				return rec.TeamName, nil
			}
		}
	}
	return "", nil
}

// QueueTaskOpts mirrors team_queue_task's dispatch metadata (§4.C8).
type QueueTaskOpts struct {
	Priority           string
	RoleHint           string
	LoadAffinity       string
	Files              []string
	AcceptanceCriteria []task.AcceptanceCriterion
	Directory          string
}

// QueueTask implements team_queue_task: creates a task record bound to
// this team and appends a queue entry carrying the dispatch prompt.
func (d *Dispatcher) QueueTask(teamName, subject, prompt string, o QueueTaskOpts) (task.Record, error) {
	rec, err := d.Tasks.CreateTask(subject, "", task.CreateOpts{
		TeamName: teamName,
		Priority: o.Priority,
		Files:    o.Files,
	})
	if err != nil {
		return task.Record{}, err
	}

	entry := QueueEntry{
		TaskID: rec.TaskID, Priority: rec.Priority, RoleHint: o.RoleHint,
		LoadAffinity: o.LoadAffinity, Files: o.Files, AcceptanceCriteria: o.AcceptanceCriteria,
		Dispatch: Dispatch{Prompt: prompt, Directory: o.Directory},
		QueuedAt: Clock().UTC(),
	}

	var team Record
	err = fsutil.WithLockedJSON(d.Layout.TeamFile(teamName), &team, func(found bool) (bool, error) {
		if !found {
			return false, ErrTeamNotFound
		}
		team.Queue = append(team.Queue, entry)
		team.UpdatedAt = Clock().UTC()
		return true, nil
	})
	if err != nil {
		return task.Record{}, err
	}
	return rec, nil
}

// Scoring weights (§4.C8), fixed constants per the documented formula.
const (
	weightRole     = 0.40
	weightAvail    = 0.25
	weightAffinity = 0.15
	weightPresence = 0.10
	weightCost     = 0.20
)

// roleMatch returns 1 if the member's role matches the task's role
// hint (or the hint is empty), 0 otherwise.
func roleMatch(role, hint string) float64 {
	if hint == "" || hint == role {
		return 1
	}
	return 0
}

// availability returns 1 if idle, 0.5 if running exactly one task, 0
// if at or over the per-member cap of 2 concurrent tasks.
func availability(m Member) float64 {
	switch {
	case m.CurrentTasksCount == 0:
		return 1
	case m.CurrentTasksCount == 1:
		return 0.5
	default:
		return 0
	}
}

// affinity returns 1 if the load-affinity tag appears anywhere in the
// member's recent history, 0 otherwise.
func affinity(history []string, loadAffinity string) float64 {
	if loadAffinity == "" {
		return 0
	}
	for _, h := range history {
		if h == loadAffinity {
			return 1
		}
	}
	return 0
}

func presenceBonus(presence string) float64 {
	if presence == PresenceAvailable || presence == PresenceBusy {
		return 1
	}
	return 0
}

// runningBudgetFraction reports the member's running budget as a
// fraction of the team's global budget ceiling (0 if unset).
func runningBudgetFraction(m Member, globalBudgetTokens int) float64 {
	if globalBudgetTokens <= 0 {
		return 0
	}
	return float64(m.RunningBudget) / float64(globalBudgetTokens)
}

func score(m Member, entry QueueEntry, globalBudgetTokens int) float64 {
	return weightRole*roleMatch(m.Role, entry.RoleHint) +
		weightAvail*availability(m) +
		weightAffinity*affinity(m.RecentHistory, entry.LoadAffinity) +
		weightPresence*presenceBonus(m.Presence) -
		weightCost*runningBudgetFraction(m, globalBudgetTokens)
}

// AssignOpts mirrors team_assign_next's optional fields (§4.C8).
type AssignOpts struct {
	Assignee string
}

// Assignment is what team_assign_next returns: the task now claimed,
// the member it was given to, and the spawned worker's task id.
type Assignment struct {
	Task       task.Record `json:"task"`
	Assignee   string      `json:"assignee"`
	WorkerTask string      `json:"worker_task_id"`
	Warning    string      `json:"warning,omitempty"`
}

// AssignNext implements team_assign_next: scores every member against
// the oldest eligible queued task, breaks ties by lowest
// current_tasks_count then lexicographic name, and on selection writes
// the task's assignee, transitions it to claimed, spawns the worker
// with policy defaults, and dequeues the entry.
func (d *Dispatcher) AssignNext(teamName string, o AssignOpts) (Assignment, error) {
	rec, err := d.GetTeam(teamName)
	if err != nil {
		return Assignment{}, err
	}
	if len(rec.Queue) == 0 {
		return Assignment{}, ErrNoEligibleTask
	}
	if len(rec.Members) == 0 {
		return Assignment{}, ErrNoMembers
	}
	entry := rec.Queue[0]

	var assignee string
	if o.Assignee != "" {
		if !hasMember(rec.Members, o.Assignee) {
			return Assignment{}, ErrAssigneeNotFound
		}
		assignee = o.Assignee
	} else {
		assignee = bestMember(rec.Members, entry, rec.Policy.GlobalBudgetTokens)
	}

	taskRec, err := d.Tasks.UpdateTask(entry.TaskID, task.UpdateOpts{Assignee: &assignee})
	if err != nil {
		return Assignment{}, err
	}
	taskRec, err = d.Tasks.Transition(entry.TaskID, task.StatusClaimed, assignee, "assigned by team_assign_next")
	if err != nil {
		return Assignment{}, err
	}

	workerTaskID := ""
	spawnedBudget := 0
	var warning string
	if d.Worker != nil {
		opts := spawnOptsFromPolicy(rec.Policy, teamName, entry)

		// Durable budget pre-check (§4.C4/§5): backstops worker.BudgetCheck's
		// live-process view with the persisted ledger, which survives a
		// crash between spawns. Team-scoped first, then fleet-wide.
		if d.Budget != nil && opts.BudgetTokens > 0 {
			teamTotal, err := d.Budget.TeamTotal(teamName)
			if err != nil {
				return Assignment{}, err
			}
			w, err := d.Budget.CheckEnforce(rec.Policy.BudgetPolicy, teamTotal, opts.BudgetTokens, rec.Policy.BudgetTokens)
			if err != nil {
				return Assignment{}, err
			}
			if w != "" {
				warning = w
			}
			globalTotal, err := d.Budget.GlobalTotal()
			if err != nil {
				return Assignment{}, err
			}
			w, err = d.Budget.CheckEnforce(rec.Policy.GlobalBudgetPolicy, globalTotal, opts.BudgetTokens, rec.Policy.GlobalBudgetTokens)
			if err != nil {
				return Assignment{}, err
			}
			if w != "" {
				warning = w
			}
		}

		meta, err := d.Worker.Spawn("", entry.Dispatch.Directory, entry.Dispatch.Prompt, opts)
		if err != nil {
			return Assignment{}, err
		}
		workerTaskID = meta.TaskID
		spawnedBudget = opts.BudgetTokens
	}

	// Charge the ledger before the team file lock is taken, so a second
	// lock is never held while the first is still open (§5).
	newRunningBudget := -1
	if d.Budget != nil && spawnedBudget > 0 {
		if err := d.Budget.Record(teamName, assignee, spawnedBudget); err != nil {
			return Assignment{}, err
		}
		if total, err := d.Budget.MemberTotal(teamName, assignee); err == nil {
			newRunningBudget = total
		}
	}

	err = fsutil.WithLockedJSON(d.Layout.TeamFile(teamName), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTeamNotFound
		}
		rec.Queue = removeQueueEntry(rec.Queue, entry.TaskID)
		for i := range rec.Members {
			if rec.Members[i].Name == assignee {
				rec.Members[i].TaskID = entry.TaskID
				rec.Members[i].CurrentTasksCount++
				if newRunningBudget >= 0 {
					rec.Members[i].RunningBudget = newRunningBudget
				}
			}
		}
		rec.UpdatedAt = Clock().UTC()
		return true, nil
	})
	if err != nil {
		return Assignment{}, err
	}

	return Assignment{Task: taskRec, Assignee: assignee, WorkerTask: workerTaskID, Warning: warning}, nil
}

func hasMember(members []Member, name string) bool {
	for _, m := range members {
		if m.Name == name {
			return true
		}
	}
	return false
}

func bestMember(members []Member, entry QueueEntry, globalBudgetTokens int) string {
	sorted := append([]Member{}, members...)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := score(sorted[i], entry, globalBudgetTokens), score(sorted[j], entry, globalBudgetTokens)
		if si != sj {
			return si > sj
		}
		if sorted[i].CurrentTasksCount != sorted[j].CurrentTasksCount {
			return sorted[i].CurrentTasksCount < sorted[j].CurrentTasksCount
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0].Name
}

func removeQueueEntry(queue []QueueEntry, taskID string) []QueueEntry {
	out := make([]QueueEntry, 0, len(queue))
	for _, e := range queue {
		if e.TaskID != taskID {
			out = append(out, e)
		}
	}
	return out
}

func spawnOptsFromPolicy(p Policy, teamName string, entry QueueEntry) worker.SpawnOpts {
	return worker.SpawnOpts{
		Mode:               p.DefaultMode,
		Runtime:            p.DefaultRuntime,
		PermissionMode:     p.PermissionMode,
		RequirePlan:        p.RequirePlan,
		ContextLevel:       p.DefaultContextLevel,
		BudgetPolicy:       p.BudgetPolicy,
		BudgetTokens:       p.BudgetTokens,
		GlobalBudgetPolicy: p.GlobalBudgetPolicy,
		GlobalBudgetTokens: p.GlobalBudgetTokens,
		MaxActiveWorkers:   p.MaxActiveWorkers,
		TeamName:           teamName,
		Isolate:            p.DefaultIsolate,
		Files:              entry.Files,
	}
}

// RebalanceOpts mirrors team_rebalance's fields (§4.C8).
type RebalanceOpts struct {
	Limit        int
	Apply        bool
	DispatchNext bool
}

// MaxRebalanceLimit caps team_rebalance's scope per call (§4.C8).
const MaxRebalanceLimit = 50

// Proposal is one recommended (or applied) reassignment from
// team_rebalance.
type Proposal struct {
	TaskID       string `json:"task_id"`
	FromAssignee string `json:"from_assignee,omitempty"`
	ToAssignee   string `json:"to_assignee"`
	Applied      bool   `json:"applied"`
}

// RebalanceResult is the output of team_rebalance.
type RebalanceResult struct {
	Proposals  []Proposal  `json:"proposals"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

// Rebalance implements team_rebalance: re-scores queued tasks (not
// in_progress tasks — those reassignments are only ever proposed, per
// §4.C7's reassign_task requiring human approval) and, unless
// apply=false, writes the proposed assignee directly onto the task
// record without transitioning its status.
func (d *Dispatcher) Rebalance(teamName string, o RebalanceOpts) (RebalanceResult, error) {
	rec, err := d.GetTeam(teamName)
	if err != nil {
		return RebalanceResult{}, err
	}
	limit := o.Limit
	if limit <= 0 || limit > MaxRebalanceLimit {
		limit = MaxRebalanceLimit
	}

	var result RebalanceResult
	for i, entry := range rec.Queue {
		if i >= limit {
			break
		}
		if len(rec.Members) == 0 {
			break
		}
		best := bestMember(rec.Members, entry, rec.Policy.GlobalBudgetTokens)
		taskRec, err := d.Tasks.GetTask(entry.TaskID)
		if err != nil {
			continue
		}
		if taskRec.Status == task.StatusInProgress {
			// In-progress reassignment is recommend-only (§4.C7).
			if taskRec.Assignee != best {
				result.Proposals = append(result.Proposals, Proposal{
					TaskID: entry.TaskID, FromAssignee: taskRec.Assignee, ToAssignee: best, Applied: false,
				})
			}
			continue
		}
		if taskRec.Assignee == best {
			continue
		}
		proposal := Proposal{TaskID: entry.TaskID, FromAssignee: taskRec.Assignee, ToAssignee: best}
		if o.Apply {
			assignee := best
			if _, err := d.Tasks.UpdateTask(entry.TaskID, task.UpdateOpts{Assignee: &assignee}); err != nil {
				return RebalanceResult{}, err
			}
			proposal.Applied = true
		}
		result.Proposals = append(result.Proposals, proposal)
	}

	if o.DispatchNext {
		assignment, err := d.AssignNext(teamName, AssignOpts{})
		if err != nil && err != ErrNoEligibleTask {
			return RebalanceResult{}, err
		}
		if err == nil {
			result.Assignment = &assignment
		}
	}
	return result, nil
}

var (
	statusHeader = lipgloss.NewStyle().Bold(true)
	statusDim    = lipgloss.NewStyle().Faint(true)
)

// StatusCompact implements team_status_compact (§4.C8): a single text
// block with members and their presence/load, queue depth, top
// blockers, and the active policy summary. Uses lipgloss the same way
// the terminal table renderer in this tree's style package does —
// styled headers, plain-padded columns.
func (d *Dispatcher) StatusCompact(teamName string) (string, error) {
	rec, err := d.GetTeam(teamName)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", statusHeader.Render(fmt.Sprintf("team %s", rec.TeamName)))
	if rec.Description != "" {
		fmt.Fprintf(&b, "%s\n", statusDim.Render(rec.Description))
	}
	fmt.Fprintf(&b, "\n%s\n", statusHeader.Render("members"))
	for _, m := range rec.Members {
		presence := m.Presence
		if presence == "" {
			presence = "unknown"
		}
		fmt.Fprintf(&b, "  %-16s role=%-12s presence=%-10s tasks=%d task=%s\n",
			m.Name, m.Role, presence, m.CurrentTasksCount, m.TaskID)
	}

	blockedCount := 0
	for _, entry := range rec.Queue {
		taskRec, err := d.Tasks.GetTask(entry.TaskID)
		if err == nil && taskRec.Status == task.StatusBlocked {
			blockedCount++
		}
	}
	fmt.Fprintf(&b, "\n%s\n", statusHeader.Render("queue"))
	fmt.Fprintf(&b, "  depth=%d blocked=%d\n", len(rec.Queue), blockedCount)

	fmt.Fprintf(&b, "\n%s\n", statusHeader.Render("policy"))
	fmt.Fprintf(&b, "  mode=%s runtime=%s budget_policy=%s budget_tokens=%d max_active_workers=%d\n",
		rec.Policy.DefaultMode, rec.Policy.DefaultRuntime, rec.Policy.BudgetPolicy,
		rec.Policy.BudgetTokens, rec.Policy.MaxActiveWorkers)

	return b.String(), nil
}
