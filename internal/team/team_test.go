package team

import (
	"errors"
	"testing"

	"github.com/sessionmesh/coordinator/internal/conflict"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
	"github.com/sessionmesh/coordinator/internal/task"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/worker"
)

type fakeOS struct {
	pid int
}

func (f *fakeOS) OpenTerminal(command []string, dir, layout string) (string, error) {
	return "background", nil
}
func (f *fakeOS) SpawnDetached(command []string, dir, logPath string) (int, error) {
	f.pid++
	return f.pid, nil
}
func (f *fakeOS) InjectText(tty, text string) bool { return true }
func (f *fakeOS) KillProcess(pid int) error        { return nil }
func (f *fakeOS) IsProcessAlive(pid int) bool       { return true }

var _ termcap.Capability = (*fakeOS)(nil)

func newDispatcher(t *testing.T) (*Dispatcher, paths.Layout) {
	t.Helper()
	l := paths.New(t.TempDir())
	tasks := task.New(l, conflict.New(l, session.New(l)))
	workers := &worker.Store{Layout: l, OS: &fakeOS{}}
	return New(l, tasks, workers), l
}

func TestCreateTeamAppliesPresetWhenPolicyUnset(t *testing.T) {
	d, _ := newDispatcher(t)
	rec, err := d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Preset: PresetStrict})
	if err != nil {
		t.Fatalf("CreateOrUpdateTeam: %v", err)
	}
	if rec.Policy.BudgetPolicy != "enforce" || rec.Policy.MaxActiveWorkers != 3 {
		t.Errorf("Policy = %+v, want strict preset", rec.Policy)
	}
}

func TestCreateTeamExplicitPolicyOverridesPreset(t *testing.T) {
	d, _ := newDispatcher(t)
	rec, err := d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Preset: PresetStrict,
		Policy: &Policy{DefaultMode: "interactive", MaxActiveWorkers: 9},
	})
	if err != nil {
		t.Fatalf("CreateOrUpdateTeam: %v", err)
	}
	if rec.Policy.DefaultMode != "interactive" || rec.Policy.MaxActiveWorkers != 9 {
		t.Errorf("Policy = %+v, want explicit override", rec.Policy)
	}
}

func TestCreateTeamUnknownPresetErrors(t *testing.T) {
	d, _ := newDispatcher(t)
	if _, err := d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Preset: "bogus"}); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("err = %v, want ErrUnknownPreset", err)
	}
}

func TestCreateTeamUpsertsMembersByName(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Members: []Member{
		{Name: "alice", Role: "implementer"},
		{Name: "bob", Role: "reviewer"},
	}})
	rec, err := d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Members: []Member{
		{Name: "alice", Role: "planner"},
	}})
	if err != nil {
		t.Fatalf("CreateOrUpdateTeam: %v", err)
	}
	if len(rec.Members) != 2 {
		t.Fatalf("Members = %+v, want 2 entries (upsert, not append)", rec.Members)
	}
	for _, m := range rec.Members {
		if m.Name == "alice" && m.Role != "planner" {
			t.Errorf("alice.Role = %q, want planner (updated)", m.Role)
		}
	}
}

func TestQueueTaskCreatesTaskAndAppendsQueueEntry(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{})
	taskRec, err := d.QueueTask("core", "implement widget", "please implement the widget", QueueTaskOpts{
		RoleHint: "implementer",
	})
	if err != nil {
		t.Fatalf("QueueTask: %v", err)
	}
	if taskRec.TeamName != "core" || taskRec.Status != task.StatusPending {
		t.Errorf("task record = %+v", taskRec)
	}

	rec, err := d.GetTeam("core")
	if err != nil {
		t.Fatalf("GetTeam: %v", err)
	}
	if len(rec.Queue) != 1 || rec.Queue[0].TaskID != taskRec.TaskID {
		t.Errorf("Queue = %+v", rec.Queue)
	}
}

func TestAssignNextPicksHigherAvailabilityMember(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe},
		Members: []Member{
			{Name: "busy-bob", Role: "implementer", CurrentTasksCount: 2},
			{Name: "idle-alice", Role: "implementer", CurrentTasksCount: 0},
		},
	})
	if _, err := d.QueueTask("core", "subject", "prompt", QueueTaskOpts{RoleHint: "implementer"}); err != nil {
		t.Fatalf("QueueTask: %v", err)
	}

	assignment, err := d.AssignNext("core", AssignOpts{})
	if err != nil {
		t.Fatalf("AssignNext: %v", err)
	}
	if assignment.Assignee != "idle-alice" {
		t.Errorf("Assignee = %q, want idle-alice (fully available)", assignment.Assignee)
	}
	if assignment.Task.Status != task.StatusClaimed {
		t.Errorf("Task.Status = %q, want claimed", assignment.Task.Status)
	}
	if assignment.WorkerTask == "" {
		t.Error("WorkerTask is empty, want a spawned worker task id")
	}

	rec, _ := d.GetTeam("core")
	if len(rec.Queue) != 0 {
		t.Errorf("Queue = %+v, want dequeued", rec.Queue)
	}
	for _, m := range rec.Members {
		if m.Name == "idle-alice" && m.CurrentTasksCount != 1 {
			t.Errorf("idle-alice.CurrentTasksCount = %d, want 1", m.CurrentTasksCount)
		}
	}
}

func TestAssignNextAccumulatesRunningBudget(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe, BudgetTokens: 500},
		Members: []Member{
			{Name: "alice", Role: "implementer"},
		},
	})
	d.QueueTask("core", "first", "prompt one", QueueTaskOpts{RoleHint: "implementer"})
	if _, err := d.AssignNext("core", AssignOpts{}); err != nil {
		t.Fatalf("AssignNext: %v", err)
	}
	d.QueueTask("core", "second", "prompt two", QueueTaskOpts{RoleHint: "implementer"})
	if _, err := d.AssignNext("core", AssignOpts{}); err != nil {
		t.Fatalf("second AssignNext: %v", err)
	}

	rec, _ := d.GetTeam("core")
	var alice Member
	for _, m := range rec.Members {
		if m.Name == "alice" {
			alice = m
		}
	}
	if alice.RunningBudget != 1000 {
		t.Errorf("alice.RunningBudget = %d, want 1000 (two spawns at 500 each)", alice.RunningBudget)
	}

	total, err := d.Budget.TeamTotal("core")
	if err != nil {
		t.Fatalf("Budget.TeamTotal: %v", err)
	}
	if total != 1000 {
		t.Errorf("Budget.TeamTotal = %d, want 1000", total)
	}
}

func TestAssignNextEnforcePolicyRejectsOverTeamBudget(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe, BudgetPolicy: "enforce", BudgetTokens: 500},
		Members: []Member{
			{Name: "alice", Role: "implementer"},
		},
	})
	d.QueueTask("core", "first", "prompt one", QueueTaskOpts{RoleHint: "implementer"})
	if _, err := d.AssignNext("core", AssignOpts{}); err != nil {
		t.Fatalf("first AssignNext: %v", err)
	}

	d.QueueTask("core", "second", "prompt two", QueueTaskOpts{RoleHint: "implementer"})
	if _, err := d.AssignNext("core", AssignOpts{}); err == nil {
		t.Fatal("second AssignNext = nil, want a budget-exceeded error (team ledger already at 500/500)")
	}
}

func TestAssignNextWarnPolicyReturnsWarningNotError(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe, BudgetPolicy: "warn", BudgetTokens: 500},
		Members: []Member{
			{Name: "alice", Role: "implementer"},
		},
	})
	d.QueueTask("core", "first", "prompt one", QueueTaskOpts{RoleHint: "implementer"})
	if _, err := d.AssignNext("core", AssignOpts{}); err != nil {
		t.Fatalf("first AssignNext: %v", err)
	}

	d.QueueTask("core", "second", "prompt two", QueueTaskOpts{RoleHint: "implementer"})
	assignment, err := d.AssignNext("core", AssignOpts{})
	if err != nil {
		t.Fatalf("second AssignNext: %v", err)
	}
	if assignment.Warning == "" {
		t.Error("Warning = \"\", want a budget warning once the team ledger exceeds its limit")
	}
}

func TestAssignNextOptsAssigneeBypassesScoring(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe},
		Members: []Member{
			{Name: "alice", CurrentTasksCount: 0},
			{Name: "bob", CurrentTasksCount: 0},
		},
	})
	d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})

	assignment, err := d.AssignNext("core", AssignOpts{Assignee: "bob"})
	if err != nil {
		t.Fatalf("AssignNext: %v", err)
	}
	if assignment.Assignee != "bob" {
		t.Errorf("Assignee = %q, want bob (explicit opts.assignee)", assignment.Assignee)
	}
}

func TestAssignNextRejectsUnknownAssignee(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Members: []Member{{Name: "alice"}}})
	d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})

	if _, err := d.AssignNext("core", AssignOpts{Assignee: "ghost"}); err != ErrAssigneeNotFound {
		t.Errorf("err = %v, want ErrAssigneeNotFound", err)
	}
}

func TestAssignNextNoQueuedTasks(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{Members: []Member{{Name: "alice"}}})
	if _, err := d.AssignNext("core", AssignOpts{}); err != ErrNoEligibleTask {
		t.Errorf("err = %v, want ErrNoEligibleTask", err)
	}
}

func TestRebalanceProposesWithoutApplying(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe},
		Members: []Member{
			{Name: "busy", CurrentTasksCount: 2},
			{Name: "free", CurrentTasksCount: 0},
		},
	})
	taskRec, err := d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})
	if err != nil {
		t.Fatalf("QueueTask: %v", err)
	}
	assignee := "busy"
	if _, err := d.Tasks.UpdateTask(taskRec.TaskID, task.UpdateOpts{Assignee: &assignee}); err != nil {
		t.Fatalf("seed assignee: %v", err)
	}

	result, err := d.Rebalance("core", RebalanceOpts{Apply: false})
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(result.Proposals) != 1 || result.Proposals[0].ToAssignee != "free" || result.Proposals[0].Applied {
		t.Errorf("Proposals = %+v", result.Proposals)
	}

	current, err := d.Tasks.GetTask(taskRec.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if current.Assignee != "busy" {
		t.Errorf("Assignee = %q, want unchanged (apply=false)", current.Assignee)
	}
}

func TestRebalanceAppliesWhenRequested(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe},
		Members: []Member{
			{Name: "busy", CurrentTasksCount: 2},
			{Name: "free", CurrentTasksCount: 0},
		},
	})
	taskRec, _ := d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})
	assignee := "busy"
	d.Tasks.UpdateTask(taskRec.TaskID, task.UpdateOpts{Assignee: &assignee})

	if _, err := d.Rebalance("core", RebalanceOpts{Apply: true}); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}

	current, err := d.Tasks.GetTask(taskRec.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if current.Assignee != "free" {
		t.Errorf("Assignee = %q, want free (applied)", current.Assignee)
	}
}

func TestRebalanceNeverAutoAppliesInProgressReassignment(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Policy: &Policy{DefaultMode: worker.ModePipe},
		Members: []Member{
			{Name: "busy", CurrentTasksCount: 2},
			{Name: "free", CurrentTasksCount: 0},
		},
	})
	taskRec, _ := d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})
	assignee := "busy"
	d.Tasks.UpdateTask(taskRec.TaskID, task.UpdateOpts{Assignee: &assignee})
	d.Tasks.Transition(taskRec.TaskID, task.StatusClaimed, "busy", "")
	d.Tasks.Transition(taskRec.TaskID, task.StatusInProgress, "busy", "")

	result, err := d.Rebalance("core", RebalanceOpts{Apply: true})
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(result.Proposals) != 1 || result.Proposals[0].Applied {
		t.Errorf("Proposals = %+v, want one unapplied recommendation", result.Proposals)
	}

	current, err := d.Tasks.GetTask(taskRec.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if current.Assignee != "busy" {
		t.Errorf("Assignee = %q, want unchanged (in_progress reassignment never auto-applies)", current.Assignee)
	}
}

func TestStatusCompactIncludesMembersQueueAndPolicy(t *testing.T) {
	d, _ := newDispatcher(t)
	d.CreateOrUpdateTeam("core", CreateOrUpdateOpts{
		Preset:      PresetSimple,
		Description: "the core team",
		Members:     []Member{{Name: "alice", Role: "implementer", Presence: PresenceAvailable}},
	})
	d.QueueTask("core", "subject", "prompt", QueueTaskOpts{})

	out, err := d.StatusCompact("core")
	if err != nil {
		t.Fatalf("StatusCompact: %v", err)
	}
	for _, want := range []string{"team core", "alice", "depth=1", "mode=pipe"} {
		if !contains(out, want) {
			t.Errorf("StatusCompact output missing %q:\n%s", want, out)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
