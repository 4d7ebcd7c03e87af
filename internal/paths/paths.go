// Package paths defines the typed directory layout the coordinator persists
// state under (§6.2 of the spec) and resolves it from STATE_ROOT.
package paths

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultDirName is appended to the user's home directory when STATE_ROOT
// is not set.
const DefaultDirName = ".claude/terminals"

// Layout resolves every path the coordinator reads or writes under a single
// root directory.
type Layout struct {
	Root string
}

// Resolve returns a Layout rooted at STATE_ROOT, or ${HOME}/.claude/terminals
// if unset.
func Resolve() Layout {
	if root := os.Getenv("STATE_ROOT"); root != "" {
		return Layout{Root: root}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Layout{Root: filepath.Join(home, DefaultDirName)}
}

// New returns a Layout rooted at an explicit directory, for tests and
// tools that don't want to touch STATE_ROOT.
func New(root string) Layout { return Layout{Root: root} }

func (l Layout) ActivityLog() string       { return filepath.Join(l.Root, "activity.jsonl") }
func (l Layout) Queue() string             { return filepath.Join(l.Root, "queue.jsonl") }
func (l Layout) Conflicts() string         { return filepath.Join(l.Root, "conflicts.jsonl") }
func (l Layout) SessionsDir() string       { return l.Root }
func (l Layout) InboxDir() string          { return filepath.Join(l.Root, "inbox") }
func (l Layout) ResultsDir() string        { return filepath.Join(l.Root, "results") }
func (l Layout) TasksDir() string          { return filepath.Join(l.Root, "tasks") }
func (l Layout) HandoffsDir() string       { return filepath.Join(l.Root, "tasks", "handoffs") }
func (l Layout) TeamsDir() string          { return filepath.Join(l.Root, "teams") }
func (l Layout) ContextDir() string        { return filepath.Join(l.Root, "context") }
func (l Layout) BudgetDir() string         { return filepath.Join(l.Root, "budget") }
func (l Layout) RuntimeDir() string        { return filepath.Join(l.Root, ".runtime") }
func (l Layout) NudgeQueueDir() string     { return filepath.Join(l.Root, ".runtime", "nudge_queue") }
func (l Layout) AnnouncementsFile() string { return filepath.Join(l.Root, "announcements.jsonl") }

// SessionFile returns the path to a session's JSON record.
func (l Layout) SessionFile(id string) string {
	return filepath.Join(l.SessionsDir(), "session-"+id+".json")
}

// InboxFile returns the path to a recipient's inbox JSONL file.
func (l Layout) InboxFile(recipient string) string {
	return filepath.Join(l.InboxDir(), recipient+".jsonl")
}

// AnnouncementCursorsFile returns the path to a team's sticky-announcement
// ack-cursor file.
func (l Layout) AnnouncementCursorsFile(team string) string {
	return filepath.Join(l.ContextDir(), team, "announcement-cursors.json")
}

// WorkerMeta, WorkerLog, WorkerPID, WorkerPrompt, WorkerDone return the four
// (plus prompt) artifact paths for a worker task id (§3.5, §6.2).
func (l Layout) WorkerMeta(taskID string) string {
	return filepath.Join(l.ResultsDir(), taskID+".meta.json")
}
func (l Layout) WorkerDone(taskID string) string {
	return filepath.Join(l.ResultsDir(), taskID+".meta.json.done")
}
func (l Layout) WorkerLog(taskID string) string {
	return filepath.Join(l.ResultsDir(), taskID+".txt")
}
func (l Layout) WorkerPID(taskID string) string {
	return filepath.Join(l.ResultsDir(), taskID+".pid")
}
func (l Layout) WorkerPrompt(taskID string) string {
	return filepath.Join(l.ResultsDir(), taskID+".prompt")
}

// PipelineDir, PipelineMeta, PipelineLog, PipelineDone return pipeline
// artifact paths (§3.6).
func (l Layout) PipelineDir(pipelineID string) string {
	return filepath.Join(l.ResultsDir(), pipelineID)
}
func (l Layout) PipelineMeta(pipelineID string) string {
	return filepath.Join(l.PipelineDir(pipelineID), "pipeline.meta.json")
}
func (l Layout) PipelineLog(pipelineID string) string {
	return filepath.Join(l.PipelineDir(pipelineID), "pipeline.log")
}
func (l Layout) PipelineDone(pipelineID string) string {
	return filepath.Join(l.PipelineDir(pipelineID), "pipeline.done")
}
func (l Layout) PipelineStepPrompt(pipelineID string, step int, slug string) string {
	return filepath.Join(l.PipelineDir(pipelineID), stepPrefix(step, slug)+".prompt")
}
func (l Layout) PipelineStepLog(pipelineID string, step int, slug string) string {
	return filepath.Join(l.PipelineDir(pipelineID), stepPrefix(step, slug)+".txt")
}

func stepPrefix(step int, slug string) string {
	return strconv.Itoa(step) + "-" + slug
}

// TaskFile returns the path to a task's JSON record.
func (l Layout) TaskFile(taskID string) string {
	return filepath.Join(l.TasksDir(), taskID+".json")
}

// HandoffFile returns the path to a reassignment handoff snapshot.
func (l Layout) HandoffFile(taskID, ts string) string {
	return filepath.Join(l.HandoffsDir(), taskID+"-"+ts+".json")
}

// TeamFile returns the path to a team's JSON record.
func (l Layout) TeamFile(teamName string) string {
	return filepath.Join(l.TeamsDir(), teamName+".json")
}

// ContextKeyFile returns the path to a team's context markdown blob.
func (l Layout) ContextKeyFile(team, key string) string {
	return filepath.Join(l.ContextDir(), team, key+".md")
}

// LeadContextFile returns the path to a team's exported lead context.
func (l Layout) LeadContextFile(team string) string {
	return filepath.Join(l.ContextDir(), team, "lead-context.md")
}

// BudgetLedgerFile returns the path to a team's token-spend ledger.
func (l Layout) BudgetLedgerFile(team string) string {
	return filepath.Join(l.BudgetDir(), team+".json")
}

// LockFile returns the sibling lock file path for a given target file,
// used by fsutil for exclusive read-modify-write cycles.
func LockFile(target string) string {
	return target + ".lock"
}

// EnsureDirs creates every top-level directory in the layout with
// restrictive permissions (0700), per §4.C1.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Root,
		l.InboxDir(),
		l.ResultsDir(),
		l.TasksDir(),
		l.HandoffsDir(),
		l.TeamsDir(),
		l.ContextDir(),
		l.BudgetDir(),
		l.RuntimeDir(),
		l.NudgeQueueDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
