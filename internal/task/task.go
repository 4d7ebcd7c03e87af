// Package task implements the Task Board (§3.7, §4.C7): a per-task JSON
// record with an explicit status state machine, a `blocked_by`/`blocks`
// dependency graph kept cycle-free by DFS, reassignment handoff
// snapshots, an append-only audit trail, and quality-gate evaluation.
package task

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sessionmesh/coordinator/internal/conflict"
	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/paths"
)

// Status ladder (§3.7, §4.C7). Some states are reachable only via the
// transitions diagrammed in §4.C7, not by direct assignment.
const (
	StatusPending          = "pending"
	StatusClaimed          = "claimed"
	StatusInProgress       = "in_progress"
	StatusBlocked          = "blocked"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusCancelled        = "cancelled"
)

// Priority values (§3.7), ordered low to high for list_tasks sorting.
// This vocabulary is distinct from an inbox message's normal/urgent
// priority (§3.3) — the two are never compared against each other.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var priorityRank = map[string]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityCritical: 3,
}

func rankOf(p string) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// validTransitions enumerates the state machine of §4.C7. The diagram's
// claim/start staging is the path a dispatched worker walks (team_assign_next
// moves a task to claimed, the worker's own progress moves it on to
// in_progress); update_task's direct status-set additionally allows pending
// to jump straight to in_progress or completed, since a task that was never
// claimed through the dispatcher (created and driven entirely by
// update_task) has no other way to reach them. A transition not listed here
// (and not a same-state no-op) is rejected.
var validTransitions = map[string][]string{
	StatusPending:          {StatusClaimed, StatusInProgress, StatusAwaitingApproval, StatusCompleted, StatusCancelled},
	StatusClaimed:          {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusCompleted, StatusBlocked, StatusCancelled},
	StatusBlocked:          {StatusInProgress, StatusCancelled},
	StatusAwaitingApproval: {StatusPending, StatusCancelled},
	StatusCompleted:        {},
	StatusCancelled:        {},
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AcceptanceCriterion is one quality-gate line item (§3.7).
type AcceptanceCriterion struct {
	Text      string `json:"text"`
	Satisfied bool   `json:"satisfied"`
}

// AuditEntry is one line of a task's append-only audit trail (§4.C7
// step 3, §7).
type AuditEntry struct {
	TS      time.Time              `json:"ts"`
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Actor   string                 `json:"actor,omitempty"`
	Note    string                 `json:"note,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Record is the on-disk shape of tasks/<task_id>.json (§3.7).
type Record struct {
	TaskID             string                 `json:"task_id"`
	Subject            string                 `json:"subject"`
	Description        string                 `json:"description,omitempty"`
	Status             string                 `json:"status"`
	Assignee           string                 `json:"assignee,omitempty"`
	TeamName           string                 `json:"team_name,omitempty"`
	Priority           string                 `json:"priority,omitempty"`
	Files              []string               `json:"files,omitempty"`
	BlockedBy          []string               `json:"blocked_by,omitempty"`
	Blocks             []string               `json:"blocks,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Audit              []AuditEntry           `json:"audit,omitempty"`
	ApprovalRequired   bool                   `json:"approval_required,omitempty"`
	ApprovedBy         string                 `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time             `json:"approved_at,omitempty"`
	RejectedFeedback   string                 `json:"rejected_feedback,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion  `json:"acceptance_criteria,omitempty"`
}

// Clock is overridable in tests.
var Clock = time.Now

// Board is the Task Board bound to a state root.
type Board struct {
	Layout   paths.Layout
	Conflict *conflict.Detector
}

func New(l paths.Layout, c *conflict.Detector) *Board {
	return &Board{Layout: l, Conflict: c}
}

// Errors returned by Board operations.
var (
	ErrTaskNotFound        = fmt.Errorf("task not found")
	ErrSubjectRequired     = fmt.Errorf("task: subject is required")
	ErrCyclicDependency    = fmt.Errorf("task: would create a cyclic blocked_by dependency")
	ErrIllegalTransition   = fmt.Errorf("task: illegal status transition")
	ErrBlockersUnresolved  = fmt.Errorf("task: blocked_by tasks are not all completed/cancelled")
	ErrNotInProgress       = fmt.Errorf("task: reassign_task is only legal while in_progress")
	ErrNotAwaitingApproval = fmt.Errorf("task: approve_plan/reject_plan require awaiting_approval")
)

// CreateOpts mirrors create_task's optional fields (§4.C7).
type CreateOpts struct {
	TaskID           string
	Assignee         string
	Priority         string
	Files            []string
	BlockedBy        []string
	TeamName         string
	Metadata         map[string]interface{}
	ApprovalRequired bool
}

// CreateTask implements create_task (§4.C7).
func (b *Board) CreateTask(subject, description string, o CreateOpts) (Record, error) {
	if subject == "" {
		return Record{}, ErrSubjectRequired
	}
	taskID := o.TaskID
	if taskID == "" {
		taskID = ids.NewTaskID()
	}
	if err := ids.Validate("task_id", taskID); err != nil {
		return Record{}, err
	}
	priority := o.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	now := Clock().UTC()
	rec := Record{
		TaskID:           taskID,
		Subject:          subject,
		Description:      description,
		Status:           StatusPending,
		Assignee:         o.Assignee,
		TeamName:         o.TeamName,
		Priority:         priority,
		Files:            o.Files,
		BlockedBy:        o.BlockedBy,
		Metadata:         o.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
		ApprovalRequired: o.ApprovalRequired,
		Audit:            []AuditEntry{{TS: now, From: "", To: StatusPending}},
	}

	if len(rec.BlockedBy) > 0 {
		if err := b.checkNoCycle(taskID, rec.BlockedBy); err != nil {
			return Record{}, err
		}
	}

	if err := fsutil.WriteJSON(b.Layout.TaskFile(taskID), rec); err != nil {
		return Record{}, err
	}
	if err := b.addInverseBlocksEdges(taskID, rec.BlockedBy); err != nil {
		return Record{}, err
	}
	_ = eventlog.Emit(b.Layout.ActivityLog(), "TaskStatusChanged", map[string]interface{}{
		"task_id": taskID, "from": "", "to": StatusPending,
	})
	return rec, nil
}

// addInverseBlocksEdges appends taskID to blocks[] on every task it is
// blocked by (§3.7 invariant: blocked_by/blocks are inverse edges).
func (b *Board) addInverseBlocksEdges(taskID string, blockedBy []string) error {
	for _, other := range blockedBy {
		var rec Record
		err := fsutil.WithLockedJSON(b.Layout.TaskFile(other), &rec, func(found bool) (bool, error) {
			if !found {
				return false, nil
			}
			if containsString(rec.Blocks, taskID) {
				return false, nil
			}
			rec.Blocks = append(rec.Blocks, taskID)
			rec.UpdatedAt = Clock().UTC()
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

// GetTask returns the full record for taskID.
func (b *Board) GetTask(taskID string) (Record, error) {
	var rec Record
	found, err := fsutil.ReadJSON(b.Layout.TaskFile(taskID), &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrTaskNotFound
	}
	return rec, nil
}

// checkNoCycle runs a DFS from each proposed new blocked_by target to
// ensure none of them can already reach taskID (§3.7 invariant, §4.C7
// update_task step).
func (b *Board) checkNoCycle(taskID string, newBlockedBy []string) error {
	for _, target := range newBlockedBy {
		if target == taskID {
			return ErrCyclicDependency
		}
		reaches, err := b.canReach(target, taskID, map[string]bool{})
		if err != nil {
			return err
		}
		if reaches {
			return ErrCyclicDependency
		}
	}
	return nil
}

// canReach reports whether from's blocked_by graph can reach target,
// following blocked_by edges (from depends on its blockers).
func (b *Board) canReach(from, target string, visited map[string]bool) (bool, error) {
	if from == target {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true
	rec, err := b.GetTask(from)
	if err == ErrTaskNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, next := range rec.BlockedBy {
		reaches, err := b.canReach(next, target, visited)
		if err != nil {
			return false, err
		}
		if reaches {
			return true, nil
		}
	}
	return false, nil
}

// UpdateOpts mirrors update_task's mutable fields. A nil pointer/slice
// means "leave unchanged"; Metadata entries set to nil delete the key
// (§3.7's merge semantics).
type UpdateOpts struct {
	Subject     *string
	Description *string
	Assignee    *string
	Priority    *string
	Files       []string
	BlockedBy   []string
	Metadata    map[string]interface{}
}

// UpdateTask implements update_task (§4.C7): merges changes, enforces
// the no-cycle invariant on any new blocked_by edges before committing,
// and updates the inverse blocks edges.
func (b *Board) UpdateTask(taskID string, o UpdateOpts) (Record, error) {
	if o.BlockedBy != nil {
		if err := b.checkNoCycle(taskID, o.BlockedBy); err != nil {
			return Record{}, err
		}
	}

	var rec Record
	err := fsutil.WithLockedJSON(b.Layout.TaskFile(taskID), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTaskNotFound
		}
		if o.Subject != nil {
			rec.Subject = *o.Subject
		}
		if o.Description != nil {
			rec.Description = *o.Description
		}
		if o.Assignee != nil {
			rec.Assignee = *o.Assignee
		}
		if o.Priority != nil {
			rec.Priority = *o.Priority
		}
		if o.Files != nil {
			rec.Files = o.Files
		}
		if o.Metadata != nil {
			rec.Metadata = mergeMetadata(rec.Metadata, o.Metadata)
		}
		if o.BlockedBy != nil {
			rec.BlockedBy = o.BlockedBy
		}
		rec.UpdatedAt = Clock().UTC()
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}

	if o.BlockedBy != nil {
		if err := b.addInverseBlocksEdges(taskID, rec.BlockedBy); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// mergeMetadata applies §3.7's merge semantics: a null/nil value for a
// key deletes it; any other value overwrites/adds it.
func mergeMetadata(existing, patch map[string]interface{}) map[string]interface{} {
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range patch {
		if v == nil {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}
	return existing
}

// Transition applies one state-machine move, validating legality,
// blocker resolution for in_progress, and appending the audit entry +
// TaskStatusChanged event (§4.C7).
func (b *Board) Transition(taskID, to, actor, note string) (Record, error) {
	var rec Record
	var from string
	err := fsutil.WithLockedJSON(b.Layout.TaskFile(taskID), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTaskNotFound
		}
		from = rec.Status
		if !transitionAllowed(from, to) {
			return false, ErrIllegalTransition
		}
		if to == StatusInProgress {
			ok, err := b.blockersResolved(rec.BlockedBy)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, ErrBlockersUnresolved
			}
		}
		rec.Status = to
		rec.UpdatedAt = Clock().UTC()
		rec.Audit = append(rec.Audit, AuditEntry{
			TS: rec.UpdatedAt, From: from, To: to, Actor: actor, Note: note,
		})
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	_ = eventlog.Emit(b.Layout.ActivityLog(), "TaskStatusChanged", map[string]interface{}{
		"task_id": taskID, "from": from, "to": to, "actor": actor,
	})
	return rec, nil
}

// blockersResolved reports whether every blocker is completed or
// cancelled (§4.C7 step 2: cancelled blockers do not count against the
// gate).
func (b *Board) blockersResolved(blockedBy []string) (bool, error) {
	for _, id := range blockedBy {
		blocker, err := b.GetTask(id)
		if err == ErrTaskNotFound {
			continue
		}
		if err != nil {
			return false, err
		}
		if blocker.Status != StatusCompleted && blocker.Status != StatusCancelled {
			return false, nil
		}
	}
	return true, nil
}

// Summary is the table row list_tasks returns, with the derived ready
// flag (§4.C7).
type Summary struct {
	Record
	Ready bool `json:"ready"`
}

// ListFilter narrows list_tasks.
type ListFilter struct {
	Status   string
	Assignee string
	TeamName string
}

// ListTasks implements list_tasks: priority desc, then updated_at desc,
// with a derived ready flag (no unmet blockers) per entry.
func (b *Board) ListTasks(filter ListFilter) ([]Summary, error) {
	taskIDs, err := b.allTaskIDs()
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, id := range taskIDs {
		rec, err := b.GetTask(id)
		if err != nil {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Assignee != "" && rec.Assignee != filter.Assignee {
			continue
		}
		if filter.TeamName != "" && rec.TeamName != filter.TeamName {
			continue
		}
		ready, err := b.blockersResolved(rec.BlockedBy)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{Record: rec, Ready: ready})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rankOf(out[i].Priority), rankOf(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// allTaskIDs enumerates tasks/<id>.json, excluding the handoffs
// subdirectory.
func (b *Board) allTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(b.Layout.TasksDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: reading tasks dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

// Handoff is the snapshot written under tasks/handoffs/ on reassignment
// (§4.C7 reassign_task).
type Handoff struct {
	TaskID          string    `json:"task_id"`
	TS              time.Time `json:"ts"`
	FromAssignee    string    `json:"from_assignee"`
	ToAssignee      string    `json:"to_assignee"`
	Reason          string    `json:"reason,omitempty"`
	ProgressContext string    `json:"progress_context,omitempty"`
}

// ReassignTask implements reassign_task (§4.C7): legal only while
// in_progress, writes a handoff snapshot, updates the assignee, and
// appends an audit entry referencing the snapshot file.
func (b *Board) ReassignTask(taskID, newAssignee, reason, progressContext string) (Record, error) {
	var rec Record
	err := fsutil.WithLockedJSON(b.Layout.TaskFile(taskID), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTaskNotFound
		}
		if rec.Status != StatusInProgress {
			return false, ErrNotInProgress
		}
		ts := Clock().UTC()
		handoff := Handoff{
			TaskID: taskID, TS: ts, FromAssignee: rec.Assignee, ToAssignee: newAssignee,
			Reason: reason, ProgressContext: progressContext,
		}
		handoffPath := b.Layout.HandoffFile(taskID, ts.Format("20060102T150405.000000000"))
		if err := fsutil.WriteJSON(handoffPath, handoff); err != nil {
			return false, err
		}
		fromAssignee := rec.Assignee
		rec.Assignee = newAssignee
		rec.UpdatedAt = ts
		rec.Audit = append(rec.Audit, AuditEntry{
			TS: ts, From: rec.Status, To: rec.Status, Actor: fromAssignee,
			Note: reason, Details: map[string]interface{}{
				"reassigned_to": newAssignee, "handoff_file": handoffPath,
			},
		})
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// AuditView is the result of get_task_audit: the chronological audit
// trail plus any referenced handoff snapshots, resolved inline.
type AuditView struct {
	TaskID   string       `json:"task_id"`
	Audit    []AuditEntry `json:"audit"`
	Handoffs []Handoff    `json:"handoffs,omitempty"`
}

// GetTaskAudit implements get_task_audit (§4.C7).
func (b *Board) GetTaskAudit(taskID string) (AuditView, error) {
	rec, err := b.GetTask(taskID)
	if err != nil {
		return AuditView{}, err
	}
	view := AuditView{TaskID: taskID, Audit: rec.Audit}
	for _, entry := range rec.Audit {
		path, ok := entry.Details["handoff_file"].(string)
		if !ok || path == "" {
			continue
		}
		var h Handoff
		if found, err := fsutil.ReadJSON(path, &h); err == nil && found {
			view.Handoffs = append(view.Handoffs, h)
		}
	}
	return view, nil
}

// QualityGateResult is one line of check_quality_gates' report.
type QualityGateResult struct {
	Text      string `json:"text"`
	Satisfied bool   `json:"satisfied"`
}

// QualityReport is the result of check_quality_gates (§4.C7, and a
// supplemented check: file-claim release against the Conflict
// Detector's live-session view before allowing completion).
type QualityReport struct {
	TaskID         string              `json:"task_id"`
	Criteria       []QualityGateResult `json:"criteria"`
	FilesStillHeld []string            `json:"files_still_held,omitempty"`
	Passed         bool                `json:"passed"`
}

// CheckQualityGates implements check_quality_gates: every acceptance
// criterion must be satisfied, and (per the conflict-aware completion
// supplement) none of the task's claimed files may still be held by
// another live session.
func (b *Board) CheckQualityGates(taskID, requestingSession string) (QualityReport, error) {
	rec, err := b.GetTask(taskID)
	if err != nil {
		return QualityReport{}, err
	}
	report := QualityReport{TaskID: taskID, Passed: true}
	for _, c := range rec.AcceptanceCriteria {
		report.Criteria = append(report.Criteria, QualityGateResult{Text: c.Text, Satisfied: c.Satisfied})
		if !c.Satisfied {
			report.Passed = false
		}
	}
	if b.Conflict != nil && len(rec.Files) > 0 {
		conflictReport, err := b.Conflict.Detect(requestingSession, rec.Files)
		if err != nil {
			return QualityReport{}, err
		}
		for _, sc := range conflictReport.SessionConflicts {
			report.FilesStillHeld = append(report.FilesStillHeld, sc.Files...)
		}
		if len(report.FilesStillHeld) > 0 {
			report.Passed = false
		}
	}
	return report, nil
}

// ApprovePlan implements approve_plan (§4.C7): releases a task out of
// awaiting_approval back into pending, stamping approved_by/approved_at
// so a dispatcher can claim it. Only legal from awaiting_approval.
func (b *Board) ApprovePlan(taskID, approver string) (Record, error) {
	var rec Record
	ts := Clock().UTC()
	err := fsutil.WithLockedJSON(b.Layout.TaskFile(taskID), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTaskNotFound
		}
		if rec.Status != StatusAwaitingApproval {
			return false, ErrNotAwaitingApproval
		}
		from := rec.Status
		rec.Status = StatusPending
		rec.ApprovedBy = approver
		rec.ApprovedAt = &ts
		rec.RejectedFeedback = ""
		rec.UpdatedAt = ts
		rec.Audit = append(rec.Audit, AuditEntry{TS: ts, From: from, To: StatusPending, Actor: approver})
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	_ = eventlog.Emit(b.Layout.ActivityLog(), "TaskStatusChanged", map[string]interface{}{
		"task_id": taskID, "from": StatusAwaitingApproval, "to": StatusPending, "actor": approver,
	})
	return rec, nil
}

// RejectPlan implements reject_plan (§4.C7): returns the task to
// pending with feedback recorded, so the assignee can revise and
// resubmit. Only legal from awaiting_approval.
func (b *Board) RejectPlan(taskID, reviewer, feedback string) (Record, error) {
	var rec Record
	ts := Clock().UTC()
	err := fsutil.WithLockedJSON(b.Layout.TaskFile(taskID), &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrTaskNotFound
		}
		if rec.Status != StatusAwaitingApproval {
			return false, ErrNotAwaitingApproval
		}
		from := rec.Status
		rec.Status = StatusPending
		rec.RejectedFeedback = feedback
		rec.UpdatedAt = ts
		rec.Audit = append(rec.Audit, AuditEntry{TS: ts, From: from, To: StatusPending, Actor: reviewer, Note: feedback})
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	_ = eventlog.Emit(b.Layout.ActivityLog(), "TaskStatusChanged", map[string]interface{}{
		"task_id": taskID, "from": StatusAwaitingApproval, "to": StatusPending, "actor": reviewer,
	})
	return rec, nil
}
