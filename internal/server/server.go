// Package server wires every component into the tool-call router and
// runs the stdio JSON-framed request/response loop (§6.1). It owns no
// domain logic itself — each handler decodes its arguments, calls the
// matching package method, and renders the result as JSON text.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sessionmesh/coordinator/internal/auxproc"
	"github.com/sessionmesh/coordinator/internal/budget"
	"github.com/sessionmesh/coordinator/internal/conflict"
	"github.com/sessionmesh/coordinator/internal/eventlog"
	ctxstore "github.com/sessionmesh/coordinator/internal/context"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/mailbox"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/pipeline"
	"github.com/sessionmesh/coordinator/internal/router"
	"github.com/sessionmesh/coordinator/internal/session"
	"github.com/sessionmesh/coordinator/internal/shutdown"
	"github.com/sessionmesh/coordinator/internal/task"
	"github.com/sessionmesh/coordinator/internal/team"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/wake"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// Deps bundles every component the router's handlers dispatch into.
// Build with NewDeps rather than constructing directly, so every
// cross-package wiring (conflict -> task, tasks/workers -> team, teams
// -> context) happens in one place.
type Deps struct {
	Layout    paths.Layout
	Sessions  *session.Store
	Mailbox   *mailbox.Fabric
	Conflicts *conflict.Detector
	Tasks     *task.Board
	Workers   *worker.Store
	Pipelines *pipeline.Executor
	Teams     *team.Dispatcher
	Wake      *wake.Dispatcher
	Shutdown  *shutdown.Coordinator
	Context   *ctxstore.Store
	Budget    *budget.Tracker
	Aux       *auxproc.Runner
	OS        termcap.Capability
}

// NewDeps constructs the full dependency graph over one state root.
// asyncMaxParallel bounds concurrent auxiliary subprocess invocations
// (COORDINATOR_ASYNC_MAX_PARALLEL, §6.4).
func NewDeps(l paths.Layout, os_ termcap.Capability, proc wake.ProcessControl, asyncMaxParallel int) *Deps {
	sessions := session.New(l)
	mb := mailbox.New(l, sessions)
	conflicts := conflict.New(l, sessions)
	tasks := task.New(l, conflicts)
	workers := worker.New(l, os_)
	pipelines := pipeline.New(l, workers)
	teams := team.New(l, tasks, workers)
	return &Deps{
		Layout:    l,
		Sessions:  sessions,
		Mailbox:   mb,
		Conflicts: conflicts,
		Tasks:     tasks,
		Workers:   workers,
		Pipelines: pipelines,
		Teams:     teams,
		Wake:      wake.New(l, sessions, mb, workers, os_, proc),
		Shutdown:  shutdown.New(l, mb, workers),
		Context:   ctxstore.New(l, teams),
		Budget:    budget.New(l),
		Aux:       auxproc.New(asyncMaxParallel),
		OS:        os_,
	}
}

func jsonResult(v interface{}) (router.Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return router.Result{}, router.NewHandlerError(router.ErrRuntime, "marshaling result: %v", err)
	}
	return router.Result{Text: string(data)}, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return router.NewHandlerError(router.ErrValidation, "missing request body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return router.NewHandlerError(router.ErrValidation, "invalid arguments: %v", err)
	}
	return nil
}

// classifyDomainErr maps a domain package's sentinel errors to the
// router's error taxonomy (§7.1). Validation-shaped sentinels (missing
// required fields, malformed identifiers, not-found lookups) become
// VALIDATION_ERROR; capacity/budget sentinels become POLICY_DENIED;
// anything else falls back to RUNTIME_ERROR.
func classifyDomainErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, task.ErrSubjectRequired),
		errors.Is(err, team.ErrTeamNameRequired),
		errors.Is(err, ctxstore.ErrKeyNotFound),
		errors.Is(err, ids.ErrUnsafe), errors.Is(err, ids.ErrTooLong), errors.Is(err, ids.ErrEmpty):
		return router.NewHandlerError(router.ErrValidation, "%v", err)
	case errors.Is(err, mailbox.ErrInboxFull), errors.Is(err, mailbox.ErrRateLimited),
		errors.Is(err, worker.ErrBudgetExceeded), errors.Is(err, worker.ErrTooManyActiveWorkers),
		errors.Is(err, budget.ErrExceeded), errors.Is(err, task.ErrCyclicDependency),
		errors.Is(err, task.ErrIllegalTransition), errors.Is(err, task.ErrBlockersUnresolved):
		return router.NewHandlerError(router.ErrPolicy, "%v", err)
	default:
		var fc *worker.ErrFileConflict
		if errors.As(err, &fc) {
			return router.NewHandlerError(router.ErrDependency, "%v", err)
		}
		return router.NewHandlerError(router.ErrRuntime, "%v", err)
	}
}

// NewRegistry registers every tool handler (§6.1's flat coord_* tool
// namespace) against deps.
func NewRegistry(deps *Deps) *router.Registry {
	r := router.New()

	r.Register("coord_list_sessions", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			IncludeClosed bool   `json:"include_closed"`
			Project       string `json:"project"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		res, err := deps.Sessions.ListSessions(req.IncludeClosed, req.Project)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		out, jerr := jsonResult(res.Sessions)
		out.Warnings = res.Warnings
		return out, jerr
	})

	r.Register("coord_get_session", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		detail, err := deps.Sessions.GetSession(req.Session)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(detail)
	})

	r.Register("coord_resolve_session", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		id, err := deps.Sessions.ResolveSession(req.Name)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: id}, nil
	})

	r.Register("coord_register_work", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string   `json:"session"`
			Task    string   `json:"task"`
			Files   []string `json:"files"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Sessions.RegisterWork(req.Session, req.Task, req.Files); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "ok"}, nil
	})

	r.Register("coord_send_message", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Content  string `json:"content"`
			Priority string `json:"priority"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Mailbox.SendMessage(req.From, req.To, req.Content, req.Priority); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "sent"}, nil
	})

	r.Register("coord_check_inbox", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session  string `json:"session"`
			Team     string `json:"team"`
			ThreadID string `json:"thread_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		msgs, err := deps.Mailbox.CheckInbox(req.Session, req.Team)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		if req.ThreadID != "" {
			msgs = mailbox.ThreadReplies(msgs, req.ThreadID)
		}
		return jsonResult(msgs)
	})

	r.Register("coord_has_messages", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		detail, err := deps.Sessions.GetSession(req.Session)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: fmt.Sprintf("%t", detail.Record.HasMessages)}, nil
	})

	r.Register("coord_ack_message", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session   string    `json:"session"`
			MessageTS time.Time `json:"message_ts"`
			From      string    `json:"from"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Mailbox.AckMessage(req.Session, req.MessageTS, req.From); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "acked"}, nil
	})

	r.Register("coord_broadcast", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			From     string `json:"from"`
			Content  string `json:"content"`
			Priority string `json:"priority"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		res, err := deps.Mailbox.Broadcast(req.From, req.Content, req.Priority)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(res)
	})

	r.Register("coord_send_directive", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Content  string `json:"content"`
			Priority string `json:"priority"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		waker := func(to string) error {
			_, err := deps.Wake.WakeSession(to, req.Content)
			return err
		}
		if err := deps.Mailbox.SendDirective(req.From, req.To, req.Content, req.Priority, waker); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "sent"}, nil
	})

	r.Register("coord_post_announcement", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Team     string `json:"team"`
			From     string `json:"from"`
			Content  string `json:"content"`
			Priority string `json:"priority"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		a, err := deps.Mailbox.PostAnnouncement(req.Team, req.From, req.Content, req.Priority)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(a)
	})

	r.Register("coord_ack_announcement", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Team    string `json:"team"`
			Session string `json:"session"`
			ID      string `json:"id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Mailbox.AckAnnouncement(req.Team, req.Session, req.ID); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "acked"}, nil
	})

	r.Register("coord_receipts_summary", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		summary, err := deps.Mailbox.Receipts(req.Session)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(summary)
	})

	r.Register("coord_record_activity", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
			Tool    string `json:"tool"`
			Path    string `json:"path"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := eventlog.RecordActivity(deps.Layout, req.Session, req.Tool, req.Path); err != nil {
			return router.Result{}, router.NewHandlerError(router.ErrRuntime, "%v", err)
		}
		return router.Result{Text: "recorded"}, nil
	})

	r.Register("coord_detect_conflicts", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string   `json:"session"`
			Files   []string `json:"files"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		report, err := deps.Conflicts.Detect(req.Session, req.Files)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(report)
	})

	registerWorkerHandlers(r, deps)
	registerPipelineHandlers(r, deps)
	registerTaskHandlers(r, deps)
	registerTeamHandlers(r, deps)
	registerWakeShutdownHandlers(r, deps)
	registerContextHandlers(r, deps)
	registerOSIntegrationHandlers(r, deps)
	registerAuxHandlers(r, deps)

	return r
}

func registerOSIntegrationHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_open_terminal", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Command []string `json:"command"`
			Layout  string   `json:"layout"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		emulator, err := deps.OS.OpenTerminal(req.Command, "", req.Layout)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: emulator}, nil
	})

	r.Register("coord_inject_text", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TTY  string `json:"tty"`
			Text string `json:"text"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		delivered := deps.OS.InjectText(req.TTY, req.Text)
		return router.Result{Text: fmt.Sprintf("%t", delivered)}, nil
	})

	r.Register("coord_kill_process", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			PID int `json:"pid"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.OS.KillProcess(req.PID); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "killed"}, nil
	})

	r.Register("coord_is_process_alive", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			PID int `json:"pid"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		return router.Result{Text: fmt.Sprintf("%t", deps.OS.IsProcessAlive(req.PID))}, nil
	})
}

// registerAuxHandlers wires the auxiliary-subprocess contract (§6.5).
// The spec names no specific helper tool (cost/observability/policy
// are described generically as "a small number of tool calls"), so this
// exposes the fixed-argv/timeout/bounded-output contract itself as one
// tool rather than guessing at helper-specific names; callers supply
// their own validated argv.
func registerAuxHandlers(r *router.Registry, deps *Deps) {
	runAux := func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Argv      []string `json:"argv"`
			Dir       string   `json:"dir"`
			TimeoutMs int      `json:"timeout_ms"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		areq := auxproc.Request{Argv: req.Argv, Dir: req.Dir}
		if req.TimeoutMs > 0 {
			areq.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		res, err := deps.Aux.Run(context.Background(), areq)
		if err != nil {
			if errors.Is(err, auxproc.ErrTimedOut) {
				return router.Result{}, router.NewHandlerError(router.ErrTimeout, "%v", err)
			}
			return router.Result{}, router.NewHandlerError(router.ErrRuntime, "%v", err)
		}
		result := router.Result{Text: res.Stdout}
		if res.Truncated {
			result.Warnings = []string{"output truncated at 8MB"}
		}
		return result, nil
	}
	r.Register("coord_run_aux", runAux)

	// §6.1 "Deprecated tools": a fixed table of legacy cost/observability/
	// policy tool names that still work, routed to the one canonical
	// auxiliary-subprocess handler, with a deprecation footer appended to
	// the result. The legacy names themselves are a judgment call — the
	// spec describes the footer mechanism but, like the helper tools
	// themselves, never names the deprecated entries.
	for _, legacy := range []string{"coord_cost_report", "coord_cost_estimate", "coord_policy_check"} {
		r.Register(legacy, runAux)
		r.Deprecate(legacy, "coord_run_aux", "coord_run_aux "+legacy[len("coord_"):])
	}
}

func registerWorkerHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_spawn_worker", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID    string   `json:"task_id"`
			Directory string   `json:"directory"`
			Prompt    string   `json:"prompt"`
			Opts      spawnReq `json:"opts"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		taskID := req.TaskID
		if taskID == "" {
			taskID = ids.NewWorkerTaskID()
		}
		meta, err := deps.Workers.Spawn(taskID, req.Directory, req.Prompt, req.Opts.toSpawnOpts())
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(meta)
	})

	r.Register("coord_spawn_workers", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Requests []struct {
				TaskID    string   `json:"task_id"`
				Directory string   `json:"directory"`
				Prompt    string   `json:"prompt"`
				Opts      spawnReq `json:"opts"`
			} `json:"requests"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		batch := make([]worker.BatchRequest, len(req.Requests))
		for i, item := range req.Requests {
			taskID := item.TaskID
			if taskID == "" {
				taskID = ids.NewWorkerTaskID()
			}
			batch[i] = worker.BatchRequest{TaskID: taskID, Directory: item.Directory, Prompt: item.Prompt, Opts: item.Opts.toSpawnOpts()}
		}
		return jsonResult(deps.Workers.SpawnBatch(batch))
	})

	r.Register("coord_get_result", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID    string `json:"task_id"`
			TailLines int    `json:"tail_lines"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		res, err := deps.Workers.GetResult(req.TaskID, req.TailLines)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(res)
	})

	r.Register("coord_kill_worker", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Workers.Kill(req.TaskID); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "killed"}, nil
	})

	r.Register("coord_resume_worker", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID string `json:"task_id"`
			Mode   string `json:"mode"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		meta, err := deps.Workers.Resume(req.TaskID, req.Mode)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(meta)
	})

	r.Register("coord_upgrade_worker", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		meta, err := deps.Workers.Upgrade(req.TaskID)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(meta)
	})
}

// spawnReq is the JSON-tagged mirror of worker.SpawnOpts (which carries
// no tags of its own, since it's built programmatically by callers like
// team.spawnOptsFromPolicy as often as it's decoded from a wire request).
type spawnReq struct {
	Mode               string   `json:"mode"`
	Runtime            string   `json:"runtime"`
	Layout             string   `json:"layout"`
	Isolate            bool     `json:"isolate"`
	Role               string   `json:"role"`
	PermissionMode     string   `json:"permission_mode"`
	RequirePlan        bool     `json:"require_plan"`
	ContextLevel       string   `json:"context_level"`
	BudgetPolicy       string   `json:"budget_policy"`
	BudgetTokens       int      `json:"budget_tokens"`
	GlobalBudgetPolicy string   `json:"global_budget_policy"`
	GlobalBudgetTokens int      `json:"global_budget_tokens"`
	MaxActiveWorkers   int      `json:"max_active_workers"`
	TeamName           string   `json:"team_name"`
	WorkerName         string   `json:"worker_name"`
	NotifySessionID    string   `json:"notify_session_id"`
	MaxTurns           int      `json:"max_turns"`
	ContextSummary     string   `json:"context_summary"`
	Files              []string `json:"files"`
}

func (s spawnReq) toSpawnOpts() worker.SpawnOpts {
	return worker.SpawnOpts{
		Mode:               s.Mode,
		Runtime:            s.Runtime,
		Layout:             s.Layout,
		Isolate:            s.Isolate,
		Role:               s.Role,
		PermissionMode:     s.PermissionMode,
		RequirePlan:        s.RequirePlan,
		ContextLevel:       s.ContextLevel,
		BudgetPolicy:       s.BudgetPolicy,
		BudgetTokens:       s.BudgetTokens,
		GlobalBudgetPolicy: s.GlobalBudgetPolicy,
		GlobalBudgetTokens: s.GlobalBudgetTokens,
		MaxActiveWorkers:   s.MaxActiveWorkers,
		TeamName:           s.TeamName,
		WorkerName:         s.WorkerName,
		NotifySessionID:    s.NotifySessionID,
		MaxTurns:           s.MaxTurns,
		ContextSummary:     s.ContextSummary,
		Files:              s.Files,
	}
}

func registerPipelineHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_run_pipeline", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			PipelineID    string `json:"pipeline_id"`
			Directory     string `json:"directory"`
			ContextHeader string `json:"context_header"`
			Steps         []struct {
				Name   string `json:"name"`
				Slug   string `json:"slug"`
				Prompt string `json:"prompt"`
				Model  string `json:"model"`
				Agent  string `json:"agent"`
			} `json:"steps"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if len(req.Steps) == 0 {
			return router.Result{}, router.NewHandlerError(router.ErrValidation, "steps must be non-empty")
		}
		pipelineID := req.PipelineID
		if pipelineID == "" {
			pipelineID = ids.NewPipelineID()
		}
		steps := make([]pipeline.Step, len(req.Steps))
		for i, s := range req.Steps {
			steps[i] = pipeline.Step{Name: s.Name, Slug: s.Slug, Prompt: s.Prompt, Model: s.Model, Agent: s.Agent}
		}
		meta, err := deps.Pipelines.Run(pipelineID, req.Directory, steps, req.ContextHeader)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(meta)
	})

	r.Register("coord_get_pipeline", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			PipelineID string `json:"pipeline_id"`
			TailLines  int    `json:"tail_lines"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		obs, err := deps.Pipelines.Observe(req.PipelineID, req.TailLines)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(obs)
	})
}

func registerTaskHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_create_task", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Subject          string                     `json:"subject"`
			Description      string                     `json:"description"`
			TaskID           string                     `json:"task_id"`
			Assignee         string                     `json:"assignee"`
			Priority         string                     `json:"priority"`
			Files            []string                   `json:"files"`
			BlockedBy        []string                   `json:"blocked_by"`
			TeamName         string                     `json:"team_name"`
			Metadata         map[string]interface{}     `json:"metadata"`
			ApprovalRequired bool                       `json:"approval_required"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.CreateTask(req.Subject, req.Description, task.CreateOpts{
			TaskID: req.TaskID, Assignee: req.Assignee, Priority: req.Priority, Files: req.Files,
			BlockedBy: req.BlockedBy, TeamName: req.TeamName, Metadata: req.Metadata, ApprovalRequired: req.ApprovalRequired,
		})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_get_task", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.GetTask(req.TaskID)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_update_task", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID      string                 `json:"task_id"`
			Subject     *string                `json:"subject"`
			Description *string                `json:"description"`
			Assignee    *string                `json:"assignee"`
			Priority    *string                `json:"priority"`
			Files       []string               `json:"files"`
			BlockedBy   []string               `json:"blocked_by"`
			Metadata    map[string]interface{} `json:"metadata"`
			Status      string                 `json:"status"`
			Actor       string                 `json:"actor"`
			Note        string                 `json:"note"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.UpdateTask(req.TaskID, task.UpdateOpts{
			Subject: req.Subject, Description: req.Description, Assignee: req.Assignee,
			Priority: req.Priority, Files: req.Files, BlockedBy: req.BlockedBy, Metadata: req.Metadata,
		})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		if req.Status != "" {
			rec, err = deps.Tasks.Transition(req.TaskID, req.Status, req.Actor, req.Note)
			if err != nil {
				return router.Result{}, classifyDomainErr(err)
			}
		}
		return jsonResult(rec)
	})

	r.Register("coord_list_tasks", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Status   string `json:"status"`
			Assignee string `json:"assignee"`
			TeamName string `json:"team_name"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		list, err := deps.Tasks.ListTasks(task.ListFilter{Status: req.Status, Assignee: req.Assignee, TeamName: req.TeamName})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(list)
	})

	r.Register("coord_reassign_task", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID          string `json:"task_id"`
			NewAssignee     string `json:"new_assignee"`
			Reason          string `json:"reason"`
			ProgressContext string `json:"progress_context"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.ReassignTask(req.TaskID, req.NewAssignee, req.Reason, req.ProgressContext)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_get_task_audit", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		view, err := deps.Tasks.GetTaskAudit(req.TaskID)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(view)
	})

	r.Register("coord_check_quality_gates", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID            string `json:"task_id"`
			RequestingSession string `json:"requesting_session"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		report, err := deps.Tasks.CheckQualityGates(req.TaskID, req.RequestingSession)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(report)
	})

	r.Register("coord_approve_plan", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID   string `json:"task_id"`
			Approver string `json:"approver"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.ApprovePlan(req.TaskID, req.Approver)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_reject_plan", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TaskID   string `json:"task_id"`
			Reviewer string `json:"reviewer"`
			Feedback string `json:"feedback"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Tasks.RejectPlan(req.TaskID, req.Reviewer, req.Feedback)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})
}

func registerTeamHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_create_team", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName        string        `json:"team_name"`
			Project         string        `json:"project"`
			Description     string        `json:"description"`
			Preset          string        `json:"preset"`
			ExecutionPath   string        `json:"execution_path"`
			LowOverheadMode string        `json:"low_overhead_mode"`
			Policy          *team.Policy  `json:"policy"`
			Members         []team.Member `json:"members"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Teams.CreateOrUpdateTeam(req.TeamName, team.CreateOrUpdateOpts{
			Project: req.Project, Description: req.Description, Preset: req.Preset,
			ExecutionPath: req.ExecutionPath, LowOverheadMode: req.LowOverheadMode,
			Policy: req.Policy, Members: req.Members,
		})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_team_queue_task", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName           string                     `json:"team_name"`
			Subject            string                     `json:"subject"`
			Prompt             string                     `json:"prompt"`
			Priority           string                     `json:"priority"`
			RoleHint           string                     `json:"role_hint"`
			LoadAffinity       string                     `json:"load_affinity"`
			Files              []string                   `json:"files"`
			AcceptanceCriteria []task.AcceptanceCriterion `json:"acceptance_criteria"`
			Directory          string                     `json:"directory"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Teams.QueueTask(req.TeamName, req.Subject, req.Prompt, team.QueueTaskOpts{
			Priority: req.Priority, RoleHint: req.RoleHint, LoadAffinity: req.LoadAffinity,
			Files: req.Files, AcceptanceCriteria: req.AcceptanceCriteria, Directory: req.Directory,
		})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_team_assign_next", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName string `json:"team_name"`
			Assignee string `json:"assignee"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		assignment, err := deps.Teams.AssignNext(req.TeamName, team.AssignOpts{Assignee: req.Assignee})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(assignment)
	})

	r.Register("coord_team_rebalance", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName     string `json:"team_name"`
			Limit        int    `json:"limit"`
			Apply        bool   `json:"apply"`
			DispatchNext bool   `json:"dispatch_next"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		result, err := deps.Teams.Rebalance(req.TeamName, team.RebalanceOpts{Limit: req.Limit, Apply: req.Apply, DispatchNext: req.DispatchNext})
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(result)
	})

	r.Register("coord_team_status_compact", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName string `json:"team_name"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		text, err := deps.Teams.StatusCompact(req.TeamName)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: text}, nil
	})
}

func registerWakeShutdownHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_wake_session", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
			Text    string `json:"text"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		injected, err := deps.Wake.WakeSession(req.Session, req.Text)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: fmt.Sprintf("%t", injected)}, nil
	})

	r.Register("coord_force_wake", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session   string `json:"session"`
			Message   string `json:"message"`
			ForceKill bool   `json:"force_kill"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		res, err := deps.Wake.ForceWake(req.Session, req.Message, req.ForceKill)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(res)
	})

	r.Register("coord_shutdown_request", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Target              string `json:"target"`
			Message              string `json:"message"`
			ForceTimeoutSeconds  int    `json:"force_timeout_seconds"`
			Max                  int    `json:"max"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Shutdown.RequestShutdown(req.Target, req.Message, req.ForceTimeoutSeconds, req.Max)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_shutdown_response", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			RequestID string `json:"request_id"`
			Approve   bool   `json:"approve"`
			Reason    string `json:"reason"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Shutdown.Respond(req.RequestID, req.Approve, req.Reason)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})

	r.Register("coord_get_shutdown_request", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			RequestID string `json:"request_id"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		rec, err := deps.Shutdown.GetRequest(req.RequestID)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return jsonResult(rec)
	})
}

func registerContextHandlers(r *router.Registry, deps *Deps) {
	r.Register("coord_write_context", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName string `json:"team_name"`
			Key      string `json:"key"`
			Value    string `json:"value"`
			Append   bool   `json:"append"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Context.WriteContext(req.TeamName, req.Key, req.Value, req.Append); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "ok"}, nil
	})

	r.Register("coord_read_context", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			TeamName    string `json:"team_name"`
			Key         string `json:"key"`
			IncludeLead bool   `json:"include_lead"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		text, err := deps.Context.ReadContext(req.TeamName, req.Key, req.IncludeLead)
		if err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: text}, nil
	})

	r.Register("coord_export_context", func(raw json.RawMessage) (router.Result, error) {
		var req struct {
			Session string `json:"session"`
			Summary string `json:"summary"`
		}
		if err := decode(raw, &req); err != nil {
			return router.Result{}, err
		}
		if err := deps.Context.ExportContext(req.Session, req.Summary); err != nil {
			return router.Result{}, classifyDomainErr(err)
		}
		return router.Result{Text: "ok"}, nil
	})
}

// request is one line of the stdio JSON-framing protocol (§6.1): one
// tool call per line, newline-delimited.
type request struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Serve runs the stdio tool-call loop: one JSON request per line in,
// one JSON response per line out. envelope selects between the full
// Envelope{ok,data,error,meta} shape (COORDINATOR_RESULT_ENVELOPE=1)
// and bare text.
func Serve(r *router.Registry, in io.Reader, out io.Writer, envelope bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(writer, "%s\n", router.EncodeText(router.Result{}, router.NewHandlerError(router.ErrValidation, "invalid request frame: %v", err)))
			writer.Flush()
			continue
		}
		env := r.Handle(req.Tool, req.Args, time.Now)
		if envelope {
			data, _ := json.Marshal(env)
			writer.Write(data)
		} else {
			var text string
			if env.OK {
				text = env.Data.Text
			} else {
				text = env.Err.Message
			}
			writer.WriteString(text)
		}
		writer.WriteString("\n")
		writer.Flush()
	}
	return scanner.Err()
}
