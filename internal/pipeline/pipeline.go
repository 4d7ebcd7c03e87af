// Package pipeline implements the Pipeline Executor (§3.6, §4.C5): a
// sequential step runner over the Worker Lifecycle, serializing a list
// of pipe-mode steps in one working directory, one step's exit gating
// the next step's start.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// Status values for pipeline.meta.json / pipeline.done.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Per-step log status values (§3.6).
const (
	StepRunning   = "running"
	StepCompleted = "completed"
)

// Step is one entry of a pipeline's task list.
type Step struct {
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Prompt string `json:"-"`
	Model  string `json:"model,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// Meta is the on-disk shape of pipeline.meta.json.
type Meta struct {
	PipelineID string     `json:"pipeline_id"`
	Directory  string     `json:"directory"`
	TotalSteps int        `json:"total_steps"`
	Tasks      []TaskMeta `json:"tasks"`
	Started    time.Time  `json:"started"`
	Status     string     `json:"status"`
}

// TaskMeta is one entry of Meta.Tasks.
type TaskMeta struct {
	Step  int    `json:"step"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Model string `json:"model,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// LogEntry is one line of pipeline.log (§3.6).
type LogEntry struct {
	Step     int        `json:"step"`
	Slug     string     `json:"slug"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// Done is the terminal marker written to pipeline.done.
type Done struct {
	Status   string    `json:"status"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// ErrNoSteps is returned by Run when given zero steps (§7's
// "pipeline with zero steps" edge case).
var ErrNoSteps = fmt.Errorf("pipeline: at least one step is required")

// Clock is overridable in tests.
var Clock = time.Now

// Executor runs pipelines on top of a Worker Lifecycle store.
type Executor struct {
	Layout paths.Layout
	Worker *worker.Store
}

func New(l paths.Layout, w *worker.Store) *Executor {
	return &Executor{Layout: l, Worker: w}
}

// Run executes steps sequentially in directory, stopping at the first
// non-zero exit. contextHeader, if non-empty, is prefixed to every
// step's prompt (§4.C5 step 1's "prior-context header").
func (e *Executor) Run(pipelineID, directory string, steps []Step, contextHeader string) (Meta, error) {
	if len(steps) == 0 {
		return Meta{}, ErrNoSteps
	}
	if pipelineID == "" {
		pipelineID = ids.NewPipelineID()
	}

	tasks := make([]TaskMeta, len(steps))
	for i, st := range steps {
		tasks[i] = TaskMeta{Step: i + 1, Name: st.Name, Slug: st.Slug, Model: st.Model, Agent: st.Agent}
	}
	meta := Meta{
		PipelineID: pipelineID,
		Directory:  directory,
		TotalSteps: len(steps),
		Tasks:      tasks,
		Started:    Clock().UTC(),
		Status:     StatusRunning,
	}
	if err := fsutil.WriteJSON(e.Layout.PipelineMeta(pipelineID), meta); err != nil {
		return Meta{}, err
	}

	for i, st := range steps {
		stepNum := i + 1
		if err := e.runStep(pipelineID, stepNum, st, directory, contextHeader); err != nil {
			meta.Status = StatusFailed
			_ = fsutil.WriteJSON(e.Layout.PipelineMeta(pipelineID), meta)
			_ = fsutil.WriteJSON(e.Layout.PipelineDone(pipelineID), Done{
				Status: StatusFailed, Finished: Clock().UTC(), Error: err.Error(),
			})
			_ = eventlog.Emit(e.Layout.ActivityLog(), "PipelineStepFailed", map[string]interface{}{
				"pipeline_id": pipelineID, "step": stepNum, "error": err.Error(),
			})
			return meta, err
		}
	}

	meta.Status = StatusCompleted
	if err := fsutil.WriteJSON(e.Layout.PipelineMeta(pipelineID), meta); err != nil {
		return meta, err
	}
	if err := fsutil.WriteJSON(e.Layout.PipelineDone(pipelineID), Done{
		Status: StatusCompleted, Finished: Clock().UTC(),
	}); err != nil {
		return meta, err
	}
	return meta, nil
}

// runStep writes the step prompt, logs it running, spawns a pipe-mode
// worker, awaits completion, and logs the terminal outcome.
func (e *Executor) runStep(pipelineID string, stepNum int, st Step, directory, contextHeader string) error {
	prompt := st.Prompt
	if contextHeader != "" {
		prompt = contextHeader + "\n\n" + prompt
	}

	if err := os.MkdirAll(e.Layout.PipelineDir(pipelineID), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(e.Layout.PipelineStepPrompt(pipelineID, stepNum, st.Slug), []byte(prompt), 0o600); err != nil {
		return err
	}

	started := Clock().UTC()
	if err := e.appendLog(pipelineID, LogEntry{
		Step: stepNum, Slug: st.Slug, Name: st.Name, Status: StepRunning, Started: &started,
	}); err != nil {
		return err
	}

	taskID := pipelineStepTaskID(pipelineID, stepNum)
	_, spawnErr := e.Worker.Spawn(taskID, directory, prompt, worker.SpawnOpts{Mode: worker.ModePipe})
	if spawnErr != nil {
		return fmt.Errorf("pipeline: step %d (%s): spawning: %w", stepNum, st.Slug, spawnErr)
	}

	result, err := e.awaitStep(taskID)
	if err != nil {
		return fmt.Errorf("pipeline: step %d (%s): %w", stepNum, st.Slug, err)
	}

	// The step's captured output lives under the pipeline's own
	// directory regardless of outcome, so a failed step's tail is still
	// observable via get_pipeline.
	stepLogPath := e.Layout.PipelineStepLog(pipelineID, stepNum, st.Slug)
	if copyErr := copyFile(e.Worker.Layout.WorkerLog(taskID), stepLogPath); copyErr != nil && !os.IsNotExist(copyErr) {
		return fmt.Errorf("pipeline: step %d (%s): copying output: %w", stepNum, st.Slug, copyErr)
	}

	if result.Status != worker.StatusCompleted {
		return fmt.Errorf("pipeline: step %d (%s): exited %s", stepNum, st.Slug, result.Status)
	}

	finished := Clock().UTC()
	return e.appendLog(pipelineID, LogEntry{
		Step: stepNum, Slug: st.Slug, Name: st.Name, Status: StepCompleted, Finished: &finished,
	})
}

// copyFile copies src to dst; a missing src is reported via os.IsNotExist
// on the returned error so callers can treat "worker produced no output
// yet" as non-fatal.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// awaitStep polls get_result until the step worker reaches a terminal
// status. In tests the fake capability reports the step's pid as not
// alive, so GetResult reaps the step as completed and this loop exits on
// its first iteration there.
var pollInterval = 50 * time.Millisecond

func (e *Executor) awaitStep(taskID string) (worker.Result, error) {
	for {
		result, err := e.Worker.GetResult(taskID, 0)
		if err != nil {
			return worker.Result{}, err
		}
		switch result.Status {
		case worker.StatusCompleted, worker.StatusFailed, worker.StatusCancelled:
			return result, nil
		}
		time.Sleep(pollInterval)
	}
}

func (e *Executor) appendLog(pipelineID string, entry LogEntry) error {
	return fsutil.AppendJSONL(e.Layout.PipelineLog(pipelineID), entry)
}

func pipelineStepTaskID(pipelineID string, step int) string {
	return fmt.Sprintf("%s-s%d", pipelineID, step)
}

// Observation is the result of get_pipeline: current step, log, and a
// tail of the most recent step's output (§4.C5).
type Observation struct {
	Meta        Meta
	Log         []LogEntry
	Done        *Done
	CurrentStep int
	Tail        []string
}

// Observe implements get_pipeline(pipeline_id).
func (e *Executor) Observe(pipelineID string, tailLines int) (Observation, error) {
	var meta Meta
	found, err := fsutil.ReadJSON(e.Layout.PipelineMeta(pipelineID), &meta)
	if err != nil {
		return Observation{}, err
	}
	if !found {
		return Observation{}, fmt.Errorf("pipeline: no meta for pipeline %s", pipelineID)
	}

	var log []LogEntry
	_, err = fsutil.ReadJSONLTail(e.Layout.PipelineLog(pipelineID), 0, func(raw []byte) error {
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		log = append(log, entry)
		return nil
	})
	if err != nil {
		return Observation{}, err
	}

	obs := Observation{Meta: meta, Log: log}

	var done Done
	if foundDone, err := fsutil.ReadJSON(e.Layout.PipelineDone(pipelineID), &done); err == nil && foundDone {
		obs.Done = &done
	}

	currentStep := 0
	var currentSlug string
	for _, entry := range log {
		if entry.Step > currentStep {
			currentStep = entry.Step
			currentSlug = entry.Slug
		}
	}
	obs.CurrentStep = currentStep

	if currentStep > 0 {
		tail, _ := tailFile(e.Layout.PipelineStepLog(pipelineID, currentStep, currentSlug), tailLines)
		obs.Tail = tail
	}
	return obs, nil
}

// DefaultTailLines mirrors the worker package's default output window.
const DefaultTailLines = 100

// tailFile reads the last n lines of a plain-text step output file.
func tailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
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
