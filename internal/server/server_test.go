package server

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/shutdown"
	"github.com/sessionmesh/coordinator/internal/team"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/wake"
)

type fakeCapability struct{}

func (fakeCapability) OpenTerminal(command []string, dir, layout string) (string, error) {
	return "background", nil
}
func (fakeCapability) SpawnDetached(command []string, dir, logPath string) (int, error) {
	return 4242, nil
}
func (fakeCapability) InjectText(tty, text string) bool   { return false }
func (fakeCapability) KillProcess(pid int) error          { return nil }
func (fakeCapability) IsProcessAlive(pid int) bool        { return false }

var _ termcap.Capability = fakeCapability{}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	l := paths.New(t.TempDir())
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return NewDeps(l, fakeCapability{}, wake.OSProcessControl{}, 2)
}

func TestRegistryListSessionsEmpty(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)
	env := r.Handle("coord_list_sessions", json.RawMessage(`{}`), time.Now)
	if !env.OK {
		t.Fatalf("env = %+v, want ok", env)
	}
	if env.Data.Text != "null" {
		t.Errorf("Text = %q, want null for an empty session dir", env.Data.Text)
	}
}

func TestRegistryCreateAndGetTask(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	createArgs, _ := json.Marshal(map[string]interface{}{"subject": "fix the thing"})
	env := r.Handle("coord_create_task", createArgs, time.Now)
	if !env.OK {
		t.Fatalf("create_task env = %+v", env)
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(env.Data.Text), &created); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}
	if created.TaskID == "" {
		t.Fatal("created task_id is empty")
	}

	getArgs, _ := json.Marshal(map[string]interface{}{"task_id": created.TaskID})
	getEnv := r.Handle("coord_get_task", getArgs, time.Now)
	if !getEnv.OK {
		t.Fatalf("get_task env = %+v", getEnv)
	}
	if !strings.Contains(getEnv.Data.Text, "fix the thing") {
		t.Errorf("get_task text = %q, want it to contain the subject", getEnv.Data.Text)
	}
}

func TestRegistryCreateTaskMissingSubjectIsValidationError(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)
	env := r.Handle("coord_create_task", json.RawMessage(`{}`), time.Now)
	if env.OK {
		t.Fatal("OK = true, want false for a missing subject")
	}
	if env.Err.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q, want VALIDATION_ERROR", env.Err.Code)
	}
}

func TestRegistryUnknownToolIsRuntimeError(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)
	env := r.Handle("coord_does_not_exist", nil, time.Now)
	if env.OK {
		t.Fatal("OK = true, want false")
	}
	if env.Err.Code != "RUNTIME_ERROR" {
		t.Errorf("Code = %q, want RUNTIME_ERROR", env.Err.Code)
	}
}

func TestRegistryOSIntegrationHandlers(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	args, _ := json.Marshal(map[string]interface{}{"command": []string{"true"}, "layout": "background"})
	env := r.Handle("coord_open_terminal", args, time.Now)
	if !env.OK || env.Data.Text != "background" {
		t.Errorf("open_terminal env = %+v", env)
	}

	aliveArgs, _ := json.Marshal(map[string]interface{}{"pid": 999999})
	aliveEnv := r.Handle("coord_is_process_alive", aliveArgs, time.Now)
	if !aliveEnv.OK || aliveEnv.Data.Text != "false" {
		t.Errorf("is_process_alive env = %+v", aliveEnv)
	}
}

func TestRegistryCreateTeamUsesPresetOverlay(t *testing.T) {
	deps := newTestDeps(t)
	deps.Teams.PresetOverlay = map[string]team.Policy{
		"custom": {DefaultRuntime: "overlaid-runtime", BudgetTokens: 777},
	}
	r := NewRegistry(deps)

	args, _ := json.Marshal(map[string]interface{}{"team_name": "core", "preset": "custom"})
	env := r.Handle("coord_create_team", args, time.Now)
	if !env.OK {
		t.Fatalf("create_team env = %+v", env)
	}
	if !strings.Contains(env.Data.Text, "overlaid-runtime") {
		t.Errorf("create_team text = %q, want the overlaid preset's runtime", env.Data.Text)
	}
}

// TestRegistryUpdateTaskStatusReproducesDependencyScenario runs §8.4
// Scenario C verbatim: create A and B with B blocked on A, try to start B
// early (rejected), complete A, then start B (succeeds, audit from pending).
func TestRegistryUpdateTaskStatusReproducesDependencyScenario(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	aArgs, _ := json.Marshal(map[string]interface{}{"subject": "A", "task_id": "TA"})
	if env := r.Handle("coord_create_task", aArgs, time.Now); !env.OK {
		t.Fatalf("create TA env = %+v", env)
	}
	bArgs, _ := json.Marshal(map[string]interface{}{"subject": "B", "task_id": "TB", "blocked_by": []string{"TA"}})
	if env := r.Handle("coord_create_task", bArgs, time.Now); !env.OK {
		t.Fatalf("create TB env = %+v", env)
	}

	blockedArgs, _ := json.Marshal(map[string]interface{}{"task_id": "TB", "status": "in_progress"})
	blockedEnv := r.Handle("coord_update_task", blockedArgs, time.Now)
	if blockedEnv.OK {
		t.Fatal("TB -> in_progress with an unresolved blocker should be rejected")
	}
	if blockedEnv.Err.Code != "POLICY_DENIED" {
		t.Errorf("Code = %q, want POLICY_DENIED for an unresolved blocker", blockedEnv.Err.Code)
	}

	completeAArgs, _ := json.Marshal(map[string]interface{}{"task_id": "TA", "status": "completed"})
	if env := r.Handle("coord_update_task", completeAArgs, time.Now); !env.OK {
		t.Fatalf("complete TA env = %+v", env)
	}

	progressArgs, _ := json.Marshal(map[string]interface{}{"task_id": "TB", "status": "in_progress"})
	progressEnv := r.Handle("coord_update_task", progressArgs, time.Now)
	if !progressEnv.OK {
		t.Fatalf("TB -> in_progress after TA completes = %+v", progressEnv)
	}
	if !strings.Contains(progressEnv.Data.Text, `"from":"pending"`) || !strings.Contains(progressEnv.Data.Text, `"to":"in_progress"`) {
		t.Errorf("TB text = %q, want an audit entry from pending to in_progress", progressEnv.Data.Text)
	}
}

func TestRegistryGetShutdownRequestReturnsRecordedState(t *testing.T) {
	shutdown.Sleep = func(time.Duration) { select {} }
	defer func() { shutdown.Sleep = time.Sleep }()

	deps := newTestDeps(t)
	r := NewRegistry(deps)

	reqArgs, _ := json.Marshal(map[string]interface{}{"target": "core", "message": "wrapping up", "max": 1})
	reqEnv := r.Handle("coord_shutdown_request", reqArgs, time.Now)
	if !reqEnv.OK {
		t.Fatalf("shutdown_request env = %+v", reqEnv)
	}
	var rec struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(reqEnv.Data.Text), &rec); err != nil {
		t.Fatalf("unmarshal shutdown request: %v", err)
	}
	if rec.RequestID == "" {
		t.Fatal("request_id is empty")
	}

	getArgs, _ := json.Marshal(map[string]interface{}{"request_id": rec.RequestID})
	getEnv := r.Handle("coord_get_shutdown_request", getArgs, time.Now)
	if !getEnv.OK {
		t.Fatalf("get_shutdown_request env = %+v", getEnv)
	}
	if !strings.Contains(getEnv.Data.Text, rec.RequestID) {
		t.Errorf("get_shutdown_request text = %q, want it to echo %q", getEnv.Data.Text, rec.RequestID)
	}
}

func TestRegistryRecordActivityFeedsConflictDetector(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	recordArgs, _ := json.Marshal(map[string]interface{}{"session": "alice", "tool": "Edit", "path": "src/main.go"})
	env := r.Handle("coord_record_activity", recordArgs, time.Now)
	if !env.OK || env.Data.Text != "recorded" {
		t.Fatalf("record_activity env = %+v", env)
	}

	detectArgs, _ := json.Marshal(map[string]interface{}{"session": "bob", "files": []string{"src/main.go"}})
	detectEnv := r.Handle("coord_detect_conflicts", detectArgs, time.Now)
	if !detectEnv.OK {
		t.Fatalf("detect_conflicts env = %+v", detectEnv)
	}
	if !strings.Contains(detectEnv.Data.Text, "src/main.go") {
		t.Errorf("detect_conflicts text = %q, want alice's recorded activity on src/main.go", detectEnv.Data.Text)
	}
}

func TestRegistryReceiptsSummaryAndThreadFilter(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	sendArgs, _ := json.Marshal(map[string]interface{}{"from": "lead", "to": "worker-1", "content": "hi", "priority": "normal"})
	if env := r.Handle("coord_send_message", sendArgs, time.Now); !env.OK {
		t.Fatalf("send_message env = %+v", env)
	}

	summaryArgs, _ := json.Marshal(map[string]interface{}{"session": "worker-1"})
	env := r.Handle("coord_receipts_summary", summaryArgs, time.Now)
	if !env.OK {
		t.Fatalf("receipts_summary env = %+v", env)
	}
	if !strings.Contains(env.Data.Text, `"queue_depth":1`) {
		t.Errorf("receipts_summary text = %q, want queue_depth 1", env.Data.Text)
	}

	checkArgs, _ := json.Marshal(map[string]interface{}{"session": "worker-1", "thread_id": "nonexistent"})
	checkEnv := r.Handle("coord_check_inbox", checkArgs, time.Now)
	if !checkEnv.OK {
		t.Fatalf("check_inbox env = %+v", checkEnv)
	}
	if checkEnv.Data.Text != "null" {
		t.Errorf("check_inbox with unmatched thread_id = %q, want null (filtered to empty)", checkEnv.Data.Text)
	}
}

func TestRegistryDeprecatedCostToolAppendsFooter(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	args, _ := json.Marshal(map[string]interface{}{"argv": []string{"true"}})
	env := r.Handle("coord_cost_report", args, time.Now)
	if !env.OK {
		t.Fatalf("coord_cost_report env = %+v", env)
	}
	if !strings.Contains(env.Data.Text, "deprecated=true, canonical_tool=coord_run_aux") {
		t.Errorf("text = %q, want a deprecation footer", env.Data.Text)
	}
}

func TestServeRoundTripsOneRequestPerLine(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	in := strings.NewReader(`{"tool":"coord_list_sessions","args":{}}` + "\n")
	var out bytes.Buffer
	if err := Serve(r, in, &out, false); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.String() != "null\n" {
		t.Errorf("out = %q, want %q", out.String(), "null\n")
	}
}

func TestServeEnvelopeMode(t *testing.T) {
	deps := newTestDeps(t)
	r := NewRegistry(deps)

	in := strings.NewReader(`{"tool":"coord_list_sessions","args":{}}` + "\n")
	var out bytes.Buffer
	if err := Serve(r, in, &out, true); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var env map[string]interface{}
	line := strings.TrimSuffix(out.String(), "\n")
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env["ok"] != true {
		t.Errorf("ok = %v, want true", env["ok"])
	}
}
