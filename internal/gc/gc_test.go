package gc

import (
	"os"
	"testing"
	"time"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
	"github.com/sessionmesh/coordinator/internal/termcap"
	"github.com/sessionmesh/coordinator/internal/worker"
)

type fakeOS struct{ alive map[int]bool }

func (f *fakeOS) OpenTerminal(command []string, dir, layout string) (string, error) {
	return termcap.EmulatorBackground, nil
}
func (f *fakeOS) SpawnDetached(command []string, dir, logPath string) (int, error) { return 1, nil }
func (f *fakeOS) InjectText(tty, text string) bool                                 { return true }
func (f *fakeOS) KillProcess(pid int) error                                        { return nil }
func (f *fakeOS) IsProcessAlive(pid int) bool                                      { return f.alive[pid] }

func TestRunSweepsAllThreeRules(t *testing.T) {
	l := paths.New(t.TempDir())
	workers := worker.New(l, &fakeOS{alive: map[int]bool{}})
	sessions := session.New(l)

	if _, err := workers.Spawn("OLD", "/repo", "p", worker.SpawnOpts{}); err != nil {
		t.Fatalf("spawn OLD: %v", err)
	}
	if err := workers.Kill("OLD"); err != nil {
		t.Fatalf("kill OLD: %v", err)
	}
	old := time.Now().Add(-8 * 24 * time.Hour)
	for _, p := range []string{l.WorkerMeta("OLD"), l.WorkerDone("OLD")} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("backdating %s: %v", p, err)
		}
	}

	for i := 0; i < ActivityLogMaxLines+1; i++ {
		if err := fsutil.AppendJSONL(l.ActivityLog(), map[string]int{"i": i}); err != nil {
			t.Fatalf("seeding activity log: %v", err)
		}
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	session.Clock = func() time.Time { return base }
	defer func() { session.Clock = time.Now }()
	if err := fsutil.WriteJSON(l.SessionFile("long-closed"), session.Record{
		Session: "long-closed", Status: session.StatusClosed, LastActive: base.Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("writing session record: %v", err)
	}

	report, err := Run(l, workers, sessions)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.WorkerArtifactsRemoved) != 1 || report.WorkerArtifactsRemoved[0] != "OLD" {
		t.Errorf("WorkerArtifactsRemoved = %v, want [OLD]", report.WorkerArtifactsRemoved)
	}
	if !report.ActivityLogTruncated {
		t.Error("ActivityLogTruncated = false, want true")
	}
	n, err := fsutil.CountLines(l.ActivityLog())
	if err != nil || n != ActivityLogKeepLines {
		t.Errorf("activity log lines after Run = %d err=%v, want %d", n, err, ActivityLogKeepLines)
	}
	if len(report.SessionsRemoved) != 1 || report.SessionsRemoved[0] != "long-closed" {
		t.Errorf("SessionsRemoved = %v, want [long-closed]", report.SessionsRemoved)
	}
}

func TestRunOnEmptyStateRootIsNoop(t *testing.T) {
	l := paths.New(t.TempDir())
	workers := worker.New(l, &fakeOS{alive: map[int]bool{}})
	sessions := session.New(l)

	report, err := Run(l, workers, sessions)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.WorkerArtifactsRemoved) != 0 || report.ActivityLogTruncated || len(report.SessionsRemoved) != 0 {
		t.Errorf("Run on empty state root = %+v, want an all-zero report", report)
	}
}
