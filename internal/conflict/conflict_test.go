package conflict

import (
	"testing"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
)

func newDetector(t *testing.T) (*Detector, paths.Layout) {
	t.Helper()
	l := paths.New(t.TempDir())
	return New(l, session.New(l)), l
}

func writeSession(t *testing.T, l paths.Layout, rec session.Record) {
	t.Helper()
	if err := fsutil.WriteJSON(l.SessionFile(rec.Session), rec); err != nil {
		t.Fatalf("writing session %s: %v", rec.Session, err)
	}
}

func TestDetectFindsSessionFileOverlap(t *testing.T) {
	d, l := newDetector(t)
	now := time.Now().UTC()
	writeSession(t, l, session.Record{
		Session: "other", Status: session.StatusActive, LastActive: now,
		CurrentFiles: []string{"/repo/a.go"},
	})

	report, err := d.Detect("mine", []string{"/repo/a.go"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Safe {
		t.Error("report.Safe = true, want false (session overlap)")
	}
	if len(report.SessionConflicts) != 1 || report.SessionConflicts[0].Session != "other" {
		t.Errorf("SessionConflicts = %+v", report.SessionConflicts)
	}
}

func TestDetectMatchesByBasename(t *testing.T) {
	d, l := newDetector(t)
	now := time.Now().UTC()
	writeSession(t, l, session.Record{
		Session: "other", Status: session.StatusActive, LastActive: now,
		FilesTouched: []string{"/elsewhere/shared.go"},
	})

	report, err := d.Detect("mine", []string{"/repo/shared.go"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Safe {
		t.Error("report.Safe = true, want false (basename overlap)")
	}
}

func TestDetectIgnoresClosedAndSelf(t *testing.T) {
	d, l := newDetector(t)
	now := time.Now().UTC()
	writeSession(t, l, session.Record{
		Session: "closed-one", Status: session.StatusClosed, LastActive: now,
		CurrentFiles: []string{"/repo/a.go"},
	})
	writeSession(t, l, session.Record{
		Session: "mine", Status: session.StatusActive, LastActive: now,
		CurrentFiles: []string{"/repo/a.go"},
	})

	report, err := d.Detect("mine", []string{"/repo/a.go"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !report.Safe {
		t.Errorf("report = %+v, want safe (only a closed session and self overlap)", report)
	}
}

func TestDetectReplaysRecentActivity(t *testing.T) {
	d, l := newDetector(t)
	eventlog.Clock = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { eventlog.Clock = time.Now }()

	if err := eventlog.RecordActivity(l, "other", "Edit", "/repo/b.go"); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	report, err := d.Detect("mine", []string{"/repo/b.go"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Safe {
		t.Error("report.Safe = true, want false (recent Edit activity)")
	}
	if len(report.ActivityConflicts) != 1 || report.ActivityConflicts[0].Session != "other" {
		t.Errorf("ActivityConflicts = %+v", report.ActivityConflicts)
	}
}

func TestDetectIgnoresStaleActivity(t *testing.T) {
	d, l := newDetector(t)
	eventlog.Clock = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	if err := eventlog.RecordActivity(l, "other", "Edit", "/repo/c.go"); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	eventlog.Clock = func() time.Time { return time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC) }
	defer func() { eventlog.Clock = time.Now }()

	report, err := d.Detect("mine", []string{"/repo/c.go"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !report.Safe {
		t.Errorf("report = %+v, want safe (activity is 10 minutes stale)", report)
	}
}

func TestDetectLogsConflictEvent(t *testing.T) {
	d, l := newDetector(t)
	if _, err := d.Detect("mine", []string{"/repo/a.go"}); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	var found bool
	if _, err := fsutil.ReadJSONLTail(l.Conflicts(), 10, func(raw []byte) error {
		found = true
		return nil
	}); err != nil {
		t.Fatalf("reading conflicts.jsonl: %v", err)
	}
	if !found {
		t.Error("conflicts.jsonl has no ConflictDetected entry after Detect")
	}
}
