package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	return New(paths.New(t.TempDir()))
}

func TestRecordAndTeamTotal(t *testing.T) {
	tr := newTracker(t)
	if err := tr.Record("core", "alice", 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record("core", "bob", 50); err != nil {
		t.Fatalf("Record: %v", err)
	}
	total, err := tr.TeamTotal("core")
	if err != nil {
		t.Fatalf("TeamTotal: %v", err)
	}
	if total != 150 {
		t.Errorf("TeamTotal = %d, want 150", total)
	}
}

func TestMemberTotalIsolatesByMember(t *testing.T) {
	tr := newTracker(t)
	_ = tr.Record("core", "alice", 100)
	_ = tr.Record("core", "alice", 25)
	_ = tr.Record("core", "bob", 50)

	got, err := tr.MemberTotal("core", "alice")
	if err != nil {
		t.Fatalf("MemberTotal: %v", err)
	}
	if got != 125 {
		t.Errorf("MemberTotal(alice) = %d, want 125", got)
	}
}

func TestRecordZeroOrNegativeIsNoop(t *testing.T) {
	tr := newTracker(t)
	if err := tr.Record("core", "alice", 0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record("core", "alice", -5); err != nil {
		t.Fatalf("Record: %v", err)
	}
	total, err := tr.TeamTotal("core")
	if err != nil {
		t.Fatalf("TeamTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("TeamTotal = %d, want 0", total)
	}
}

func TestGlobalTotalSumsAcrossTeams(t *testing.T) {
	tr := newTracker(t)
	_ = tr.Record("core", "alice", 100)
	_ = tr.Record("support", "carol", 200)

	got, err := tr.GlobalTotal()
	if err != nil {
		t.Fatalf("GlobalTotal: %v", err)
	}
	if got != 300 {
		t.Errorf("GlobalTotal = %d, want 300", got)
	}
}

func TestGlobalTotalEmptyWhenNoLedgers(t *testing.T) {
	tr := newTracker(t)
	got, err := tr.GlobalTotal()
	if err != nil {
		t.Fatalf("GlobalTotal: %v", err)
	}
	if got != 0 {
		t.Errorf("GlobalTotal = %d, want 0", got)
	}
}

func TestCheckEnforceOffNeverRejects(t *testing.T) {
	tr := newTracker(t)
	warning, err := tr.CheckEnforce(PolicyOff, 900, 500, 1000)
	if err != nil || warning != "" {
		t.Errorf("CheckEnforce(off) = (%q, %v), want (\"\", nil)", warning, err)
	}
}

func TestCheckEnforceWarnReturnsWarningNotError(t *testing.T) {
	tr := newTracker(t)
	warning, err := tr.CheckEnforce(PolicyWarn, 900, 500, 1000)
	if err != nil {
		t.Fatalf("CheckEnforce(warn): %v", err)
	}
	if warning == "" {
		t.Error("expected a non-empty warning when projected total exceeds limit")
	}
}

func TestCheckEnforceRejectsOverLimit(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.CheckEnforce(PolicyEnforce, 900, 500, 1000)
	if !errors.Is(err, ErrExceeded) {
		t.Errorf("CheckEnforce(enforce) err = %v, want ErrExceeded", err)
	}
}

func TestCheckEnforceUnderLimitPasses(t *testing.T) {
	tr := newTracker(t)
	warning, err := tr.CheckEnforce(PolicyEnforce, 100, 50, 1000)
	if err != nil || warning != "" {
		t.Errorf("CheckEnforce(under limit) = (%q, %v), want (\"\", nil)", warning, err)
	}
}

func TestCheckEnforceZeroLimitMeansNoCap(t *testing.T) {
	tr := newTracker(t)
	warning, err := tr.CheckEnforce(PolicyEnforce, 10_000, 10_000, 0)
	if err != nil || warning != "" {
		t.Errorf("CheckEnforce(limit=0) = (%q, %v), want (\"\", nil)", warning, err)
	}
}

func TestRecordEntryTimestampUsesClock(t *testing.T) {
	tr := newTracker(t)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	Clock = func() time.Time { return fixed }
	defer func() { Clock = time.Now }()

	if err := tr.Record("core", "alice", 10); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var ledger Ledger
	found, err := fsutil.ReadJSON(tr.Layout.BudgetLedgerFile("core"), &ledger)
	if err != nil || !found {
		t.Fatalf("ReadJSON: found=%v err=%v", found, err)
	}
	if len(ledger.Entries) != 1 || !ledger.Entries[0].TS.Equal(fixed) {
		t.Errorf("entries = %+v, want one entry at %v", ledger.Entries, fixed)
	}
}
