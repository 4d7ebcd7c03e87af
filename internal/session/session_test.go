package session

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
)

func writeSession(t *testing.T, l paths.Layout, rec Record) {
	t.Helper()
	if err := fsutil.WriteJSON(l.SessionFile(rec.Session), rec); err != nil {
		t.Fatalf("writeSession(%s): %v", rec.Session, err)
	}
}

func TestDerivedStatus(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	Clock = func() time.Time { return base }
	defer func() { Clock = time.Now }()

	cases := []struct {
		name string
		rec  Record
		want string
	}{
		{"active", Record{LastActive: base.Add(-1 * time.Minute)}, StatusActive},
		{"idle", Record{LastActive: base.Add(-4 * time.Minute)}, StatusIdle},
		{"stale", Record{LastActive: base.Add(-20 * time.Minute)}, StatusStale},
		{"explicit closed wins", Record{Status: StatusClosed, LastActive: base}, StatusClosed},
		{"unknown when never active", Record{}, StatusUnknown},
	}
	for _, c := range cases {
		if got := DerivedStatus(c.rec); got != c.want {
			t.Errorf("%s: DerivedStatus = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestListSessionsFiltersAndSorts(t *testing.T) {
	l := paths.New(t.TempDir())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	Clock = func() time.Time { return base }
	defer func() { Clock = time.Now }()

	writeSession(t, l, Record{Session: "alpha", Project: "p1", LastActive: base.Add(-1 * time.Minute)})
	writeSession(t, l, Record{Session: "beta", Project: "p2", LastActive: base.Add(-2 * time.Minute)})
	writeSession(t, l, Record{Session: "gamma", Project: "p1", Status: StatusClosed, LastActive: base.Add(-3 * time.Minute)})

	store := New(l)
	res, err := store.ListSessions(false, "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(res.Sessions) != 2 {
		t.Fatalf("ListSessions = %d entries, want 2 (closed excluded)", len(res.Sessions))
	}
	if res.Sessions[0].Session != "alpha" {
		t.Errorf("ListSessions[0] = %s, want alpha (most recent first)", res.Sessions[0].Session)
	}

	res, err = store.ListSessions(false, "p1")
	if err != nil {
		t.Fatalf("ListSessions(project filter): %v", err)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Session != "alpha" {
		t.Errorf("ListSessions(p1) = %+v, want only alpha", res.Sessions)
	}

	res, err = store.ListSessions(true, "")
	if err != nil {
		t.Fatalf("ListSessions(includeClosed): %v", err)
	}
	if len(res.Sessions) != 3 {
		t.Errorf("ListSessions(includeClosed) = %d, want 3", len(res.Sessions))
	}
}

func TestPruneClosedRemovesOnlyOldClosedSessions(t *testing.T) {
	l := paths.New(t.TempDir())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	Clock = func() time.Time { return base }
	defer func() { Clock = time.Now }()

	writeSession(t, l, Record{Session: "long-closed", Status: StatusClosed, LastActive: base.Add(-25 * time.Hour)})
	writeSession(t, l, Record{Session: "just-closed", Status: StatusClosed, LastActive: base.Add(-1 * time.Hour)})
	writeSession(t, l, Record{Session: "stale-but-open", LastActive: base.Add(-48 * time.Hour)})

	store := New(l)
	removed, err := store.PruneClosed(ClosedSessionMaxAge)
	if err != nil {
		t.Fatalf("PruneClosed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "long-closed" {
		t.Fatalf("PruneClosed = %v, want only long-closed", removed)
	}
	if _, err := os.Stat(l.SessionFile("long-closed")); !os.IsNotExist(err) {
		t.Error("long-closed's record should have been removed")
	}
	if _, err := os.Stat(l.SessionFile("just-closed")); err != nil {
		t.Error("just-closed's record should survive, it hasn't aged past the threshold")
	}
	if _, err := os.Stat(l.SessionFile("stale-but-open")); err != nil {
		t.Error("stale-but-open's record should survive, stale is not closed")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := New(paths.New(t.TempDir()))
	_, err := store.GetSession("missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestRegisterWorkUpdatesCurrentTask(t *testing.T) {
	l := paths.New(t.TempDir())
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	Clock = func() time.Time { return base }
	defer func() { Clock = time.Now }()

	writeSession(t, l, Record{Session: "alpha", LastActive: base})
	store := New(l)
	if err := store.RegisterWork("alpha", "T123", []string{"a.go", "b.go"}); err != nil {
		t.Fatalf("RegisterWork: %v", err)
	}
	d, err := store.GetSession("alpha")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if d.Record.CurrentTask != "T123" || len(d.Record.CurrentFiles) != 2 {
		t.Errorf("GetSession after RegisterWork = %+v", d.Record)
	}
	if d.Record.WorkRegistered.IsZero() {
		t.Error("WorkRegistered not stamped")
	}
}

func TestRegisterWorkMissingSession(t *testing.T) {
	store := New(paths.New(t.TempDir()))
	err := store.RegisterWork("ghost", "T1", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RegisterWork(ghost) = %v, want ErrSessionNotFound", err)
	}
}

func TestResolveSessionExactAndFuzzy(t *testing.T) {
	l := paths.New(t.TempDir())
	writeSession(t, l, Record{Session: "abc123", TabName: "Backend-Auth"})
	writeSession(t, l, Record{Session: "def456", TabName: "Frontend-UI"})
	store := New(l)

	id, err := store.ResolveSession("abc123")
	if err != nil || id != "abc123" {
		t.Errorf("ResolveSession(exact) = %q, %v", id, err)
	}

	id, err = store.ResolveSession("backend-auth")
	if err != nil || id != "abc123" {
		t.Errorf("ResolveSession(fuzzy tab name) = %q, %v, want abc123", id, err)
	}

	id, err = store.ResolveSession("def")
	if err != nil || id != "def456" {
		t.Errorf("ResolveSession(prefix) = %q, %v, want def456", id, err)
	}
}

func TestResolveSessionAmbiguous(t *testing.T) {
	l := paths.New(t.TempDir())
	writeSession(t, l, Record{Session: "abc111", TabName: "shared"})
	writeSession(t, l, Record{Session: "abc222", TabName: "shared"})
	store := New(l)

	_, err := store.ResolveSession("shared")
	var ambig *ErrAmbiguous
	if !errors.As(err, &ambig) {
		t.Errorf("ResolveSession(ambiguous) = %v, want *ErrAmbiguous", err)
	}
}

func TestResolveSessionNoMatch(t *testing.T) {
	store := New(paths.New(t.TempDir()))
	_, err := store.ResolveSession("nobody")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ResolveSession(no match) = %v, want ErrSessionNotFound", err)
	}
}
