// Package conflict implements the Conflict Detector (§4.C6):
// detect_conflicts(session, files) cross-references a requesting
// session's file list against every other live session's claimed files
// and a bounded replay of recent Edit/Write activity, so a caller can
// decide whether to proceed before touching a file another agent is
// already working in.
package conflict

import (
	"path/filepath"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
)

// ActivityReplayLimit and ActivityReplayWindow bound the activity-log
// replay of step 4 (§4.C6).
const (
	ActivityReplayLimit  = 100
	ActivityReplayWindow = 5 * time.Minute
)

// SessionConflict is one other live session whose claimed files overlap
// the request.
type SessionConflict struct {
	Session string   `json:"session"`
	Files   []string `json:"files"`
}

// ActivityConflict is one recent Edit/Write activity-log entry that
// touched a requested file.
type ActivityConflict struct {
	Session string    `json:"session"`
	Tool    string    `json:"tool"`
	Path    string    `json:"path"`
	TS      time.Time `json:"ts"`
}

// Report is the result of detect_conflicts. Safe is true iff both sets
// are empty (§4.C6 step 5).
type Report struct {
	SessionConflicts  []SessionConflict  `json:"session_conflicts,omitempty"`
	ActivityConflicts []ActivityConflict `json:"activity_conflicts,omitempty"`
	Safe              bool               `json:"safe"`
}

// Detector is the conflict detector bound to a state root.
type Detector struct {
	Layout   paths.Layout
	Sessions *session.Store
}

func New(l paths.Layout, sessions *session.Store) *Detector {
	return &Detector{Layout: l, Sessions: sessions}
}

// Detect implements detect_conflicts(session, files) per the six-step
// algorithm of §4.C6, logging a ConflictDetected event regardless of
// outcome (an empty conflict set is itself useful signal to replay).
func (d *Detector) Detect(requestingSession string, files []string) (Report, error) {
	report := Report{Safe: true}
	if len(files) == 0 {
		return report, d.logResult(requestingSession, files, report)
	}

	records, _, err := d.Sessions.AllRecords()
	if err != nil {
		return Report{}, err
	}

	for _, rec := range records {
		if rec.Session == requestingSession {
			continue
		}
		if session.DerivedStatus(rec) == session.StatusClosed {
			continue
		}
		their := dedupe(append(append([]string{}, rec.CurrentFiles...), rec.FilesTouched...))
		overlap := overlapFiles(files, their)
		if len(overlap) > 0 {
			report.SessionConflicts = append(report.SessionConflicts, SessionConflict{
				Session: rec.Session, Files: overlap,
			})
		}
	}

	recent, _, err := eventlog.RecentActivity(d.Layout, ActivityReplayLimit, ActivityReplayWindow)
	if err != nil {
		return Report{}, err
	}
	for _, entry := range recent {
		if entry.Tool != "Edit" && entry.Tool != "Write" {
			continue
		}
		if entry.Session == requestingSession {
			continue
		}
		if matchesAny(entry.Path, files) {
			report.ActivityConflicts = append(report.ActivityConflicts, ActivityConflict{
				Session: entry.Session, Tool: entry.Tool, Path: entry.Path, TS: entry.TS,
			})
		}
	}

	report.Safe = len(report.SessionConflicts) == 0 && len(report.ActivityConflicts) == 0
	return report, d.logResult(requestingSession, files, report)
}

func (d *Detector) logResult(requestingSession string, files []string, report Report) error {
	return eventlog.Emit(d.Layout.Conflicts(), "ConflictDetected", map[string]interface{}{
		"session":            requestingSession,
		"files":              files,
		"session_conflicts":  report.SessionConflicts,
		"activity_conflicts": report.ActivityConflicts,
		"safe":               report.Safe,
	})
}

// overlapFiles returns the subset of requested that overlaps held,
// matching on full path or basename equality (§4.C6 step 3).
func overlapFiles(requested, held []string) []string {
	var out []string
	for _, want := range requested {
		for _, have := range held {
			if want == have || filepath.Base(want) == filepath.Base(have) {
				out = append(out, want)
				break
			}
		}
	}
	return out
}

// matchesAny reports whether path matches any of files by full path or
// basename (§4.C6 step 4).
func matchesAny(path string, files []string) bool {
	for _, f := range files {
		if path == f || filepath.Base(path) == filepath.Base(f) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
