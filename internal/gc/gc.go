// Package gc implements the §4.C1 garbage-collection policy: a single
// sweep that ages out finished worker artifacts, trims the activity log,
// and drops long-closed session records. It runs once at startup and
// again on demand (the `gc` subcommand), and never touches a pid-file
// whose process is still alive — that invariant is enforced inside
// worker.Store.PruneArtifacts, not here.
package gc

import (
	"fmt"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// ActivityLogMaxLines triggers truncation; ActivityLogKeepLines is the
// tail retained once it fires (§4.C1).
const (
	ActivityLogMaxLines  = 50_000
	ActivityLogKeepLines = 20_000
)

// Report summarizes what a Run swept, for the `gc` command's output.
type Report struct {
	WorkerArtifactsRemoved []string
	ActivityLogTruncated   bool
	SessionsRemoved        []string
}

// Run sweeps worker artifacts, the activity log, and closed sessions
// against the fixed §4.C1 thresholds.
func Run(l paths.Layout, workers *worker.Store, sessions *session.Store) (Report, error) {
	var report Report

	removed, err := workers.PruneArtifacts(worker.WorkerArtifactMaxAge)
	if err != nil {
		return report, fmt.Errorf("gc: pruning worker artifacts: %w", err)
	}
	report.WorkerArtifactsRemoved = removed

	truncated, err := pruneActivityLog(l)
	if err != nil {
		return report, fmt.Errorf("gc: truncating activity log: %w", err)
	}
	report.ActivityLogTruncated = truncated

	removedSessions, err := sessions.PruneClosed(session.ClosedSessionMaxAge)
	if err != nil {
		return report, fmt.Errorf("gc: pruning closed sessions: %w", err)
	}
	report.SessionsRemoved = removedSessions

	return report, nil
}

// pruneActivityLog truncates activity.jsonl to its last ActivityLogKeepLines
// lines once it exceeds ActivityLogMaxLines, following mailbox's
// lock-then-truncate convention (fsutil.TruncateFile's doc comment).
func pruneActivityLog(l paths.Layout) (truncated bool, err error) {
	path := l.ActivityLog()
	n, err := fsutil.CountLines(path)
	if err != nil {
		return false, err
	}
	if n <= ActivityLogMaxLines {
		return false, nil
	}
	release, err := fsutil.Lock(path)
	if err != nil {
		return false, err
	}
	defer release()
	if err := fsutil.TruncateToTail(path, ActivityLogKeepLines); err != nil {
		return false, err
	}
	return true, nil
}
