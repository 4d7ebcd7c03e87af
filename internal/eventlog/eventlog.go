// Package eventlog appends to the global activity.jsonl stream (§3.4) and
// to per-feature JSONL event logs (MessageSent, TaskStatusChanged,
// ConflictDetected, ...). Appends are durable but only "approximately
// chronological" across racing writers (§5); callers that window on time
// must re-sort on ts.
package eventlog

import (
	"encoding/json"
	"time"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
)

// ActivityEntry is one line of activity.jsonl.
type ActivityEntry struct {
	TS      time.Time `json:"ts"`
	Session string    `json:"session"`
	Tool    string    `json:"tool"`
	Path    string    `json:"path,omitempty"`
}

// Clock is overridable in tests.
var Clock = time.Now

// RecordActivity appends one entry to activity.jsonl. It is called by
// every handler that observes a session performing a file-touching tool
// call, and is the sole input to the Conflict Detector's replay (§4.C6).
func RecordActivity(l paths.Layout, session, tool, path string) error {
	return fsutil.AppendJSONL(l.ActivityLog(), ActivityEntry{
		TS:      Clock().UTC(),
		Session: session,
		Tool:    tool,
		Path:    path,
	})
}

// RecentActivity returns up to limit of the most recent activity log
// entries within `within` of now, for the conflict detector's replay.
func RecentActivity(l paths.Layout, limit int, within time.Duration) ([]ActivityEntry, string, error) {
	var entries []ActivityEntry
	warning, err := fsutil.ReadJSONLTail(l.ActivityLog(), limit, func(raw []byte) error {
		var e ActivityEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	cutoff := Clock().UTC().Add(-within)
	var recent []ActivityEntry
	for _, e := range entries {
		if !e.TS.Before(cutoff) {
			recent = append(recent, e)
		}
	}
	return recent, warning, nil
}

// Event is a generic, typed cross-cutting event. Most are logged via the
// typed helpers above; this is for ad-hoc events (WorkerSpawned, etc.)
// that a handler wants to emit without adding a dedicated log file.
type Event struct {
	TS   time.Time              `json:"ts"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Emit appends a generic event to a feature-specific JSONL log (e.g.
// conflicts.jsonl, a team's delivery-receipts log).
func Emit(path string, eventType string, data map[string]interface{}) error {
	return fsutil.AppendJSONL(path, Event{TS: Clock().UTC(), Type: eventType, Data: data})
}
