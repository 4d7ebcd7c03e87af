// Package session implements the Session Registry (§3.2, §4.C2): reading
// and lightly mutating the per-session JSON records an external
// session-start hook creates. The coordinator never originates a session
// record and never corrects the hook-maintained ring buffers/counters —
// those fields are treated as advisory (§9).
package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/paths"
)

// Status values, some stored and some purely derived at read time (§3.2).
const (
	StatusActive = "active"
	StatusIdle   = "idle"
	StatusStale  = "stale"
	StatusClosed = "closed"
	StatusUnknown = "unknown"
)

// Thresholds for derived status classification.
const (
	ActiveThreshold = 180 * time.Second
	IdleThreshold   = 600 * time.Second
)

// Op is one entry in a session's recent-operations ring buffer.
type Op struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	File      string    `json:"file,omitempty"`
}

// Record is the on-disk shape of session-<id>.json (§3.2).
type Record struct {
	Session      string           `json:"session"`
	Project      string           `json:"project,omitempty"`
	Branch       string           `json:"branch,omitempty"`
	CWD          string           `json:"cwd,omitempty"`
	TTY          string           `json:"tty,omitempty"`
	TabName      string           `json:"tab_name,omitempty"`
	HostPID      int              `json:"host_pid,omitempty"`
	Status       string           `json:"status,omitempty"`
	Started      time.Time        `json:"started,omitempty"`
	LastActive   time.Time        `json:"last_active,omitempty"`
	ToolCounts   map[string]int   `json:"tool_counts,omitempty"`
	FilesTouched []string         `json:"files_touched,omitempty"`
	CurrentFiles []string         `json:"current_files,omitempty"`
	CurrentTask  string           `json:"current_task,omitempty"`
	RecentOps    []Op             `json:"recent_ops,omitempty"`
	HasMessages  bool             `json:"has_messages,omitempty"`
	PlanFile     string           `json:"plan_file,omitempty"`
	WorkRegistered time.Time      `json:"work_registered,omitempty"`
	KilledBy     string           `json:"killed_by,omitempty"`
}

// Clock is overridable in tests.
var Clock = time.Now

// DerivedStatus applies the §3.2 classification rule: a stored status of
// "closed" or "stale" is authoritative; otherwise status is derived from
// how long ago last_active was.
func DerivedStatus(r Record) string {
	if r.Status == StatusClosed || r.Status == StatusStale {
		return r.Status
	}
	if r.LastActive.IsZero() {
		return StatusUnknown
	}
	age := Clock().Sub(r.LastActive)
	switch {
	case age < ActiveThreshold:
		return StatusActive
	case age < IdleThreshold:
		return StatusIdle
	default:
		return StatusStale
	}
}

// Store reads and mutates session records under a state root.
type Store struct {
	Layout paths.Layout
}

func New(l paths.Layout) *Store { return &Store{Layout: l} }

// Summary is the compact table row returned by ListSessions.
type Summary struct {
	Session     string `json:"session"`
	Project     string `json:"project,omitempty"`
	TabName     string `json:"tab_name,omitempty"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
	LastActive  time.Time `json:"last_active"`
	HasMessages bool   `json:"has_messages"`
}

// ListResult bundles the table with warnings for any corrupt record
// skipped along the way (§7.3).
type ListResult struct {
	Sessions []Summary
	Warnings []string
}

// ListSessions enumerates every session-*.json file, classifies status,
// optionally filters out closed sessions / filters by project, and
// returns most-recent-first (§4.C2).
func (s *Store) ListSessions(includeClosed bool, project string) (ListResult, error) {
	var result ListResult
	entries, err := os.ReadDir(s.Layout.SessionsDir())
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("session: reading session dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec Record
		found, err := fsutil.ReadJSON(filepath.Join(s.Layout.SessionsDir(), name), &rec)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("skipped %s: %v", name, err))
			continue
		}
		if !found {
			continue
		}
		status := DerivedStatus(rec)
		if !includeClosed && status == StatusClosed {
			continue
		}
		if project != "" && rec.Project != project {
			continue
		}
		result.Sessions = append(result.Sessions, Summary{
			Session:     rec.Session,
			Project:     rec.Project,
			TabName:     rec.TabName,
			Status:      status,
			CurrentTask: rec.CurrentTask,
			LastActive:  rec.LastActive,
			HasMessages: rec.HasMessages,
		})
	}

	sort.Slice(result.Sessions, func(i, j int) bool {
		return result.Sessions[i].LastActive.After(result.Sessions[j].LastActive)
	})
	return result, nil
}

// AllRecords returns every session record on disk, unfiltered, for
// callers (the Conflict Detector) that need the full current_files /
// files_touched sets rather than the compact Summary view. Corrupt
// records are skipped and reported as warnings, matching ListSessions.
func (s *Store) AllRecords() (records []Record, warnings []string, err error) {
	entries, readErr := os.ReadDir(s.Layout.SessionsDir())
	if os.IsNotExist(readErr) {
		return nil, nil, nil
	}
	if readErr != nil {
		return nil, nil, fmt.Errorf("session: reading session dir: %w", readErr)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec Record
		found, readErr := fsutil.ReadJSON(filepath.Join(s.Layout.SessionsDir(), name), &rec)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("skipped %s: %v", name, readErr))
			continue
		}
		if !found {
			continue
		}
		records = append(records, rec)
	}
	return records, warnings, nil
}

// ClosedSessionMaxAge is the §4.C1 GC threshold: a session record is only
// removed once it has been closed for longer than this. Record carries no
// closed_at field, so last_active's age is used as the closed-duration
// proxy — the hook that writes status=closed also stamps last_active in
// the same write, so the two are never more than one update apart.
const ClosedSessionMaxAge = 24 * time.Hour

// PruneClosed implements the GC closed-session rule (§4.C1): removes the
// on-disk record of every session whose derived status is closed and
// whose last_active is older than maxAge.
func (s *Store) PruneClosed(maxAge time.Duration) (removed []string, err error) {
	entries, readErr := os.ReadDir(s.Layout.SessionsDir())
	if os.IsNotExist(readErr) {
		return nil, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("session: reading session dir: %w", readErr)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.Layout.SessionsDir(), name)
		var rec Record
		found, readErr := fsutil.ReadJSON(path, &rec)
		if readErr != nil || !found {
			continue
		}
		if DerivedStatus(rec) != StatusClosed {
			continue
		}
		if Clock().Sub(rec.LastActive) <= maxAge {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("session: removing %s: %w", path, err)
		}
		removed = append(removed, rec.Session)
	}
	return removed, nil
}

// ErrSessionNotFound is returned when a session id has no record on disk.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Detail is the full record returned by GetSession, plus the first N lines
// of the plan file and the current inbox depth.
type Detail struct {
	Record      Record
	Status      string
	PlanExcerpt []string
	InboxDepth  int
}

// PlanExcerptLines is how many lines of plan_file GetSession reads (§4.C2).
const PlanExcerptLines = 20

// GetSession returns the full record for id, plus a plan-file excerpt and
// inbox depth. InboxDepth is computed by the caller's mailbox dependency
// via WithInboxDepth, to avoid an import cycle between session and mailbox.
func (s *Store) GetSession(id string) (Detail, error) {
	if err := ids.Validate("session", id); err != nil {
		return Detail{}, err
	}
	var rec Record
	found, err := fsutil.ReadJSON(s.Layout.SessionFile(id), &rec)
	if err != nil {
		return Detail{}, err
	}
	if !found {
		return Detail{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	d := Detail{Record: rec, Status: DerivedStatus(rec)}
	if rec.PlanFile != "" {
		if lines, err := readFirstLines(rec.PlanFile, PlanExcerptLines); err == nil {
			d.PlanExcerpt = lines
		}
	}
	return d, nil
}

// ReadPlanExcerpt reads up to n lines from an arbitrary plan file path.
// Exported for callers outside this package that want a different line
// count than GetSession's PlanExcerptLines default (force_wake's
// continuation prompt wants more context than a status view does).
func ReadPlanExcerpt(path string, n int) ([]string, error) {
	return readFirstLines(path, n)
}

func readFirstLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []string
	for len(lines) < n && scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// RegisterWork sets current_task and optionally current_files on a
// session record, stamping work_registered (§4.C2).
func (s *Store) RegisterWork(sessionID, task string, files []string) error {
	if err := ids.Validate("session", sessionID); err != nil {
		return err
	}
	path := s.Layout.SessionFile(sessionID)
	var rec Record
	return fsutil.WithLockedJSON(path, &rec, func(found bool) (bool, error) {
		if !found {
			return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		rec.CurrentTask = task
		if files != nil {
			rec.CurrentFiles = files
		}
		rec.WorkRegistered = Clock().UTC()
		return true, nil
	})
}

// SetHasMessages flips the has_messages hint bit. Called by the
// messaging fabric on send/check-inbox.
func (s *Store) SetHasMessages(sessionID string, has bool) error {
	path := s.Layout.SessionFile(sessionID)
	var rec Record
	return fsutil.WithLockedJSON(path, &rec, func(found bool) (bool, error) {
		if !found {
			// Sending to a not-yet-registered session must not fabricate a
			// session record (§8.3 boundary behavior) — the inbox still
			// exists, but there is nothing to flip the bit on.
			return false, nil
		}
		if rec.HasMessages == has {
			return false, nil
		}
		rec.HasMessages = has
		return true, nil
	})
}

// ErrAmbiguous is returned by ResolveSession when more than one session
// matches and no single best candidate can be chosen.
type ErrAmbiguous struct {
	Candidates []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("ambiguous session name: candidates %s", strings.Join(e.Candidates, ", "))
}

var caseFold = cases.Fold()

// ResolveSession resolves a human-supplied name to a session id via
// case-insensitive fuzzy match against tab_name, falling back to a
// prefix match against the session id itself (§4.C2).
func (s *Store) ResolveSession(name string) (string, error) {
	list, err := s.ListSessions(true, "")
	if err != nil {
		return "", err
	}
	folded := caseFold.String(name)

	var exact, tabMatches, prefixMatches []string
	for _, sess := range list.Sessions {
		if caseFold.String(sess.Session) == folded {
			exact = append(exact, sess.Session)
		}
		if sess.TabName != "" && strings.Contains(caseFold.String(sess.TabName), folded) {
			tabMatches = append(tabMatches, sess.Session)
		}
		if strings.HasPrefix(caseFold.String(sess.Session), folded) {
			prefixMatches = append(prefixMatches, sess.Session)
		}
	}
	switch {
	case len(exact) == 1:
		return exact[0], nil
	case len(tabMatches) == 1:
		return tabMatches[0], nil
	case len(prefixMatches) == 1:
		return prefixMatches[0], nil
	}

	candidates := dedupe(append(append(exact, tabMatches...), prefixMatches...))
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no session matches %q", ErrSessionNotFound, name)
	}
	return "", &ErrAmbiguous{Candidates: candidates}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
