// Package context implements the Shared Context Store (§3.9, §4.Z):
// per-team markdown key/value blobs plus a lead-context export/inherit
// path that prepends onto a worker's prompt at spawn time when its
// context level is "full".
package context

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/team"
)

// DefaultTeam is used by export_context when a session belongs to no
// team (§4.Z: "the team this session belongs to (or default)").
const DefaultTeam = "default"

// LeadContextFileName is excluded from read_context's all-keys listing
// since it is a distinct, separately-flagged section (include_lead).
const LeadContextFileName = "lead-context.md"

// Clock is overridable in tests.
var Clock = time.Now

// ErrKeyNotFound is returned by ReadContext when a specific key was
// requested and no such file exists.
var ErrKeyNotFound = fmt.Errorf("context: key not found")

// Store is the Shared Context Store bound to a state root. Teams is
// used only by ExportContext to resolve a session's team scope.
type Store struct {
	Layout paths.Layout
	Teams  *team.Dispatcher
}

func New(l paths.Layout, teams *team.Dispatcher) *Store {
	return &Store{Layout: l, Teams: teams}
}

// WriteContext implements write_context (§4.Z): writes
// context/<team>/<key>.md. With append=true, the existing content is
// kept and the new value is appended after a "\n--- <ts> ---\n" header.
func (s *Store) WriteContext(teamName, key, value string, appendMode bool) error {
	path := s.Layout.ContextKeyFile(teamName, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if appendMode {
		existing, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		header := fmt.Sprintf("\n--- %s ---\n", Clock().UTC().Format(time.RFC3339))
		value = string(existing) + header + value
	}
	return os.WriteFile(path, []byte(value), 0o600)
}

// ReadContext implements read_context (§4.Z): returns the single key's
// content if key is given, or a concatenation of every key in the
// team's context directory with its filename as a heading. With
// includeLead=true, lead-context.md is appended regardless.
func (s *Store) ReadContext(teamName, key string, includeLead bool) (string, error) {
	var b strings.Builder
	dir := filepath.Join(s.Layout.ContextDir(), teamName)

	if key != "" {
		content, err := os.ReadFile(s.Layout.ContextKeyFile(teamName, key))
		if err != nil {
			if os.IsNotExist(err) {
				return "", ErrKeyNotFound
			}
			return "", err
		}
		b.Write(content)
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
		var names []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".md") || name == LeadContextFileName {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\n\n%s", name, content)
		}
	}

	if includeLead {
		content, err := os.ReadFile(s.Layout.LeadContextFile(teamName))
		if err == nil {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\n\n%s", LeadContextFileName, content)
		}
	}
	return b.String(), nil
}

// ExportContext implements export_context (§4.Z): writes
// lead-context.md for the team the session belongs to, resolved via
// the team roster (falling back to DefaultTeam when the session claims
// no team). A subsequent spawn_worker with context_level=full prepends
// this content to the worker's prompt (internal/worker.Store.Spawn).
func (s *Store) ExportContext(sessionID, summary string) error {
	teamName := DefaultTeam
	if s.Teams != nil {
		if resolved, err := s.Teams.ResolveMemberTeam(sessionID); err == nil && resolved != "" {
			teamName = resolved
		}
	}
	path := s.Layout.LeadContextFile(teamName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(summary), 0o600)
}
