// Package budget implements token-budget accounting (§4.C4, §4.C8): a
// per-team persisted ledger of tokens spent, used to back a team
// member's running_budget (the cost term in team_assign_next's scoring
// formula) and to give the global budget pre-check a durable view that
// survives a crash between worker spawns, not just the live process
// table worker.BudgetCheck sums over.
//
// Grounded on internal/quota/state.go + internal/quota/rotate.go's
// persisted per-entity state idiom (locked JSON, EnsureAccountsTracked's
// lazy-initialize-on-first-sight pattern), adapted from account-rotation
// bookkeeping to token-spend bookkeeping.
package budget

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/paths"
)

// Policy values (§4.C4/§4.C8's budget_policy / global_budget_policy).
const (
	PolicyOff     = "off"
	PolicyWarn    = "warn"
	PolicyEnforce = "enforce"
)

// ErrExceeded is wrapped by CheckEnforce when policy=enforce would
// reject the spawn.
var ErrExceeded = errors.New("budget: limit exceeded")

// Clock is overridable in tests.
var Clock = time.Now

// Entry is one ledger line: tokens charged to a member at a point in
// time. Ledgers are append-only and summed on read, the same
// approximately-chronological-exact-in-sum trade-off as the activity
// log.
type Entry struct {
	TS     time.Time `json:"ts"`
	Member string    `json:"member,omitempty"`
	Tokens int       `json:"tokens"`
}

// Ledger is the on-disk shape of budget/<team>.json.
type Ledger struct {
	TeamName string  `json:"team_name"`
	Entries  []Entry `json:"entries,omitempty"`
}

// Tracker records and sums per-team token spend.
type Tracker struct {
	Layout paths.Layout
}

func New(l paths.Layout) *Tracker { return &Tracker{Layout: l} }

// Record appends a spend entry to a team's ledger. Called by
// team.AssignNext when a worker is spawned for a member, with the
// worker's resolved budget_tokens (§4.C8: "a worker is spawned ...
// inheriting budget_tokens"). tokens<=0 is a no-op, since an unbudgeted
// spawn has nothing to charge.
func (t *Tracker) Record(teamName, member string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	path := t.Layout.BudgetLedgerFile(teamName)
	var ledger Ledger
	return fsutil.WithLockedJSON(path, &ledger, func(found bool) (bool, error) {
		if !found {
			ledger = Ledger{TeamName: teamName}
		}
		ledger.Entries = append(ledger.Entries, Entry{TS: Clock().UTC(), Member: member, Tokens: tokens})
		return true, nil
	})
}

// TeamTotal sums every entry in a team's ledger.
func (t *Tracker) TeamTotal(teamName string) (int, error) {
	var ledger Ledger
	found, err := fsutil.ReadJSON(t.Layout.BudgetLedgerFile(teamName), &ledger)
	if err != nil || !found {
		return 0, err
	}
	total := 0
	for _, e := range ledger.Entries {
		total += e.Tokens
	}
	return total, nil
}

// MemberTotal sums one member's entries within a team's ledger — the
// running_budget input to team_assign_next's running_budget_fraction
// cost term.
func (t *Tracker) MemberTotal(teamName, member string) (int, error) {
	var ledger Ledger
	found, err := fsutil.ReadJSON(t.Layout.BudgetLedgerFile(teamName), &ledger)
	if err != nil || !found {
		return 0, err
	}
	total := 0
	for _, e := range ledger.Entries {
		if e.Member == member {
			total += e.Tokens
		}
	}
	return total, nil
}

// GlobalTotal sums every team's ledger under the state root, for the
// fleet-wide global_budget_tokens pre-check (§5 "Budget enforcement").
func (t *Tracker) GlobalTotal() (int, error) {
	dir := t.Layout.BudgetDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: reading %s: %w", dir, err)
	}
	total := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sum, err := t.TeamTotal(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		total += sum
	}
	return total, nil
}

// CheckEnforce implements the budget pre-check (§4.C4/§5): given the
// currently-spent total and the tokens a new spawn would add, it warns
// or rejects once the projected total exceeds limit. policy=off or a
// non-positive limit never warns or rejects, matching
// worker.BudgetCheck's treatment of an unset ceiling as "no cap".
func (t *Tracker) CheckEnforce(policy string, currentTotal, adding, limit int) (warning string, err error) {
	if policy == PolicyOff || limit <= 0 {
		return "", nil
	}
	projected := currentTotal + adding
	if projected <= limit {
		return "", nil
	}
	msg := fmt.Sprintf("budget %d/%d tokens", projected, limit)
	if policy == PolicyEnforce {
		return "", fmt.Errorf("%w: %s", ErrExceeded, msg)
	}
	return msg, nil
}
