// Package mailbox implements the Messaging Fabric (§3.3, §4.C3): durable
// per-recipient inboxes, sticky team announcements, and SLA tracking.
// Delivery goes straight to a JSONL file under lock; there is no
// in-process queue, so a restart never loses a pending message.
package mailbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/ids"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/session"
)

// Priority values (§3.3).
const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityLow    = "low"
)

// MaxInboxDepth is the supplemented queue-depth ceiling (SPEC_FULL §2):
// send_message soft-fails with ErrInboxFull past this many unread entries.
const MaxInboxDepth = 200

// ErrInboxFull is the CONFLICT-class soft error for a saturated inbox.
var ErrInboxFull = fmt.Errorf("INBOX_FULL")

// ErrRateLimited is returned when a sender exceeds the per-window cap.
var ErrRateLimited = fmt.Errorf("rate limit exceeded")

// Message is one line of inbox/<target>.jsonl (§3.3).
type Message struct {
	TS       time.Time `json:"ts"`
	From     string    `json:"from"`
	Priority string    `json:"priority"`
	Content  string    `json:"content"`
	ThreadID string    `json:"thread_id,omitempty"`
	// AckedAt and AckedBy implement supplemented feature #1 (two-phase
	// delivery acknowledgement): set by AckMessage after a consumer has
	// both read and handled the message, distinct from the destructive
	// read-and-truncate that check_inbox already performs.
	AckedAt *time.Time `json:"acked_at,omitempty"`
	AckedBy string     `json:"acked_by,omitempty"`
}

// RateWindow and RateLimit bound how many messages one sender may deliver
// to one recipient in a trailing window (§3.3, left configurable per the
// spec's Open Question about the exact default).
var (
	RateWindow = time.Minute
	RateLimit  = 30
)

// Clock is overridable in tests.
var Clock = time.Now

// Fabric is the messaging fabric bound to a state root and session store.
type Fabric struct {
	Layout   paths.Layout
	Sessions *session.Store
}

func New(l paths.Layout, sessions *session.Store) *Fabric {
	return &Fabric{Layout: l, Sessions: sessions}
}

// SendMessage appends one line to the recipient's inbox, flips
// has_messages, and emits a MessageSent event (§4.C3). Rate limiting and
// the queue-depth ceiling are enforced per recipient; both return a soft
// error without losing data in either sender's or recipient's state.
func (f *Fabric) SendMessage(from, to, content, priority string) error {
	if err := ids.Validate("to", to); err != nil {
		return err
	}
	if priority == "" {
		priority = PriorityNormal
	}

	path := f.Layout.InboxFile(to)
	depth, err := fsutil.CountLines(path)
	if err != nil {
		return fmt.Errorf("mailbox: counting inbox depth for %s: %w", to, err)
	}
	if depth >= MaxInboxDepth {
		return fmt.Errorf("%w: %s has %d queued messages", ErrInboxFull, to, depth)
	}
	if exceeded, err := f.rateLimited(to, from); err != nil {
		return err
	} else if exceeded {
		return fmt.Errorf("%w: %s -> %s", ErrRateLimited, from, to)
	}

	msg := Message{TS: Clock().UTC(), From: from, Priority: priority, Content: content}
	if err := fsutil.AppendJSONL(path, msg); err != nil {
		return err
	}
	_ = f.Sessions.SetHasMessages(to, true)
	_ = eventlog.Emit(f.Layout.ActivityLog(), "MessageSent", map[string]interface{}{
		"from": from, "to": to, "priority": priority,
	})
	return nil
}

// rateLimited counts messages from `from` to `to`'s inbox within
// RateWindow. Since the inbox is consume-and-clear, it checks the
// recipient's current (unread) backlog rather than a separate counter —
// adequate because a sender flooding an un-drained inbox is exactly the
// case rate limiting exists to catch.
func (f *Fabric) rateLimited(to, from string) (bool, error) {
	path := f.Layout.InboxFile(to)
	cutoff := Clock().UTC().Add(-RateWindow)
	count := 0
	_, err := fsutil.ReadJSONLTail(path, fsutil.MaxJSONLEntries, func(raw []byte) error {
		var m Message
		if err := unmarshalMessage(raw, &m); err != nil {
			return err
		}
		if m.From == from && !m.TS.Before(cutoff) {
			count++
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return count >= RateLimit, nil
}

// CheckInbox atomically reads and truncates a recipient's inbox, clearing
// has_messages, and re-surfaces any unacked sticky announcements for the
// session's team (§4.C3 team-scope extension). Returns messages oldest
// first.
func (f *Fabric) CheckInbox(sessionID, team string) ([]Message, error) {
	if err := ids.Validate("session", sessionID); err != nil {
		return nil, err
	}
	path := f.Layout.InboxFile(sessionID)
	release, err := fsutil.Lock(path)
	if err != nil {
		return nil, err
	}
	defer release()

	var messages []Message
	_, err = fsutil.ReadJSONLTail(path, fsutil.MaxJSONLEntries, func(raw []byte) error {
		var m Message
		if err := unmarshalMessage(raw, &m); err != nil {
			return err
		}
		messages = append(messages, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := fsutil.TruncateFile(path); err != nil {
		return nil, err
	}
	_ = f.Sessions.SetHasMessages(sessionID, false)

	if team != "" {
		sticky, err := f.unackedSticky(team, sessionID)
		if err == nil {
			messages = append(messages, sticky...)
		}
	}
	return messages, nil
}

// AckMessage records a two-phase delivery receipt (supplemented feature
// #1) by appending a MessageAcked event (original send ts, sender, ack
// time) to the recipient's receipts log; it does not mutate the already-truncated
// inbox line, since check_inbox has already consumed it destructively.
func (f *Fabric) AckMessage(sessionID string, messageTS time.Time, from string) error {
	return eventlog.Emit(f.receiptsLog(sessionID), "MessageAcked", map[string]interface{}{
		"session": sessionID,
		"from":    from,
		"ts":      messageTS.UTC().Format(time.RFC3339Nano),
		"acked_at": Clock().UTC().Format(time.RFC3339Nano),
	})
}

func (f *Fabric) receiptsLog(sessionID string) string {
	return f.Layout.InboxFile(sessionID) + ".receipts.jsonl"
}

// BroadcastResult reports per-recipient outcome for Broadcast (§4.C3:
// "not atomic across recipients").
type BroadcastResult struct {
	Succeeded []string
	Failed    map[string]string
}

// Broadcast sends content to every active session. Failures are recorded
// per recipient rather than aborting the whole broadcast.
func (f *Fabric) Broadcast(from, content, priority string) (BroadcastResult, error) {
	result := BroadcastResult{Failed: map[string]string{}}
	list, err := f.Sessions.ListSessions(false, "")
	if err != nil {
		return result, err
	}
	for _, s := range list.Sessions {
		if s.Status != session.StatusActive {
			continue
		}
		if err := f.SendMessage(from, s.Session, content, priority); err != nil {
			result.Failed[s.Session] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, s.Session)
	}
	return result, nil
}

// SendDirective sends a message then attempts to wake the recipient,
// best-effort (§4.C3). Waker is injected to avoid an import cycle with
// the wake package, which itself depends on mailbox for inbox delivery.
func (f *Fabric) SendDirective(from, to, content, priority string, waker func(to string) error) error {
	if err := f.SendMessage(from, to, content, priority); err != nil {
		return err
	}
	if waker != nil {
		_ = waker(to)
	}
	return nil
}

func unmarshalMessage(raw []byte, m *Message) error {
	return json.Unmarshal(raw, m)
}
