package mailbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
)

// Announcement is one line of announcements.jsonl (§4.C3 team-scope
// extension: sticky announcements).
type Announcement struct {
	ID       string    `json:"id"`
	Team     string    `json:"team"`
	TS       time.Time `json:"ts"`
	From     string    `json:"from"`
	Content  string    `json:"content"`
	Priority string    `json:"priority"`
}

// cursors is the on-disk shape of a team's announcement-cursors.json: the
// last announcement id each consumer has acknowledged.
type cursors struct {
	Acked map[string]string `json:"acked"` // session -> last acked announcement id
}

// PostAnnouncement appends a sticky, durable announcement for a team.
// Unlike SendMessage, it is not consumed by a single check_inbox call —
// it is re-surfaced to every consumer until each acks it individually.
func (f *Fabric) PostAnnouncement(team, from, content, priority string) (Announcement, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	a := Announcement{
		ID:       fmt.Sprintf("A%d", Clock().UnixNano()),
		Team:     team,
		TS:       Clock().UTC(),
		From:     from,
		Content:  content,
		Priority: priority,
	}
	if err := fsutil.AppendJSONL(f.Layout.AnnouncementsFile(), a); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

// AckAnnouncement records that sessionID has seen every announcement up
// to and including id.
func (f *Fabric) AckAnnouncement(team, sessionID, id string) error {
	path := f.Layout.AnnouncementCursorsFile(team)
	var c cursors
	return fsutil.WithLockedJSON(path, &c, func(found bool) (bool, error) {
		if c.Acked == nil {
			c.Acked = map[string]string{}
		}
		c.Acked[sessionID] = id
		return true, nil
	})
}

// unackedSticky returns every announcement for team posted after the
// session's acked cursor, oldest first.
func (f *Fabric) unackedSticky(team, sessionID string) ([]Message, error) {
	var c cursors
	if _, err := fsutil.ReadJSON(f.Layout.AnnouncementCursorsFile(team), &c); err != nil {
		return nil, err
	}
	lastAcked := ""
	if c.Acked != nil {
		lastAcked = c.Acked[sessionID]
	}

	var all []Announcement
	_, err := fsutil.ReadJSONLTail(f.Layout.AnnouncementsFile(), fsutil.MaxJSONLEntries, func(raw []byte) error {
		var a Announcement
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if a.Team == team {
			all = append(all, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seenCursor := lastAcked == ""
	var out []Message
	for _, a := range all {
		if !seenCursor {
			if a.ID == lastAcked {
				seenCursor = true
			}
			continue
		}
		out = append(out, Message{
			TS:       a.TS,
			From:     a.From,
			Priority: a.Priority,
			Content:  "[announcement:" + a.ID + "] " + a.Content,
		})
	}
	return out, nil
}

// ThreadReplies scans a team's message log chronologically for every
// message sharing threadID (§4.C3: "threads are retrieved by scanning the
// team's message log chronologically"). It is sourced from the
// recipient's own inbox history plus the announcements log, since the
// coordinator keeps no separate per-team transcript.
func ThreadReplies(messages []Message, threadID string) []Message {
	var out []Message
	for _, m := range messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out
}

// SLA classes per priority: {warn, escalate} in minutes (§4.C3).
var SLAClasses = map[string]struct{ WarnAfter, EscalateAfter time.Duration }{
	PriorityLow:    {60 * time.Minute, 240 * time.Minute},
	PriorityNormal: {10 * time.Minute, 30 * time.Minute},
	PriorityHigh:   {3 * time.Minute, 10 * time.Minute},
	PriorityUrgent: {1 * time.Minute, 3 * time.Minute},
}

// SLAStatus classifies a message's age against its priority's SLA class.
func SLAStatus(priority string, age time.Duration) string {
	cls, ok := SLAClasses[priority]
	if !ok {
		cls = SLAClasses[PriorityNormal]
	}
	switch {
	case age >= cls.EscalateAfter:
		return "escalated"
	case age >= cls.WarnAfter:
		return "warning"
	default:
		return "ok"
	}
}

// ReceiptsSummary is one row of the delivery-receipts dashboard (§4.C3).
type ReceiptsSummary struct {
	Recipient     string        `json:"recipient"`
	QueueDepth    int           `json:"queue_depth"`
	AckLatencyP50 time.Duration `json:"ack_latency_p50_ns"`
	AckLatencyP95 time.Duration `json:"ack_latency_p95_ns"`
	RetryCount    int           `json:"retry_count"`
}

// Receipts computes the delivery-receipts dashboard row for recipient:
// its current (unread) queue depth, how many of those queued messages
// have already breached their priority's escalation threshold, and ack
// latency percentiles drawn from the MessageAcked events AckMessage has
// recorded in the recipient's receipts log.
func (f *Fabric) Receipts(recipient string) (ReceiptsSummary, error) {
	summary := ReceiptsSummary{Recipient: recipient}

	now := Clock().UTC()
	_, err := fsutil.ReadJSONLTail(f.Layout.InboxFile(recipient), fsutil.MaxJSONLEntries, func(raw []byte) error {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		summary.QueueDepth++
		if SLAStatus(m.Priority, now.Sub(m.TS)) == "escalated" {
			summary.RetryCount++
		}
		return nil
	})
	if err != nil {
		return ReceiptsSummary{}, err
	}

	var latencies []time.Duration
	_, err = fsutil.ReadJSONLTail(f.receiptsLog(recipient), fsutil.MaxJSONLEntries, func(raw []byte) error {
		var e eventlog.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Type != "MessageAcked" {
			return nil
		}
		sentStr, _ := e.Data["ts"].(string)
		ackedStr, _ := e.Data["acked_at"].(string)
		sent, errS := time.Parse(time.RFC3339Nano, sentStr)
		acked, errA := time.Parse(time.RFC3339Nano, ackedStr)
		if errS != nil || errA != nil {
			return nil
		}
		latencies = append(latencies, acked.Sub(sent))
		return nil
	})
	if err != nil {
		return ReceiptsSummary{}, err
	}

	summary.AckLatencyP50 = percentile(latencies, 0.50)
	summary.AckLatencyP95 = percentile(latencies, 0.95)
	return summary, nil
}

// percentile returns the p-th percentile (0 <= p <= 1) of durations: the
// element at index floor(p*len), clamped to the last element, of a sorted
// copy; zero if durations is empty.
func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// CheckSLA walks a recipient's current (unread) inbox and emits
// PeerMessageSLAWarning / PeerMessageEscalated events for any message
// that has crossed its priority's threshold, grounded in the SLA classes
// above. Intended to be called periodically, e.g. from GC.
func (f *Fabric) CheckSLA(recipient string) error {
	now := Clock().UTC()
	_, err := fsutil.ReadJSONLTail(f.Layout.InboxFile(recipient), fsutil.MaxJSONLEntries, func(raw []byte) error {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		status := SLAStatus(m.Priority, now.Sub(m.TS))
		data := map[string]interface{}{
			"recipient": recipient, "from": m.From, "priority": m.Priority,
			"age_seconds": now.Sub(m.TS).Seconds(),
		}
		switch status {
		case "warning":
			return eventlog.Emit(f.Layout.ActivityLog(), "PeerMessageSLAWarning", data)
		case "escalated":
			return eventlog.Emit(f.Layout.ActivityLog(), "PeerMessageEscalated", data)
		}
		return nil
	})
	return err
}
