// Package shutdown implements the Shutdown Request/Response Protocol
// (§4.Y): cooperative termination that escalates to a forced kill once
// a timeout elapses without a response.
package shutdown

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/coordinator/internal/eventlog"
	"github.com/sessionmesh/coordinator/internal/fsutil"
	"github.com/sessionmesh/coordinator/internal/mailbox"
	"github.com/sessionmesh/coordinator/internal/paths"
	"github.com/sessionmesh/coordinator/internal/worker"
)

// Default and maximum force-timeout bounds (§4.Y).
const (
	DefaultForceTimeoutSeconds = 60
	MaxForceTimeoutSeconds     = 300
)

// Request status values. Distinct from worker.Status* — a shutdown
// request's resolution and the target worker's terminal state are
// tracked separately, since rejecting a request leaves the worker
// running.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Record is the on-disk shape of one shutdown_request/response exchange.
type Record struct {
	RequestID  string    `json:"request_id"`
	Target     string    `json:"target"`
	Message    string    `json:"message,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Clock and Sleep are overridable in tests so the force-kill timer
// doesn't burn real wall-clock time.
var (
	Clock = time.Now
	Sleep = time.Sleep
)

var (
	ErrRequestNotFound  = fmt.Errorf("shutdown: request not found")
	ErrAlreadyResolved  = fmt.Errorf("shutdown: request already resolved")
)

// Coordinator wires shutdown_request/shutdown_response to their
// dependencies.
type Coordinator struct {
	Layout  paths.Layout
	Mailbox *mailbox.Fabric
	Worker  *worker.Store
}

func New(l paths.Layout, mb *mailbox.Fabric, w *worker.Store) *Coordinator {
	return &Coordinator{Layout: l, Mailbox: mb, Worker: w}
}

func (c *Coordinator) requestFile(id string) string {
	return filepath.Join(c.Layout.RuntimeDir(), "shutdown-requests", id+".json")
}

func clampTimeout(forceTimeoutSeconds, max int) int {
	if max <= 0 {
		max = MaxForceTimeoutSeconds
	}
	if forceTimeoutSeconds <= 0 {
		forceTimeoutSeconds = DefaultForceTimeoutSeconds
	}
	if forceTimeoutSeconds > max {
		forceTimeoutSeconds = max
	}
	return forceTimeoutSeconds
}

// RequestShutdown implements shutdown_request (§4.Y): sends an urgent,
// request-id-tagged inbox message, then starts a background timer that
// force-kills the target and marks this request expired if no
// shutdown_response arrives before the deadline.
func (c *Coordinator) RequestShutdown(target, message string, forceTimeoutSeconds, max int) (Record, error) {
	seconds := clampTimeout(forceTimeoutSeconds, max)
	timeout := time.Duration(seconds) * time.Second

	id := uuid.NewString()
	now := Clock().UTC()
	rec := Record{
		RequestID: id,
		Target:    target,
		Message:   message,
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
	path := c.requestFile(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Record{}, err
	}
	if err := fsutil.WriteJSON(path, rec); err != nil {
		return Record{}, err
	}

	body := fmt.Sprintf("[SHUTDOWN_REQUEST:%s] %s", id, message)
	if err := c.Mailbox.SendMessage("coordinator", target, body, mailbox.PriorityUrgent); err != nil {
		return Record{}, err
	}
	_ = eventlog.Emit(c.Layout.ActivityLog(), "ShutdownRequested", map[string]interface{}{
		"request_id": id, "target": target,
	})

	go c.watch(id, target, timeout)
	return rec, nil
}

func (c *Coordinator) watch(id, target string, timeout time.Duration) {
	Sleep(timeout)
	_ = c.expire(id, target)
}

// expire force-kills the target and marks the request expired, unless a
// response already resolved it first.
func (c *Coordinator) expire(id, target string) error {
	path := c.requestFile(id)
	var rec Record
	alreadyResolved := false
	err := fsutil.WithLockedJSON(path, &rec, func(found bool) (bool, error) {
		if !found || rec.Status != StatusPending {
			alreadyResolved = true
			return false, nil
		}
		rec.Status = StatusExpired
		rec.ResolvedAt = Clock().UTC()
		return true, nil
	})
	if err != nil || alreadyResolved {
		return err
	}
	if c.Worker != nil {
		_ = c.Worker.Kill(target)
	}
	_ = eventlog.Emit(c.Layout.ActivityLog(), "ShutdownForced", map[string]interface{}{
		"request_id": id, "target": target,
	})
	return nil
}

// Respond implements shutdown_response (§4.Y). On approve, the
// coordinator only records the event — the worker terminates itself.
// On reject, the coordinator logs the reason and does not force-kill.
// Either way the pending force-kill timer becomes a no-op once it fires,
// since the request is no longer StatusPending.
func (c *Coordinator) Respond(requestID string, approve bool, reason string) (Record, error) {
	path := c.requestFile(requestID)
	var rec Record
	err := fsutil.WithLockedJSON(path, &rec, func(found bool) (bool, error) {
		if !found {
			return false, ErrRequestNotFound
		}
		if rec.Status != StatusPending {
			return false, ErrAlreadyResolved
		}
		if approve {
			rec.Status = StatusApproved
		} else {
			rec.Status = StatusRejected
		}
		rec.Reason = reason
		rec.ResolvedAt = Clock().UTC()
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	eventType := "ShutdownApproved"
	if !approve {
		eventType = "ShutdownRejected"
	}
	_ = eventlog.Emit(c.Layout.ActivityLog(), eventType, map[string]interface{}{
		"request_id": requestID, "reason": reason,
	})
	return rec, nil
}

// GetRequest returns the current state of a shutdown request.
func (c *Coordinator) GetRequest(requestID string) (Record, error) {
	var rec Record
	found, err := fsutil.ReadJSON(c.requestFile(requestID), &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrRequestNotFound
	}
	return rec, nil
}
