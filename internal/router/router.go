// Package router implements the Tool-Call Surface's dispatch table
// (§6.1): a name -> handler registry, input validation, the optional
// result envelope, the error taxonomy, and the deprecated-tool footer.
//
// Grounded on internal/protocol/handlers.go's HandlerRegistry
// (Register/Handle/CanHandle, a typed handler func keyed by message
// type) — generalized from mail-message routing to this spec's flat
// snake_case tool namespace, with one handler per tool name instead of
// per protocol message type.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorCode is the taxonomy in §7.1/§6.1.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrTimeout    ErrorCode = "TIMEOUT"
	ErrDependency ErrorCode = "DEPENDENCY_ERROR"
	ErrPolicy     ErrorCode = "POLICY_DENIED"
	ErrRuntime    ErrorCode = "RUNTIME_ERROR"
)

// HandlerError carries a specific ErrorCode through to the envelope;
// a handler error that isn't a *HandlerError maps to ErrRuntime.
type HandlerError struct {
	Code    ErrorCode
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// NewHandlerError wraps a message under an explicit code.
func NewHandlerError(code ErrorCode, format string, args ...interface{}) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Result is what a Handler returns: a text payload plus any non-fatal
// warnings (budget warnings, truncated-output notices, and the like).
type Result struct {
	Text     string
	Warnings []string
}

// Handler processes one tool call's raw JSON arguments and returns its
// text result. Validation errors should be returned as
// *HandlerError{Code: ErrValidation, ...} so the envelope maps them
// correctly; an unwrapped error maps to ErrRuntime.
type Handler func(raw json.RawMessage) (Result, error)

// Deprecation describes a legacy tool name's canonical replacement
// (§6.1 "Deprecated tools"): invoking the legacy name still runs the
// canonical handler, but the result carries a deprecation footer.
type Deprecation struct {
	CanonicalTool    string
	CanonicalCommand string
}

// Registry is the coordinator's tool-call dispatch table.
type Registry struct {
	handlers     map[string]Handler
	deprecations map[string]Deprecation
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		handlers:     make(map[string]Handler),
		deprecations: make(map[string]Deprecation),
	}
}

// Register adds a handler for a tool name.
func (r *Registry) Register(tool string, h Handler) {
	r.handlers[tool] = h
}

// Deprecate marks tool as a legacy alias of canonicalTool: calling tool
// still dispatches to tool's own registered handler (callers typically
// register both names to the same underlying function), but the result
// gets the deprecation footer appended.
func (r *Registry) Deprecate(tool, canonicalTool, canonicalCommand string) {
	r.deprecations[tool] = Deprecation{CanonicalTool: canonicalTool, CanonicalCommand: canonicalCommand}
}

// CanHandle reports whether a handler is registered for tool.
func (r *Registry) CanHandle(tool string) bool {
	_, ok := r.handlers[tool]
	return ok
}

// ErrNoHandler is returned by Handle when tool has no registered
// handler — distinct from a handler itself returning a RUNTIME_ERROR.
var ErrNoHandler = errors.New("router: no handler registered for tool")

// Handle dispatches a raw tool call. now is injected rather than read
// from time.Now directly so Envelope's durationMs is deterministic in
// tests.
func (r *Registry) Handle(tool string, raw json.RawMessage, now func() time.Time) Envelope {
	start := now()
	handler, ok := r.handlers[tool]
	if !ok {
		return r.envelope(tool, start, now(), Result{}, ErrNoHandler)
	}
	result, err := func() (res Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = NewHandlerError(ErrRuntime, "handler %s panicked: %v", tool, p)
			}
		}()
		return handler(raw)
	}()
	if dep, deprecated := r.deprecations[tool]; deprecated {
		footer := fmt.Sprintf("deprecated=true, canonical_tool=%s, canonical_command=%s", dep.CanonicalTool, dep.CanonicalCommand)
		if err == nil {
			if result.Text != "" {
				result.Text += "\n" + footer
			} else {
				result.Text = footer
			}
		}
	}
	return r.envelope(tool, start, now(), result, err)
}

// Envelope is the §6.1 result envelope shape.
type Envelope struct {
	OK   bool         `json:"ok"`
	Data *EnvelopeData `json:"data"`
	Err  *EnvelopeErr  `json:"error"`
	Meta EnvelopeMeta  `json:"meta"`
}

type EnvelopeData struct {
	Text string `json:"text"`
}

type EnvelopeErr struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type EnvelopeMeta struct {
	Tool       string   `json:"tool"`
	DurationMs int64    `json:"durationMs"`
	RequestID  string   `json:"requestId"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (r *Registry) envelope(tool string, start, end time.Time, result Result, err error) Envelope {
	meta := EnvelopeMeta{
		Tool:       tool,
		DurationMs: end.Sub(start).Milliseconds(),
		RequestID:  uuid.NewString(),
		Warnings:   result.Warnings,
	}
	if err != nil {
		return Envelope{OK: false, Data: nil, Err: &EnvelopeErr{Code: classify(err), Message: err.Error()}, Meta: meta}
	}
	return Envelope{OK: true, Data: &EnvelopeData{Text: result.Text}, Err: nil, Meta: meta}
}

// classify maps an error to its ErrorCode (§7.1, §6.1's mapping rules).
// A *HandlerError carries its code explicitly; ErrNoHandler and any
// other unwrapped error default to RUNTIME_ERROR (the "otherwise"
// fallback in the mapping table).
func classify(err error) ErrorCode {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Code
	}
	return ErrRuntime
}

// EncodeText renders a non-enveloped handler Result as its plain-text
// form, for when COORDINATOR_RESULT_ENVELOPE is unset (§6.1).
func EncodeText(result Result, err error) string {
	if err != nil {
		return err.Error()
	}
	return result.Text
}
