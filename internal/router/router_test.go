package router

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

func TestHandleSuccessEnvelope(t *testing.T) {
	r := New()
	r.Register("coord_ping", func(raw json.RawMessage) (Result, error) {
		return Result{Text: "pong"}, nil
	})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := r.Handle("coord_ping", nil, fixedClock(base, base.Add(5*time.Millisecond)))
	if !env.OK || env.Data == nil || env.Data.Text != "pong" {
		t.Errorf("env = %+v, want ok with text pong", env)
	}
	if env.Err != nil {
		t.Errorf("Err = %+v, want nil", env.Err)
	}
	if env.Meta.DurationMs != 5 {
		t.Errorf("DurationMs = %d, want 5", env.Meta.DurationMs)
	}
	if env.Meta.RequestID == "" {
		t.Error("RequestID is empty")
	}
}

func TestHandleUnknownToolReturnsRuntimeError(t *testing.T) {
	r := New()
	env := r.Handle("coord_nope", nil, time.Now)
	if env.OK {
		t.Error("OK = true, want false for unknown tool")
	}
	if env.Err == nil || env.Err.Code != ErrRuntime {
		t.Errorf("Err = %+v, want RUNTIME_ERROR", env.Err)
	}
}

func TestHandleHandlerErrorPreservesCode(t *testing.T) {
	r := New()
	r.Register("coord_strict", func(raw json.RawMessage) (Result, error) {
		return Result{}, NewHandlerError(ErrValidation, "missing field %s", "name")
	})
	env := r.Handle("coord_strict", nil, time.Now)
	if env.OK {
		t.Error("OK = true, want false")
	}
	if env.Err.Code != ErrValidation {
		t.Errorf("Code = %q, want VALIDATION_ERROR", env.Err.Code)
	}
	if env.Err.Message != "missing field name" {
		t.Errorf("Message = %q", env.Err.Message)
	}
}

func TestHandlePlainErrorDefaultsToRuntimeError(t *testing.T) {
	r := New()
	r.Register("coord_boom", func(raw json.RawMessage) (Result, error) {
		return Result{}, errBoom
	})
	env := r.Handle("coord_boom", nil, time.Now)
	if env.Err.Code != ErrRuntime {
		t.Errorf("Code = %q, want RUNTIME_ERROR", env.Err.Code)
	}
}

var errBoom = errors.New("boom")

func TestDeprecatedToolAppendsFooter(t *testing.T) {
	r := New()
	r.Register("coord_old_cost", func(raw json.RawMessage) (Result, error) {
		return Result{Text: "42 tokens"}, nil
	})
	r.Deprecate("coord_old_cost", "coord_cost_report", "coord_cost_report --format=text")

	env := r.Handle("coord_old_cost", nil, time.Now)
	if env.Data == nil {
		t.Fatal("Data is nil")
	}
	want := "42 tokens\ndeprecated=true, canonical_tool=coord_cost_report, canonical_command=coord_cost_report --format=text"
	if env.Data.Text != want {
		t.Errorf("Text = %q, want %q", env.Data.Text, want)
	}
}

func TestDeprecatedToolFooterOmittedOnError(t *testing.T) {
	r := New()
	r.Register("coord_old_cost", func(raw json.RawMessage) (Result, error) {
		return Result{}, NewHandlerError(ErrRuntime, "failed")
	})
	r.Deprecate("coord_old_cost", "coord_cost_report", "coord_cost_report")

	env := r.Handle("coord_old_cost", nil, time.Now)
	if env.OK {
		t.Error("OK = true, want false")
	}
	if env.Data != nil {
		t.Error("Data should be nil on error, footer must not be appended")
	}
}

func TestCanHandle(t *testing.T) {
	r := New()
	r.Register("coord_ping", func(raw json.RawMessage) (Result, error) { return Result{}, nil })
	if !r.CanHandle("coord_ping") {
		t.Error("CanHandle(coord_ping) = false, want true")
	}
	if r.CanHandle("coord_missing") {
		t.Error("CanHandle(coord_missing) = true, want false")
	}
}

func TestWarningsPassThroughToMeta(t *testing.T) {
	r := New()
	r.Register("coord_warn", func(raw json.RawMessage) (Result, error) {
		return Result{Text: "ok", Warnings: []string{"budget 900/1000 tokens"}}, nil
	})
	env := r.Handle("coord_warn", nil, time.Now)
	if len(env.Meta.Warnings) != 1 || env.Meta.Warnings[0] != "budget 900/1000 tokens" {
		t.Errorf("Warnings = %+v", env.Meta.Warnings)
	}
}

func TestEncodeTextPlainModeReturnsBareText(t *testing.T) {
	got := EncodeText(Result{Text: "hello"}, nil)
	if got != "hello" {
		t.Errorf("EncodeText = %q", got)
	}
}

func TestEncodeTextPlainModeReturnsErrorMessage(t *testing.T) {
	got := EncodeText(Result{}, NewHandlerError(ErrValidation, "bad input"))
	if got != "bad input" {
		t.Errorf("EncodeText = %q", got)
	}
}
