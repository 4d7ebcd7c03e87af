package auxproc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := New(2)
	res, err := r.Run(context.Background(), Request{Argv: []string{"echo", "-n", "hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestRunReturnsStderrOnNonZeroExit(t *testing.T) {
	r := New(1)
	_, err := r.Run(context.Background(), Request{Argv: []string{"sh", "-c", "echo boom >&2; exit 1"}})
	if err == nil {
		t.Fatal("expected error on non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want it to include stderr text", err)
	}
}

func TestRunTimesOut(t *testing.T) {
	r := New(1)
	_, err := r.Run(context.Background(), Request{
		Argv:    []string{"sleep", "2"},
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("err = %v, want ErrTimedOut", err)
	}
}

func TestRunEmptyArgvErrors(t *testing.T) {
	r := New(1)
	if _, err := r.Run(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	r := New(1)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), Request{Argv: []string{"sleep", "0.2"}})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Request{Argv: []string{"echo", "hi"}})
	if err == nil {
		t.Error("expected second Run to block on the exhausted semaphore and hit the context deadline")
	}
	<-done
}

func TestLimitWriterKeepsSmallOutputWhole(t *testing.T) {
	r := New(1)
	res, err := r.Run(context.Background(), Request{Argv: []string{"sh", "-c", "head -c 64 /dev/zero | tr '\\0' 'a'"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 64 {
		t.Errorf("len(Stdout) = %d, want 64", len(res.Stdout))
	}
	if res.Truncated {
		t.Error("Truncated = true, want false for small output")
	}
}
