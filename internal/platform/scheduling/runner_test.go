package scheduling

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunner_AddRejectsDuplicatesAndBadSpecs(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	noop := func(context.Context) error { return nil }

	if err := r.Add("promote", "@every 30s", noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Add("promote", "@every 30s", noop); err == nil {
		t.Error("expected error for duplicate job name")
	}
	if err := r.Add("bad", "not a schedule", noop); err == nil {
		t.Error("expected error for invalid spec")
	}
	if _, ok := r.Next("bad"); ok {
		t.Error("invalid job should not be registered")
	}
}

func TestRunner_RunsAndStops(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	var runs atomic.Int32
	var sawCancel atomic.Bool

	err := r.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		sawCancel.Store(true)
		return errors.New("stopped")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !sawCancel.Load() {
		t.Error("running job did not observe cancellation")
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("expected overlapping runs to be skipped, got %d runs", n)
	}
}

func TestCronLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{log: zerolog.New(&buf)}
	l.Error(errors.New("boom"), "panic", "job", "tick")
	out := buf.String()
	if !strings.Contains(out, `"job":"tick"`) || !strings.Contains(out, `"error":"boom"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}
