package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

func noop(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Add
// ---------------------------------------------------------------------------

func TestScheduler_Add(t *testing.T) {
	s := NewScheduler(context.Background())

	if err := s.Add("*/5 * * * *", funcJob{"a", noop}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := s.Add("0 * * * *", funcJob{"a", noop}); err == nil || !strings.Contains(err.Error(), "already scheduled") {
		t.Errorf("Add() duplicate error = %v", err)
	}
	if err := s.Add("not a cron", funcJob{"b", noop}); err == nil {
		t.Error("Add() with invalid schedule = nil error")
	}
	// a rejected schedule does not reserve the name
	if err := s.Add("0 0 * * *", funcJob{"b", noop}); err != nil {
		t.Errorf("Add() after invalid schedule error: %v", err)
	}
}

func TestScheduler_Next(t *testing.T) {
	s := NewScheduler(context.Background())
	if err := s.Add("15 0 * * *", funcJob{"daily", noop}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	next, ok := s.Next("daily")
	if !ok {
		t.Fatal("Next() ok = false")
	}
	if next.Location() != time.UTC || next.Hour() != 0 || next.Minute() != 15 {
		t.Errorf("Next() = %v, want 00:15 UTC", next)
	}
	if _, ok := s.Next("missing"); ok {
		t.Error("Next() for unknown job ok = true")
	}
}

// ---------------------------------------------------------------------------
// RunNow
// ---------------------------------------------------------------------------

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(context.Background())
	var runs int32
	_ = s.Add("@every 1h", funcJob{"count", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})
	boom := errors.New("boom")
	_ = s.Add("@every 1h", funcJob{"fail", func(context.Context) error { return boom }})
	_ = s.Add("@every 1h", funcJob{"panic", func(context.Context) error { panic("kaboom") }})

	if err := s.RunNow("count"); err != nil {
		t.Errorf("RunNow(count) error: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if err := s.RunNow("fail"); !errors.Is(err, boom) {
		t.Errorf("RunNow(fail) error = %v, want boom", err)
	}
	if err := s.RunNow("panic"); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("RunNow(panic) error = %v, want recovered panic", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow(missing) = nil error")
	}
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := NewScheduler(context.Background())
	started := make(chan struct{})
	_ = s.Add("@every 1h", funcJob{"wait", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})

	errCh := make(chan error, 1)
	go func() { errCh <- s.RunNow("wait") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("job error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
}
