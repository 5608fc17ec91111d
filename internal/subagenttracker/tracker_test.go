package subagenttracker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMarkCompletedWakesWaitForAll(t *testing.T) {
	tr := New()
	tr.Register("a")
	tr.Register("b")

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.MarkCompleted("a", "result-a")
		tr.MarkCompleted("b", "result-b")
	}()

	results, err := tr.WaitForAll(context.Background(), []string{"a", "b"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || results[0].SessionID != "a" || results[1].SessionID != "b" {
		t.Fatalf("expected results in id order, got %+v", results)
	}
	if results[0].Value != "result-a" || results[1].Value != "result-b" {
		t.Fatalf("expected results to carry values, got %+v", results)
	}
}

func TestWaitForAllTimesOutWhenOneNeverCompletes(t *testing.T) {
	tr := New()
	tr.Register("a")
	tr.Register("b")
	tr.Register("c")

	go func() {
		time.Sleep(5 * time.Millisecond)
		tr.MarkCompleted("a", nil)
	}()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.MarkCompleted("b", nil)
	}()
	// c never completes.

	start := time.Now()
	_, err := tr.WaitForAll(context.Background(), []string{"a", "b", "c"}, 40*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Fatalf("expected timeout near 40ms, got %s", elapsed)
	}
}

func TestWaitForAnyResolvesWithFirstCompletion(t *testing.T) {
	tr := New()
	tr.Register("a")
	tr.Register("b")
	tr.Register("c")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.MarkCompleted("a", "first")
	}()
	go func() {
		time.Sleep(40 * time.Millisecond)
		tr.MarkCompleted("b", "second")
	}()
	// c never completes.

	start := time.Now()
	res, err := tr.WaitForAny(context.Background(), []string{"a", "b", "c"}, 100*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != "a" || res.Value != "first" {
		t.Fatalf("expected a's result to win, got %+v", res)
	}
	if elapsed > 80*time.Millisecond {
		t.Fatalf("expected WaitForAny to resolve near 20ms, took %s", elapsed)
	}
}

func TestWaitForAnyTimesOutWhenNoneComplete(t *testing.T) {
	tr := New()
	tr.Register("a")
	tr.Register("b")

	_, err := tr.WaitForAny(context.Background(), []string{"a", "b"}, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitRejectsWithCancelledOnParentAbort(t *testing.T) {
	tr := New()
	tr.Register("a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := tr.WaitForAll(ctx, []string{"a"}, time.Second)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestMarkFailedProducesFailedResult(t *testing.T) {
	tr := New()
	tr.Register("a")
	wantErr := errors.New("boom")
	tr.MarkFailed("a", wantErr)

	res, ok := tr.Get("a")
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if res.Status != StatusFailed || !errors.Is(res.Err, wantErr) {
		t.Fatalf("expected failed status with wrapped error, got %+v", res)
	}
}

func TestUnknownSessionIDRejectsImmediately(t *testing.T) {
	tr := New()
	if _, err := tr.WaitForAll(context.Background(), []string{"missing"}, time.Second); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	tr.MarkCompleted("missing", nil) // no-op, must not panic
	if _, ok := tr.Get("missing"); ok {
		t.Fatalf("expected no entry to be created for an unregistered id")
	}
}

func TestFirstTerminalWriteWins(t *testing.T) {
	tr := New()
	tr.Register("a")
	tr.MarkCompleted("a", "first-value")
	tr.MarkFailed("a", errors.New("too-late"))

	res, _ := tr.Get("a")
	if res.Status != StatusCompleted || res.Value != "first-value" {
		t.Fatalf("expected first terminal write to stick, got %+v", res)
	}
}

func TestRegisterStartsPending(t *testing.T) {
	tr := New()
	tr.Register("a")
	res, ok := tr.Get("a")
	if !ok || res.Status != StatusPending {
		t.Fatalf("expected pending status, got %+v ok=%v", res, ok)
	}
}
