package iotdevice

import (
	"context"
	"testing"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func newTestTracker() (*tracker, *Metrics) {
	m := &Metrics{}
	return newTracker(m, common.NopLogger), m
}

func TestTrackerDrainOrder(t *testing.T) {
	t.Parallel()

	tr, m := newTestTracker()
	var got []OperationID
	for i := 0; i < 5; i++ {
		if _, err := tr.submit(OpSend, nil, nil, 0, func(c *Completion) {
			if c.Result != ResultCancelled || c.Err != ErrCancelled {
				t.Errorf("completion = %s %v", c.Result, c.Err)
			}
			got = append(got, c.ID)
		}); err != nil {
			t.Fatal(err)
		}
	}
	if n := tr.drain(ResultCancelled, ErrCancelled); n != 5 {
		t.Errorf("drained = %d, want 5", n)
	}
	if diff := cmp.Diff([]OperationID{1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
	if _, err := tr.submit(OpSend, nil, nil, 0, nil); err != ErrNotConnected {
		t.Errorf("submit after drain = %v, want %v", err, ErrNotConnected)
	}
	if g := m.Results(ResultCancelled); g != 5 {
		t.Errorf("cancelled = %d, want 5", g)
	}
	if tr.len() != 0 {
		t.Errorf("len = %d, want 0", tr.len())
	}
}

func TestTrackerDoubleCompletion(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	var calls int
	id, err := tr.submit(OpTwinUpdate, nil, nil, 0, func(c *Completion) {
		calls++
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = tr.complete(id, &Completion{Result: ResultOK}); err != nil {
		t.Fatal(err)
	}
	err = tr.complete(id, &Completion{Result: ResultOK})
	var dce *DoubleCompletionError
	if !errors.As(err, &dce) || dce.ID != id {
		t.Fatalf("second complete = %v, want DoubleCompletionError", err)
	}
	if err = tr.complete(42, &Completion{}); err == nil || errors.As(err, &dce) {
		t.Errorf("unknown operation = %v, want a plain error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTrackerSweep(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	var results []Result
	fn := func(c *Completion) {
		results = append(results, c.Result)
	}
	expiring, err := tr.submit(OpSend, nil, nil, time.Second, fn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = tr.submit(OpSend, nil, nil, 0, fn); err != nil {
		t.Fatal(err)
	}

	if n := tr.sweep(now.Add(500 * time.Millisecond)); n != 0 {
		t.Fatalf("expired early: %d", n)
	}
	if n := tr.sweep(now.Add(time.Second)); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if diff := cmp.Diff([]Result{ResultTimeout}, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	// late transport acknowledgement is dropped once
	if err = tr.complete(expiring, &Completion{Result: ResultOK}); err != nil {
		t.Errorf("late complete = %v, want nil", err)
	}
	if err = tr.complete(expiring, &Completion{Result: ResultOK}); err == nil {
		t.Error("repeated late complete accepted")
	}
	if len(results) != 1 || tr.len() != 1 {
		t.Errorf("results = %v, pending = %d", results, tr.len())
	}
}

func TestTrackerForgetsSettled(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := tr.submit(OpSend, nil, nil, time.Second, nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := tr.sweep(now.Add(time.Second)); n != 3 {
		t.Fatalf("expired = %d, want 3", n)
	}
	if n := len(tr.settled); n != 3 {
		t.Fatalf("settled = %d, want 3", n)
	}

	// still within retention
	tr.sweep(now.Add(time.Second + settledRetention))
	if n := len(tr.settled); n != 3 {
		t.Fatalf("settled = %d within retention, want 3", n)
	}
	tr.sweep(now.Add(2*time.Second + settledRetention))
	if n := len(tr.settled); n != 0 {
		t.Errorf("settled = %d after retention, want 0", n)
	}

	// drained operations are forgotten the same way
	if _, err := tr.submit(OpSend, nil, nil, 0, nil); err != nil {
		t.Fatal(err)
	}
	tr.drain(ResultCancelled, ErrCancelled)
	if n := len(tr.settled); n != 1 {
		t.Fatalf("settled = %d after drain, want 1", n)
	}
	tr.sweep(now.Add(2 * settledRetention))
	if n := len(tr.settled); n != 0 {
		t.Errorf("settled = %d after retention, want 0", n)
	}
}

func TestTrackerDuplicateContext(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	id, err := tr.submit(OpSend, "ctx", nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = tr.submit(OpSend, "ctx", nil, 0, nil); !errors.Is(err, ErrDuplicateContext) {
		t.Fatalf("duplicate submit = %v, want %v", err, ErrDuplicateContext)
	}
	if _, err = tr.submit(OpTwinUpdate, "ctx", nil, 0, nil); err != nil {
		t.Errorf("other kind = %v", err)
	}

	// non-comparable contexts cannot be checked
	for i := 0; i < 2; i++ {
		if _, err = tr.submit(OpSend, []int{1}, nil, 0, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err = tr.complete(id, &Completion{}); err != nil {
		t.Fatal(err)
	}
	if _, err = tr.submit(OpSend, "ctx", nil, 0, nil); err != nil {
		t.Errorf("reuse after completion = %v", err)
	}
}

func TestTrackerReentrantSubmit(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	var second OperationID
	id, err := tr.submit(OpSend, nil, nil, 0, func(c *Completion) {
		var err error
		if second, err = tr.submit(OpSend, nil, nil, 0, nil); err != nil {
			t.Errorf("submit from completion = %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = tr.complete(id, &Completion{}); err != nil {
		t.Fatal(err)
	}
	if second != id+1 {
		t.Errorf("second id = %d, want %d", second, id+1)
	}
}

func TestTrackerAbort(t *testing.T) {
	t.Parallel()

	tr, m := newTestTracker()
	id, err := tr.submit(OpSend, "ctx", nil, 0, func(*Completion) {
		t.Error("aborted operation completed")
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.abort(id) {
		t.Fatal("abort = false")
	}
	if tr.abort(id) {
		t.Error("second abort = true")
	}
	if g := m.Submitted(OpSend); g != 0 {
		t.Errorf("submitted = %d, want 0", g)
	}
	if _, err = tr.submit(OpSend, "ctx", nil, 0, nil); err != nil {
		t.Errorf("context reuse after abort = %v", err)
	}
}

func TestTrackerWaitIdle(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker()
	if err := tr.waitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	id, err := tr.submit(OpUpload, nil, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err = tr.waitIdle(ctx); err != context.DeadlineExceeded {
		t.Fatalf("waitIdle = %v, want %v", err, context.DeadlineExceeded)
	}

	go func() {
		_ = tr.complete(id, &Completion{})
	}()
	if err = tr.waitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
}
