package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bangumid/bangumid/internal/testutil"
)

func waitTerminal(t *testing.T, r *Runner, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, ok := r.Get(id)
		if !ok {
			t.Fatalf("job %s disappeared", id)
		}
		switch j.State {
		case StateDone, StateFailed, StateCancelled:
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return Job{}
}

func TestJobRunsToDone(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	j := r.Submit("sync", time.Minute, func(ctx context.Context) (any, error) {
		return map[string]int{"shows": 3}, nil
	})
	if j.ID == "" || j.Name != "sync" {
		t.Fatalf("submit returned %+v", j)
	}

	got := waitTerminal(t, r, j.ID)
	if got.State != StateDone {
		t.Fatalf("state = %q (err=%q), want done", got.State, got.Error)
	}
	if got.Result == nil || got.FinishedAt == nil {
		t.Errorf("terminal job missing result or finish time: %+v", got)
	}
}

func TestJobFailureCapturesError(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	j := r.Submit("poll", time.Minute, func(ctx context.Context) (any, error) {
		return nil, errors.New("feed unreachable")
	})

	got := waitTerminal(t, r, j.ID)
	if got.State != StateFailed || got.Error != "feed unreachable" {
		t.Errorf("job = %+v, want failed with the fn error", got)
	}
}

func TestJobContextCarriesDeadline(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	j := r.Submit("slow", 50*time.Millisecond, func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	})

	got := waitTerminal(t, r, j.ID)
	if got.State != StateFailed {
		t.Errorf("state = %q, want failed after deadline", got.State)
	}
}

func TestWatchdogFlipsWedgedJob(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	block := make(chan struct{})
	defer close(block)
	j := r.Submit("wedged", time.Minute, func(ctx context.Context) (any, error) {
		<-block // ignores its context entirely
		return nil, nil
	})

	// Wait until it is actually running, then backdate its start past the
	// deadline so the next Get trips the watchdog.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := r.Get(j.ID)
		if got.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.mu.Lock()
	past := time.Now().Add(-2 * time.Minute)
	r.jobs[j.ID].StartedAt = &past
	r.mu.Unlock()

	got, _ := r.Get(j.ID)
	if got.State != StateFailed || got.Error != "job watchdog timeout" {
		t.Errorf("job = %+v, want watchdog failure", got)
	}
}

func TestCancel(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	started := make(chan struct{})
	j := r.Submit("cancellable", time.Minute, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	if !r.Cancel(j.ID) {
		t.Fatal("cancel returned false for a running job")
	}
	got, _ := r.Get(j.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %q, want cancelled", got.State)
	}
	// A second cancel is a no-op.
	if r.Cancel(j.ID) {
		t.Error("second cancel returned true")
	}
}

func TestListNewestFirst(t *testing.T) {
	r := NewRunner(testutil.NopLogger())

	a := r.Submit("first", time.Minute, func(ctx context.Context) (any, error) { return nil, nil })
	waitTerminal(t, r, a.ID)
	time.Sleep(5 * time.Millisecond)
	b := r.Submit("second", time.Minute, func(ctx context.Context) (any, error) { return nil, nil })
	waitTerminal(t, r, b.ID)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("list[0] = %s, want the newest job", list[0].Name)
	}
}
