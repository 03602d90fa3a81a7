package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitAndComplete(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxRetention: 10})
	q.RegisterHandler("echo", func(ctx context.Context, job *Job, report func(Progress)) (any, error) {
		report(Progress{Percent: 50, Message: "halfway"})
		return "done", nil
	})

	id, err := q.Submit("echo", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitForTerminal(t, q, id)

	job, err := q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.Result != "done" {
		t.Errorf("result = %v, want done", job.Result)
	}
}

func TestHandlerFailure(t *testing.T) {
	q := New(Config{})
	q.RegisterHandler("fail", func(ctx context.Context, job *Job, report func(Progress)) (any, error) {
		return nil, errors.New("boom")
	})

	id, _ := q.Submit("fail", nil)
	waitForTerminal(t, q, id)

	job, _ := q.Get(id)
	if job.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("expected error message to be recorded")
	}
}

// TestCancelledLongJob implements spec fixture scenario 6: submit a slow
// job of kind "topic_rebuild" and cancel it 1s later; expect terminal
// status "cancelled" with no result.
func TestCancelledLongJob(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	started := make(chan struct{})
	q.RegisterHandler("topic_rebuild", func(ctx context.Context, job *Job, report func(Progress)) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "finished", nil
		}
	})

	id, err := q.Submit("topic_rebuild", nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	time.Sleep(time.Second)

	if err := q.Cancel(id); err != nil {
		t.Fatal(err)
	}

	waitForTerminal(t, q, id)

	job, _ := q.Get(id)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", job.Status)
	}
	if job.Result != nil {
		t.Errorf("expected no result on cancellation, got %v", job.Result)
	}
	if job.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
}

func TestCancelPendingJob(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	block := make(chan struct{})
	q.RegisterHandler("slow", func(ctx context.Context, job *Job, report func(Progress)) (any, error) {
		<-block
		return nil, nil
	})
	q.RegisterHandler("noop", func(ctx context.Context, job *Job, report func(Progress)) (any, error) {
		return nil, nil
	})

	_, _ = q.Submit("slow", nil) // occupies the single permit
	id2, _ := q.Submit("noop", nil)

	if err := q.Cancel(id2); err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, q, id2)

	job, _ := q.Get(id2)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", job.Status)
	}
	close(block)
}

func waitForTerminal(t *testing.T, q *Queue, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if isTerminal(job.Status) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job to reach terminal status")
}
