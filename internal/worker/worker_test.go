package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestWorkerProcessesJob(t *testing.T) {
	database := newTestDB(t)
	w := New(database, 10*time.Millisecond, slog.Default())

	done := make(chan string, 1)
	w.Register("echo", func(ctx context.Context, job *db.Job) error {
		done <- job.PayloadJSON
		return nil
	})

	job, created, err := database.EnqueueJob(context.Background(), "echo", `{"hello":"world"}`, "", time.Now().UTC(), 3)
	if err != nil || !created {
		t.Fatalf("enqueue: %v (created=%v)", err, created)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case payload := <-done:
		if payload != `{"hello":"world"}` {
			t.Fatalf("payload = %s", payload)
		}
	case <-ctx.Done():
		t.Fatal("worker never processed the job")
	}

	// Give the completion write a moment, then check the terminal state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := database.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("reading job: %v", err)
		}
		if got.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s, want completed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	database := newTestDB(t)
	w := New(database, 5*time.Millisecond, slog.Default())

	attempts := make(chan int, 10)
	w.Register("doomed", func(ctx context.Context, job *db.Job) error {
		attempts <- job.Attempts
		return errors.New("always fails")
	})

	job, _, err := database.EnqueueJob(context.Background(), "doomed", "{}", "", time.Now().UTC(), 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case <-attempts:
	case <-ctx.Done():
		t.Fatal("worker never attempted the job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := database.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("reading job: %v", err)
		}
		if got.Status == "failed" {
			if got.LastError == nil || *got.LastError != "always fails" {
				t.Fatalf("last_error = %v", got.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s, want failed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	dead, err := database.ListDeadJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("listing dead jobs: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Fatalf("dead letter queue = %+v", dead)
	}
}

func TestSchedulerEnqueuesSingletons(t *testing.T) {
	database := newTestDB(t)
	s := NewScheduler(database, 5*time.Minute, slog.Default())

	now := time.Now().UTC()
	s.enqueueDue(context.Background(), now)
	// A second pass in the same period adds nothing.
	s.enqueueDue(context.Background(), now)

	var count int
	for _, jobType := range []string{JobTimeoutSweep, JobEconomyHealth, JobRateAdjust} {
		job, err := database.ClaimNextJob(context.Background(), []string{jobType})
		if err != nil {
			t.Fatalf("claiming %s: %v", jobType, err)
		}
		if job == nil {
			t.Fatalf("no %s job enqueued", jobType)
		}
		count++
		// The period produced exactly one of each.
		extra, err := database.ClaimNextJob(context.Background(), []string{jobType})
		if err != nil {
			t.Fatalf("second claim %s: %v", jobType, err)
		}
		if extra != nil {
			t.Fatalf("duplicate %s job enqueued", jobType)
		}
	}
	if count != 3 {
		t.Fatalf("claimed %d singleton jobs, want 3", count)
	}
}
