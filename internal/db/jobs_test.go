package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnqueueDedupe(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	first, created, err := database.EnqueueJob(ctx, "spot_check", `{"id":"s1"}`, "spotcheck:s1:problem", time.Now(), 3)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue should create the job")
	}

	second, created, err := database.EnqueueJob(ctx, "spot_check", `{"id":"s1"}`, "spotcheck:s1:problem", time.Now(), 3)
	if err != nil {
		t.Fatalf("deduped enqueue: %v", err)
	}
	if created {
		t.Fatal("dedupe collision should not create a new job")
	}
	if second.ID != first.ID {
		t.Fatalf("dedupe returned job %s, want existing %s", second.ID, first.ID)
	}
}

func TestClaimRespectsRunAfter(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if _, _, err := database.EnqueueJob(ctx, "timeout_sweep", "", "", time.Now().Add(time.Hour), 3); err != nil {
		t.Fatalf("enqueue future job: %v", err)
	}

	job, err := database.ClaimNextJob(ctx, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed job %s scheduled in the future", job.ID)
	}
}

func TestClaimFiltersByType(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if _, _, err := database.EnqueueJob(ctx, "peer_assign", "", "", past, 3); err != nil {
		t.Fatalf("enqueue peer_assign: %v", err)
	}
	if _, _, err := database.EnqueueJob(ctx, "economy_health", "", "", past, 3); err != nil {
		t.Fatalf("enqueue economy_health: %v", err)
	}

	job, err := database.ClaimNextJob(ctx, []string{"economy_health"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.Type != "economy_health" {
		t.Fatalf("claimed %+v, want an economy_health job", job)
	}
	if job.Status != "running" || job.Attempts != 1 {
		t.Fatalf("claimed job status=%s attempts=%d, want running/1", job.Status, job.Attempts)
	}

	// The other job is still claimable; the filtered one is gone.
	job, err = database.ClaimNextJob(ctx, nil)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if job == nil || job.Type != "peer_assign" {
		t.Fatalf("second claim got %+v, want the peer_assign job", job)
	}
	job, err = database.ClaimNextJob(ctx, nil)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if job != nil {
		t.Fatalf("queue should be drained, claimed %s", job.ID)
	}
}

func TestFailJobBackoffAndDeadLetter(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	enqueued, _, err := database.EnqueueJob(ctx, "reward_distribute", "", "", time.Now().Add(-time.Minute), 2)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First failure: back to pending with backoff in the future.
	claimed, err := database.ClaimNextJob(ctx, nil)
	if err != nil || claimed == nil {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	if err := database.FailJob(ctx, claimed.ID, errors.New("transient")); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	job, err := database.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get after first fail: %v", err)
	}
	if job.Status != "pending" {
		t.Fatalf("status after first fail = %s, want pending", job.Status)
	}
	if !job.RunAfter.After(time.Now().UTC()) {
		t.Fatalf("run_after %v should be in the future after backoff", job.RunAfter)
	}

	// Force the job runnable again, then exhaust the attempt budget.
	if _, err := database.Exec(`UPDATE jobs SET run_after = datetime('now', '-1 minute') WHERE id = ?`, enqueued.ID); err != nil {
		t.Fatalf("rescheduling: %v", err)
	}
	claimed, err = database.ClaimNextJob(ctx, nil)
	if err != nil || claimed == nil {
		t.Fatalf("second claim: %v %v", claimed, err)
	}
	if err := database.FailJob(ctx, claimed.ID, errors.New("still broken")); err != nil {
		t.Fatalf("second fail: %v", err)
	}

	job, err = database.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get after second fail: %v", err)
	}
	if job.Status != "failed" {
		t.Fatalf("status after exhausting attempts = %s, want failed", job.Status)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "still broken") {
		t.Fatalf("last_error = %v, want the failure message", job.LastError)
	}

	dead, err := database.ListDeadJobs(ctx, 10)
	if err != nil {
		t.Fatalf("listing dead jobs: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != enqueued.ID {
		t.Fatalf("dead-letter list = %v, want the exhausted job", dead)
	}
}

func TestRetryDeadJob(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	enqueued, _, err := database.EnqueueJob(ctx, "spot_check", "", "", time.Now().Add(-time.Minute), 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := database.ClaimNextJob(ctx, nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := database.FailJob(ctx, claimed.ID, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := database.RetryDeadJob(ctx, enqueued.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, err := database.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if job.Status != "pending" || job.Attempts != 0 || job.LastError != nil {
		t.Fatalf("retried job = status=%s attempts=%d err=%v, want a fresh pending job", job.Status, job.Attempts, job.LastError)
	}

	// Retrying a job that is not dead is a conflict.
	if err := database.RetryDeadJob(ctx, enqueued.ID); err == nil {
		t.Fatal("retrying a pending job should fail")
	}
}

func TestCompleteJobRequiresRunning(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	enqueued, _, err := database.EnqueueJob(ctx, "peer_assign", "", "", time.Now().Add(-time.Minute), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := database.CompleteJob(ctx, enqueued.ID); err == nil {
		t.Fatal("completing a pending job should fail")
	}

	claimed, err := database.ClaimNextJob(ctx, nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := database.CompleteJob(ctx, claimed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job, _ := database.GetJob(ctx, enqueued.ID)
	if job.Status != "completed" {
		t.Fatalf("status = %s, want completed", job.Status)
	}
}
