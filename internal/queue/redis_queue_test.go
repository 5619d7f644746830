package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"audio-render-pipeline/internal/models"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Options{LeaseTTL: time.Minute}), mr
}

func TestDequeuePriorityMajorFIFOMinor(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "normal-1", models.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "normal-2", models.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "urgent-1", models.PriorityUrgent); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{"urgent-1", "normal-1", "normal-2"}
	for i, expected := range want {
		got, err := q.DequeueWithLease(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("dequeue %d = %q, want %q", i, got, expected)
		}
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "" {
		t.Fatalf("empty queue dequeue = %q, %v; want empty", got, err)
	}
}

func TestDequeueLeasesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.DequeueWithLease(ctx)
	if err != nil || first != "job-1" {
		t.Fatalf("first dequeue = %q, %v", first, err)
	}
	// A second claim attempt while the lease is live must come up empty.
	second, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second != "" {
		t.Fatalf("job leased twice: %q", second)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.PriorityHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Not yet expired.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("live lease reclaimed: %v", ids)
	}

	// After the lease deadline the job is reclaimable at its old priority.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "job-1" {
		t.Fatalf("reclaimed job not claimable: %q, %v", got, err)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	runAt := time.Now().Add(30 * time.Second)
	if err := q.Schedule(ctx, "job-1", models.PriorityNormal, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted before due: %d", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "job-1" {
		t.Fatalf("promoted job not claimable: %q, %v", got, err)
	}
}

func TestRemoveDropsQueuedJob(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.PriorityLow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "" {
		t.Fatalf("removed job still claimable: %q, %v", got, err)
	}
}

func TestContainsTracksAllQueueStates(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if ok, err := q.Contains(ctx, "job-1"); err != nil || ok {
		t.Fatalf("unknown job reported tracked: %v, %v", ok, err)
	}

	if err := q.Enqueue(ctx, "job-1", models.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, _ := q.Contains(ctx, "job-1"); !ok {
		t.Fatal("ready job not reported tracked")
	}

	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok, _ := q.Contains(ctx, "job-1"); !ok {
		t.Fatal("in-flight job not reported tracked")
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ok, _ := q.Contains(ctx, "job-1"); ok {
		t.Fatal("acked job still reported tracked")
	}

	if err := q.Schedule(ctx, "job-2", models.PriorityLow, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ok, _ := q.Contains(ctx, "job-2"); !ok {
		t.Fatal("scheduled job not reported tracked")
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.DLQPush(ctx, "job-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "job-1" {
		t.Fatalf("dlq = %v", items)
	}
}
