package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"venture-console/internal/models"
)

func testQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, Options{VisibilityTimeout: 50 * time.Millisecond})
}

func TestLeaseNextPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	now := time.Now().Add(-time.Second)

	if err := q.Enqueue(ctx, "bg-1", models.PriorityBackground, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "ub-1", models.PriorityUserBlocking, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "n-1", models.PriorityNormal, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{"ub-1", "n-1", "bg-1"}
	for _, expected := range want {
		got, err := q.LeaseNext(ctx)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if got != expected {
			t.Fatalf("lease order: got %s, want %s", got, expected)
		}
	}
	if got, _ := q.LeaseNext(ctx); got != "" {
		t.Fatalf("expected empty queue, leased %s", got)
	}
}

func TestLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	_ = q.Enqueue(ctx, "job-1", models.PriorityNormal, time.Now().Add(-time.Second))

	first, err := q.LeaseNext(ctx)
	if err != nil || first != "job-1" {
		t.Fatalf("first lease got %q err=%v", first, err)
	}
	second, err := q.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != "" {
		t.Fatalf("leased job handed out twice: %s", second)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	_ = q.Enqueue(ctx, "job-1", models.PriorityUserBlocking, time.Now().Add(-time.Second))

	if _, err := q.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Before the visibility deadline nothing is reclaimable.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed a live lease: %v", ids)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	// Reclaimed at its original priority.
	got, err := q.LeaseNext(ctx)
	if err != nil || got != "job-1" {
		t.Fatalf("re-lease got %q err=%v", got, err)
	}
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	_ = q.Enqueue(ctx, "job-1", models.PriorityNormal, time.Now().Add(-time.Second))

	if _, err := q.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.ExtendLease(ctx, "job-1", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// Well past the original 50ms visibility window, the extended lease
	// must still be live.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("extended lease was reclaimed: %v", ids)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected reclaim after extension lapses, got %v", ids)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	runAt := time.Now().Add(time.Minute)
	_ = q.Enqueue(ctx, "later", models.PriorityNormal, runAt)

	if got, _ := q.LeaseNext(ctx); got != "" {
		t.Fatalf("scheduled job leased early: %s", got)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	if got, _ := q.LeaseNext(ctx); got != "later" {
		t.Fatalf("expected promoted job, got %q", got)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	_ = q.Enqueue(ctx, "job-1", models.PriorityNormal, time.Now().Add(-time.Second))

	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got, _ := q.LeaseNext(ctx); got != "" {
		t.Fatalf("cancelled job still leased: %s", got)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	_ = q.DLQPush(ctx, "dead-1")
	_ = q.DLQPush(ctx, "dead-2")

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(items) != 2 || items[0] != "dead-1" {
		t.Fatalf("unexpected dlq contents: %v", items)
	}
}
