package worker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"venture-console/internal/config"
	"venture-console/internal/models"
	"venture-console/internal/queue"
)

func TestLeaseHeartbeatOutlivesVisibilityWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	const visibility = 150 * time.Millisecond
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client, queue.Options{VisibilityTimeout: visibility})
	cfg := config.Config{VisibilityTimeout: visibility}
	p := NewProcessor(cfg, q, nil, zap.NewNop(), "worker-1")

	if err := q.Enqueue(ctx, "job-1", models.PriorityNormal, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, err := q.LeaseNext(ctx); err != nil || id != "job-1" {
		t.Fatalf("lease got %q err=%v", id, err)
	}

	stop := p.keepLeaseAlive(ctx, "job-1")
	// Run well past the original visibility deadline.
	time.Sleep(3 * visibility)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("heartbeating lease was reclaimed: %v", ids)
	}

	stop()
	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*visibility), 10)
	if err != nil {
		t.Fatalf("requeue after stop: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected reclaim once heartbeat stopped, got %v", ids)
	}
}
