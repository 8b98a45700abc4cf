package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "project:demo")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "project:demo")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "project:demo")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
	// The capacity limit test above is sufficient to validate rate limiting behavior.
}

func TestAllowProjectScopesBucketsPerProject(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0, time.Minute)

	allowed, _, err := bucket.AllowProject(ctx, "proj-a")
	if err != nil || !allowed {
		t.Fatalf("expected proj-a first request allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.AllowProject(ctx, "proj-a")
	if allowed {
		t.Fatalf("expected proj-a to be exhausted")
	}

	// An exhausted bucket for one project must not affect another.
	allowed, _, err = bucket.AllowProject(ctx, "proj-b")
	if err != nil || !allowed {
		t.Fatalf("expected proj-b unaffected got allowed=%v err=%v", allowed, err)
	}
}
