package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"venture-console/internal/apperr"
)

func fastOptions() Options {
	return Options{MaxAttempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "flaky", fastOptions(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient blip")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "always-down", fastOptions(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if apperr.KindOf(err) != apperr.KindPermanent {
		t.Fatalf("exhausted retries should surface as permanent, got %v", apperr.KindOf(err))
	}
}

func TestDoShortCircuitsPermanentKinds(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"conflict", apperr.Conflict(4, "version moved")},
		{"validation", apperr.Validation("guidance required")},
		{"not_found", apperr.NotFound("no such approval")},
		{"forbidden", apperr.Forbidden("not the owner")},
		{"marked", Permanent(errors.New("known-bad input"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tc.name, fastOptions(), func(context.Context) error {
				calls++
				return tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected original error back, got %v", err)
			}
			if calls != 1 {
				t.Fatalf("permanent error consumed retry budget: %d calls", calls)
			}
		})
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, "cancelled", fastOptions(), func(context.Context) error {
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffRange(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := Backoff(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := Backoff(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := Backoff(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded cap: %s", b10)
	}
}
