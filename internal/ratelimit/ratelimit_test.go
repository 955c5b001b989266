package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/demeter-run/cardano-node-proxy/internal/tier"
)

func TestAcquireWithinLimitIsFast(t *testing.T) {
	bs := Build([]tier.Rate{{Limit: 100, Interval: time.Second}})

	start := time.Now()
	if err := bs.Acquire(context.Background(), 100); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("acquiring within the initial burst took %v, want near-instant", elapsed)
	}
}

func TestAcquireAboveLimitSpansMultipleIntervals(t *testing.T) {
	bs := Build([]tier.Rate{{Limit: 100, Interval: 200 * time.Millisecond}})

	start := time.Now()
	// 300 units over a 100/200ms bucket needs ceil(300/100) = 3 refill
	// periods from an initially-full bucket: the first 100 are free, the
	// remaining 200 need two more refills.
	if err := bs.Acquire(context.Background(), 300); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 300*time.Millisecond {
		t.Errorf("acquiring 3x the limit took %v, want at least ~400ms", elapsed)
	}
}

func TestAcquireRespectsSlowestBucket(t *testing.T) {
	bs := Build([]tier.Rate{
		{Limit: 1000, Interval: time.Millisecond},
		{Limit: 10, Interval: 500 * time.Millisecond},
	})

	start := time.Now()
	if err := bs.Acquire(context.Background(), 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("first acquisition from full buckets took %v, want near-instant", elapsed)
	}

	// The 10-per-500ms bucket is now empty while the fast bucket has refilled:
	// the next 10 units wait on the slow bucket, about 500ms.
	start = time.Now()
	if err := bs.Acquire(context.Background(), 10); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("second acquisition took %v, want at least ~500ms (slowest bucket governs)", elapsed)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	bs := Build([]tier.Rate{{Limit: 1, Interval: time.Hour}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Drain the single token, then a second acquisition must block until
	// the context deadline fires.
	if err := bs.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := bs.Acquire(ctx, 1); err == nil {
		t.Error("expected context deadline to abort the acquisition")
	}
}

func TestDegenerateRateAdmitsNothing(t *testing.T) {
	bs := Build([]tier.Rate{{Limit: 0, Interval: time.Second}})

	start := time.Now()
	if err := bs.Acquire(context.Background(), 1); err == nil {
		t.Error("expected a zero-limit bucket to never admit a positive acquisition")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("degenerate bucket rejection took %v, want immediate", elapsed)
	}
}
