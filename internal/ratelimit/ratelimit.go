// Package ratelimit builds and drives the per-consumer token-bucket sets
// described in spec.md §4.3's limiter resolution algorithm.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/demeter-run/cardano-node-proxy/internal/tier"
)

// bucket pairs a golang.org/x/time/rate.Limiter (burst == its tier rate's
// limit) with that limit, so a single acquisition of n > limit can be split
// into limit-sized chunks that each respect the limiter's burst ceiling.
type bucket struct {
	limiter *rate.Limiter
	limit   int
}

// BucketSet is the list of token buckets backing one consumer's tier. All
// buckets must admit a request for it to proceed — the slowest governs.
type BucketSet struct {
	buckets []bucket
}

// Build creates one bucket per TierRate, each starting full and
// replenishing `limit` tokens every `interval`, per spec.md §4.3.
func Build(rates []tier.Rate) *BucketSet {
	bs := &BucketSet{buckets: make([]bucket, 0, len(rates))}
	for _, r := range rates {
		bs.buckets = append(bs.buckets, newBucket(r))
	}
	return bs
}

func newBucket(r tier.Rate) bucket {
	if r.Limit <= 0 || r.Interval <= 0 {
		// A degenerate rule admits nothing; treat it as a fully closed bucket
		// rather than dividing by zero.
		return bucket{limiter: rate.NewLimiter(0, 0), limit: 0}
	}
	perToken := r.Interval / time.Duration(r.Limit)
	if perToken <= 0 {
		perToken = 1
	}
	limit := int(r.Limit)
	// Buckets start full per spec.md §3: burst == limit gives a freshly
	// built limiter its full initial allowance.
	return bucket{limiter: rate.NewLimiter(rate.Every(perToken), limit), limit: limit}
}

// Acquire blocks until every bucket in the set admits n units, per the
// "all buckets must admit" rule in spec.md §4.3. Acquiring n greater than a
// bucket's limit is allowed and simply spans multiple refill periods.
func (bs *BucketSet) Acquire(ctx context.Context, n int) error {
	for _, b := range bs.buckets {
		if err := acquireFromBucket(ctx, b, n); err != nil {
			return err
		}
	}
	return nil
}

// errDegenerateBucket is returned for a positive acquisition against a
// bucket built from an invalid rate (limit or interval <= 0). Such a bucket
// can never admit a positive request, so it fails closed rather than
// looping or silently passing every acquisition through.
var errDegenerateBucket = errors.New("ratelimit: degenerate bucket admits nothing")

func acquireFromBucket(ctx context.Context, b bucket, n int) error {
	if n <= 0 {
		return nil
	}
	if b.limit <= 0 {
		return errDegenerateBucket
	}
	for n > 0 {
		chunk := n
		if chunk > b.limit {
			chunk = b.limit
		}
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
