package compaction

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces byte throughput of reads with a token bucket. It is
// created fresh per run (spec.md §5: "the throttle bucket is per-run") and
// disabled (no-op) when the computed rate meets or exceeds
// MaxThrottleBytesPerSec.
type Throttle struct {
	limiter *rate.Limiter // nil means disabled
}

// NewThrottle sizes a token bucket to complete totalBytes within target,
// per spec.md §4.3:
//
//	rate = max(targetSeconds, totalBytes / targetSeconds)
//
// The floor is intentional (spec.md §9): it is preserved even though it
// looks asymmetric, because removing it would allow degenerate near-zero
// rate buckets on tiny workloads. If the resulting rate is at or above
// MaxThrottleBytesPerSec, throttling is disabled.
func NewThrottle(totalBytes int64, target time.Duration) *Throttle {
	targetSeconds := target.Seconds()
	if targetSeconds < 1 {
		targetSeconds = 1
	}

	r := targetSeconds
	if perSecond := float64(totalBytes) / targetSeconds; perSecond > r {
		r = perSecond
	}

	if r >= MaxThrottleBytesPerSec {
		return &Throttle{}
	}

	capacity := int(r)
	if capacity < 1 {
		capacity = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(r), capacity)}
}

// Disabled returns a Throttle that never waits, used for force-split-all
// admin runs and tests.
func Disabled() *Throttle {
	return &Throttle{}
}

// WaitN blocks until n bytes worth of tokens are available, or ctx is
// cancelled. A disabled throttle returns immediately.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	// WaitN rejects n larger than the bucket's burst size; since the
	// bucket's burst equals its rate (one second worth of tokens), cap
	// the wait request to the burst so large batched reads still pace
	// correctly across multiple waits instead of erroring.
	burst := t.limiter.Burst()
	for n > burst {
		if err := t.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	if n <= 0 {
		return nil
	}
	return t.limiter.WaitN(ctx, n)
}
