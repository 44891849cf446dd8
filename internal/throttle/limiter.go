package throttle

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter bounds the aggregate send rate of a batch. All workers share one
// instance, so the pool-wide rate is capped regardless of concurrency.
// Burst equals the rate so no capacity above the per-second target can be
// saved up.
type Limiter struct {
	lim *rate.Limiter
}

func NewLimiter(perSec float64) *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSec), burstFor(perSec))}
}

// Acquire blocks the calling worker until a token is available, or until
// ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// UpdateRate changes the refill rate of the running limiter without
// resetting accumulated tokens. Used when a mid-batch throttle decrease has
// to slow down in-flight workers immediately.
func (l *Limiter) UpdateRate(perSec float64) {
	l.lim.SetLimit(rate.Limit(perSec))
	l.lim.SetBurst(burstFor(perSec))
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.lim.Limit())
}

func burstFor(perSec float64) int {
	b := int(math.Ceil(perSec))
	if b < 1 {
		b = 1
	}
	return b
}
