package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy shapes the backoff between transient step failures. Attempt 0
// waits Base, each further attempt multiplies, capped at Max, with a
// symmetric jitter fraction applied last.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Sleep blocks for the attempt's backoff delay or until the context ends.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
