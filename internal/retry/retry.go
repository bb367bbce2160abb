// Package retry computes exponential backoff delays for failed work.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy describes how many times a job may be retried and how long to wait
// between attempts.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
	// Jitter randomizes each delay into [d/2, d].
	Jitter bool
}

// Next returns the delay before retry number attempt (starting at 1) and
// whether that retry is allowed at all.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}
	d := exponential(p.Base, p.Max, attempt-1)
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d, true
}

// FullJitter returns a random delay in [0, min(capDelay, base*2^attempt)).
// attempt starts at 0.
func FullJitter(base, capDelay time.Duration, attempt int) time.Duration {
	d := exponential(base, capDelay, attempt)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

func exponential(base, capDelay time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for range shift {
		if capDelay > 0 && d >= capDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if capDelay > 0 && d > capDelay {
		d = capDelay
	}
	return d
}
