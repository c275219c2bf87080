package jobs

import "time"

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// BackoffPolicy computes the retry delay for a failed attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p *BackoffPolicy) normalize() {
	if p.Initial <= 0 {
		p.Initial = DefaultInitialBackoff
	}
	if p.Max <= 0 {
		p.Max = DefaultMaxBackoff
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
}

// Delay returns the wait before the job that just failed attempt becomes
// visible again. It is non-decreasing in attempt and never exceeds Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p.normalize()
	if attempt <= 1 {
		return p.Initial
	}

	backoff := p.Initial
	for idx := 1; idx < attempt; idx++ {
		if backoff >= p.Max/2 {
			return p.Max
		}
		backoff *= 2
	}
	if backoff > p.Max {
		return p.Max
	}
	return backoff
}
