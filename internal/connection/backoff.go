package connection

import "time"

// ReconnectPolicy is a capped exponential backoff schedule.
//
// The delay before retry n (zero-based, counted since the last successful
// open) is min(BaseDelay*2^n, MaxDelay). After MaxAttempts retries have
// fired without an open, the session stops dialing.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // <= 0 means unlimited
}

// DefaultReconnectPolicy returns 1s base, 30s cap, 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the retry following attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := p.BaseDelay
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= p.MaxDelay || wait <= 0 {
			return p.MaxDelay
		}
	}
	if wait > p.MaxDelay {
		return p.MaxDelay
	}
	return wait
}

// Exhausted reports whether no further retry should be scheduled.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
