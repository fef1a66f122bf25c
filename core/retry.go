package core

import "time"

// RetryPolicy governs how Transient runtime errors are retried before
// being converted to a message failure.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxElapsed   time.Duration
}

// DefaultRetryPolicy returns the standard policy: 5 attempts, 200ms
// initial delay doubling each attempt, 30s elapsed cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxElapsed:   30 * time.Second,
	}
}

// Normalize fills zero fields with their defaults so a partially
// configured policy still behaves sensibly.
func (p RetryPolicy) Normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}
