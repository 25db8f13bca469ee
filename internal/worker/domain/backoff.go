package domain

import (
	"time"
)

// RetryPolicy decides what happens to a job after a failed execution
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration

	// FailFastOnPermanent dead-letters PermanentError failures immediately.
	// Off by default: every error is retried up to max attempts.
	FailFastOnPermanent bool
}

// DefaultRetryPolicy returns base 15s, cap 5m, uniform retry
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base: DefaultBackoffBase * time.Second,
		Cap:  DefaultBackoffCap * time.Second,
	}
}

// Delay returns min(base * 2^(attemptCount-1), cap)
func (p RetryPolicy) Delay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}

	delay := p.Base
	for i := 1; i < attemptCount; i++ {
		if delay >= p.Cap {
			break
		}
		delay *= 2
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

// Decision is the outcome of applying the policy to a failed job
type Decision struct {
	DeadLetter bool
	Delay      time.Duration
}

// Decide computes the next step for a job whose current attempt failed with err
func (p RetryPolicy) Decide(job *SyncJob, err error) Decision {
	if job.AttemptsLeft() <= 0 {
		return Decision{DeadLetter: true}
	}
	if p.FailFastOnPermanent && IsPermanent(err) {
		return Decision{DeadLetter: true}
	}
	return Decision{Delay: p.Delay(job.AttemptCount)}
}
