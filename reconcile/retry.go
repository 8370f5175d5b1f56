package reconcile

import (
	"math"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
)

// RetryPolicy decides whether a failed remote call is re-issued and after
// how long. It is a pure value: Decide has no side effects, which keeps the
// retry arithmetic trivially testable.
type RetryPolicy struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  utils.DurationFromEnv("RECONCILE_RETRY_INITIAL_DELAY", time.Second),
		BackoffFactor: float64(utils.IntFromEnv("RECONCILE_RETRY_BACKOFF_FACTOR", 2)),
		MaxDelay:      utils.DurationFromEnv("RECONCILE_RETRY_MAX_DELAY", 60*time.Second),
		MaxAttempts:   utils.IntFromEnv("RECONCILE_RETRY_MAX_ATTEMPTS", 3),
	}
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

var stop = Decision{}

// Decide returns the verdict for the failure of attempt number attempt
// (1-based). Only transient failures retry, and only while the attempt
// budget lasts.
func (p RetryPolicy) Decide(kind ErrorKind, attempt int) Decision {
	if !kind.Retryable() {
		return stop
	}
	if attempt >= p.MaxAttempts {
		return stop
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}
