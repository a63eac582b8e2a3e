package orchestrator

import (
	"math/rand"
	"time"

	"autoforge/internal/types"
)

// retryPolicy is the per-kind backoff schedule. A retry count beyond the
// schedule reuses the last entry; past maxRetries the task blocks.
type retryPolicy struct {
	backoff    []time.Duration
	maxRetries int
	jitter     bool
}

var retryPolicies = map[types.ErrorKind]retryPolicy{
	types.ErrTransient: {
		backoff:    []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute},
		maxRetries: 5,
	},
	types.ErrCode: {
		backoff:    []time.Duration{2 * time.Minute, 5 * time.Minute, 15 * time.Minute},
		maxRetries: 3,
	},
	types.ErrTestFailure: {
		backoff:    []time.Duration{2 * time.Minute, 5 * time.Minute, 15 * time.Minute},
		maxRetries: 3,
	},
	types.ErrResourceConflict: {
		backoff:    []time.Duration{0},
		maxRetries: 5,
		jitter:     true,
	},
	types.ErrResource: {
		backoff:    []time.Duration{15 * time.Minute, 30 * time.Minute, time.Hour},
		maxRetries: 2,
	},
	types.ErrUnknown: {
		backoff:    []time.Duration{5 * time.Minute},
		maxRetries: 3,
	},
	// Deadline overruns retry like transients: the next attempt gets a
	// fresh budget.
	types.ErrDeadlineExceeded: {
		backoff:    []time.Duration{time.Minute, 5 * time.Minute},
		maxRetries: 2,
	},
}

// RetryDelay returns the wait before attempt retryCount+1 for an error
// kind, and whether a retry is allowed at all. retryCount is how many
// retries already happened.
func RetryDelay(kind types.ErrorKind, retryCount int) (time.Duration, bool) {
	policy, ok := retryPolicies[kind]
	if !ok {
		policy = retryPolicies[types.ErrUnknown]
	}
	if retryCount >= policy.maxRetries {
		return 0, false
	}
	idx := retryCount
	if idx >= len(policy.backoff) {
		idx = len(policy.backoff) - 1
	}
	delay := policy.backoff[idx]
	if policy.jitter {
		// Conflict retries spread out so both losers do not collide again.
		delay += time.Duration(rand.Int63n(int64(5 * time.Second)))
	}
	return delay, true
}
