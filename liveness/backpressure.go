// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package liveness

import (
	"sync"

	"golang.org/x/time/rate"
)

// StatusLimiter debounces the queue_status send_msg effects reject_publish
// and go emit toward a given enqueuer (spec.md §4.8): the state machine
// re-evaluates overflow on every mutating command and emits a
// notification each time an enqueuer flips between blocked and
// unblocked, so a queue oscillating around the limit flips it often.
// Grounded on ratelimit.ClientRateLimiter's per-client token bucket.
type StatusLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewStatusLimiter builds a limiter allowing at most r status
// notifications per second per enqueuer, with the given burst allowance.
func NewStatusLimiter(r float64, burst int) *StatusLimiter {
	return &StatusLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether a status notification toward pidKey should be sent
// now. A caller that gets false should drop the notification silently;
// the next overflow evaluation will retry.
func (s *StatusLimiter) Allow(pidKey string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters[pidKey]
	if !ok {
		limiter = rate.NewLimiter(s.r, s.burst)
		s.limiters[pidKey] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

// Forget drops any limiter state held for pidKey so the map need not grow
// without bound. No code in the node calls it: entries otherwise persist
// for the life of the process.
func (s *StatusLimiter) Forget(pidKey string) {
	s.mu.Lock()
	delete(s.limiters, pidKey)
	s.mu.Unlock()
}
