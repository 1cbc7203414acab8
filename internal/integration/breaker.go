package integration

import (
	"time"
)

// admit decides whether one outbound call may proceed right now. It runs the
// disabled check, the circuit breaker gate, and the rate window gate as a
// single critical section so a call is only counted against the window after
// every gate has passed. The OPEN to HALF_OPEN transition happens here, on
// the first admission attempt after the cooldown elapses.
func (i *Integration) admit(now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.enabled {
		return &DisabledError{Name: i.cfg.Name}
	}

	switch i.breaker.state {
	case StateOpen:
		if now.Before(i.breaker.openUntil) {
			return &CircuitOpenError{Name: i.cfg.Name, RetryAfter: i.breaker.openUntil.Sub(now)}
		}
		i.breaker.state = StateHalfOpen
		i.breaker.trialInFlight = false
	case StateHalfOpen:
		if i.breaker.trialInFlight {
			return &CircuitOpenError{Name: i.cfg.Name, RetryAfter: 0}
		}
	}

	// RateLimit 0 means the window is not enforced.
	if i.cfg.RateLimit > 0 {
		if i.window.resetAt.IsZero() || now.After(i.window.resetAt) {
			i.window.count = 0
			i.window.resetAt = now.Add(i.cfg.RateWindow)
		}
		if i.window.count >= i.cfg.RateLimit {
			return &RateLimitedError{Name: i.cfg.Name, ResetAt: i.window.resetAt}
		}
		i.window.count++
	}

	if i.breaker.state == StateHalfOpen {
		i.breaker.trialInFlight = true
	}
	return nil
}

// recordSuccess closes the breaker after a successful call and marks the
// target HEALTHY. Any success, in either the CLOSED or the HALF_OPEN state,
// zeroes the consecutive failure count.
func (i *Integration) recordSuccess(now time.Time, latency time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.breaker.state == StateHalfOpen {
		i.breaker.state = StateClosed
		i.breaker.openUntil = time.Time{}
	}
	i.breaker.trialInFlight = false
	i.breaker.failures = 0
	i.health = HealthRecord{
		Status:       HealthHealthy,
		ResponseTime: latency,
		CheckedAt:    now,
	}
}

// recordFailure counts one failed call against the breaker, marks the
// target UNHEALTHY, and reports whether this failure tripped the breaker
// OPEN. A failed HALF_OPEN trial re-opens immediately and restarts the
// cooldown.
func (i *Integration) recordFailure(now time.Time, cause string) (tripped bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.breaker.failures++
	i.breaker.lastFailureAt = now
	i.health = HealthRecord{
		Status:    HealthUnhealthy,
		CheckedAt: now,
		LastError: cause,
	}

	switch i.breaker.state {
	case StateHalfOpen:
		i.breaker.state = StateOpen
		i.breaker.openUntil = now.Add(i.cfg.Cooldown)
		i.breaker.trialInFlight = false
		return true
	case StateClosed:
		if i.breaker.failures >= i.cfg.FailureThreshold {
			i.breaker.state = StateOpen
			i.breaker.openUntil = now.Add(i.cfg.Cooldown)
			return true
		}
	}
	return false
}

// recordProbe stores the outcome of a background health probe. Probes only
// observe; they never move the breaker. A failed probe against a target whose
// breaker is still CLOSED marks it DEGRADED, since live traffic is still
// admitted. A failed probe while the breaker is OPEN or HALF_OPEN marks it
// UNHEALTHY.
func (i *Integration) recordProbe(now time.Time, latency time.Duration, probeErr error) HealthStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec := HealthRecord{
		ResponseTime: latency,
		CheckedAt:    now,
	}
	if probeErr == nil {
		rec.Status = HealthHealthy
	} else {
		rec.LastError = probeErr.Error()
		if i.breaker.state == StateClosed {
			rec.Status = HealthDegraded
		} else {
			rec.Status = HealthUnhealthy
		}
	}
	i.health = rec
	return rec.Status
}

// resetBreaker is the administrative escape hatch: force CLOSED and forget
// the failure history.
func (i *Integration) resetBreaker() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.breaker = breakerState{state: StateClosed}
}

// BreakerSnapshot returns the breaker portion of the integration's state.
func (i *Integration) BreakerSnapshot() BreakerState {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := BreakerState{
		State:    i.breaker.state,
		Failures: i.breaker.failures,
	}
	if !i.breaker.lastFailureAt.IsZero() {
		t := i.breaker.lastFailureAt
		st.LastFailureAt = &t
	}
	if !i.breaker.openUntil.IsZero() {
		t := i.breaker.openUntil
		st.OpenUntil = &t
	}
	return st
}

// HealthSnapshot returns the most recent probe outcome.
func (i *Integration) HealthSnapshot() HealthRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health
}
