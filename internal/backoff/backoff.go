package backoff

import (
	"math"
	"time"
)

// Default policy values
const (
	DefaultInitial    = 1 * time.Second
	DefaultMultiplier = 2.0
	DefaultMax        = 60 * time.Second
)

// Policy describes an exponential delay curve
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{Initial: DefaultInitial, Multiplier: DefaultMultiplier, Max: DefaultMax}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns min(Max, Initial * Multiplier^failures).
// The result is non-decreasing in failures.
func (p Policy) Delay(failures int) time.Duration {
	p = p.normalized()
	if failures < 0 {
		failures = 0
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(failures))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// State tracks consecutive failures of one server and when it may be tried again.
// It is a plain value; the owner serializes access.
type State struct {
	policy       Policy
	failures     int
	currentDelay time.Duration
	nextAttempt  time.Time
}

// NewState creates a State in the healthy position
func NewState(p Policy) State {
	return State{policy: p.normalized()}
}

// RecordFailure counts a failure and schedules the next permissible attempt.
// The first failure waits Initial.
func (s *State) RecordFailure(now time.Time) time.Duration {
	s.failures++
	s.currentDelay = s.policy.Delay(s.failures - 1)
	s.nextAttempt = now.Add(s.currentDelay)
	return s.currentDelay
}

// RecordSuccess resets the failure count
func (s *State) RecordSuccess() {
	s.failures = 0
	s.currentDelay = 0
	s.nextAttempt = time.Time{}
}

// Restore seeds the state from a persisted snapshot
func (s *State) Restore(failures int, nextAttempt time.Time) {
	if failures < 0 {
		failures = 0
	}
	s.failures = failures
	if failures > 0 {
		s.currentDelay = s.policy.Delay(failures - 1)
	} else {
		s.currentDelay = 0
	}
	s.nextAttempt = nextAttempt
}

// Ready reports whether an attempt is allowed at now
func (s State) Ready(now time.Time) bool {
	return !now.Before(s.nextAttempt)
}

// NextAttempt returns the earliest time of the next attempt (zero when ready immediately)
func (s State) NextAttempt() time.Time {
	return s.nextAttempt
}

// Failures returns the number of consecutive failures
func (s State) Failures() int {
	return s.failures
}

// CurrentDelay returns the delay applied after the last failure
func (s State) CurrentDelay() time.Duration {
	return s.currentDelay
}

// Policy returns the policy of this state
func (s State) Policy() Policy {
	return s.policy
}
