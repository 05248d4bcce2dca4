// Package recovery drives reconnection of the real connection and monitors
// its health. Only the process that currently owns the connection runs it.
package recovery

import (
	"math"
	"math/rand"
	"time"
)

// StrategyKind names a reconnection delay policy.
type StrategyKind string

const (
	// StrategyImmediate retries almost instantly a few times; meant for
	// blips.
	StrategyImmediate StrategyKind = "immediate"
	// StrategyExponential backs off base*multiplier^(k-1), capped.
	StrategyExponential StrategyKind = "exponential"
	// StrategyLinear backs off base*k, capped.
	StrategyLinear StrategyKind = "linear"
	// StrategyCircuitBreaker retries on a flat short delay until the
	// failure budget (3 attempts) is spent, then trips open to a long flat
	// delay.
	StrategyCircuitBreaker StrategyKind = "circuit-breaker"
)

// circuitTripAttempts is how many short-delay attempts a circuit breaker
// allows before tripping.
const circuitTripAttempts = 3

// Strategy is a delay policy over attempt numbers (1-based).
type Strategy struct {
	Kind        StrategyKind
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter is the +/- fraction applied to every delay so competing
	// processes don't retry in lockstep.
	Jitter float64
}

// Preset strategies matching the policy descriptions above.
func ImmediateStrategy() Strategy {
	return Strategy{Kind: StrategyImmediate, Base: 50 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3, Jitter: 0.2}
}

func ExponentialStrategy() Strategy {
	return Strategy{Kind: StrategyExponential, Base: time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 8, Jitter: 0.2}
}

func LinearStrategy() Strategy {
	return Strategy{Kind: StrategyLinear, Base: 2 * time.Second, Max: 20 * time.Second, MaxAttempts: 6, Jitter: 0.2}
}

func CircuitBreakerStrategy() Strategy {
	return Strategy{Kind: StrategyCircuitBreaker, Base: time.Second, Max: time.Minute, MaxAttempts: 10, Jitter: 0.2}
}

// BaseDelay computes the un-jittered delay for attempt k (1-based).
func (s Strategy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch s.Kind {
	case StrategyImmediate:
		d = s.Base
	case StrategyExponential:
		mult := s.Multiplier
		if mult <= 1 {
			mult = 2
		}
		f := float64(s.Base) * math.Pow(mult, float64(attempt-1))
		if f > float64(s.Max) {
			return s.Max
		}
		d = time.Duration(f)
	case StrategyLinear:
		d = s.Base * time.Duration(attempt)
	case StrategyCircuitBreaker:
		if attempt <= circuitTripAttempts {
			d = s.Base
		} else {
			d = s.Max
		}
	default:
		d = s.Base
	}
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	return d
}

// Delay applies jitter to BaseDelay.
func (s Strategy) Delay(attempt int, rng *rand.Rand) time.Duration {
	d := s.BaseDelay(attempt)
	if s.Jitter <= 0 || d <= 0 {
		return d
	}
	// uniform in [1-jitter, 1+jitter]
	f := 1 + s.Jitter*(2*rng.Float64()-1)
	return time.Duration(float64(d) * f)
}
