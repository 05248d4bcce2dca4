package recovery

import (
	"math/rand"
	"testing"
	"time"
)

func TestExponentialBaseDelay(t *testing.T) {
	s := ExponentialStrategy()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := s.BaseDelay(i + 1); got != w {
			t.Errorf("attempt %d: delay = %s; want %s", i+1, got, w)
		}
	}
}

func TestLinearBaseDelay(t *testing.T) {
	s := LinearStrategy()
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		6 * time.Second,
		8 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := s.BaseDelay(i + 1); got != w {
			t.Errorf("attempt %d: delay = %s; want %s", i+1, got, w)
		}
	}
	if got := s.BaseDelay(50); got != 20*time.Second {
		t.Errorf("deep attempt delay = %s; want the 20s cap", got)
	}
}

func TestImmediateBaseDelay(t *testing.T) {
	s := ImmediateStrategy()
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if got := s.BaseDelay(attempt); got != 50*time.Millisecond {
			t.Errorf("attempt %d: delay = %s; want 50ms", attempt, got)
		}
	}
}

func TestCircuitBreakerTripsAfterBudget(t *testing.T) {
	s := CircuitBreakerStrategy()
	for attempt := 1; attempt <= circuitTripAttempts; attempt++ {
		if got := s.BaseDelay(attempt); got != s.Base {
			t.Errorf("attempt %d: delay = %s; want the short %s", attempt, got, s.Base)
		}
	}
	for attempt := circuitTripAttempts + 1; attempt <= s.MaxAttempts; attempt++ {
		if got := s.BaseDelay(attempt); got != s.Max {
			t.Errorf("attempt %d: delay = %s; want the tripped %s", attempt, got, s.Max)
		}
	}
}

func TestDelayStaysInJitterBand(t *testing.T) {
	s := ExponentialStrategy()
	rng := rand.New(rand.NewSource(3))
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		base := s.BaseDelay(attempt)
		lo := time.Duration(float64(base) * (1 - s.Jitter))
		hi := time.Duration(float64(base) * (1 + s.Jitter))
		for i := 0; i < 200; i++ {
			d := s.Delay(attempt, rng)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, lo, hi)
			}
		}
	}
}

func TestZeroJitterIsDeterministic(t *testing.T) {
	s := LinearStrategy()
	s.Jitter = 0
	rng := rand.New(rand.NewSource(4))
	if got := s.Delay(2, rng); got != s.BaseDelay(2) {
		t.Errorf("jitterless delay = %s; want %s", got, s.BaseDelay(2))
	}
}

func TestBaseDelayClampsAttempt(t *testing.T) {
	s := ExponentialStrategy()
	if got := s.BaseDelay(0); got != s.Base {
		t.Errorf("attempt 0 delay = %s; want %s", got, s.Base)
	}
	if got := s.BaseDelay(-5); got != s.Base {
		t.Errorf("negative attempt delay = %s; want %s", got, s.Base)
	}
}
