package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	s := NewConstant(50 * time.Millisecond)
	for _, attempt := range []int{1, 2, 10} {
		if got := s.Delay(attempt); got != 50*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 50ms", attempt, got)
		}
	}
}

func TestLinearGrowthAndCap(t *testing.T) {
	s := NewLinear(100*time.Millisecond, 350*time.Millisecond)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}
	for i, w := range want {
		if got := s.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestLinearNoCapWhenMaxZero(t *testing.T) {
	s := NewLinear(time.Second, 0)
	if got := s.Delay(100); got != 100*time.Second {
		t.Errorf("Delay(100) = %v, want 100s", got)
	}
}

func TestExponentialGrowthAndCap(t *testing.T) {
	s := NewExponential(100*time.Millisecond, time.Second)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := s.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	s := NewExponentialWithJitter(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := time.Duration(100*time.Millisecond) << (attempt - 1)
		if ceiling > time.Second {
			ceiling = time.Second
		}
		for i := 0; i < 50; i++ {
			got := s.Delay(attempt)
			if got < 0 || got > ceiling {
				t.Fatalf("Delay(%d) = %v, outside [0, %v]", attempt, got, ceiling)
			}
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	for i := 0; i < 20; i++ {
		if got := s.Delay(10); got < 0 || got > time.Second {
			t.Fatalf("Delay(10) = %v, outside [0, 1s]", got)
		}
	}
}
