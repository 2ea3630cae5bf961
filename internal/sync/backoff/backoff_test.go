package backoff

import (
	"testing"
	"time"
)

// TestPolicy_delay verifies doubling from the base up to the cap.
func TestPolicy_delay(t *testing.T) {
	p := Default()

	tests := []struct {
		n    uint32
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{200, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

// TestPolicy_nextBounds verifies jitter stays within [delay, 1.3*delay).
func TestPolicy_nextBounds(t *testing.T) {
	p := Default()

	for n := uint32(0); n < 12; n++ {
		base := p.Delay(n)
		upper := base + time.Duration(float64(base)*0.3)
		for i := 0; i < 50; i++ {
			got := p.Next(n)
			if got < base || got >= upper {
				t.Fatalf("Next(%d) = %v, want in [%v, %v)", n, got, base, upper)
			}
		}
	}
}

// TestPolicy_monotonic verifies the lower bound of the delay never decreases
// and is never negative.
func TestPolicy_monotonic(t *testing.T) {
	p := Default()
	p.Rand = func() float64 { return 0 }

	prev := time.Duration(0)
	for n := uint32(0); n < 64; n++ {
		got := p.Next(n)
		if got < 0 {
			t.Fatalf("Next(%d) = %v, negative", n, got)
		}
		if got < prev {
			t.Fatalf("Next(%d) = %v < Next(%d) = %v", n, got, n-1, prev)
		}
		prev = got
	}
}

// TestPolicy_injectedRand verifies the maximum jitter path.
func TestPolicy_injectedRand(t *testing.T) {
	p := Default()
	p.Rand = func() float64 { return 0.5 }

	if got, want := p.Next(0), 1150*time.Millisecond; got != want {
		t.Errorf("Next(0) = %v, want %v", got, want)
	}
}
