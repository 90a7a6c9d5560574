package skillrt

import (
	"testing"
	"time"
)

func TestBackoffDelay_Monotonic(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second
	var prev time.Duration
	for retries := 1; retries <= 8; retries++ {
		d := BackoffDelay(retries, base, max)
		if d < prev {
			t.Fatalf("retries=%d: delay %v less than previous %v", retries, d, prev)
		}
		if d > max+max/10 {
			t.Fatalf("retries=%d: delay %v exceeds cap %v", retries, d, max)
		}
		prev = d
	}
}

func TestBackoffDelay_ZeroRetries(t *testing.T) {
	if d := BackoffDelay(0, time.Second, time.Minute); d != 0 {
		t.Fatalf("expected 0 delay for retries=0, got %v", d)
	}
}

func TestShouldRetry(t *testing.T) {
	base := 10 * time.Millisecond
	max := time.Second
	old := time.Now().Add(-time.Hour)
	if !ShouldRetry(old, 1, base, max) {
		t.Fatal("expected retry to be due after an hour")
	}
	if ShouldRetry(time.Now(), 5, base, max) {
		t.Fatal("expected retry not yet due immediately after an attempt")
	}
}
