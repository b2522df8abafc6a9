package transport

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: delay before attempt k equals base * 2^(k-1)
// ---------------------------------------------------------------------------

func TestBackoffSchedule(t *testing.T) {
	base := 500 * time.Millisecond
	b := newBackoff(base, 5)

	expected := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}

	for k, want := range expected {
		delay, ok := b.next()
		if !ok {
			t.Fatalf("attempt %d: schedule exhausted early", k+1)
		}
		if delay != want {
			t.Errorf("attempt %d: expected delay %s, got %s", k+1, want, delay)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: no attempt is scheduled past the cap
// ---------------------------------------------------------------------------

func TestBackoffExhaustion(t *testing.T) {
	b := newBackoff(time.Second, 3)

	for i := 0; i < 3; i++ {
		if _, ok := b.next(); !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i+1)
		}
	}

	if _, ok := b.next(); ok {
		t.Fatal("expected exhaustion after cap, got another attempt")
	}
	// Repeated calls stay exhausted.
	if _, ok := b.next(); ok {
		t.Fatal("exhausted backoff handed out an attempt")
	}
}

// ---------------------------------------------------------------------------
// Test: reset restarts the schedule from the base delay
// ---------------------------------------------------------------------------

func TestBackoffReset(t *testing.T) {
	base := 250 * time.Millisecond
	b := newBackoff(base, 4)

	b.next()
	b.next()
	b.reset()

	delay, ok := b.next()
	if !ok {
		t.Fatal("unexpectedly exhausted after reset")
	}
	if delay != base {
		t.Errorf("expected base delay %s after reset, got %s", base, delay)
	}
	if b.current() != 1 {
		t.Errorf("expected attempt 1 after reset, got %d", b.current())
	}
}
