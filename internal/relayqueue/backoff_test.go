package relayqueue

import (
	"testing"
	"time"
)

func TestBackoffWaitWindows(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 800*time.Millisecond)
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 50 * time.Millisecond, 100 * time.Millisecond},
		{2, 100 * time.Millisecond, 200 * time.Millisecond},
		{3, 200 * time.Millisecond, 400 * time.Millisecond},
		{4, 400 * time.Millisecond, 800 * time.Millisecond},
		{5, 400 * time.Millisecond, 800 * time.Millisecond},
		{9, 400 * time.Millisecond, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			wait := b.WaitFor(tc.attempt)
			if wait < tc.min || wait > tc.max {
				t.Fatalf("attempt %d: wait %s outside [%s, %s]", tc.attempt, wait, tc.min, tc.max)
			}
		}
	}
}

func TestBackoffConsecutiveWaitsNeverDecrease(t *testing.T) {
	// The jitter window of attempt n+1 starts at the ceiling of attempt
	// n, so waits grow monotonically while the cap is out of reach.
	b := NewBackoff(10*time.Millisecond, 10*time.Second)
	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		wait := b.NextWait()
		if wait < prev {
			t.Fatalf("attempt %d: wait %s below previous %s", i+1, wait, prev)
		}
		prev = wait
	}
}

func TestBackoffNextWaitTracksAttempts(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, time.Second)
	if b.Attempts() != 0 {
		t.Fatalf("fresh backoff reports %d attempts", b.Attempts())
	}
	first := b.NextWait()
	second := b.NextWait()
	if b.Attempts() != 2 {
		t.Fatalf("attempts = %d after two failures", b.Attempts())
	}
	if b.LastWait() != second {
		t.Fatalf("LastWait = %s, want %s", b.LastWait(), second)
	}
	if second < first/2 {
		t.Fatalf("second wait %s regressed below first %s", second, first)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, time.Second)
	b.NextWait()
	b.NextWait()
	b.Reset()
	if b.Attempts() != 0 || b.LastWait() != 0 {
		t.Fatalf("reset left attempts=%d lastWait=%s", b.Attempts(), b.LastWait())
	}
	wait := b.NextWait()
	if wait < 5*time.Millisecond || wait > 10*time.Millisecond {
		t.Fatalf("post-reset wait %s outside first-attempt window", wait)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	wait := b.WaitFor(1)
	if wait < 100*time.Millisecond || wait > 200*time.Millisecond {
		t.Fatalf("default first wait %s outside [100ms, 200ms]", wait)
	}
	// A max below the base is raised to the base.
	b = NewBackoff(time.Second, time.Millisecond)
	if wait := b.WaitFor(5); wait > time.Second {
		t.Fatalf("wait %s exceeded clamped max", wait)
	}
}
