package relayqueue

import (
	"math/rand"
	"sync"
	"time"
)

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Backoff computes retry waits: exponential growth from a base, capped
// at a maximum, randomized within the upper half of the clamped window
// so concurrent clients do not synchronize retries. The lower bound of
// attempt n+1 equals the upper bound of attempt n, so consecutive waits
// never decrease until the cap is reached.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	attempts int
	lastWait time.Duration
	rng      *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < base {
		max = base
	}
	return &Backoff{
		base: base,
		max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextWait records one more failed attempt and returns how long to wait
// before the next one.
func (b *Backoff) NextWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	b.lastWait = b.waitForLocked(b.attempts)
	return b.lastWait
}

// WaitFor computes the wait for a given attempt number (1-based)
// without mutating the tracked attempt count.
func (b *Backoff) WaitFor(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitForLocked(attempt)
}

func (b *Backoff) waitForLocked(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := b.base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= b.max {
			ceiling = b.max
			break
		}
	}
	half := ceiling / 2
	return half + time.Duration(b.rng.Int63n(int64(half)+1))
}

// Reset clears the attempt count after a successful send.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.lastWait = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// LastWait returns the most recently computed wait, for callers
// awaiting the retry window.
func (b *Backoff) LastWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWait
}
