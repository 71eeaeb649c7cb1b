package connection

import (
	"math/rand/v2"
	"sync"
	"time"
)

// RedialPolicy describes how a lost hub connection is redialed. A hub
// restart on the local socket usually completes within a second, so the
// default schedule starts at 200ms and caps at 10s.
type RedialPolicy struct {
	// First is the delay before the first redial (default 200ms).
	First time.Duration

	// Cap bounds the delay between redials (default 10s).
	Cap time.Duration

	// Factor multiplies the delay after every failed redial (default 2).
	Factor float64

	// Jitter adds up to this fraction of the delay at random (default
	// 0.25). A negative value disables jitter.
	Jitter float64

	// MaxAttempts gives up after this many failed redials. Zero redials
	// until the manager is closed.
	MaxAttempts int
}

// DefaultRedialPolicy returns the policy used when none is configured.
func DefaultRedialPolicy() RedialPolicy {
	return RedialPolicy{}.withDefaults()
}

func (p RedialPolicy) withDefaults() RedialPolicy {
	if p.First <= 0 {
		p.First = 200 * time.Millisecond
	}
	if p.Cap < p.First {
		p.Cap = max(10*time.Second, p.First)
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	if p.Jitter == 0 {
		p.Jitter = 0.25
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Delay returns the base delay (without jitter) before redial attempt n,
// counting from 1.
func (p RedialPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.First
	for i := 1; i < n && d < p.Cap; i++ {
		d = time.Duration(float64(d) * p.Factor)
	}
	return min(d, p.Cap)
}

// Schedule returns the base delays from First up to and including Cap.
func (p RedialPolicy) Schedule() []time.Duration {
	p = p.withDefaults()
	var seq []time.Duration
	for n := 1; ; n++ {
		d := p.Delay(n)
		seq = append(seq, d)
		if d >= p.Cap {
			return seq
		}
	}
}

// Backoff walks a RedialPolicy, counting failed redials since the last
// successful connection.
type Backoff struct {
	policy RedialPolicy

	mu       sync.Mutex
	attempts int
}

// NewBackoff creates a Backoff for policy.
func NewBackoff(policy RedialPolicy) *Backoff {
	return &Backoff{policy: policy.withDefaults()}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() RedialPolicy {
	return b.policy
}

// Next counts a redial and returns the jittered delay to wait before it.
// It returns false once MaxAttempts redials have been used up.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		return 0, false
	}
	b.attempts++
	d := b.policy.Delay(b.attempts)
	if b.policy.Jitter > 0 {
		d += time.Duration(float64(d) * b.policy.Jitter * rand.Float64())
	}
	return d, true
}

// Reset starts the schedule over after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of redials since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
