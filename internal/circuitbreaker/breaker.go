// Package circuitbreaker stops calls to an upstream that keeps failing, so a
// run stops burning retries and quota once the provider is down.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Threshold is the number of consecutive failed calls that opens the
	// breaker. Zero or less disables the breaker.
	Threshold int
	// Probes is the number of successful half-open calls that close it again.
	Probes int
	// Cooldown is how long the breaker stays open before letting a probe through.
	Cooldown time.Duration
	// OnChange is called with the lock held; it must not call back into the breaker.
	OnChange func(from, to State)
}

// Breaker counts consecutive failures of whole calls, retries included.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	threshold int
	probes    int
	cooldown  time.Duration
	onChange  func(from, to State)
	now       func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Breaker{
		threshold: cfg.Threshold,
		probes:    cfg.Probes,
		cooldown:  cfg.Cooldown,
		onChange:  cfg.OnChange,
		now:       time.Now,
	}
}

// Allow returns ErrOpen while the breaker is open and the cooldown has not
// passed. A nil or disabled breaker always allows.
func (b *Breaker) Allow() error {
	if b == nil || b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if b.state == StateOpen {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) Success() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.probes {
			b.setLocked(StateClosed)
		}
	}
}

func (b *Breaker) Failure() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	switch {
	case b.state == StateHalfOpen:
		b.openLocked()
	case b.state == StateClosed && b.failures >= b.threshold:
		b.openLocked()
	}
}

func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

func (b *Breaker) expireLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.setLocked(StateHalfOpen)
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = b.now()
	b.setLocked(StateOpen)
}

func (b *Breaker) setLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
