package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrBreakerOpen is returned by Allow while the breaker is open
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a trial attempt
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker counts consecutive failures of a repeated operation and, once the
// threshold is reached, refuses further attempts until the cooldown elapses.
// After the cooldown exactly one trial attempt is let through: its success
// closes the breaker, its failure reopens it.
type Breaker struct {
	name     string
	config   BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool

	// OnStateChange, when set, is called with the new state after every transition.
	OnStateChange func(name string, state BreakerState)
}

func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &Breaker{name: name, config: config}
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// must hold lock
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.config.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether an attempt may start now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.trial {
			return ErrBreakerOpen
		}
		b.trial = true
		b.setState(BreakerHalfOpen)
	}
	return nil
}

// Remaining returns how long the breaker stays open, zero when an attempt is allowed.
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	left := b.config.Cooldown - time.Since(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Success records a successful attempt and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.setState(BreakerClosed)
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
		b.trial = false
		b.openedAt = time.Now()
		b.setState(BreakerOpen)
	}
}

// Failures returns the number of consecutive failures recorded.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// must hold lock
func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.OnStateChange != nil {
		b.OnStateChange(b.name, state)
	}
}
