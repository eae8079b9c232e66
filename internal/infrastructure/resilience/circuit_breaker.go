// Package resilience provides the circuit breaker and provider rate limiter
// shared by the exchange-rate oracle and the node gateway.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int32

const (
	// StateClosed - normal operation, calls pass through.
	StateClosed BreakerState = iota
	// StateOpen - the dependency is considered down, calls fail fast.
	StateOpen
	// StateHalfOpen - the cooldown elapsed, a single trial call is allowed.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// BreakerOpenError is returned when a call is rejected because the breaker is
// not accepting calls.
type BreakerOpenError struct {
	Name  string
	State BreakerState
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// IsBreakerOpen checks whether err is a breaker rejection.
func IsBreakerOpen(err error) bool {
	var boe *BreakerOpenError
	return errors.As(err, &boe)
}

// Breaker is a consecutive-failure circuit breaker. It opens after MaxFailures
// consecutive failures, stays open for OpenTimeout, then admits exactly one
// trial call (half-open). A successful trial fully resets the breaker; a
// failed trial reopens it for another window.
//
// A single mutex guards all counters since concurrent callers may race to
// record outcomes.
type Breaker struct {
	name        string
	maxFailures int
	openTimeout time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	trialActive bool

	onState func(BreakerState)
	logger  *zap.Logger
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		openTimeout: cfg.OpenTimeout,
		state:       StateClosed,
		logger:      logger,
	}
}

// OnStateChange registers a callback invoked (outside the lock) whenever the
// breaker changes state. Used to export the state as a gauge.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. When the open timeout has elapsed
// it admits the single half-open trial call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.openTimeout {
			b.setState(StateHalfOpen)
			b.trialActive = true
			b.logger.Info("circuit breaker transitioning to half-open",
				zap.String("name", b.name))
			return true
		}
		return false
	case StateHalfOpen:
		// Only one trial call at a time.
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call, closing the breaker if half-open
// and clearing the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("circuit breaker closed after successful trial",
			zap.String("name", b.name))
	}
	b.setState(StateClosed)
	b.failures = 0
	b.trialActive = false
}

// RecordFailure records a failed call, opening the breaker once the
// consecutive-failure limit is reached or immediately when half-open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.setState(StateOpen)
			b.openedAt = time.Now()
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.name),
				zap.Int("failures", b.failures),
				zap.Int("max_failures", b.maxFailures))
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.openedAt = time.Now()
		b.trialActive = false
		b.logger.Warn("circuit breaker reopened after failed trial",
			zap.String("name", b.name))
	}
}

// Execute runs fn under breaker protection, recording its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return &BreakerOpenError{Name: b.name, State: b.State()}
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open reports whether the breaker currently rejects calls without admitting
// a trial. Unlike Allow it has no side effects.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.openedAt) < b.openTimeout
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset manually closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.trialActive = false
	b.logger.Info("circuit breaker manually reset", zap.String("name", b.name))
}

// setState updates the state and fires the callback. Caller holds the lock.
func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onState != nil {
		cb, state := b.onState, s
		go cb(state)
	}
}
