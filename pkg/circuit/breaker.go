// Package circuit implements a circuit breaker guarding calls to pool infrastructure
// (daemon RPC, Kafka, Redis).
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/equipool/pkg/errors"
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses
	StateOpen
	// StateHalfOpen lets trial calls through
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

// Config holds breaker thresholds.
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures that open the breaker
	SuccessRequired int           // trial successes that close it again
	Timeout         time.Duration // open -> half-open cool-down
	ResetTimeout    time.Duration // failure counter decay while closed
	OnStateChange   func(name string, from, to State)
}

// DefaultConfig returns general purpose thresholds.
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	config *Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
}

// New creates a closed breaker. A nil config selects DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	b := &Breaker{config: config, now: time.Now}
	b.windowStart = b.now()
	return b
}

// errOpen is returned while the breaker rejects calls.
func (b *Breaker) errOpen() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit open").
		WithContext("breaker", b.config.Name)
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](_ context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !b.admit() {
		return zero, b.errOpen()
	}

	res, err := fn()
	b.record(err)
	if err != nil {
		return zero, err
	}
	return res, nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.windowStart) > b.config.ResetTimeout {
			b.failures = 0
			b.windowStart = now
		}
		return true
	case StateOpen:
		if now.Sub(b.openedAt) > b.config.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.MaxFailures) {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessRequired {
			b.failures = 0
			b.windowStart = b.now()
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.successes = 0
	if b.config.OnStateChange != nil && from != to {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the failures counted in the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.windowStart = b.now()
	b.transition(StateClosed)
}
