// Package breaker guards calls to external collaborators (the record store
// API and the match oracle) with a circuit breaker so a dead backend fails
// fast instead of burning every retry of every item in a batch.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrypster/relink/pkg/types"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the circuit is open and rejects calls.
// It wraps types.ErrTransient so callers treat it as retry-later.
var ErrOpen = fmt.Errorf("circuit breaker is open: %w", types.ErrTransient)

// Config holds the configuration for the circuit breaker.
type Config struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive transient failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 60 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in half-open
	// state to close the circuit again.
	// Default: 1
	HalfOpenMaxSuccesses uint32

	// OnStateChange is called on every state transition. Optional.
	OnStateChange func(name, from, to string)
}

// Metrics holds counters about breaker operations.
type Metrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker wraps gobreaker. Only transient failures count against the circuit:
// a NotFound or VersionConflict is a healthy backend answering "no".
type Breaker struct {
	breaker *gobreaker.CircuitBreaker
	config  Config
	mu      sync.RWMutex
	metrics Metrics
}

// New creates a breaker, filling unset fields with defaults.
func New(config Config) *Breaker {
	if config.Name == "" {
		config.Name = "relink"
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 1
	}

	b := &Breaker{config: config}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !types.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if config.OnStateChange != nil {
				config.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	return b
}

// Execute runs fn through the circuit breaker.
// If the circuit is open, it returns ErrOpen without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.record(false)
		return ErrOpen
	}
	b.record(err == nil || !types.IsTransient(err))
	return err
}

// State returns the current state: "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Metrics returns the current counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.breaker.Counts()
	return Metrics{
		TotalRequests:        b.metrics.TotalRequests,
		TotalSuccesses:       b.metrics.TotalSuccesses,
		TotalFailures:        b.metrics.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalRequests++
	if success {
		b.metrics.TotalSuccesses++
	} else {
		b.metrics.TotalFailures++
	}
}
