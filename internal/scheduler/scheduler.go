// Package scheduler drives reconciliation cycles with an adaptive delay:
// busy cycles shorten the wait, idle ones lengthen it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/relink/internal/engine"
)

// CycleRunner runs one reconciliation cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts engine.CycleOptions) (engine.CycleReport, error)
}

// Config configures a Scheduler.
type Config struct {
	Runner CycleRunner

	// Cycle is passed to every RunCycle call.
	Cycle engine.CycleOptions

	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration

	// MaxConsecutiveFailures stops the loop after that many failing cycles
	// in a row (0 = never stop).
	MaxConsecutiveFailures int

	// After returns a channel that fires after d. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time

	Logger *log.Logger
}

// Scheduler repeatedly runs cycles until stopped.
type Scheduler struct {
	cfg    Config
	logger *log.Logger

	wake chan struct{}

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	delay    time.Duration
	failures int
	cycles   int
}

// New validates cfg and creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("cycle runner is required")
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 10 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Minute
	}
	if cfg.MinDelay > cfg.MaxDelay {
		return nil, fmt.Errorf("min delay %v exceeds max delay %v", cfg.MinDelay, cfg.MaxDelay)
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Minute
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return nil, fmt.Errorf("max consecutive failures must be >= 0, got %d", cfg.MaxConsecutiveFailures)
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
		delay:  clamp(cfg.InitialDelay, cfg.MinDelay, cfg.MaxDelay),
	}, nil
}

// Start runs cycles until ctx is cancelled, Stop is called, or too many
// cycles fail in a row. Each cycle runs to completion before the next wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started", "delay", s.Delay(), "batch", s.cfg.Cycle.BatchSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", "context cancelled")
			return ctx.Err()
		case <-stopCh:
			s.logger.Info("scheduler stopping", "reason", "stop requested")
			return nil
		default:
		}

		report, err := s.cfg.Runner.RunCycle(ctx, s.cfg.Cycle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.record(report, err); err != nil {
			return err
		}

		delay := s.Delay()
		s.logger.Debug("waiting for next cycle", "delay", delay)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", "context cancelled")
			return ctx.Err()
		case <-stopCh:
			s.logger.Info("scheduler stopping", "reason", "stop requested")
			return nil
		case <-s.wake:
			s.logger.Debug("woken early")
		case <-s.cfg.After(delay):
		}
	}
}

// record updates the failure count and the delay after one cycle.
func (s *Scheduler) record(report engine.CycleReport, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++

	if err != nil {
		s.failures++
		s.delay = clamp(s.delay*2, s.cfg.MinDelay, s.cfg.MaxDelay)
		s.logger.Warn("cycle failed", "error", err, "consecutive", s.failures)
		if s.cfg.MaxConsecutiveFailures > 0 && s.failures >= s.cfg.MaxConsecutiveFailures {
			return fmt.Errorf("scheduler stopped after %d consecutive failed cycles: %w", s.failures, err)
		}
		return nil
	}

	s.failures = 0
	if report.DidWork() {
		s.delay = clamp(s.delay/2, s.cfg.MinDelay, s.cfg.MaxDelay)
	} else {
		s.delay = clamp(s.delay*2, s.cfg.MinDelay, s.cfg.MaxDelay)
	}
	return nil
}

// Stop ends a running loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// Wake cuts the current wait short so the next cycle starts now. Wakes
// that arrive while a cycle is running coalesce into one.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Delay is the wait before the next cycle.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Cycles is the number of cycles run so far.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
