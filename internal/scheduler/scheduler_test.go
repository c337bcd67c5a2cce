package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/relink/internal/engine"
	"github.com/scrypster/relink/pkg/types"
)

type step struct {
	report engine.CycleReport
	err    error
}

// scriptedRunner returns the scripted results in order and calls done once
// the script runs out.
type scriptedRunner struct {
	mu    sync.Mutex
	steps []step
	calls int
	opts  []engine.CycleOptions
	done  func()
}

func (r *scriptedRunner) RunCycle(ctx context.Context, opts engine.CycleOptions) (engine.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = append(r.opts, opts)
	if r.calls >= len(r.steps) {
		r.done()
		return engine.CycleReport{}, nil
	}
	s := r.steps[r.calls]
	r.calls++
	return s.report, s.err
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) after(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

var (
	busy = step{report: engine.CycleReport{Created: 2}}
	idle = step{report: engine.CycleReport{Skipped: 1}}
	fail = step{err: types.ErrTransient}
)

func newTestScheduler(t *testing.T, runner *scriptedRunner, maxFailures int) (*Scheduler, *delayRecorder) {
	t.Helper()
	rec := &delayRecorder{}
	s, err := New(Config{
		Runner:                 runner,
		Cycle:                  engine.CycleOptions{BatchSize: 7},
		InitialDelay:           time.Minute,
		MinDelay:               10 * time.Second,
		MaxDelay:               4 * time.Minute,
		MaxConsecutiveFailures: maxFailures,
		After:                  rec.after,
		Logger:                 log.New(io.Discard),
	})
	require.NoError(t, err)
	return s, rec
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Runner: &scriptedRunner{}, MinDelay: time.Hour, MaxDelay: time.Minute})
	assert.Error(t, err)
}

func TestStart_AdaptsDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptedRunner{
		steps: []step{busy, busy, busy, busy, idle, idle, idle, idle},
		done:  cancel,
	}
	s, rec := newTestScheduler(t, runner, 0)

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []time.Duration{
		30 * time.Second, 15 * time.Second, 10 * time.Second, 10 * time.Second,
		20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second,
	}, rec.delays)
	assert.Equal(t, 8, s.Cycles())
	for _, o := range runner.opts {
		assert.Equal(t, 7, o.BatchSize)
	}
}

func TestStart_DelayCappedAtMax(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptedRunner{steps: []step{idle, idle, idle, idle}, done: cancel}
	s, rec := newTestScheduler(t, runner, 0)

	_ = s.Start(ctx)
	assert.Equal(t, 4*time.Minute, rec.delays[len(rec.delays)-1])
}

func TestStart_StopsAfterConsecutiveFailures(t *testing.T) {
	runner := &scriptedRunner{steps: []step{fail, fail, fail}, done: func() {}}
	s, _ := newTestScheduler(t, runner, 3)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Contains(t, err.Error(), "3 consecutive")
}

func TestStart_SuccessResetsFailureCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptedRunner{steps: []step{fail, fail, idle, fail, fail}, done: cancel}
	s, _ := newTestScheduler(t, runner, 3)

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled, "never reached three failures in a row")
}

func TestStop(t *testing.T) {
	var s *Scheduler
	stopped := make(chan error, 1)
	runner := &scriptedRunner{steps: []step{idle}}
	runner.done = func() {
		go func() { stopped <- s.Stop() }()
	}

	rec := &delayRecorder{}
	block := make(chan time.Time)
	var err error
	s, err = New(Config{
		Runner:       runner,
		InitialDelay: time.Minute,
		After: func(d time.Duration) <-chan time.Time {
			if len(rec.delays) == 0 {
				return rec.after(d)
			}
			return block
		},
		Logger: log.New(io.Discard),
	})
	require.NoError(t, err)

	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, <-stopped)
	assert.Error(t, s.Stop(), "not running any more")
}

func TestStart_AlreadyRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var s *Scheduler
	var second error
	runner := &scriptedRunner{done: func() {}}
	s, err := New(Config{
		Runner: runner,
		After: func(time.Duration) <-chan time.Time {
			second = s.Start(ctx)
			close(started)
			cancel()
			return make(chan time.Time)
		},
		Logger: log.New(io.Discard),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(ctx), context.Canceled)
	<-started
	assert.Error(t, second)
	assert.False(t, errors.Is(second, context.Canceled))
}

func TestWake_CutsWaitShort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s *Scheduler
	runner := &scriptedRunner{steps: []step{idle, idle}, done: cancel}
	never := make(chan time.Time)
	s, err := New(Config{
		Runner: runner,
		After: func(time.Duration) <-chan time.Time {
			s.Wake()
			return never
		},
		Logger: log.New(io.Discard),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Start(ctx), context.Canceled)
	assert.Equal(t, 2, s.Cycles(), "each wait ended by a wake")
}

func TestWake_Coalesces(t *testing.T) {
	s, err := New(Config{Runner: &scriptedRunner{}, Logger: log.New(io.Discard)})
	require.NoError(t, err)

	s.Wake()
	s.Wake()
	assert.Len(t, s.wake, 1)
}
