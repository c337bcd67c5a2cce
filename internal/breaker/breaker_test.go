package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scrypster/relink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	b := New(Config{Name: "test", MaxFailures: 2, Timeout: time.Hour})
	ctx := context.Background()
	boom := fmt.Errorf("dial: %w", types.ErrTransient)

	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	require.ErrorIs(t, b.Execute(ctx, fail), types.ErrTransient)
	require.ErrorIs(t, b.Execute(ctx, fail), types.ErrTransient)
	assert.Equal(t, "open", b.State())

	err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, types.ErrTransient, "open circuit is a transient outcome")
	assert.Equal(t, 2, calls, "open circuit must not call fn")

	m := b.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	b := New(Config{MaxFailures: 1, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			return fmt.Errorf("get A1: %w", types.ErrNotFound)
		})
		require.ErrorIs(t, err, types.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint64(5), b.Metrics().TotalSuccesses)
}

func TestBreakerCancelledContext(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		MaxFailures: 1,
		Timeout:     time.Hour,
		OnStateChange: func(name, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	_ = b.Execute(context.Background(), func(context.Context) error { return types.ErrTransient })
	assert.Equal(t, []string{"closed->open"}, transitions)
}
