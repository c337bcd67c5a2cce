package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another writer held the ledger for longer than
// the configured wait.
var ErrLocked = errors.New("ledger is locked by another writer")

const lockRetryDelay = 50 * time.Millisecond

// Lock takes the writer lock: one holder within this process, and one
// process per ledger file through <path>.lock. It waits up to the
// configured lock wait, or until ctx is done.
func (s *Store) Lock(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	select {
	case s.writer <- struct{}{}:
	case <-waitCtx.Done():
		return s.lockErr(ctx, waitCtx.Err())
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		<-s.writer
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	locked, err := s.flock.TryLockContext(waitCtx, lockRetryDelay)
	if err != nil || !locked {
		<-s.writer
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return s.lockErr(ctx, err)
		}
		return fmt.Errorf("failed to lock %s: %w", s.flock.Path(), err)
	}
	return nil
}

// Unlock releases the writer lock.
func (s *Store) Unlock() error {
	err := s.flock.Unlock()
	select {
	case <-s.writer:
	default:
		return errors.New("ledger is not locked")
	}
	return err
}

func (s *Store) lockErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s (waited %v; is \"relink run\" busy?)", ErrLocked, s.flock.Path(), s.lockWait)
}
