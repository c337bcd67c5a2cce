package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/pkg/types"
)

// Rollback deletes the pairing's new reference and marks it ROLLED_BACK.
// The old reference is never touched, and its id becomes eligible for
// discovery again. Only CREATED pairings whose old file link still exists
// can be rolled back.
func (e *Engine) Rollback(ctx context.Context, pairing types.Pairing) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("rollback")
	release, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = e.rollbackByOldID(ctx, pairing.OldID, &report)
	e.finish(ctx, &report)
	return err
}

// RollbackAll rolls back every CREATED pairing.
func (e *Engine) RollbackAll(ctx context.Context) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("rollback")
	release, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	var ids []string
	for _, p := range e.pairings {
		if p.State == types.StateCreated {
			ids = append(ids, p.OldID)
		}
	}

	for _, id := range ids {
		if err = ctx.Err(); err != nil {
			break
		}
		if rerr := e.rollbackByOldID(ctx, id, &report); errors.Is(rerr, types.ErrPersistence) {
			err = rerr
			break
		}
	}
	e.finish(ctx, &report)
	return report, err
}

func (e *Engine) rollbackByOldID(ctx context.Context, oldID string, r *CycleReport) error {
	i := e.activeIndex(oldID)
	if i < 0 {
		return fmt.Errorf("%w: no active pairing for %s", types.ErrNotFound, oldID)
	}
	if e.pairings[i].State != types.StateCreated {
		return fmt.Errorf("%w: pairing %s is %s", types.ErrInvalidInput, oldID, e.pairings[i].State)
	}

	err := e.rollbackOne(ctx, i, r)
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		r.fail(oldID, err)
		e.logger.Warn("rollback failed", "old_id", oldID, "error", err)
	}
	return err
}

func (e *Engine) rollbackOne(ctx context.Context, i int, r *CycleReport) error {
	p := &e.pairings[i]
	if err := e.checkOldIntact(ctx, *p); err != nil {
		return err
	}
	if err := e.removeNew(ctx, p.NewID); err != nil {
		return fmt.Errorf("delete new reference: %w", err)
	}
	if err := p.Transition(types.StateRolledBack, e.now()); err != nil {
		return err
	}
	if err := e.persist(); err != nil {
		return err
	}
	r.RolledBack++
	e.logger.Info("rolled back pairing", "old_id", p.OldID, "new_id", p.NewID)
	e.note(ctx, r.RunID, journal.EventRolledBack, *p, "")
	return nil
}

// checkOldIntact refuses a rollback that would leave the document with no
// reference: the new one may only go while the old file link still exists.
// A pairing whose old reference is gone can only move forward by confirm.
func (e *Engine) checkOldIntact(ctx context.Context, p types.Pairing) error {
	if p.OldRetired {
		return fmt.Errorf("%w: old reference %s is already retired, confirm instead", types.ErrInvalidInput, p.OldID)
	}
	ref, err := e.cfg.Records.Get(ctx, p.OldID)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("%w: old reference %s no longer exists, confirm instead", types.ErrInvalidInput, p.OldID)
	}
	if err != nil {
		return fmt.Errorf("check old reference: %w", err)
	}
	if ref.Mode != types.LinkModeFile {
		return fmt.Errorf("%w: old reference %s is now %s", types.ErrInvalidInput, p.OldID, ref.Mode)
	}
	return nil
}

// removeNew deletes the stable link reference at its current version. A
// missing reference counts as already removed.
func (e *Engine) removeNew(ctx context.Context, newID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		ref, err := e.cfg.Records.Get(ctx, newID)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if ref.Mode != types.LinkModeStableURI {
			return fmt.Errorf("%w: reference %s is %s, not a stable link", types.ErrInvalidInput, newID, ref.Mode)
		}

		err = e.cfg.Records.Delete(ctx, newID, ref.Version)
		switch {
		case err == nil, errors.Is(err, types.ErrNotFound):
			return nil
		case errors.Is(err, types.ErrVersionConflict):
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("reference %s: %w after retry", newID, types.ErrVersionConflict)
}
