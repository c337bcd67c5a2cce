package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/pkg/types"
)

// VerifyAndConfirm verifies the pairing's new reference, retires the old
// one, and marks the pairing CONFIRMED. The pairing is looked up by OldID;
// only CREATED pairings qualify. If verification fails nothing is deleted.
func (e *Engine) VerifyAndConfirm(ctx context.Context, pairing types.Pairing) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("confirm")
	release, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = e.confirmByOldID(ctx, pairing.OldID, &report)
	e.finish(ctx, &report)
	return err
}

// ConfirmAll verifies and confirms every eligible CREATED pairing. Per-item
// failures are counted; a persistence failure stops the run.
func (e *Engine) ConfirmAll(ctx context.Context, opts ConfirmOptions) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("confirm")
	release, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer release()
	err = e.confirmAll(ctx, opts, &report)
	e.finish(ctx, &report)
	return report, err
}

func (e *Engine) confirmAll(ctx context.Context, opts ConfirmOptions, r *CycleReport) error {
	now := e.now()
	var ids []string
	for _, p := range e.pairings {
		if p.State != types.StateCreated {
			continue
		}
		if opts.MinAge > 0 && now.Sub(p.CreatedAt) < opts.MinAge {
			e.logger.Debug("too young to confirm", "old_id", p.OldID, "age", now.Sub(p.CreatedAt))
			continue
		}
		ids = append(ids, p.OldID)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.confirmByOldID(ctx, id, r)
		if errors.Is(err, types.ErrPersistence) {
			return err
		}
	}
	return nil
}

func (e *Engine) confirmByOldID(ctx context.Context, oldID string, r *CycleReport) error {
	i := e.activeIndex(oldID)
	if i < 0 {
		return fmt.Errorf("%w: no active pairing for %s", types.ErrNotFound, oldID)
	}
	if e.pairings[i].State != types.StateCreated {
		return fmt.Errorf("%w: pairing %s is %s", types.ErrInvalidInput, oldID, e.pairings[i].State)
	}
	err := e.confirmOne(ctx, i, r)
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		r.fail(oldID, err)
		e.logger.Warn("confirm failed", "old_id", oldID, "error", err)
	}
	return err
}

// confirmOne runs verify, retire, confirm for e.pairings[i]. Each step that
// changes remote state is followed by a ledger write.
func (e *Engine) confirmOne(ctx context.Context, i int, r *CycleReport) error {
	p := &e.pairings[i]

	if err := e.verify(ctx, *p); err != nil {
		p.LastError = err.Error()
		p.UpdatedAt = e.now()
		e.note(ctx, r.RunID, journal.EventVerifyFailed, *p, err.Error())
		if perr := e.persist(); perr != nil {
			return perr
		}
		return err
	}
	r.Verified++
	e.note(ctx, r.RunID, journal.EventVerified, *p, p.NewLocator)

	if !p.OldRetired {
		deleted, err := e.retireOld(ctx, p.OldID)
		if err != nil {
			err = fmt.Errorf("retire old reference: %w", err)
			p.LastError = err.Error()
			p.UpdatedAt = e.now()
			if perr := e.persist(); perr != nil {
				return perr
			}
			return err
		}
		if deleted {
			r.Deleted++
		}
		p.OldRetired = true
		p.UpdatedAt = e.now()
		if err := e.persist(); err != nil {
			return err
		}
		e.note(ctx, r.RunID, journal.EventOldRetired, *p, p.OldLocator)
	}

	if err := p.Transition(types.StateConfirmed, e.now()); err != nil {
		return err
	}
	p.LastError = ""
	if err := e.persist(); err != nil {
		return err
	}
	r.Confirmed++
	e.logger.Info("confirmed pairing", "old_id", p.OldID, "new_id", p.NewID)
	e.note(ctx, r.RunID, journal.EventConfirmed, *p, "")
	return nil
}

// verify checks that the new reference exists as a stable link to the
// expected locator and that the identifier still resolves.
func (e *Engine) verify(ctx context.Context, p types.Pairing) error {
	ref, err := e.cfg.Records.Get(ctx, p.NewID)
	if err != nil {
		return fmt.Errorf("%w: new reference %s: %v", ErrVerificationFailed, p.NewID, err)
	}
	if ref.Mode != types.LinkModeStableURI {
		return fmt.Errorf("%w: new reference %s has mode %s", ErrVerificationFailed, p.NewID, ref.Mode)
	}
	if ref.Locator != p.NewLocator {
		return fmt.Errorf("%w: new reference %s points at %q, want %q", ErrVerificationFailed, p.NewID, ref.Locator, p.NewLocator)
	}

	ok, err := e.cfg.Oracle.Resolve(ctx, p.MatchedIdentifier)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrVerificationFailed, p.MatchedIdentifier, err)
	}
	if !ok {
		return fmt.Errorf("%w: identifier %s does not resolve", ErrVerificationFailed, p.MatchedIdentifier)
	}
	return nil
}

// retireOld deletes the old file reference at its current version. It
// reports whether this call deleted it; an already missing reference is
// retired without a delete.
func (e *Engine) retireOld(ctx context.Context, oldID string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ref, err := e.cfg.Records.Get(ctx, oldID)
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if ref.Mode != types.LinkModeFile {
			return false, fmt.Errorf("%w: old reference %s is now %s", types.ErrInvalidInput, oldID, ref.Mode)
		}

		err = e.cfg.Records.Delete(ctx, oldID, ref.Version)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, types.ErrNotFound):
			return false, nil
		case errors.Is(err, types.ErrVersionConflict):
			e.logger.Debug("version conflict, re-fetching", "old_id", oldID, "version", ref.Version)
			continue
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("old reference %s: %w after retry", oldID, types.ErrVersionConflict)
}
