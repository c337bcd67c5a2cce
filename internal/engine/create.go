package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/internal/oracle"
	"github.com/scrypster/relink/pkg/types"
)

type lookupResult struct {
	id  string
	ok  bool
	err error
}

// CreatePairings looks up a stable identifier for each candidate and creates
// the replacement reference. Lookups overlap, but creation and persistence
// happen one candidate at a time in input order: each created pairing is
// saved before the next candidate is touched.
func (e *Engine) CreatePairings(ctx context.Context, candidates []types.Reference) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("create")
	release, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer release()
	err = e.create(ctx, candidates, &report)
	e.finish(ctx, &report)
	return report, err
}

// DiscoverAndCreate discovers up to limit candidates and creates their
// pairings under one ledger lock, reporting both steps together.
func (e *Engine) DiscoverAndCreate(ctx context.Context, limit int) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("add")
	release, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	candidates, err := e.discover(ctx, limit)
	if err == nil {
		report.Discovered = len(candidates)
		err = e.create(ctx, candidates, &report)
	}
	e.finish(ctx, &report)
	return report, err
}

func (e *Engine) create(ctx context.Context, candidates []types.Reference, r *CycleReport) error {
	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := e.lookupAll(lookupCtx, candidates)

	for i, ref := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := <-results[i]

		if e.activeIndex(ref.ID) >= 0 {
			r.Skipped++
			e.logger.Debug("already paired", "old_id", ref.ID)
			continue
		}
		stub := types.Pairing{OldID: ref.ID}

		if res.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.fail(ref.ID, fmt.Errorf("lookup: %w", res.err))
			e.logger.Warn("lookup failed", "old_id", ref.ID, "title", ref.Title, "error", res.err)
			e.note(ctx, r.RunID, journal.EventCreateFailed, stub, res.err.Error())
			continue
		}
		if !res.ok {
			r.Skipped++
			e.logger.Info("no match", "old_id", ref.ID, "title", ref.Title)
			e.note(ctx, r.RunID, journal.EventSkipped, stub, "no match for "+ref.Title)
			continue
		}

		if err := e.createOne(ctx, ref, res.id, r); err != nil {
			if errors.Is(err, types.ErrPersistence) {
				return err
			}
			r.fail(ref.ID, err)
			e.logger.Warn("create failed", "old_id", ref.ID, "error", err)
			e.note(ctx, r.RunID, journal.EventCreateFailed, stub, err.Error())
		}
	}
	return nil
}

// createOne turns a matched candidate into a persisted CREATED pairing.
// A pending pairing whose creation fails is dropped.
func (e *Engine) createOne(ctx context.Context, ref types.Reference, identifier string, r *CycleReport) error {
	p, err := types.NewPairing(ref, identifier, oracle.Locator(e.cfg.Scheme, identifier), e.now())
	if err != nil {
		return err
	}

	if title, err := e.cfg.Records.ParentTitle(ctx, ref.ParentID); err == nil {
		p.ParentTitle = title
	} else {
		e.logger.Debug("parent title unavailable", "parent_id", ref.ParentID, "error", err)
	}

	newID, err := e.cfg.Records.Create(ctx, ref.ParentID, ref.Title, p.NewLocator)
	if err != nil {
		return fmt.Errorf("create reference: %w", err)
	}
	p.NewID = newID
	if err := p.Transition(types.StateCreated, e.now()); err != nil {
		return err
	}

	e.pairings = append(e.pairings, p)
	if err := e.persist(); err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: created %s but %v", ref.ID, newID, err))
		return err
	}
	r.Created++
	e.logger.Info("created pairing", "old_id", p.OldID, "new_id", p.NewID, "identifier", identifier)
	e.note(ctx, r.RunID, journal.EventCreated, p, p.NewLocator)
	return nil
}

// lookupAll starts bounded concurrent oracle lookups. Result i arrives on
// channel i; each channel is buffered so abandoned lookups never block.
func (e *Engine) lookupAll(ctx context.Context, candidates []types.Reference) []chan lookupResult {
	results := make([]chan lookupResult, len(candidates))
	for i := range results {
		results[i] = make(chan lookupResult, 1)
	}

	claimed := e.activeOldIDs()
	sem := make(chan struct{}, e.cfg.LookupWorkers)
	go func() {
		for i, ref := range candidates {
			if claimed[ref.ID] {
				results[i] <- lookupResult{}
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				for j := i; j < len(candidates); j++ {
					results[j] <- lookupResult{err: ctx.Err()}
				}
				return
			}
			go func(i int, title string) {
				defer func() { <-sem }()
				id, ok, err := e.cfg.Oracle.FindIdentifier(ctx, title)
				results[i] <- lookupResult{id: id, ok: ok, err: err}
			}(i, ref.Title)
		}
	}()
	return results
}
