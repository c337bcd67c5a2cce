package engine

import (
	"context"
	"fmt"

	"github.com/scrypster/relink/pkg/types"
)

// DefaultBatchSize is the number of candidates one cycle processes.
const DefaultBatchSize = 5

// RunCycle discovers a batch of candidates, creates their pairings, and then
// confirms eligible CREATED pairings unless SkipConfirm is set. The whole
// cycle is journaled as one report.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := e.newReport("cycle")
	release, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer release()
	err = e.cycle(ctx, opts, &report)
	e.finish(ctx, &report)

	e.logger.Info("cycle finished",
		"run_id", report.RunID,
		"discovered", report.Discovered,
		"created", report.Created,
		"skipped", report.Skipped,
		"confirmed", report.Confirmed,
		"errored", report.Errored,
		"duration", report.Duration)
	return report, err
}

func (e *Engine) cycle(ctx context.Context, opts CycleOptions, r *CycleReport) error {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	candidates, discoverErr := e.discover(ctx, batch)
	if discoverErr != nil {
		// Listing failed; pending pairings can still be confirmed.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail("discover", discoverErr)
		e.logger.Warn("discovery failed", "error", discoverErr)
	} else {
		r.Discovered = len(candidates)
		if err := e.create(ctx, candidates, r); err != nil {
			return err
		}
	}

	if !opts.SkipConfirm {
		if err := e.confirmAll(ctx, opts.Confirm, r); err != nil {
			return err
		}
	}
	// A cycle fails as a whole only when the record store could not be listed
	// and nothing else got done.
	if discoverErr != nil && !r.DidWork() {
		return fmt.Errorf("%w: %v", types.ErrTransient, discoverErr)
	}
	return nil
}
