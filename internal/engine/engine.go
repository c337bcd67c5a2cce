package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/pkg/types"
)

// Engine runs pairing operations against the ledger. Every public operation
// holds the engine mutex for its full duration. Operations that write also
// hold the store's writer lock and start from a fresh load, so engines in
// other goroutines or processes never overwrite each other's pairings.
type Engine struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	pairings []types.Pairing

	// halted is set when the ledger could not be written. Destructive
	// operations refuse to run until Open reloads successfully.
	halted error
}

// New creates an engine. Call Open before running operations.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Open loads the ledger. It clears a previous persistence halt.
func (e *Engine) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load()
}

func (e *Engine) load() error {
	pairings, err := e.cfg.Store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	e.pairings = pairings
	e.halted = nil
	e.logger.Debug("ledger loaded", "pairings", len(pairings))
	return nil
}

// ready reports a persistence halt, then reloads the ledger for a
// read-only operation.
func (e *Engine) ready() error {
	if e.halted != nil {
		return e.halted
	}
	return e.load()
}

// begin starts a writing operation: it takes the store's writer lock and
// reloads the ledger under it. Call the returned func when done.
func (e *Engine) begin(ctx context.Context) (func(), error) {
	if e.halted != nil {
		return nil, e.halted
	}
	if err := e.cfg.Store.Lock(ctx); err != nil {
		return nil, err
	}
	if err := e.load(); err != nil {
		e.unlock()
		return nil, err
	}
	return e.unlock, nil
}

func (e *Engine) unlock() {
	if err := e.cfg.Store.Unlock(); err != nil {
		e.logger.Warn("failed to release ledger lock", "error", err)
	}
}

// persist writes the full pairing list. A failure halts the engine.
func (e *Engine) persist() error {
	if err := e.cfg.Store.Save(e.pairings); err != nil {
		if !errors.Is(err, types.ErrPersistence) {
			err = fmt.Errorf("%w: %v", types.ErrPersistence, err)
		}
		e.halted = err
		e.logger.Error("ledger write failed, halting", "error", err)
		return err
	}
	return nil
}

// activeIndex returns the index of the active pairing for oldID, or -1.
func (e *Engine) activeIndex(oldID string) int {
	for i := range e.pairings {
		if e.pairings[i].OldID == oldID && e.pairings[i].IsActive() {
			return i
		}
	}
	return -1
}

func (e *Engine) activeOldIDs() map[string]bool {
	ids := make(map[string]bool, len(e.pairings))
	for _, p := range e.pairings {
		if p.IsActive() {
			ids[p.OldID] = true
		}
	}
	return ids
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

func (e *Engine) newReport(op string) CycleReport {
	id, err := uuid.NewV7()
	runID := id.String()
	if err != nil {
		runID = uuid.NewString()
	}
	return CycleReport{RunID: runID, Operation: op, StartedAt: e.now()}
}

// finish stamps the duration and journals the report.
func (e *Engine) finish(ctx context.Context, r *CycleReport) {
	r.Duration = e.now().Sub(r.StartedAt)
	if e.cfg.Journal == nil {
		return
	}
	if err := e.cfg.Journal.RecordCycle(context.WithoutCancel(ctx), r.journalCycle()); err != nil {
		e.logger.Warn("journal cycle failed", "run_id", r.RunID, "error", err)
	}
}

// note appends a journal event. Journal failures never affect the ledger.
func (e *Engine) note(ctx context.Context, runID string, kind journal.EventKind, p types.Pairing, detail string) {
	if e.cfg.Journal == nil {
		return
	}
	err := e.cfg.Journal.Record(context.WithoutCancel(ctx), journal.Event{
		RunID:     runID,
		Kind:      kind,
		OldID:     p.OldID,
		NewID:     p.NewID,
		Detail:    detail,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.logger.Warn("journal write failed", "kind", kind, "old_id", p.OldID, "error", err)
	}
}

// Pending returns copies of the CREATED pairings awaiting confirmation.
func (e *Engine) Pending() ([]types.Pairing, error) {
	return e.filter(func(p types.Pairing) bool { return p.State == types.StateCreated })
}

// Pairings returns copies of every pairing in the ledger.
func (e *Engine) Pairings() ([]types.Pairing, error) {
	return e.filter(func(types.Pairing) bool { return true })
}

func (e *Engine) filter(keep func(types.Pairing) bool) ([]types.Pairing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A halted engine shows what it holds; the disk is behind it.
	if e.halted == nil {
		if err := e.load(); err != nil {
			return nil, err
		}
	}
	out := make([]types.Pairing, 0, len(e.pairings))
	for _, p := range e.pairings {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats counts pairings by state.
func (e *Engine) Stats() (Stats, error) {
	all, err := e.Pairings()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Total = len(all)
	for _, p := range all {
		switch p.State {
		case types.StatePending:
			s.Pending++
		case types.StateCreated:
			s.Created++
		case types.StateConfirmed:
			s.Confirmed++
		case types.StateRolledBack:
			s.RolledBack++
		}
		if p.OldRetired {
			s.OldRetired++
		}
		if p.LastError != "" {
			s.WithErrors++
		}
	}
	return s, nil
}
