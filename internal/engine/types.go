// Package engine is the reconciliation engine. It discovers file-linked
// references, pairs each with a stable identifier from the match oracle,
// creates the replacement reference, and later verifies it before retiring
// the old one. Every pairing transition is persisted before the next
// destructive step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/internal/zotero"
	"github.com/scrypster/relink/pkg/types"
)

// ErrVerificationFailed means the new reference could not be proven to work.
var ErrVerificationFailed = errors.New("verification failed")

// RecordStore is the external record store.
type RecordStore interface {
	ListCandidates(ctx context.Context, filter zotero.ListFilter) ([]types.Reference, error)
	Get(ctx context.Context, id string) (types.Reference, error)
	ParentTitle(ctx context.Context, id string) (string, error)
	Create(ctx context.Context, parentID, title, locator string) (string, error)
	Delete(ctx context.Context, id string, version int) error
}

// MatchOracle finds and checks stable identifiers.
type MatchOracle interface {
	FindIdentifier(ctx context.Context, title string) (string, bool, error)
	Resolve(ctx context.Context, id string) (bool, error)
}

// PairingStore persists the full pairing list. Lock and Unlock bracket a
// load-modify-save sequence; Lock excludes other goroutines and processes.
type PairingStore interface {
	Load() ([]types.Pairing, error)
	Save(pairings []types.Pairing) error
	Lock(ctx context.Context) error
	Unlock() error
}

// Journal receives audit events. Failures are logged, never fatal.
type Journal interface {
	Record(ctx context.Context, e journal.Event) error
	RecordCycle(ctx context.Context, c journal.Cycle) error
}

// Config holds the engine's collaborators and settings.
type Config struct {
	Records RecordStore
	Oracle  MatchOracle
	Store   PairingStore

	// Journal is optional.
	Journal Journal

	// Scheme prefixes new locators (default: x-devonthink-item).
	Scheme string

	// LookupWorkers bounds concurrent oracle lookups (default: 4).
	LookupWorkers int

	// ScanLimit bounds how many attachments discovery scans (0 = all).
	ScanLimit int

	// Now is the clock. Optional.
	Now func() time.Time

	Logger *log.Logger
}

// DefaultScheme is the DEVONthink item link scheme.
const DefaultScheme = "x-devonthink-item"

// Validate checks required collaborators and fills defaults.
func (c *Config) Validate() error {
	if c.Records == nil {
		return fmt.Errorf("record store is required")
	}
	if c.Oracle == nil {
		return fmt.Errorf("match oracle is required")
	}
	if c.Store == nil {
		return fmt.Errorf("pairing store is required")
	}
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.LookupWorkers < 1 {
		c.LookupWorkers = 4
	}
	if c.ScanLimit < 0 {
		return fmt.Errorf("ScanLimit must be >= 0, got %d", c.ScanLimit)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// ConfirmOptions tunes ConfirmAll.
type ConfirmOptions struct {
	// MinAge skips pairings created less than MinAge ago.
	MinAge time.Duration
}

// CycleOptions tunes RunCycle.
type CycleOptions struct {
	// BatchSize bounds how many candidates one cycle processes (default: 5).
	BatchSize int

	// SkipConfirm runs discovery and creation only.
	SkipConfirm bool

	Confirm ConfirmOptions
}

// CycleReport counts what one operation did.
type CycleReport struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Operation  string        `json:"operation" yaml:"operation"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	Discovered int           `json:"discovered" yaml:"discovered"`
	Created    int           `json:"created" yaml:"created"`
	Skipped    int           `json:"skipped" yaml:"skipped"`
	Errored    int           `json:"errored" yaml:"errored"`
	Verified   int           `json:"verified" yaml:"verified"`
	Confirmed  int           `json:"confirmed" yaml:"confirmed"`
	Deleted    int           `json:"deleted" yaml:"deleted"`
	RolledBack int           `json:"rolled_back" yaml:"rolled_back"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Errors     []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// DidWork reports whether the operation changed anything.
func (r CycleReport) DidWork() bool {
	return r.Created+r.Confirmed+r.Deleted+r.RolledBack > 0
}

func (r *CycleReport) merge(o CycleReport) {
	r.Discovered += o.Discovered
	r.Created += o.Created
	r.Skipped += o.Skipped
	r.Errored += o.Errored
	r.Verified += o.Verified
	r.Confirmed += o.Confirmed
	r.Deleted += o.Deleted
	r.RolledBack += o.RolledBack
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *CycleReport) fail(id string, err error) {
	r.Errored++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

func (r CycleReport) journalCycle() journal.Cycle {
	return journal.Cycle{
		RunID:      r.RunID,
		Operation:  r.Operation,
		Discovered: r.Discovered,
		Created:    r.Created,
		Skipped:    r.Skipped,
		Errored:    r.Errored,
		Verified:   r.Verified,
		Confirmed:  r.Confirmed,
		Deleted:    r.Deleted,
		RolledBack: r.RolledBack,
		Duration:   r.Duration,
		Errors:     r.Errors,
		StartedAt:  r.StartedAt,
	}
}

// Stats summarizes the ledger.
type Stats struct {
	Total      int `json:"total" yaml:"total"`
	Pending    int `json:"pending" yaml:"pending"`
	Created    int `json:"created" yaml:"created"`
	Confirmed  int `json:"confirmed" yaml:"confirmed"`
	RolledBack int `json:"rolled_back" yaml:"rolled_back"`
	OldRetired int `json:"old_retired" yaml:"old_retired"`
	WithErrors int `json:"with_errors" yaml:"with_errors"`
}
