package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/internal/zotero"
	"github.com/scrypster/relink/pkg/types"
)

// fakeRecords is an in-memory record store with optimistic versions.
type fakeRecords struct {
	mu      sync.Mutex
	refs    map[string]types.Reference
	parents map[string]string
	nextID  int

	listErr   error
	createErr map[string]error // by parent id
	getErr    map[string]error
	conflicts map[string]int // concurrent edits to simulate before a delete

	creates int
	deletes []string
}

func newFakeRecords(refs ...types.Reference) *fakeRecords {
	f := &fakeRecords{
		refs:      make(map[string]types.Reference),
		parents:   make(map[string]string),
		createErr: make(map[string]error),
		getErr:    make(map[string]error),
		conflicts: make(map[string]int),
	}
	for _, r := range refs {
		f.refs[r.ID] = r
	}
	return f
}

func (f *fakeRecords) ListCandidates(ctx context.Context, filter zotero.ListFilter) ([]types.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []types.Reference
	for _, r := range f.refs {
		if r.Mode != filter.Mode {
			continue
		}
		if filter.RequireLocator && r.Locator == "" {
			continue
		}
		if filter.RequireParent && r.ParentID == "" {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRecords) Get(ctx context.Context, id string) (types.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return types.Reference{}, err
	}
	r, ok := f.refs[id]
	if !ok {
		return types.Reference{}, fmt.Errorf("item %s: %w", id, types.ErrNotFound)
	}
	return r, nil
}

func (f *fakeRecords) ParentTitle(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.parents[id]; ok {
		return t, nil
	}
	return "", types.ErrNotFound
}

func (f *fakeRecords) Create(ctx context.Context, parentID, title, locator string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[parentID]; err != nil {
		return "", err
	}
	f.creates++
	f.nextID++
	id := fmt.Sprintf("N%d", f.nextID)
	f.refs[id] = types.Reference{
		ID: id, ParentID: parentID, Version: 1,
		Mode: types.LinkModeStableURI, Title: title, Locator: locator,
	}
	return id, nil
}

func (f *fakeRecords) Delete(ctx context.Context, id string, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refs[id]
	if !ok {
		return types.ErrNotFound
	}
	if f.conflicts[id] > 0 {
		f.conflicts[id]--
		r.Version++
		f.refs[id] = r
		return types.ErrVersionConflict
	}
	if r.Version != version {
		return types.ErrVersionConflict
	}
	delete(f.refs, id)
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeRecords) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.refs[id]
	return ok
}

func (f *fakeRecords) set(r types.Reference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[r.ID] = r
}

// fakeOracle maps titles to identifiers.
type fakeOracle struct {
	mu         sync.Mutex
	ids        map[string]string
	errs       map[string]error
	unresolved map[string]bool
	resolveErr error
	lookups    int
}

func newFakeOracle(ids map[string]string) *fakeOracle {
	return &fakeOracle{ids: ids, errs: map[string]error{}, unresolved: map[string]bool{}}
}

func (o *fakeOracle) FindIdentifier(ctx context.Context, title string) (string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookups++
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := o.errs[title]; err != nil {
		return "", false, err
	}
	id, ok := o.ids[title]
	return id, ok, nil
}

func (o *fakeOracle) Resolve(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolveErr != nil {
		return false, o.resolveErr
	}
	return id != "" && !o.unresolved[id], nil
}

// memStore is an in-memory ledger. failFrom makes every save numbered
// failFrom or later fail, simulating a crash after the previous save.
type memStore struct {
	mu       sync.Mutex
	saved    []types.Pairing
	saves    int
	failFrom int
	loadErr  error

	lockErr error
	locked  bool
	locks   int
}

func (s *memStore) Lock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return s.lockErr
	}
	if s.locked {
		return errors.New("memStore: already locked")
	}
	s.locked = true
	s.locks++
	return nil
}

func (s *memStore) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return errors.New("memStore: not locked")
	}
	s.locked = false
	return nil
}

func (s *memStore) isLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *memStore) Load() ([]types.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]types.Pairing(nil), s.saved...), nil
}

func (s *memStore) Save(pairings []types.Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failFrom > 0 && s.saves >= s.failFrom {
		return errors.New("disk full")
	}
	s.saved = append([]types.Pairing(nil), pairings...)
	return nil
}

func (s *memStore) snapshot() []types.Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Pairing(nil), s.saved...)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []journal.Event
	cycles []journal.Cycle
}

func (j *fakeJournal) Record(ctx context.Context, e journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *fakeJournal) RecordCycle(ctx context.Context, c journal.Cycle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cycles = append(j.cycles, c)
	return nil
}

func (j *fakeJournal) kinds() []journal.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.EventKind
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fileRef(id, parent, title string, modifiedMin int) types.Reference {
	return types.Reference{
		ID: id, ParentID: parent, Version: 3, Mode: types.LinkModeFile,
		Title: title, Locator: "/docs/" + title,
		DateModified: testBase.Add(time.Duration(modifiedMin) * time.Minute),
	}
}

type harness struct {
	engine  *Engine
	records *fakeRecords
	oracle  *fakeOracle
	store   *memStore
	journal *fakeJournal
	now     *time.Time
}

func newHarness(t *testing.T, records *fakeRecords, oracle *fakeOracle) *harness {
	t.Helper()
	h := &harness{records: records, oracle: oracle, store: &memStore{}, journal: &fakeJournal{}}
	now := testBase
	h.now = &now
	h.engine = h.reopen(t)
	return h
}

// reopen builds a fresh engine over the same collaborators, as after a restart.
func (h *harness) reopen(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		Records:       h.records,
		Oracle:        h.oracle,
		Store:         h.store,
		Journal:       h.journal,
		LookupWorkers: 3,
		Now:           func() time.Time { return *h.now },
		Logger:        log.New(io.Discard),
	})
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	return e
}
