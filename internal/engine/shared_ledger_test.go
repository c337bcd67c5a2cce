package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/relink/internal/ledger"
	"github.com/scrypster/relink/pkg/types"
)

func newLedgerEngine(t *testing.T, store PairingStore, records *fakeRecords, oracle *fakeOracle) *Engine {
	t.Helper()
	e, err := New(Config{
		Records: records,
		Oracle:  oracle,
		Store:   store,
		Now:     func() time.Time { return testBase },
		Logger:  log.New(io.Discard),
	})
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	return e
}

func newLedgerStore(t *testing.T, path string) *ledger.Store {
	t.Helper()
	s, err := ledger.New(ledger.Config{Path: path, Logger: log.New(io.Discard)})
	require.NoError(t, err)
	return s
}

func TestSharedLedger_TwoEnginesOneStore(t *testing.T) {
	records := newFakeRecords(
		fileRef("A1", "P1", "One.pdf", 2),
		fileRef("A2", "P2", "Two.pdf", 1),
	)
	oracle := newFakeOracle(map[string]string{"One.pdf": "U1", "Two.pdf": "U2"})
	store := newLedgerStore(t, filepath.Join(t.TempDir(), "pairings.json"))
	ctx := context.Background()

	first := newLedgerEngine(t, store, records, oracle)
	second := newLedgerEngine(t, store, records, oracle)

	_, err := first.CreatePairings(ctx, []types.Reference{fileRef("A1", "P1", "One.pdf", 2)})
	require.NoError(t, err)
	_, err = second.CreatePairings(ctx, []types.Reference{fileRef("A2", "P2", "Two.pdf", 1)})
	require.NoError(t, err)

	saved, err := store.Load()
	require.NoError(t, err)
	require.Len(t, saved, 2, "no created pairing is lost")
	assert.Equal(t, 2, records.creates)
}

func TestSharedLedger_ConcurrentEnginesSeparateStores(t *testing.T) {
	const n = 8
	var refs []types.Reference
	ids := map[string]string{}
	for i := 0; i < n; i++ {
		title := fmt.Sprintf("Doc %d.pdf", i)
		refs = append(refs, fileRef(fmt.Sprintf("A%d", i), fmt.Sprintf("P%d", i), title, i))
		ids[title] = fmt.Sprintf("U%d", i)
	}
	records := newFakeRecords(refs...)
	oracle := newFakeOracle(ids)
	path := filepath.Join(t.TempDir(), "pairings.json")
	ctx := context.Background()

	// Separate stores on one path stand in for separate processes.
	engines := []*Engine{
		newLedgerEngine(t, newLedgerStore(t, path), records, oracle),
		newLedgerEngine(t, newLedgerStore(t, path), records, oracle),
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, ref := range refs {
		wg.Add(1)
		go func(e *Engine, ref types.Reference) {
			defer wg.Done()
			_, err := e.CreatePairings(ctx, []types.Reference{ref})
			errs <- err
		}(engines[i%2], ref)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	saved, err := newLedgerStore(t, path).Load()
	require.NoError(t, err)
	assert.Len(t, saved, n)
	assert.Equal(t, n, records.creates)
}
