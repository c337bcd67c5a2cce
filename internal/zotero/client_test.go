package zotero

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/relink/pkg/types"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newTestClient(t *testing.T, h http.HandlerFunc, tweak ...func(*Config)) (*Client, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	cfg := Config{
		BaseURL:   srv.URL,
		APIKey:    "secret",
		LibraryID: "123",
		Clock:     clock,
		PageSize:  2,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c, clock
}

func item(key string, version int, mode, parent, title, locator string) apiItem {
	it := apiItem{Key: key, Version: version, Data: itemData{
		Key: key, Version: version, ItemType: "attachment",
		LinkMode: mode, ParentItem: parent, Title: title,
	}}
	if mode == string(types.LinkModeFile) {
		it.Data.Path = locator
	} else {
		it.Data.URL = locator
	}
	return it
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{LibraryID: "1"})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: "k", LibraryID: "1", LibraryType: "orgs"})
	assert.Error(t, err)
}

func TestListCandidates_PaginatesAndFilters(t *testing.T) {
	pages := [][]apiItem{
		{
			item("A1", 10, "linked_file", "P1", "Smith - Report.pdf", "/docs/smith.pdf"),
			item("A2", 11, "linked_url", "P2", "Already linked", "x-devonthink-item://U1"),
		},
		{
			item("A3", 12, "linked_file", "", "Orphan.pdf", "/docs/orphan.pdf"),
			item("A4", 13, "imported_file", "P4", "Imported.pdf", ""),
		},
		{
			item("A5", 14, "linked_file", "P5", "Jones Review.pdf", "/docs/jones.pdf"),
		},
	}

	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/users/123/items", r.URL.Path)
		assert.Equal(t, "attachment", r.URL.Query().Get("itemType"))
		assert.Equal(t, "dateModified", r.URL.Query().Get("sort"))
		assert.Equal(t, "desc", r.URL.Query().Get("direction"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("Zotero-API-Version"))

		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		w.Header().Set("Total-Results", "5")
		writeJSON(t, w, pages[start/2])
	})

	refs, err := c.ListCandidates(context.Background(), ListFilter{
		Mode:           types.LinkModeFile,
		RequireLocator: true,
		RequireParent:  true,
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "A1", refs[0].ID)
	assert.Equal(t, "/docs/smith.pdf", refs[0].Locator)
	assert.Equal(t, 10, refs[0].Version)
	assert.Equal(t, "A5", refs[1].ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestListCandidates_MaxItemsStopsEarly(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Total-Results", "100")
		writeJSON(t, w, []apiItem{
			item("A1", 1, "linked_file", "P1", "One.pdf", "/a"),
			item("A2", 1, "linked_file", "P2", "Two.pdf", "/b"),
		})
	})

	refs, err := c.ListCandidates(context.Background(), ListFilter{MaxItems: 1})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGet_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "GONE")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGet_DecodesReference(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/123/items/N1", r.URL.Path)
		it := item("N1", 7, "linked_url", "P1", "Smith - Report.pdf", "x-devonthink-item://U9")
		it.Data.DateModified = "2024-04-30T08:00:00Z"
		writeJSON(t, w, it)
	})

	ref, err := c.Get(context.Background(), "N1")
	require.NoError(t, err)
	assert.Equal(t, types.LinkModeStableURI, ref.Mode)
	assert.Equal(t, "x-devonthink-item://U9", ref.Locator)
	assert.Equal(t, "P1", ref.ParentID)
	assert.Equal(t, 7, ref.Version)
	assert.Equal(t, 2024, ref.DateModified.Year())
}

func TestCreate_SendsWriteTokenAndReturnsKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Len(t, r.Header.Get("Zotero-Write-Token"), 32)

		var body []newAttachment
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Len(t, body, 1)
		assert.Equal(t, "linked_url", body[0].LinkMode)
		assert.Equal(t, "P1", body[0].ParentItem)
		assert.Equal(t, "x-devonthink-item://U9", body[0].URL)

		writeJSON(t, w, map[string]any{
			"successful": map[string]any{"0": map[string]any{"key": "NEW1", "version": 5}},
		})
	})

	key, err := c.Create(context.Background(), "P1", "Smith - Report.pdf", "x-devonthink-item://U9")
	require.NoError(t, err)
	assert.Equal(t, "NEW1", key)
}

func TestCreate_LegacySuccessShape(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"success": map[string]string{"0": "NEW2"}})
	})

	key, err := c.Create(context.Background(), "P1", "t", "x-devonthink-item://U1")
	require.NoError(t, err)
	assert.Equal(t, "NEW2", key)
}

func TestCreate_FailedObject(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"failed": map[string]any{"0": map[string]any{"code": 400, "message": "bad parent"}},
		})
	})

	_, err := c.Create(context.Background(), "P1", "t", "x-devonthink-item://U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad parent")
}

func TestCreate_ReusedWriteTokenRecoversKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusPreconditionFailed)
		case r.URL.Path == "/users/123/items/P1/children":
			writeJSON(t, w, []apiItem{
				item("OLD", 3, "linked_file", "P1", "Smith.pdf", "/docs/smith.pdf"),
				item("NEW3", 1, "linked_url", "P1", "Smith.pdf", "x-devonthink-item://U9"),
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	key, err := c.Create(context.Background(), "P1", "Smith.pdf", "x-devonthink-item://U9")
	require.NoError(t, err)
	assert.Equal(t, "NEW3", key)
}

func TestDelete_VersionHandling(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.Header.Get("If-Unmodified-Since-Version") {
		case "5":
			w.WriteHeader(http.StatusNoContent)
		case "4":
			w.WriteHeader(http.StatusPreconditionFailed)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	assert.NoError(t, c.Delete(ctx, "A1", 5))
	assert.ErrorIs(t, c.Delete(ctx, "A1", 4), types.ErrVersionConflict)
	assert.ErrorIs(t, c.Delete(ctx, "A1", 1), types.ErrNotFound)
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	var calls int32
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, item("A1", 1, "linked_file", "P1", "t", "/a"))
	})

	_, err := c.Get(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.Sleeps())
}

func TestRetry_ExponentialBackoffUntilExhausted(t *testing.T) {
	var calls int32
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(cfg *Config) {
		cfg.MaxDelay = 5 * time.Second
	})

	_, err := c.Get(context.Background(), "A1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second,
	}, clock.Sleeps())
}

func TestRetry_BackoffHeaderDelaysNextRequest(t *testing.T) {
	var calls int32
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Backoff", "3")
		}
		writeJSON(t, w, item("A1", 1, "linked_file", "P1", "t", "/a"))
	})
	ctx := context.Background()

	_, err := c.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Empty(t, clock.Sleeps())

	_, err = c.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Sleeps())
}

func TestThrottle_MinInterval(t *testing.T) {
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, item("A1", 1, "linked_file", "P1", "t", "/a"))
	}, func(cfg *Config) {
		cfg.MinInterval = time.Second
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "A1")
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.Sleeps())
}

func TestRetry_CancelledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "A1")
	require.Error(t, err)
	assert.Equal(t, types.OutcomeTransient, types.Classify(err))
}

func TestSelectLink(t *testing.T) {
	assert.Equal(t, "zotero://select/library/items/ABC", SelectLink("users", "1", "ABC"))
	assert.Equal(t, "zotero://select/groups/9/items/ABC", SelectLink("groups", "9", "ABC"))
}
