package notify

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriterCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "requests")
	w := NewWriter(dir)

	if err := w.Send(TypeReload, "confirm"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 request file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != requestExt {
		t.Errorf("expected %s extension, got %s", requestExt, entries[0].Name())
	}
}

func TestWatcherReceivesRequest(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Request, 1)

	watcher := NewWatcher(dir, func(r Request) { received <- r }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	if err := NewWriter(dir).Send(TypeCycle, "wake"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case r := <-received:
		if r.Type != TypeCycle {
			t.Errorf("expected type %s, got %s", TypeCycle, r.Type)
		}
		if r.Source != "wake" {
			t.Errorf("expected source wake, got %s", r.Source)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for request")
	}

	time.Sleep(50 * time.Millisecond)
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected request file to be consumed, %d left", len(entries))
	}
}

func TestWatcherDrainsExistingInOrder(t *testing.T) {
	dir := t.TempDir()

	// Write requests BEFORE starting the watcher
	w := NewWriter(dir)
	base := time.Unix(1700000000, 0)
	for i, typ := range []string{TypeReload, TypeCycle} {
		at := base.Add(time.Duration(i) * time.Second)
		w.now = func() time.Time { return at }
		if err := w.Send(typ, "test"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	var got []string
	watcher := NewWatcher(dir, func(r Request) { got = append(got, r.Type) }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Drain runs synchronously inside Start
	if len(got) != 2 || got[0] != TypeReload || got[1] != TypeCycle {
		t.Fatalf("expected [reload cycle], got %v", got)
	}
}

func TestWatcherIgnoresInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "1-bad.request"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	calls := 0
	watcher := NewWatcher(dir, func(Request) { calls++ }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if calls != 0 {
		t.Errorf("expected no callbacks, got %d", calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file should be left alone: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	got := sanitize("re:load/now.x")
	if got != "re_load_now_x" {
		t.Errorf("expected re_load_now_x, got %s", got)
	}
}

func TestWatcherSeesRequestWrittenDuringStart(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var got []string

	watcher := NewWatcher(dir, func(r Request) {
		mu.Lock()
		got = append(got, r.Source)
		mu.Unlock()
	}, nil)
	watcher.beforeDrain = func() {
		if err := NewWriter(dir).Send(TypeCycle, "racer"); err != nil {
			t.Errorf("Send failed: %v", err)
		}
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Let the loop see the event for the already drained file.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "racer" {
		t.Fatalf("expected the request exactly once, got %v", got)
	}
}
