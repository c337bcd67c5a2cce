package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher consumes request files and hands each to a callback.
type Watcher struct {
	dir      string
	callback func(Request)
	logger   *log.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}

	beforeDrain func() // test hook
}

// NewWatcher creates a watcher for dir. A nil logger uses the default.
func NewWatcher(dir string, callback func(Request), logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		dir:      dir,
		callback: callback,
		logger:   logger.WithPrefix("notify"),
		done:     make(chan struct{}),
	}
}

// Start watches for new requests and drains those left from before.
// Call Stop to clean up.
func (rw *Watcher) Start() error {
	if err := os.MkdirAll(rw.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(rw.dir); err != nil {
		_ = w.Close()
		return err
	}
	rw.watcher = w

	// The watch is in place before the drain, so nothing written in between
	// is missed. A drained file that also raised an event is gone by the
	// time the loop sees it.
	if rw.beforeDrain != nil {
		rw.beforeDrain()
	}
	rw.drainExisting()

	go rw.loop()
	rw.logger.Debug("watching for requests", "dir", rw.dir)
	return nil
}

// Stop shuts down the watcher.
func (rw *Watcher) Stop() {
	if rw.watcher == nil {
		return
	}
	_ = rw.watcher.Close()
	<-rw.done
}

func (rw *Watcher) loop() {
	defer close(rw.done)
	for {
		select {
		case evt, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			// Writers rename into place, which surfaces as Create.
			if evt.Op&fsnotify.Create != 0 && isRequest(evt.Name) {
				rw.processFile(evt.Name)
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("watcher error", "error", err)
		}
	}
}

func (rw *Watcher) drainExisting() {
	entries, err := os.ReadDir(rw.dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isRequest(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	// Names start with the send time.
	sort.Strings(names)
	for _, name := range names {
		rw.processFile(filepath.Join(rw.dir, name))
	}
}

func (rw *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher
	}
	_ = os.Remove(path)

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		rw.logger.Warn("invalid request file", "file", filepath.Base(path), "error", err)
		return
	}
	if req.Type == "" || rw.callback == nil {
		return
	}
	rw.logger.Debug("request received", "type", req.Type, "source", req.Source)
	rw.callback(req)
}

func isRequest(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, requestExt) && !strings.HasPrefix(base, ".")
}
