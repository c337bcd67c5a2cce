// Package notify passes requests from one-shot relink commands to a running
// "relink run" process through request files in a shared directory.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Request types.
const (
	// TypeCycle asks the running scheduler to start a cycle now.
	TypeCycle = "cycle"

	// TypeReload tells the running process the ledger changed on disk.
	TypeReload = "reload"
)

const requestExt = ".request"

// Request is the payload of one request file.
type Request struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Time   int64  `json:"time"`
}

// Writer drops request files into a directory.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer for dir. The directory is created on first use.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Dir returns the request directory.
func (w *Writer) Dir() string { return w.dir }

// Send writes one request. The file is written under a temporary name and
// renamed, so a watcher never reads a partial request.
func (w *Writer) Send(requestType, source string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	req := Request{Type: requestType, Source: source, Time: w.now().UnixNano()}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%s%s", req.Time, sanitize(requestType), requestExt)
	tmp, err := os.CreateTemp(w.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// sanitize replaces characters unsafe for filenames.
func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = s[i]
		}
	}
	return string(out)
}
