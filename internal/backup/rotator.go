// Package backup keeps timestamped snapshots of a file with bounded retention.
// The pairing ledger snapshots its previous canonical file here before every
// replace, so a corrupt write can be recovered from the newest backup.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// timestampLayout encodes the snapshot time in the file name so ordering
// never depends on file modification times.
const timestampLayout = "20060102T150405.000000000Z"

// Config holds rotator configuration.
type Config struct {
	// Dir is where snapshots are stored (required)
	Dir string

	// Prefix starts every snapshot name (default: pairings)
	Prefix string

	// Ext ends every snapshot name (default: .json)
	Ext string

	// Keep is the number of snapshots retained by Prune (default: 5)
	Keep int

	// Now supplies snapshot timestamps. Optional; tests inject a fixed clock.
	Now func() time.Time
}

// BackupInfo contains metadata about a snapshot file.
type BackupInfo struct {
	// Path is the full path to the snapshot file
	Path string `json:"path" yaml:"path"`

	// Timestamp is when the snapshot was taken, decoded from the name
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Size is the snapshot file size in bytes
	Size int64 `json:"size" yaml:"size"`
}

// Rotator creates, lists and prunes snapshots in one directory.
type Rotator struct {
	dir    string
	prefix string
	ext    string
	keep   int
	now    func() time.Time
}

// NewRotator creates a rotator, filling unset fields with defaults.
func NewRotator(config Config) (*Rotator, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if config.Prefix == "" {
		config.Prefix = "pairings"
	}
	if config.Ext == "" {
		config.Ext = ".json"
	}
	if config.Keep <= 0 {
		config.Keep = 5
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Rotator{
		dir:    config.Dir,
		prefix: config.Prefix,
		ext:    config.Ext,
		keep:   config.Keep,
		now:    config.Now,
	}, nil
}

// Dir returns the snapshot directory.
func (r *Rotator) Dir() string { return r.dir }

// Keep returns the retention count.
func (r *Rotator) Keep() int { return r.keep }

// Snapshot copies src into the backup directory under a timestamped name.
// A missing src yields an error wrapping os.ErrNotExist.
func (r *Rotator) Snapshot(src string) (BackupInfo, error) {
	in, err := os.Open(src)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to open snapshot source: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create backup directory: %w", err)
	}

	ts := r.now().UTC()
	path := r.pathFor(ts)
	for exists(path) {
		ts = ts.Add(time.Nanosecond)
		path = r.pathFor(ts)
	}

	tmp, err := os.CreateTemp(r.dir, ".snapshot-*")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to create snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	size, err := io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to place snapshot: %w", err)
	}

	return BackupInfo{Path: path, Timestamp: ts, Size: size}, nil
}

// List returns all snapshots, newest first. A missing directory is empty.
func (r *Rotator) List() ([]BackupInfo, error) {
	backups, err := listBackups(r.dir, r.prefix, r.ext)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return backups, err
}

// Latest returns up to n snapshots, newest first.
func (r *Rotator) Latest(n int) ([]BackupInfo, error) {
	backups, err := r.List()
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(backups) > n {
		backups = backups[:n]
	}
	return backups, nil
}

// Prune deletes all but the newest Keep snapshots and reports how many were removed.
func (r *Rotator) Prune() (int, error) {
	backups, err := r.List()
	if err != nil {
		return 0, err
	}
	return applyRetention(backups, r.keep)
}

// DiskUsage returns the total size of all snapshots.
func (r *Rotator) DiskUsage() (int64, error) {
	backups, err := r.List()
	if err != nil {
		return 0, err
	}
	return calculateDiskUsage(backups), nil
}

func (r *Rotator) pathFor(ts time.Time) string {
	return filepath.Join(r.dir, r.prefix+"-"+ts.Format(timestampLayout)+r.ext)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
