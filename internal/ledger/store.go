// Package ledger is the pairing state store: a crash-safe JSON file holding
// every pairing the engine has created. Each save replaces the file
// atomically after snapshotting the previous version, and a load falls back
// to the newest readable snapshot when the file is missing or corrupt.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/scrypster/relink/internal/backup"
	"github.com/scrypster/relink/pkg/types"
)

// recoveryDepth is how many backups Load tries before giving up.
const recoveryDepth = 3

// Config holds ledger configuration.
type Config struct {
	// Path is the canonical ledger file (required)
	Path string

	// BackupDir holds snapshots (default: <dir of Path>/backups)
	BackupDir string

	// Keep is the number of snapshots retained (default: 5)
	Keep int

	// Now stamps saves and snapshot names. Optional.
	Now func() time.Time

	// LockWait bounds how long Lock waits for another writer (default: 2m)
	LockWait time.Duration

	Logger *log.Logger
}

// Store reads and writes the ledger file. Load and Save are safe for
// concurrent use; writers bracket load-modify-save with Lock and Unlock.
type Store struct {
	path     string
	backups  *backup.Rotator
	now      func() time.Time
	logger   *log.Logger
	flock    *flock.Flock
	lockWait time.Duration

	// writer admits one lock holder within the process.
	writer chan struct{}

	mu sync.Mutex
}

// New creates a Store. The ledger directory is created on first save.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.Path), "backups")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	rotator, err := backup.NewRotator(backup.Config{
		Dir:    cfg.BackupDir,
		Prefix: "pairings",
		Ext:    ".json",
		Keep:   cfg.Keep,
		Now:    cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backup rotator: %w", err)
	}

	return &Store{
		path:     cfg.Path,
		backups:  rotator,
		now:      cfg.Now,
		logger:   logger.WithPrefix("ledger"),
		flock:    flock.New(cfg.Path + ".lock"),
		lockWait: cfg.LockWait,
		writer:   make(chan struct{}, 1),
	}, nil
}

// Path returns the canonical ledger file.
func (s *Store) Path() string { return s.path }

// Backups returns the snapshot rotator.
func (s *Store) Backups() *backup.Rotator { return s.backups }

// Load reads the ledger. A missing file with no backups is an empty ledger.
// A file that exists but cannot be read, with no readable backup either,
// is an ErrPersistence failure.
func (s *Store) Load() ([]types.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairings, err := s.readFile(s.path)
	if err == nil {
		return pairings, nil
	}
	canonicalMissing := errors.Is(err, os.ErrNotExist)
	if !canonicalMissing {
		s.logger.Error("ledger unreadable, trying backups", "path", s.path, "err", err)
	}

	latest, listErr := s.backups.Latest(recoveryDepth)
	if listErr != nil {
		s.logger.Error("failed to list backups", "err", listErr)
	}
	for _, b := range latest {
		pairings, err := s.readFile(b.Path)
		if err != nil {
			s.logger.Error("backup unreadable", "path", b.Path, "err", err)
			continue
		}
		s.logger.Warn("recovered ledger from backup", "path", b.Path, "pairings", len(pairings))
		return pairings, nil
	}

	if canonicalMissing {
		if len(latest) > 0 {
			return nil, fmt.Errorf("%w: ledger %s is missing and no backup is readable", types.ErrPersistence, s.path)
		}
		s.logger.Info("no ledger found, starting fresh", "path", s.path)
		return []types.Pairing{}, nil
	}
	return nil, fmt.Errorf("%w: ledger %s is unreadable and no backup could be recovered: %v", types.ErrPersistence, s.path, err)
}

func (s *Store) readFile(path string) ([]types.Pairing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pairings, legacy, dropped, err := decode(data)
	if err != nil {
		return nil, err
	}
	if legacy {
		s.logger.Warn("read legacy ledger, it will be upgraded on next save",
			"path", path, "pairings", len(pairings), "dropped_uncreated", dropped)
	}
	if pairings == nil {
		pairings = []types.Pairing{}
	}
	return pairings, nil
}

// Save replaces the ledger with pairings: temp file, snapshot of the
// previous file, atomic rename, directory sync, prune.
func (s *Store) Save(pairings []types.Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := check(pairings); err != nil {
		return fmt.Errorf("%w: refusing to save: %v", types.ErrPersistence, err)
	}

	data, err := encode(pairings, s.now())
	if err != nil {
		return fmt.Errorf("%w: failed to encode ledger: %v", types.ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create ledger directory: %v", types.ErrPersistence, err)
	}

	tempPath, err := writeTemp(s.path, data, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := s.backups.Snapshot(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to back up previous ledger: %v", types.ErrPersistence, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("%w: failed to replace ledger: %v", types.ErrPersistence, err)
	}
	committed = true
	syncDir(dir)

	if removed, err := s.backups.Prune(); err != nil {
		s.logger.Warn("failed to prune backups", "err", err)
	} else if removed > 0 {
		s.logger.Debug("pruned backups", "removed", removed)
	}
	return nil
}
