package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listBackups lists snapshot files named <prefix>-<timestamp><ext>, newest first.
// Files that do not follow the naming scheme are ignored.
func listBackups(backupDir, prefix, ext string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ts, ok := parseName(entry.Name(), prefix, ext)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}

		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, entry.Name()),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

func parseName(name, prefix, ext string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ext)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(timestampLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// applyRetention removes every backup past the newest keep.
// backups must be sorted newest first.
func applyRetention(backups []BackupInfo, keep int) (int, error) {
	if len(backups) <= keep {
		return 0, nil
	}

	removed := 0
	var lastErr error
	for _, backup := range backups[keep:] {
		if err := os.Remove(backup.Path); err != nil {
			lastErr = err
			// Continue deleting other backups even if one fails
			continue
		}
		removed++
	}

	if lastErr != nil {
		return removed, fmt.Errorf("failed to delete some backups: %w", lastErr)
	}
	return removed, nil
}

// calculateDiskUsage sums the sizes of backups.
func calculateDiskUsage(backups []BackupInfo) int64 {
	var total int64
	for _, backup := range backups {
		total += backup.Size
	}
	return total
}
