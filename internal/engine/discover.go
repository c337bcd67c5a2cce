package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/scrypster/relink/internal/zotero"
	"github.com/scrypster/relink/pkg/types"
)

// DiscoverCandidates returns up to limit file-linked references that no
// active pairing claims, most recently modified first. It has no side
// effects; a limit of zero or less means no limit.
func (e *Engine) DiscoverCandidates(ctx context.Context, limit int) ([]types.Reference, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.discover(ctx, limit)
}

func (e *Engine) discover(ctx context.Context, limit int) ([]types.Reference, error) {
	refs, err := e.cfg.Records.ListCandidates(ctx, zotero.ListFilter{
		Mode:           types.LinkModeFile,
		RequireLocator: true,
		RequireParent:  true,
		MaxItems:       e.cfg.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	claimed := e.activeOldIDs()
	seen := make(map[string]bool, len(refs))
	out := make([]types.Reference, 0, len(refs))
	for _, ref := range refs {
		if !ref.IsCandidate() || claimed[ref.ID] || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		out = append(out, ref)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateModified.After(out[j].DateModified)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	e.logger.Debug("discovered candidates", "listed", len(refs), "eligible", len(out))
	return out, nil
}
