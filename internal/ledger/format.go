package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/relink/pkg/types"
)

const (
	formatName    = "relink.pairings"
	formatVersion = 1
)

// document is the on-disk ledger envelope.
type document struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"saved_at"`
	Pairings []types.Pairing `json:"pairings"`
}

// legacyPair is one entry of a legacy bare-array ledger file.
type legacyPair struct {
	OldKey      string  `json:"old_key"`
	OldTitle    string  `json:"old_title"`
	OldPath     string  `json:"old_path"`
	NewKey      *string `json:"new_key"`
	NewURL      string  `json:"new_url"`
	ParentKey   string  `json:"parent_key"`
	ParentTitle string  `json:"parent_title"`
	UUID        string  `json:"uuid"`
	Timestamp   string  `json:"timestamp"`
	Confirmed   bool    `json:"confirmed"`
	OldDeleted  bool    `json:"old_deleted"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func encode(pairings []types.Pairing, now time.Time) ([]byte, error) {
	if pairings == nil {
		pairings = []types.Pairing{}
	}
	data, err := json.MarshalIndent(document{
		Format:   formatName,
		Version:  formatVersion,
		SavedAt:  now.UTC(),
		Pairings: pairings,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decode parses either format. legacy reports whether the input was a bare
// array, and dropped counts legacy entries that never got a new reference.
func decode(data []byte) (pairings []types.Pairing, legacy bool, dropped int, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, 0, fmt.Errorf("empty ledger file")
	}

	switch trimmed[0] {
	case '{':
		var doc document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, false, 0, fmt.Errorf("decode ledger: %w", err)
		}
		if doc.Format != formatName {
			return nil, false, 0, fmt.Errorf("unknown ledger format %q", doc.Format)
		}
		if doc.Version > formatVersion {
			return nil, false, 0, fmt.Errorf("ledger version %d is newer than supported %d", doc.Version, formatVersion)
		}
		pairings = doc.Pairings
	case '[':
		var pairs []legacyPair
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return nil, true, 0, fmt.Errorf("decode legacy ledger: %w", err)
		}
		pairings, dropped = upgrade(pairs)
		legacy = true
	default:
		return nil, false, 0, fmt.Errorf("ledger is not JSON")
	}

	if err := check(pairings); err != nil {
		return nil, legacy, dropped, err
	}
	return pairings, legacy, dropped, nil
}

func upgrade(pairs []legacyPair) ([]types.Pairing, int) {
	out := make([]types.Pairing, 0, len(pairs))
	dropped := 0
	for _, lp := range pairs {
		if lp.NewKey == nil || *lp.NewKey == "" {
			dropped++
			continue
		}
		p := types.Pairing{
			OldID:             lp.OldKey,
			OldTitle:          lp.OldTitle,
			OldLocator:        lp.OldPath,
			NewID:             *lp.NewKey,
			NewLocator:        lp.NewURL,
			ParentID:          lp.ParentKey,
			ParentTitle:       lp.ParentTitle,
			MatchedIdentifier: lp.UUID,
			CreatedAt:         parseLegacyTime(lp.Timestamp),
			State:             types.StateCreated,
			OldRetired:        lp.OldDeleted,
		}
		p.UpdatedAt = p.CreatedAt
		if lp.Confirmed {
			p.State = types.StateConfirmed
			p.Confirmed = true
			at := p.CreatedAt
			p.ConfirmedAt = &at
		}
		out = append(out, p)
	}
	return out, dropped
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// check enforces the per-pairing invariants and the one-active-pairing-per-old-id rule.
func check(pairings []types.Pairing) error {
	active := make(map[string]bool, len(pairings))
	for _, p := range pairings {
		if err := p.Validate(); err != nil {
			return err
		}
		if !p.IsActive() {
			continue
		}
		if active[p.OldID] {
			return fmt.Errorf("%w: more than one active pairing for old_id %s", types.ErrInvalidInput, p.OldID)
		}
		active[p.OldID] = true
	}
	return nil
}
