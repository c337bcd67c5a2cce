// Package types defines the records shared by every relink layer: attachment
// references owned by the record store, pairings owned by the ledger, and the
// failure taxonomy used to classify calls to external collaborators.
package types

import (
	"fmt"
	"time"
)

// LinkMode describes how a reference record points at its document.
type LinkMode string

const (
	// LinkModeFile is a reference that points at a filesystem path.
	LinkModeFile LinkMode = "linked_file"

	// LinkModeStableURI is a reference that points at a stable-identifier URI.
	LinkModeStableURI LinkMode = "linked_url"

	// LinkModeOther covers every other attachment mode the record store knows
	// about (imported files, snapshots, embedded notes). Never a candidate.
	LinkModeOther LinkMode = "other"
)

// ParseLinkMode maps a record-store link mode string onto a LinkMode.
// Unknown non-empty modes map to LinkModeOther.
func ParseLinkMode(s string) LinkMode {
	switch LinkMode(s) {
	case LinkModeFile:
		return LinkModeFile
	case LinkModeStableURI:
		return LinkModeStableURI
	case "":
		return ""
	default:
		return LinkModeOther
	}
}

// Reference is one attachment record owned by the external record store.
type Reference struct {
	// ID is the record store's key for this reference.
	ID string `json:"id" yaml:"id"`

	// ParentID is the logical document the reference is attached to.
	// Empty for orphaned references.
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`

	// Version is the optimistic-concurrency version of the record.
	Version int `json:"version" yaml:"version"`

	Mode    LinkMode `json:"mode" yaml:"mode"`
	Title   string   `json:"title" yaml:"title"`
	Locator string   `json:"locator" yaml:"locator"`

	ContentType  string    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	DateModified time.Time `json:"date_modified,omitempty" yaml:"date_modified,omitempty"`
}

// NewReference builds a Reference and validates the fields every layer relies on.
func NewReference(id, parentID string, version int, mode LinkMode, title, locator string) (Reference, error) {
	ref := Reference{
		ID:       id,
		ParentID: parentID,
		Version:  version,
		Mode:     mode,
		Title:    title,
		Locator:  locator,
	}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// Validate checks the required fields of a reference.
func (r Reference) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: reference id is required", ErrInvalidInput)
	}
	if r.Version < 0 {
		return fmt.Errorf("%w: reference %s has negative version %d", ErrInvalidInput, r.ID, r.Version)
	}
	switch r.Mode {
	case LinkModeFile, LinkModeStableURI:
		if r.Locator == "" {
			return fmt.Errorf("%w: reference %s (%s) has no locator", ErrInvalidInput, r.ID, r.Mode)
		}
	case LinkModeOther:
	default:
		return fmt.Errorf("%w: reference %s has unknown mode %q", ErrInvalidInput, r.ID, r.Mode)
	}
	return nil
}

// IsCandidate reports whether the reference is a file link that can be
// reconciled: it has a locator and belongs to a parent document.
func (r Reference) IsCandidate() bool {
	return r.Mode == LinkModeFile && r.Locator != "" && r.ParentID != ""
}
