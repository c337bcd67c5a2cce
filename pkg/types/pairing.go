package types

import (
	"fmt"
	"time"
)

// Pairing links one retiring file reference to one newly created
// stable-identifier reference. It is the unit of reconciliation work.
type Pairing struct {
	OldID      string `json:"old_id" yaml:"old_id"`
	OldTitle   string `json:"old_title" yaml:"old_title"`
	OldLocator string `json:"old_locator" yaml:"old_locator"`

	// NewID is empty until the record store confirms creation.
	NewID      string `json:"new_id,omitempty" yaml:"new_id,omitempty"`
	NewLocator string `json:"new_locator" yaml:"new_locator"`

	ParentID    string `json:"parent_id" yaml:"parent_id"`
	ParentTitle string `json:"parent_title,omitempty" yaml:"parent_title,omitempty"`

	MatchedIdentifier string `json:"matched_identifier" yaml:"matched_identifier"`

	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	State     PairingState `json:"state" yaml:"state"`

	// OldRetired and Confirmed are tracked separately: deleting the old
	// reference and confirming the pairing are individually retriable.
	OldRetired bool `json:"old_retired" yaml:"old_retired"`
	Confirmed  bool `json:"confirmed" yaml:"confirmed"`

	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty" yaml:"confirmed_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty" yaml:"rolled_back_at,omitempty"`

	// LastError is the most recent per-item failure, for operator review only.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// NewPairing starts a PENDING pairing for a candidate file reference and the
// identifier the match oracle returned for it.
func NewPairing(old Reference, matchedIdentifier, newLocator string, now time.Time) (Pairing, error) {
	if !old.IsCandidate() {
		return Pairing{}, fmt.Errorf("%w: reference %s is not a reconcilable file link", ErrInvalidInput, old.ID)
	}
	if matchedIdentifier == "" {
		return Pairing{}, fmt.Errorf("%w: matched identifier is required", ErrInvalidInput)
	}
	if newLocator == "" {
		return Pairing{}, fmt.Errorf("%w: new locator is required", ErrInvalidInput)
	}
	return Pairing{
		OldID:             old.ID,
		OldTitle:          old.Title,
		OldLocator:        old.Locator,
		NewLocator:        newLocator,
		ParentID:          old.ParentID,
		MatchedIdentifier: matchedIdentifier,
		CreatedAt:         now,
		UpdatedAt:         now,
		State:             StatePending,
	}, nil
}

// Validate checks the pairing invariants that do not depend on other pairings.
func (p Pairing) Validate() error {
	if p.OldID == "" {
		return fmt.Errorf("%w: pairing has no old_id", ErrInvalidInput)
	}
	if !IsValidPairingState(p.State) {
		return fmt.Errorf("%w: pairing %s has unknown state %q", ErrInvalidInput, p.OldID, p.State)
	}
	if (p.State == StateCreated || p.State == StateConfirmed) && p.NewID == "" {
		return fmt.Errorf("%w: pairing %s is %s without new_id", ErrInvalidInput, p.OldID, p.State)
	}
	if p.Confirmed && p.State != StateConfirmed {
		return fmt.Errorf("%w: pairing %s is confirmed but in state %s", ErrInvalidInput, p.OldID, p.State)
	}
	return nil
}

// Transition moves the pairing to next, enforcing the state machine.
func (p *Pairing) Transition(next PairingState, now time.Time) error {
	if !IsValidPairingTransition(p.State, next) {
		return fmt.Errorf("%w: pairing %s cannot move from %s to %s", ErrInvalidInput, p.OldID, p.State, next)
	}
	p.State = next
	p.UpdatedAt = now
	switch next {
	case StateConfirmed:
		p.Confirmed = true
		p.ConfirmedAt = &now
	case StateRolledBack:
		p.RolledBackAt = &now
	}
	return nil
}

// IsActive reports whether the pairing still claims its old reference.
func (p Pairing) IsActive() bool {
	return p.State.IsActive()
}
