package types

// PairingState is the lifecycle state of a Pairing.
type PairingState string

// Pairing lifecycle states
const (
	StatePending    PairingState = "PENDING"     // Candidate chosen, new reference not yet created
	StateCreated    PairingState = "CREATED"     // New reference exists, old reference untouched
	StateConfirmed  PairingState = "CONFIRMED"   // New reference verified, old reference retired
	StateRolledBack PairingState = "ROLLED_BACK" // New reference deleted by the operator
)

// ValidPairingStates contains all valid pairing state values
var ValidPairingStates = []PairingState{
	StatePending,
	StateCreated,
	StateConfirmed,
	StateRolledBack,
}

// IsValidPairingState checks if the given state is a valid pairing state.
func IsValidPairingState(state PairingState) bool {
	for _, validState := range ValidPairingStates {
		if state == validState {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the state.
func (s PairingState) IsTerminal() bool {
	return s == StateConfirmed || s == StateRolledBack
}

// IsActive reports whether a pairing in this state still claims its old reference.
func (s PairingState) IsActive() bool {
	return s != StateRolledBack
}

// IsValidPairingTransition validates pairing state transitions.
//
// Valid transitions:
//
//	PENDING -> CREATED
//	CREATED -> CONFIRMED | ROLLED_BACK
//	CONFIRMED, ROLLED_BACK -> (terminal, no transitions out)
//
// A PENDING pairing whose creation fails is discarded, not transitioned.
func IsValidPairingTransition(current, next PairingState) bool {
	switch current {
	case StatePending:
		return next == StateCreated
	case StateCreated:
		return next == StateConfirmed || next == StateRolledBack
	default:
		return false
	}
}
