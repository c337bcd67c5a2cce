package types_test

import (
	"testing"

	"github.com/scrypster/relink/pkg/types"
)

func TestValidPairingStates(t *testing.T) {
	for _, state := range []types.PairingState{"PENDING", "CREATED", "CONFIRMED", "ROLLED_BACK"} {
		if !types.IsValidPairingState(state) {
			t.Errorf("Expected %s to be valid pairing state", state)
		}
	}
}

func TestInvalidPairingStates(t *testing.T) {
	for _, state := range []types.PairingState{"", "pending", "DONE"} {
		if types.IsValidPairingState(state) {
			t.Errorf("Expected %q to be invalid pairing state", state)
		}
	}
}

func TestPairingTransitions(t *testing.T) {
	tests := []struct {
		from, to types.PairingState
		valid    bool
	}{
		{types.StatePending, types.StateCreated, true},
		{types.StatePending, types.StateConfirmed, false},
		{types.StatePending, types.StateRolledBack, false},
		{types.StateCreated, types.StateConfirmed, true},
		{types.StateCreated, types.StateRolledBack, true},
		{types.StateCreated, types.StatePending, false},
		{types.StateConfirmed, types.StateRolledBack, false},
		{types.StateConfirmed, types.StateCreated, false},
		{types.StateRolledBack, types.StateCreated, false},
		{types.StateRolledBack, types.StateConfirmed, false},
	}

	for _, tt := range tests {
		if got := types.IsValidPairingTransition(tt.from, tt.to); got != tt.valid {
			t.Errorf("transition %s -> %s: expected %v, got %v", tt.from, tt.to, tt.valid, got)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if !types.StateConfirmed.IsTerminal() || !types.StateRolledBack.IsTerminal() {
		t.Error("CONFIRMED and ROLLED_BACK must be terminal")
	}
	if types.StatePending.IsTerminal() || types.StateCreated.IsTerminal() {
		t.Error("PENDING and CREATED must not be terminal")
	}
	if types.StateRolledBack.IsActive() {
		t.Error("ROLLED_BACK must not be active")
	}
}
