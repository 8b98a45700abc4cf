package models

import "testing"

func TestPhaseAdvanceActionNames(t *testing.T) {
	for _, action := range []string{ActionAdvancePhase, ActionApprovePhase} {
		if !IsPhaseAdvanceAction(action) {
			t.Errorf("expected %q to advance the phase", action)
		}
		if IsExecutableAction(action) {
			t.Errorf("phase action %q must not also be executable", action)
		}
	}
	if IsPhaseAdvanceAction(ActionSendEmail) {
		t.Errorf("executable action %q must not advance the phase", ActionSendEmail)
	}
}
