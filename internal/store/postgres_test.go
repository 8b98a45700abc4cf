package store

import (
	"testing"

	"venture-console/internal/models"
)

// The SQL filter that hides stranded keys from FindByIdempotencyKey must
// agree with the model's notion of terminal, or a dead job could satisfy a
// fresh enqueue.
func TestTerminalStatusFilterMatchesModel(t *testing.T) {
	inFilter := map[string]bool{}
	for _, s := range terminalStatuses {
		inFilter[s] = true
		if !(models.Job{Status: s}).Terminal() {
			t.Fatalf("status %q is in the terminal filter but the model calls it live", s)
		}
	}
	for _, s := range []string{models.StatusQueued, models.StatusRunning} {
		if inFilter[s] {
			t.Fatalf("live status %q must not be in the terminal filter", s)
		}
	}
	if len(inFilter) != 4 {
		t.Fatalf("expected 4 terminal statuses, got %d", len(inFilter))
	}
}
