package model

import (
	"testing"

	"github.com/elspeth-data/elspeth/internal/document"
)

func TestValidateNodeStateTransition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		from    NodeStateStatus
		to      NodeStateStatus
		wantErr bool
	}{
		{"OPEN to COMPLETED", StateOpen, StateCompleted, false},
		{"OPEN to FAILED", StateOpen, StateFailed, false},
		{"OPEN to SKIPPED", StateOpen, StateSkipped, false},
		{"OPEN to OPEN", StateOpen, StateOpen, true},
		{"COMPLETED to FAILED", StateCompleted, StateFailed, true},
		{"FAILED to COMPLETED", StateFailed, StateCompleted, true},
		{"SKIPPED to COMPLETED", StateSkipped, StateCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeStateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodeStateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestRowOutcomeIsTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	terminal := []RowOutcome{
		OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeFailed,
		OutcomeQuarantined, OutcomeConsumedInBatch, OutcomeCoalesced, OutcomeExpanded,
	}
	for _, o := range terminal {
		if !o.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", o)
		}
	}

	if OutcomeBuffered.IsTerminal() {
		t.Errorf("OutcomeBuffered.IsTerminal() = true, want false (only non-terminal outcome)")
	}
}

func TestTokenWithRowDataDoesNotMutateOriginal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	orig := Token{ID: "t1", RowID: "r1", RowData: document.NewInt(1)}
	updated := orig.WithRowData(document.NewInt(42))

	if got, _ := orig.RowData.Int(); got != 1 {
		t.Fatalf("unexpected mutation of original token: RowData.Int() = %d, want 1", got)
	}

	if got, _ := updated.RowData.Int(); got != 42 {
		t.Errorf("updated.RowData.Int() = %d, want 42", got)
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if RunPending.IsTerminal() || RunRunning.IsTerminal() {
		t.Errorf("PENDING/RUNNING must not be terminal")
	}

	for _, s := range []RunStatus{RunCompleted, RunFailed, RunCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
}
