package audit

import (
	"testing"

	"github.com/sovereign/sovereign/internal/phase"
)

func TestFilterCompiler_Compile(t *testing.T) {
	fc, err := NewFilterCompiler(nil)
	if err != nil {
		t.Fatalf("NewFilterCompiler() error: %v", err)
	}

	transition := &Entry{
		Action:   PhaseTransitionAction(phase.Planning, phase.Execution),
		Phase:    phase.Planning,
		Actor:    "operator",
		Seq:      3,
		Metadata: map[string]any{"previousPhase": "planning", "newPhase": "execution"},
	}
	plain := &Entry{
		Action: "OPEN_FILE",
		Phase:  phase.Analysis,
		Actor:  "operator",
		Seq:    1,
	}

	tests := []struct {
		name       string
		expr       string
		transition bool
		plain      bool
	}{
		{"kind", `entry.kind == "PHASE_TRANSITION"`, true, false},
		{"metadata", `entry.metadata.newPhase == "execution"`, true, false},
		{"phase", `entry.phase == "analysis"`, false, true},
		{"seq", `entry.seq > 1`, true, false},
		{"startsWith", `entry.action.startsWith("OPEN")`, false, true},
		{"actor", `entry.actor == "operator"`, true, true},
		{"has metadata key", `has(entry.metadata.newPhase)`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := fc.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			if got := pred(transition); got != tt.transition {
				t.Errorf("transition entry: got %v, want %v", got, tt.transition)
			}
			if got := pred(plain); got != tt.plain {
				t.Errorf("plain entry: got %v, want %v", got, tt.plain)
			}
		})
	}
}

func TestFilterCompiler_RejectsBadExpressions(t *testing.T) {
	fc, err := NewFilterCompiler(nil)
	if err != nil {
		t.Fatalf("NewFilterCompiler() error: %v", err)
	}

	for _, expr := range []string{
		`entry.action + `,    // syntax
		`entry.seq + 1`,      // not bool
		`session.cost > 1.0`, // undeclared
	} {
		if _, err := fc.Compile(expr); err == nil {
			t.Errorf("Compile(%q) should fail", expr)
		}
	}
}

func TestFilterCompiler_MissingMetadataKeyDropsEntry(t *testing.T) {
	fc, _ := NewFilterCompiler(nil)
	pred, err := fc.Compile(`entry.metadata.newPhase == "planning"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if pred(&Entry{Action: "X"}) {
		t.Error("entry without metadata should not match")
	}
}
