package phase

import (
	"errors"
	"testing"
)

func TestOrdinal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  int
	}{
		{Analysis, 0},
		{Planning, 1},
		{Execution, 2},
		{Phase("deploying"), -1},
		{Phase(""), -1},
	}
	for _, tt := range tests {
		if got := tt.phase.Ordinal(); got != tt.want {
			t.Errorf("%q.Ordinal() = %d, want %d", tt.phase, got, tt.want)
		}
	}
}

func TestEscalates(t *testing.T) {
	if !Analysis.Escalates(Planning) {
		t.Error("analysis -> planning should escalate")
	}
	if !Analysis.Escalates(Execution) {
		t.Error("analysis -> execution should escalate")
	}
	if Execution.Escalates(Analysis) {
		t.Error("execution -> analysis should not escalate")
	}
	if Planning.Escalates(Planning) {
		t.Error("self-transition should not escalate")
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("  Planning ")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if p != Planning {
		t.Errorf("Parse() = %q, want planning", p)
	}

	_, err = Parse("deploy")
	if !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("Parse(deploy) error = %v, want ErrInvalidPhase", err)
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	if len(all) != 3 {
		t.Fatalf("All() length = %d, want 3", len(all))
	}
	all[0] = Execution
	if All()[0] != Analysis {
		t.Error("mutating All() result changed the fixed order")
	}
}

func TestParsePosture(t *testing.T) {
	for _, s := range []string{"secure", "ELEVATED", "restricted"} {
		if _, err := ParsePosture(s); err != nil {
			t.Errorf("ParsePosture(%q) error: %v", s, err)
		}
	}
	if _, err := ParsePosture("relaxed"); !errors.Is(err, ErrInvalidPosture) {
		t.Errorf("ParsePosture(relaxed) error = %v, want ErrInvalidPosture", err)
	}
}
