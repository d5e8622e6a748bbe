package epistemic

import "testing"

func TestParsePhase(t *testing.T) {
	for _, s := range []string{"PREFLIGHT", "NOETIC", "CHECK", "PRAXIC", "POSTFLIGHT", "POST-TEST"} {
		p, err := ParsePhase(s)
		if err != nil {
			t.Errorf("ParsePhase(%q): %v", s, err)
		}
		if string(p) != s {
			t.Errorf("ParsePhase(%q) = %q", s, p)
		}
	}
	if _, err := ParsePhase("preflight"); err == nil {
		t.Error("lowercase phase should be rejected")
	}
	if _, err := ParsePhase("REFLECT"); err == nil {
		t.Error("unknown phase should be rejected")
	}
}

func TestTransitions(t *testing.T) {
	legal := [][2]Phase{
		{PhasePreflight, PhaseNoetic},
		{PhasePreflight, PhaseCheck},
		{PhaseNoetic, PhaseCheck},
		{PhaseCheck, PhaseNoetic}, // investigate loop
		{PhaseCheck, PhasePraxic},
		{PhasePraxic, PhaseCheck}, // re-assessment mid-execution
		{PhasePraxic, PhasePostflight},
		{PhasePostflight, PhasePostTest},
	}
	for _, lt := range legal {
		if !lt[0].CanTransition(lt[1]) {
			t.Errorf("%s -> %s should be legal", lt[0], lt[1])
		}
	}

	illegal := [][2]Phase{
		{PhasePreflight, PhasePraxic},
		{PhaseNoetic, PhasePostflight},
		{PhasePostflight, PhaseCheck},
		{PhasePostTest, PhasePreflight}, // terminal
	}
	for _, it := range illegal {
		if it[0].CanTransition(it[1]) {
			t.Errorf("%s -> %s should be illegal", it[0], it[1])
		}
	}
}

func TestAcceptsAssessment(t *testing.T) {
	want := map[Phase]bool{
		PhasePreflight:  true,
		PhaseNoetic:     false,
		PhaseCheck:      true,
		PhasePraxic:     false,
		PhasePostflight: true,
		PhasePostTest:   false,
	}
	for p, w := range want {
		if got := p.AcceptsAssessment(); got != w {
			t.Errorf("%s.AcceptsAssessment() = %v, want %v", p, got, w)
		}
	}
}
