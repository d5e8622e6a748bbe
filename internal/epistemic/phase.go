package epistemic

import "fmt"

// Phase is one state of the transaction lifecycle. The set is closed:
// unknown names are rejected at the parse boundary, never compared as
// free-form strings at runtime.
type Phase string

const (
	PhasePreflight  Phase = "PREFLIGHT"
	PhaseNoetic     Phase = "NOETIC"
	PhaseCheck      Phase = "CHECK"
	PhasePraxic     Phase = "PRAXIC"
	PhasePostflight Phase = "POSTFLIGHT"
	PhasePostTest   Phase = "POST-TEST"
)

// transitions is the legal-transition table. CHECK loops back into NOETIC
// on an investigate decision; an agent already in PRAXIC may re-enter CHECK
// to re-assess mid-execution; POST-TEST is terminal.
var transitions = map[Phase][]Phase{
	PhasePreflight:  {PhaseNoetic, PhaseCheck},
	PhaseNoetic:     {PhaseCheck},
	PhaseCheck:      {PhaseNoetic, PhasePraxic},
	PhasePraxic:     {PhaseCheck, PhasePostflight},
	PhasePostflight: {PhasePostTest},
	PhasePostTest:   {},
}

// ParsePhase maps a wire string onto the closed phase set.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhasePreflight, PhaseNoetic, PhaseCheck, PhasePraxic, PhasePostflight, PhasePostTest:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// CanTransition reports whether next is reachable from p in one step.
func (p Phase) CanTransition(next Phase) bool {
	for _, t := range transitions[p] {
		if t == next {
			return true
		}
	}
	return false
}

// AcceptsAssessment reports whether the phase carries a stored assessment.
// NOETIC, PRAXIC and POST-TEST are execution modes, not declaration points.
func (p Phase) AcceptsAssessment() bool {
	return p == PhasePreflight || p == PhaseCheck || p == PhasePostflight
}
