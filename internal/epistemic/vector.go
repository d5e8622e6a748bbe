package epistemic

import "fmt"

// Dimension names one scalar of the epistemic vector.
type Dimension string

// The twelve weighted-tier dimensions, plus the meta dimension uncertainty,
// which is tracked outside the tiers and compared as a ceiling, not a floor.
const (
	DimKnowledge  Dimension = "knowledge"
	DimCapability Dimension = "capability"
	DimContext    Dimension = "context"
	DimClarity    Dimension = "clarity"
	DimCoherence  Dimension = "coherence"
	DimSignal     Dimension = "signal"
	DimDensity    Dimension = "density"
	DimState      Dimension = "state"
	DimChange     Dimension = "change"
	DimCompletion Dimension = "completion"
	DimImpact     Dimension = "impact"
	DimEngagement Dimension = "engagement"

	DimUncertainty Dimension = "uncertainty"
)

// EngagementFloor is the minimum engagement for a transaction to be
// action-eligible. A disengaged self-report never unlocks the praxic phase.
const EngagementFloor = 0.30

// Dimensions returns the twelve tier dimensions in canonical order.
// Uncertainty is deliberately absent; callers that need it use DimUncertainty.
func Dimensions() []Dimension {
	return []Dimension{
		DimKnowledge, DimCapability, DimContext, DimClarity,
		DimCoherence, DimSignal, DimDensity, DimState,
		DimChange, DimCompletion, DimImpact, DimEngagement,
	}
}

// AllDimensions returns the tier dimensions followed by uncertainty.
func AllDimensions() []Dimension {
	return append(Dimensions(), DimUncertainty)
}

// Vector is one epistemic self-assessment: twelve tier scalars plus the
// explicit uncertainty meta dimension. All values live in [0,1].
type Vector struct {
	Knowledge  float64 `json:"knowledge"`
	Capability float64 `json:"capability"`
	Context    float64 `json:"context"`
	Clarity    float64 `json:"clarity"`
	Coherence  float64 `json:"coherence"`
	Signal     float64 `json:"signal"`
	Density    float64 `json:"density"`
	State      float64 `json:"state"`
	Change     float64 `json:"change"`
	Completion float64 `json:"completion"`
	Impact     float64 `json:"impact"`
	Engagement float64 `json:"engagement"`

	Uncertainty float64 `json:"uncertainty"`
}

// Get returns the value of a single dimension. Unknown dimensions return 0;
// use FromMap for boundary validation of dimension names.
func (v Vector) Get(d Dimension) float64 {
	switch d {
	case DimKnowledge:
		return v.Knowledge
	case DimCapability:
		return v.Capability
	case DimContext:
		return v.Context
	case DimClarity:
		return v.Clarity
	case DimCoherence:
		return v.Coherence
	case DimSignal:
		return v.Signal
	case DimDensity:
		return v.Density
	case DimState:
		return v.State
	case DimChange:
		return v.Change
	case DimCompletion:
		return v.Completion
	case DimImpact:
		return v.Impact
	case DimEngagement:
		return v.Engagement
	case DimUncertainty:
		return v.Uncertainty
	}
	return 0
}

// set assigns one dimension. Returns false for an unknown name.
func (v *Vector) set(d Dimension, val float64) bool {
	switch d {
	case DimKnowledge:
		v.Knowledge = val
	case DimCapability:
		v.Capability = val
	case DimContext:
		v.Context = val
	case DimClarity:
		v.Clarity = val
	case DimCoherence:
		v.Coherence = val
	case DimSignal:
		v.Signal = val
	case DimDensity:
		v.Density = val
	case DimState:
		v.State = val
	case DimChange:
		v.Change = val
	case DimCompletion:
		v.Completion = val
	case DimImpact:
		v.Impact = val
	case DimEngagement:
		v.Engagement = val
	case DimUncertainty:
		v.Uncertainty = val
	default:
		return false
	}
	return true
}

// Set assigns one dimension, rejecting unknown names.
func (v *Vector) Set(d Dimension, val float64) error {
	if ok := v.set(d, val); !ok {
		return &ValidationError{Dimension: d, Value: val, Reason: "unknown dimension"}
	}
	return nil
}

// Validate checks that every dimension is in [0,1]. Out-of-range values are
// rejected, never clamped: a clamped value would corrupt calibration history.
func (v Vector) Validate() error {
	for _, d := range AllDimensions() {
		val := v.Get(d)
		if val < 0 || val > 1 {
			return &ValidationError{
				Dimension: d,
				Value:     val,
				Reason:    "out of range [0,1]",
			}
		}
	}
	return nil
}

// FromMap builds a Vector from a name-keyed map, as submitted over the wire.
// Every dimension (including uncertainty) must be present exactly once;
// missing and unknown dimensions are rejected with a ValidationError.
func FromMap(m map[string]float64) (Vector, error) {
	var v Vector
	for name, val := range m {
		if ok := v.set(Dimension(name), val); !ok {
			return Vector{}, &ValidationError{
				Dimension: Dimension(name),
				Value:     val,
				Reason:    "unknown dimension",
			}
		}
	}
	for _, d := range AllDimensions() {
		if _, ok := m[string(d)]; !ok {
			return Vector{}, &ValidationError{
				Dimension: d,
				Reason:    "missing dimension",
			}
		}
	}
	if err := v.Validate(); err != nil {
		return Vector{}, err
	}
	return v, nil
}

// ToMap returns the vector as a name-keyed map, including uncertainty.
func (v Vector) ToMap() map[string]float64 {
	m := make(map[string]float64, len(AllDimensions()))
	for _, d := range AllDimensions() {
		m[string(d)] = v.Get(d)
	}
	return m
}

// Delta is a per-dimension signed difference in [-1,1].
type Delta map[Dimension]float64

// Sub computes v - other per dimension, including uncertainty.
func (v Vector) Sub(other Vector) Delta {
	d := make(Delta, len(AllDimensions()))
	for _, dim := range AllDimensions() {
		d[dim] = v.Get(dim) - other.Get(dim)
	}
	return d
}

// String renders the headline dimensions for log lines.
func (v Vector) String() string {
	return fmt.Sprintf("know=%.2f unc=%.2f compl=%.2f eng=%.2f",
		v.Knowledge, v.Uncertainty, v.Completion, v.Engagement)
}
