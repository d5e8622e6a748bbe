package epistemic

import "time"

// Decision is the outcome of a CHECK evaluation.
type Decision string

const (
	DecisionProceed     Decision = "proceed"
	DecisionInvestigate Decision = "investigate"
)

// Assessment is one stored self-report. Immutable once written: later phases
// append new records, never mutate prior ones.
//
// Round is 0 for PREFLIGHT and POSTFLIGHT. CHECK rounds count from 1 and are
// assigned at write time against the authoritative store, so concurrent
// re-check calls cannot collide.
type Assessment struct {
	TransactionID string    `json:"transaction_id"`
	Phase         Phase     `json:"phase"`
	Vector        Vector    `json:"vector"`
	Rationale     string    `json:"rationale,omitempty"`
	ProducedBy    string    `json:"produced_by"`
	Timestamp     time.Time `json:"timestamp"`
	Round         int       `json:"round"`

	// CHECK-only fields. Findings/Unknowns are opaque payload from the
	// assessment producer; Decision is persisted so the postflight gate is
	// re-derivable by a later process with no in-memory state.
	Findings []string `json:"findings,omitempty"`
	Unknowns []string `json:"unknowns,omitempty"`
	Decision Decision `json:"decision,omitempty"`
}
