package persist

import "time"

// Event kinds recorded in the journal and audit log.
const (
	EventTransactionOpened      = "transaction_opened"
	EventTransactionResumed     = "transaction_resumed"
	EventSessionJoined          = "session_joined"
	EventTransactionClosed      = "transaction_closed"
	EventTransactionForceClosed = "transaction_force_closed"
	EventAssessmentStored       = "assessment_stored"
	EventCheckEvaluated         = "check_evaluated"
	EventCalibrationRecorded    = "calibration_recorded"
	EventEvidenceRecorded       = "evidence_recorded"
)

// Event is one governance fact, fanned out to the append-only journal and the
// audit log after the authoritative store write has committed.
type Event struct {
	Seq           uint64            `json:"seq,omitempty"`
	Kind          string            `json:"kind"`
	TransactionID string            `json:"transaction_id,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	At            time.Time         `json:"at"`
}
