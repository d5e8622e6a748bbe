package store

import (
	"time"

	"noesis/internal/epistemic"
)

// DefaultDBPath is the default relative path for the SQLite DB (per-workspace).
// Resolve against the workspace root; Open() creates the parent dir (.noesis).
const DefaultDBPath = ".noesis/noesis.db"

// Transaction status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Calibration tracks.
const (
	TrackSelfReferential = "self_referential"
	TrackGrounded        = "grounded"
)

// Transaction is one epistemic transaction: a project-scoped unit of measured
// work bounded by PREFLIGHT and POSTFLIGHT. Owned by the project, never by a
// session; any session may contribute to it.
type Transaction struct {
	ID              string
	ProjectID       string
	AgentID         string
	Domain          string
	OpenedBySession string
	OpenedAt        time.Time
	Status          string
	Sessions        []string // contributing sessions, join order, monotone
	ClosedBySession string
	CloseReason     string
	ClosedAt        time.Time // zero while open
	UpdatedAt       time.Time
}

// Open reports whether the transaction is still open.
func (t *Transaction) Open() bool { return t.Status == StatusOpen }

// Session is a temporal, bounded agent process. It references its active
// transaction through a denormalized pointer but never owns it.
type Session struct {
	ID                  string
	AgentID             string
	StartedAt           time.Time
	EndedAt             time.Time // zero while active
	ActiveTransactionID string
}

// CalibrationRecord is one append-only measurement of agreement between a
// predicted vector and an observed one (later self-report or evidence).
type CalibrationRecord struct {
	ID            int64
	AgentID       string
	Domain        string
	TransactionID string
	Track         string
	Predicted     epistemic.Vector
	Observed      epistemic.Vector
	Divergence    epistemic.Delta
	ComputedAt    time.Time
}

// Suggestion is one agent proposal and its human verdict; trust input.
type Suggestion struct {
	ID            int64
	AgentID       string
	Domain        string
	TransactionID string
	Accepted      bool
	CreatedAt     time.Time
}

// Mistake is one recorded agent error; trust input.
type Mistake struct {
	ID            int64
	AgentID       string
	Domain        string
	TransactionID string
	Severity      string
	Description   string
	CreatedAt     time.Time
}

// TrustRow is the persisted trust cache entry. Never authoritative: the gate
// re-derives score and mode from calibration history on TTL expiry; the row
// exists for display and for the previous-mode de-escalation floor.
type TrustRow struct {
	AgentID     string
	Domain      string
	Score       float64
	Mode        string
	FactorsJSON string
	UpdatedAt   time.Time
}

// Store is the structured-store facade. Domain packages use only this
// interface; the implementation is SQLite or in-memory.
//
// Error contract: lookups return epistemic.ErrNotFound; the single-open
// constraint surfaces as epistemic.ErrConflict; closing a non-open
// transaction returns epistemic.ErrInvalidState.
type Store interface {
	// Transactions
	CreateTransaction(tx *Transaction) error
	GetTransaction(id string) (*Transaction, error)
	FindOpen(projectID, agentID string) (*Transaction, error)
	CloseTransaction(id, closedBySession, reason string, at time.Time) error
	AppendSession(transactionID, sessionID string, at time.Time) error
	ListOpenBefore(cutoff time.Time) ([]*Transaction, error)
	ListOpenByProject(projectID string) ([]*Transaction, error)

	// Sessions
	SaveSession(s *Session) error
	GetSession(id string) (*Session, error)
	SetActiveTransaction(sessionID, transactionID string) error

	// Assessments (append-only). AppendAssessment assigns the CHECK round at
	// write time (count of prior CHECK rows + 1) and returns it. Phases that
	// carry no assessment (NOETIC, PRAXIC, POST-TEST) are rejected with
	// ErrInvalidState.
	AppendAssessment(a *epistemic.Assessment) (round int, err error)
	ListAssessments(transactionID string) ([]*epistemic.Assessment, error)
	LatestAssessment(transactionID string, phase epistemic.Phase) (*epistemic.Assessment, error)

	// Calibration (append-only)
	AppendCalibration(rec *CalibrationRecord) error
	ListCalibration(agentID, domain, track string, limit int) ([]*CalibrationRecord, error)

	// Trust inputs
	AddSuggestion(s *Suggestion) error
	ListSuggestions(agentID, domain string, limit int) ([]*Suggestion, error)
	AddMistake(m *Mistake) error
	CountMistakesSince(agentID, domain string, since time.Time) (int, error)

	// Trust cache
	SaveTrust(row *TrustRow) error
	GetTrust(agentID, domain string) (*TrustRow, error)

	Close() error
}
