package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"noesis/internal/epistemic"
)

// MemStore is an in-memory Store with the same semantics as SqlStore,
// including the single-open constraint and write-time round assignment.
// Used in tests and by the upper layers' unit tests.
type MemStore struct {
	mu sync.Mutex

	transactions map[string]*Transaction
	sessions     map[string]*Session
	assessments  map[string][]*epistemic.Assessment // by transaction id, append order
	calibration  []*CalibrationRecord
	suggestions  []*Suggestion
	mistakes     []*Mistake
	trust        map[string]*TrustRow // agent_id + "\x00" + domain
	nextID       int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		transactions: make(map[string]*Transaction),
		sessions:     make(map[string]*Session),
		assessments:  make(map[string][]*epistemic.Assessment),
		trust:        make(map[string]*TrustRow),
	}
}

func (m *MemStore) Close() error { return nil }

func copyTransaction(t *Transaction) *Transaction {
	c := *t
	c.Sessions = append([]string(nil), t.Sessions...)
	return &c
}

func copyAssessment(a *epistemic.Assessment) *epistemic.Assessment {
	c := *a
	c.Findings = append([]string(nil), a.Findings...)
	c.Unknowns = append([]string(nil), a.Unknowns...)
	return &c
}

// --- Transactions ---

func (m *MemStore) CreateTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ProjectID == tx.ProjectID && t.AgentID == tx.AgentID && t.Status == StatusOpen {
			return epistemic.ErrConflict
		}
	}
	if _, ok := m.transactions[tx.ID]; ok {
		return epistemic.ErrConflict
	}
	tx.Status = StatusOpen
	tx.Sessions = []string{tx.OpenedBySession}
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemStore) GetTransaction(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, epistemic.ErrNotFound
	}
	return copyTransaction(t), nil
}

func (m *MemStore) FindOpen(projectID, agentID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ProjectID == projectID && t.AgentID == agentID && t.Status == StatusOpen {
			return copyTransaction(t), nil
		}
	}
	return nil, epistemic.ErrNotFound
}

func (m *MemStore) CloseTransaction(id, closedBySession, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return epistemic.ErrNotFound
	}
	if t.Status != StatusOpen {
		return epistemic.ErrInvalidState
	}
	t.Status = StatusClosed
	t.ClosedBySession = closedBySession
	t.CloseReason = reason
	t.ClosedAt = at
	t.UpdatedAt = at
	return nil
}

func (m *MemStore) AppendSession(transactionID, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[transactionID]
	if !ok {
		return epistemic.ErrNotFound
	}
	for _, s := range t.Sessions {
		if s == sessionID {
			return nil
		}
	}
	t.Sessions = append(t.Sessions, sessionID)
	t.UpdatedAt = at
	return nil
}

func (m *MemStore) ListOpenByProject(projectID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if t.Status == StatusOpen && t.ProjectID == projectID {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *MemStore) ListOpenBefore(cutoff time.Time) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if t.Status == StatusOpen && t.OpenedAt.Before(cutoff) {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// --- Sessions ---

func (m *MemStore) SaveSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *MemStore) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, epistemic.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemStore) SetActiveTransaction(sessionID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return epistemic.ErrNotFound
	}
	s.ActiveTransactionID = transactionID
	return nil
}

// --- Assessments ---

func (m *MemStore) AppendAssessment(a *epistemic.Assessment) (int, error) {
	if !a.Phase.AcceptsAssessment() {
		return 0, fmt.Errorf("phase %s carries no assessment: %w", a.Phase, epistemic.ErrInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	round := 0
	if a.Phase == epistemic.PhaseCheck {
		for _, prior := range m.assessments[a.TransactionID] {
			if prior.Phase == epistemic.PhaseCheck {
				round++
			}
		}
		round++
	}
	for _, prior := range m.assessments[a.TransactionID] {
		if prior.Phase == a.Phase && prior.Round == round {
			return 0, epistemic.ErrConflict
		}
	}
	a.Round = round
	m.assessments[a.TransactionID] = append(m.assessments[a.TransactionID], copyAssessment(a))
	return round, nil
}

func (m *MemStore) ListAssessments(transactionID string) ([]*epistemic.Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assessments[transactionID]
	out := make([]*epistemic.Assessment, 0, len(list))
	for _, a := range list {
		out = append(out, copyAssessment(a))
	}
	return out, nil
}

func (m *MemStore) LatestAssessment(transactionID string, phase epistemic.Phase) (*epistemic.Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.assessments[transactionID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Phase == phase {
			return copyAssessment(list[i]), nil
		}
	}
	return nil, epistemic.ErrNotFound
}

// --- Calibration ---

func (m *MemStore) AppendCalibration(rec *CalibrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.calibration {
		if r.AgentID == rec.AgentID && r.Domain == rec.Domain &&
			r.TransactionID == rec.TransactionID && r.Track == rec.Track {
			return epistemic.ErrConflict
		}
	}
	m.nextID++
	rec.ID = m.nextID
	c := *rec
	c.Divergence = cloneDelta(rec.Divergence)
	m.calibration = append(m.calibration, &c)
	return nil
}

func cloneDelta(d epistemic.Delta) epistemic.Delta {
	if d == nil {
		return nil
	}
	c := make(epistemic.Delta, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

func (m *MemStore) ListCalibration(agentID, domain, track string, limit int) ([]*CalibrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CalibrationRecord
	for i := len(m.calibration) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.calibration[i]
		if r.AgentID == agentID && r.Domain == domain && r.Track == track {
			c := *r
			c.Divergence = cloneDelta(r.Divergence)
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Trust inputs ---

func (m *MemStore) AddSuggestion(s *Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	c := *s
	m.suggestions = append(m.suggestions, &c)
	return nil
}

func (m *MemStore) ListSuggestions(agentID, domain string, limit int) ([]*Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Suggestion
	for i := len(m.suggestions) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.suggestions[i]
		if s.AgentID == agentID && s.Domain == domain {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemStore) AddMistake(mk *Mistake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	mk.ID = m.nextID
	c := *mk
	m.mistakes = append(m.mistakes, &c)
	return nil
}

func (m *MemStore) CountMistakesSince(agentID, domain string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mk := range m.mistakes {
		if mk.AgentID == agentID && mk.Domain == domain && !mk.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- Trust cache ---

func trustKey(agentID, domain string) string { return agentID + "\x00" + domain }

func (m *MemStore) SaveTrust(row *TrustRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *row
	m.trust[trustKey(row.AgentID, row.Domain)] = &c
	return nil
}

func (m *MemStore) GetTrust(agentID, domain string) (*TrustRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.trust[trustKey(agentID, domain)]
	if !ok {
		return nil, epistemic.ErrNotFound
	}
	c := *row
	return &c, nil
}

// DumpJSON renders the store contents for debugging fixtures.
func (m *MemStore) DumpJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.MarshalIndent(map[string]any{
		"transactions": m.transactions,
		"sessions":     m.sessions,
		"assessments":  m.assessments,
	}, "", "  ")
}
