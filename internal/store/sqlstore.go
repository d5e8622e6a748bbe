package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"noesis/internal/epistemic"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// parseTime parses a stored timestamp; zero time on empty.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

// formatTime renders a timestamp for storage; empty string for zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

var _ Store = (*SqlStore)(nil)

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .noesis) if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	// Durability before return is the system's whole value: a resumed
	// process must see every committed open/close. The pragmas ride the DSN
	// so every pooled connection gets them; a plain Exec would bind them to
	// whichever single connection ran it, and concurrent writers on the
	// other connections would fail immediately with SQLITE_BUSY.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES(?)`, schemaVersion); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("db schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SqlStore) Close() error { return s.db.Close() }

// --- Transactions ---

func (s *SqlStore) CreateTransaction(tx *Transaction) error {
	dbtx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	_, err = dbtx.Exec(
		`INSERT INTO transactions
			(id, project_id, agent_id, domain, opened_by_session, opened_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ProjectID, tx.AgentID, tx.Domain, tx.OpenedBySession,
		formatTime(tx.OpenedAt), StatusOpen, formatTime(tx.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return epistemic.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = dbtx.Exec(
		`INSERT INTO transaction_sessions(transaction_id, session_id, joined_at) VALUES (?, ?, ?)`,
		tx.ID, tx.OpenedBySession, formatTime(tx.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("insert opening session: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.Status = StatusOpen
	tx.Sessions = []string{tx.OpenedBySession}
	return nil
}

func (s *SqlStore) GetTransaction(id string) (*Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, agent_id, domain, opened_by_session, opened_at,
		        status, closed_by_session, close_reason, closed_at, updated_at
		 FROM transactions WHERE id = ?`, id)
	return s.scanTransaction(row)
}

func (s *SqlStore) FindOpen(projectID, agentID string) (*Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, agent_id, domain, opened_by_session, opened_at,
		        status, closed_by_session, close_reason, closed_at, updated_at
		 FROM transactions WHERE project_id = ? AND agent_id = ? AND status = ?`,
		projectID, agentID, StatusOpen)
	return s.scanTransaction(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *SqlStore) scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var openedAt, updatedAt string
	var closedBy, closeReason, closedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.AgentID, &t.Domain, &t.OpenedBySession,
		&openedAt, &t.Status, &closedBy, &closeReason, &closedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, epistemic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.OpenedAt = parseTime(openedAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.ClosedBySession = nullStr(closedBy)
	t.CloseReason = nullStr(closeReason)
	t.ClosedAt = parseTime(nullStr(closedAt))

	sessions, err := s.listContributing(t.ID)
	if err != nil {
		return nil, err
	}
	t.Sessions = sessions
	return &t, nil
}

func (s *SqlStore) listContributing(txID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM transaction_sessions WHERE transaction_id = ? ORDER BY id`, txID)
	if err != nil {
		return nil, fmt.Errorf("list contributing sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SqlStore) CloseTransaction(id, closedBySession, reason string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE transactions
		 SET status = ?, closed_by_session = ?, close_reason = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusClosed, closedBySession, reason, formatTime(at), formatTime(at), id, StatusOpen)
	if err != nil {
		return fmt.Errorf("close transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close transaction: %w", err)
	}
	if n == 0 {
		// Either absent or already closed; a closed transaction never reopens.
		if _, gerr := s.GetTransaction(id); errors.Is(gerr, epistemic.ErrNotFound) {
			return epistemic.ErrNotFound
		}
		return epistemic.ErrInvalidState
	}
	return nil
}

func (s *SqlStore) AppendSession(transactionID, sessionID string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO transaction_sessions(transaction_id, session_id, joined_at)
		 VALUES (?, ?, ?)`, transactionID, sessionID, formatTime(at))
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	_, err = s.db.Exec(`UPDATE transactions SET updated_at = ? WHERE id = ?`,
		formatTime(at), transactionID)
	if err != nil {
		return fmt.Errorf("touch transaction: %w", err)
	}
	return nil
}

func (s *SqlStore) ListOpenBefore(cutoff time.Time) ([]*Transaction, error) {
	return s.listOpen(
		`SELECT id FROM transactions WHERE status = ? AND opened_at < ? ORDER BY opened_at`,
		StatusOpen, formatTime(cutoff))
}

func (s *SqlStore) ListOpenByProject(projectID string) ([]*Transaction, error) {
	return s.listOpen(
		`SELECT id FROM transactions WHERE status = ? AND project_id = ? ORDER BY opened_at DESC`,
		StatusOpen, projectID)
}

func (s *SqlStore) listOpen(query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransaction(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// --- Sessions ---

func (s *SqlStore) SaveSession(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, agent_id, started_at, ended_at, active_transaction_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			active_transaction_id = excluded.active_transaction_id`,
		sess.ID, sess.AgentID, formatTime(sess.StartedAt),
		formatTime(sess.EndedAt), sess.ActiveTransactionID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SqlStore) GetSession(id string) (*Session, error) {
	var sess Session
	var started string
	var ended, active sql.NullString
	err := s.db.QueryRow(
		`SELECT id, agent_id, started_at, ended_at, active_transaction_id
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.AgentID, &started, &ended, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, epistemic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = parseTime(started)
	sess.EndedAt = parseTime(nullStr(ended))
	sess.ActiveTransactionID = nullStr(active)
	return &sess, nil
}

func (s *SqlStore) SetActiveTransaction(sessionID, transactionID string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET active_transaction_id = ? WHERE id = ?`, transactionID, sessionID)
	if err != nil {
		return fmt.Errorf("set active transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return epistemic.ErrNotFound
	}
	return nil
}

// --- Assessments ---

func (s *SqlStore) AppendAssessment(a *epistemic.Assessment) (int, error) {
	if !a.Phase.AcceptsAssessment() {
		return 0, fmt.Errorf("phase %s carries no assessment: %w", a.Phase, epistemic.ErrInvalidState)
	}
	vecJSON, err := json.Marshal(a.Vector)
	if err != nil {
		return 0, fmt.Errorf("marshal vector: %w", err)
	}
	findingsJSON, err := json.Marshal(a.Findings)
	if err != nil {
		return 0, fmt.Errorf("marshal findings: %w", err)
	}
	unknownsJSON, err := json.Marshal(a.Unknowns)
	if err != nil {
		return 0, fmt.Errorf("marshal unknowns: %w", err)
	}

	// Round assigned at write time against the authoritative store, inside a
	// single INSERT so it is atomic under SQLite's write lock. The
	// unique(transaction_id, phase, round) index backstops any remaining
	// collision as a retryable conflict instead of a gap.
	res, err := s.db.Exec(
		`INSERT INTO assessments
			(transaction_id, phase, round, vector_json, rationale, produced_by,
			 findings_json, unknowns_json, decision, created_at)
		 VALUES (?, ?,
			CASE WHEN ? = ?
				THEN (SELECT COUNT(*) + 1 FROM assessments WHERE transaction_id = ? AND phase = ?)
				ELSE 0 END,
			?, ?, ?, ?, ?, ?, ?)`,
		a.TransactionID, string(a.Phase),
		string(a.Phase), string(epistemic.PhaseCheck),
		a.TransactionID, string(epistemic.PhaseCheck),
		string(vecJSON), a.Rationale, a.ProducedBy, string(findingsJSON),
		string(unknownsJSON), string(a.Decision), formatTime(a.Timestamp))
	if isUniqueViolation(err) {
		return 0, epistemic.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("insert assessment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("assessment id: %w", err)
	}
	var round int
	if err := s.db.QueryRow(`SELECT round FROM assessments WHERE id = ?`, id).Scan(&round); err != nil {
		return 0, fmt.Errorf("read assigned round: %w", err)
	}
	a.Round = round
	return round, nil
}

const assessmentCols = `transaction_id, phase, round, vector_json, rationale,
	produced_by, findings_json, unknowns_json, decision, created_at`

func scanAssessment(row rowScanner) (*epistemic.Assessment, error) {
	var a epistemic.Assessment
	var phase, vecJSON, created string
	var rationale, findingsJSON, unknownsJSON, decision sql.NullString
	err := row.Scan(&a.TransactionID, &phase, &a.Round, &vecJSON, &rationale,
		&a.ProducedBy, &findingsJSON, &unknownsJSON, &decision, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, epistemic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan assessment: %w", err)
	}
	p, err := epistemic.ParsePhase(phase)
	if err != nil {
		return nil, fmt.Errorf("stored assessment: %w", err)
	}
	a.Phase = p
	if err := json.Unmarshal([]byte(vecJSON), &a.Vector); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	a.Rationale = nullStr(rationale)
	a.Decision = epistemic.Decision(nullStr(decision))
	a.Timestamp = parseTime(created)
	if fj := nullStr(findingsJSON); fj != "" {
		if err := json.Unmarshal([]byte(fj), &a.Findings); err != nil {
			return nil, fmt.Errorf("unmarshal findings: %w", err)
		}
	}
	if uj := nullStr(unknownsJSON); uj != "" {
		if err := json.Unmarshal([]byte(uj), &a.Unknowns); err != nil {
			return nil, fmt.Errorf("unmarshal unknowns: %w", err)
		}
	}
	return &a, nil
}

func (s *SqlStore) ListAssessments(transactionID string) ([]*epistemic.Assessment, error) {
	rows, err := s.db.Query(
		`SELECT `+assessmentCols+` FROM assessments WHERE transaction_id = ? ORDER BY id`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()
	var out []*epistemic.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SqlStore) LatestAssessment(transactionID string, phase epistemic.Phase) (*epistemic.Assessment, error) {
	row := s.db.QueryRow(
		`SELECT `+assessmentCols+` FROM assessments
		 WHERE transaction_id = ? AND phase = ? ORDER BY id DESC LIMIT 1`,
		transactionID, string(phase))
	return scanAssessment(row)
}

// --- Calibration ---

func (s *SqlStore) AppendCalibration(rec *CalibrationRecord) error {
	predJSON, err := json.Marshal(rec.Predicted)
	if err != nil {
		return fmt.Errorf("marshal predicted: %w", err)
	}
	obsJSON, err := json.Marshal(rec.Observed)
	if err != nil {
		return fmt.Errorf("marshal observed: %w", err)
	}
	divJSON, err := json.Marshal(rec.Divergence)
	if err != nil {
		return fmt.Errorf("marshal divergence: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO calibration_records
			(agent_id, domain, transaction_id, track, predicted_json, observed_json, divergence_json, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.Domain, rec.TransactionID, rec.Track,
		string(predJSON), string(obsJSON), string(divJSON), formatTime(rec.ComputedAt))
	if isUniqueViolation(err) {
		return epistemic.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert calibration record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SqlStore) ListCalibration(agentID, domain, track string, limit int) ([]*CalibrationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, domain, transaction_id, track,
		        predicted_json, observed_json, divergence_json, computed_at
		 FROM calibration_records
		 WHERE agent_id = ? AND domain = ? AND track = ?
		 ORDER BY id DESC LIMIT ?`,
		agentID, domain, track, limit)
	if err != nil {
		return nil, fmt.Errorf("list calibration: %w", err)
	}
	defer rows.Close()
	var out []*CalibrationRecord
	for rows.Next() {
		var rec CalibrationRecord
		var predJSON, obsJSON, divJSON, computed string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Domain, &rec.TransactionID,
			&rec.Track, &predJSON, &obsJSON, &divJSON, &computed); err != nil {
			return nil, fmt.Errorf("scan calibration record: %w", err)
		}
		if err := json.Unmarshal([]byte(predJSON), &rec.Predicted); err != nil {
			return nil, fmt.Errorf("unmarshal predicted: %w", err)
		}
		if err := json.Unmarshal([]byte(obsJSON), &rec.Observed); err != nil {
			return nil, fmt.Errorf("unmarshal observed: %w", err)
		}
		if err := json.Unmarshal([]byte(divJSON), &rec.Divergence); err != nil {
			return nil, fmt.Errorf("unmarshal divergence: %w", err)
		}
		rec.ComputedAt = parseTime(computed)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Trust inputs ---

func (s *SqlStore) AddSuggestion(sug *Suggestion) error {
	accepted := 0
	if sug.Accepted {
		accepted = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO suggestions(agent_id, domain, transaction_id, accepted, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sug.AgentID, sug.Domain, sug.TransactionID, accepted, formatTime(sug.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	sug.ID, _ = res.LastInsertId()
	return nil
}

func (s *SqlStore) ListSuggestions(agentID, domain string, limit int) ([]*Suggestion, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, domain, transaction_id, accepted, created_at
		 FROM suggestions WHERE agent_id = ? AND domain = ?
		 ORDER BY id DESC LIMIT ?`, agentID, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()
	var out []*Suggestion
	for rows.Next() {
		var sug Suggestion
		var txID sql.NullString
		var accepted int
		var created string
		if err := rows.Scan(&sug.ID, &sug.AgentID, &sug.Domain, &txID, &accepted, &created); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		sug.TransactionID = nullStr(txID)
		sug.Accepted = accepted != 0
		sug.CreatedAt = parseTime(created)
		out = append(out, &sug)
	}
	return out, rows.Err()
}

func (s *SqlStore) AddMistake(m *Mistake) error {
	res, err := s.db.Exec(
		`INSERT INTO mistakes(agent_id, domain, transaction_id, severity, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.AgentID, m.Domain, m.TransactionID, m.Severity, m.Description, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert mistake: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *SqlStore) CountMistakesSince(agentID, domain string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM mistakes WHERE agent_id = ? AND domain = ? AND created_at >= ?`,
		agentID, domain, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mistakes: %w", err)
	}
	return n, nil
}

// --- Trust cache ---

func (s *SqlStore) SaveTrust(row *TrustRow) error {
	_, err := s.db.Exec(
		`INSERT INTO trust_scores(agent_id, domain, score, mode, factors_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, domain) DO UPDATE SET
			score = excluded.score,
			mode = excluded.mode,
			factors_json = excluded.factors_json,
			updated_at = excluded.updated_at`,
		row.AgentID, row.Domain, row.Score, row.Mode, row.FactorsJSON, formatTime(row.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save trust score: %w", err)
	}
	return nil
}

func (s *SqlStore) GetTrust(agentID, domain string) (*TrustRow, error) {
	var row TrustRow
	var factors sql.NullString
	var updated string
	err := s.db.QueryRow(
		`SELECT agent_id, domain, score, mode, factors_json, updated_at
		 FROM trust_scores WHERE agent_id = ? AND domain = ?`, agentID, domain).
		Scan(&row.AgentID, &row.Domain, &row.Score, &row.Mode, &factors, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, epistemic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust score: %w", err)
	}
	row.FactorsJSON = nullStr(factors)
	row.UpdatedAt = parseTime(updated)
	return &row, nil
}
