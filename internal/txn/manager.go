// Package txn owns the epistemic transaction lifecycle: open (with
// idempotent resume), close, and orphan handling. Transactions belong to the
// project, never to the session that opened them; any session may contribute.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"noesis/internal/epistemic"
	"noesis/internal/logging"
	"noesis/internal/persist"
	"noesis/internal/store"
)

// DefaultOrphanMaxAge is the default cutoff for orphan detection: an open
// transaction older than this is flagged for operator review.
const DefaultOrphanMaxAge = 48 * time.Hour

// OpenParams identifies the scope of an Open call.
type OpenParams struct {
	ProjectID string
	AgentID   string
	Domain    string // defaults to ProjectID when empty
	SessionID string
}

// ResolveParams drives transaction resolution for an incoming call.
// Resolution order: ExplicitID, then the session's active pointer, then the
// open transaction for (ProjectID, AgentID). Without an AgentID the project
// scope falls back to the project's most recently opened transaction.
type ResolveParams struct {
	ExplicitID string
	SessionID  string
	ProjectID  string
	AgentID    string
}

// Manager coordinates transaction lifecycle over the triple-write adapter.
type Manager struct {
	adapter *persist.Adapter

	// RecordPath maps a project id to its transaction.json location. Nil
	// disables record mirroring (tests, ad-hoc stores).
	RecordPath func(projectID string) string

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager wires a Manager over the adapter.
func NewManager(a *persist.Adapter) *Manager {
	return &Manager{
		adapter: a,
		logger:  logging.New("txn"),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Open returns the open transaction for (project, agent), creating it if
// absent. Resume is idempotent: a second PREFLIGHT against an existing open
// transaction joins the session instead of erroring. The resumed result
// reports whether an existing transaction was returned.
func (m *Manager) Open(ctx context.Context, p OpenParams) (tx *store.Transaction, resumed bool, err error) {
	if p.ProjectID == "" || p.AgentID == "" || p.SessionID == "" {
		return nil, false, fmt.Errorf("open transaction: project, agent and session are required")
	}
	if p.Domain == "" {
		p.Domain = p.ProjectID
	}
	if err := m.ensureSession(p.SessionID, p.AgentID); err != nil {
		return nil, false, err
	}

	existing, err := m.adapter.Store.FindOpen(p.ProjectID, p.AgentID)
	switch {
	case err == nil:
		return m.resume(ctx, existing, p.SessionID)
	case !errors.Is(err, epistemic.ErrNotFound):
		return nil, false, fmt.Errorf("find open transaction: %w", err)
	}

	now := m.now().UTC()
	tx = &store.Transaction{
		ID:              m.newID(),
		ProjectID:       p.ProjectID,
		AgentID:         p.AgentID,
		Domain:          p.Domain,
		OpenedBySession: p.SessionID,
		OpenedAt:        now,
		Status:          store.StatusOpen,
		UpdatedAt:       now,
	}
	err = m.adapter.Store.CreateTransaction(tx)
	if errors.Is(err, epistemic.ErrConflict) {
		// Lost the race to another session; converge on the winner.
		existing, ferr := m.adapter.Store.FindOpen(p.ProjectID, p.AgentID)
		if ferr != nil {
			return nil, false, fmt.Errorf("re-resolve after open conflict: %w", ferr)
		}
		return m.resume(ctx, existing, p.SessionID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("create transaction: %w", err)
	}

	if err := m.adapter.Store.SetActiveTransaction(p.SessionID, tx.ID); err != nil {
		return nil, false, fmt.Errorf("set active transaction: %w", err)
	}
	m.mirror(tx)
	m.record(ctx, persist.Event{
		Kind:          persist.EventTransactionOpened,
		TransactionID: tx.ID,
		ProjectID:     tx.ProjectID,
		AgentID:       tx.AgentID,
		SessionID:     p.SessionID,
		At:            now,
	})
	m.logger.Info("transaction opened",
		"transaction_id", tx.ID, "project_id", tx.ProjectID, "session_id", p.SessionID)
	return tx, false, nil
}

// resume joins session onto an existing open transaction.
func (m *Manager) resume(ctx context.Context, tx *store.Transaction, sessionID string) (*store.Transaction, bool, error) {
	now := m.now().UTC()
	joined := !contains(tx.Sessions, sessionID)
	if err := m.adapter.Store.AppendSession(tx.ID, sessionID, now); err != nil {
		return nil, false, fmt.Errorf("join session: %w", err)
	}
	if err := m.adapter.Store.SetActiveTransaction(sessionID, tx.ID); err != nil {
		return nil, false, fmt.Errorf("set active transaction: %w", err)
	}
	fresh, err := m.adapter.Store.GetTransaction(tx.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reload transaction: %w", err)
	}
	m.mirror(fresh)
	m.record(ctx, persist.Event{
		Kind:          persist.EventTransactionResumed,
		TransactionID: fresh.ID,
		ProjectID:     fresh.ProjectID,
		AgentID:       fresh.AgentID,
		SessionID:     sessionID,
		At:            now,
	})
	if joined {
		m.record(ctx, persist.Event{
			Kind:          persist.EventSessionJoined,
			TransactionID: fresh.ID,
			ProjectID:     fresh.ProjectID,
			SessionID:     sessionID,
			At:            now,
		})
	}
	m.logger.Info("transaction resumed",
		"transaction_id", fresh.ID, "session_id", sessionID, "sessions", len(fresh.Sessions))
	return fresh, true, nil
}

// Resolve finds the transaction an incoming call refers to. Explicit id wins;
// otherwise the session's active pointer; otherwise the open transaction for
// the project. ErrNotFound means no open transaction exists and PREFLIGHT is
// required.
func (m *Manager) Resolve(ctx context.Context, p ResolveParams) (*store.Transaction, error) {
	if p.ExplicitID != "" {
		tx, err := m.adapter.Store.GetTransaction(p.ExplicitID)
		if err != nil {
			return nil, fmt.Errorf("resolve transaction %s: %w", p.ExplicitID, err)
		}
		return tx, nil
	}
	if p.SessionID != "" {
		sess, err := m.adapter.Store.GetSession(p.SessionID)
		if err == nil && sess.ActiveTransactionID != "" {
			tx, gerr := m.adapter.Store.GetTransaction(sess.ActiveTransactionID)
			if gerr == nil && tx.Open() {
				return tx, nil
			}
			// Stale pointer (closed or gone); fall through to project scope.
		} else if err != nil && !errors.Is(err, epistemic.ErrNotFound) {
			return nil, fmt.Errorf("resolve session %s: %w", p.SessionID, err)
		}
	}
	if p.ProjectID != "" && p.AgentID != "" {
		tx, err := m.adapter.Store.FindOpen(p.ProjectID, p.AgentID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, epistemic.ErrNotFound) {
			return nil, fmt.Errorf("resolve project %s: %w", p.ProjectID, err)
		}
	} else if p.ProjectID != "" {
		// No agent given: any open transaction in the project, newest first.
		open, err := m.adapter.Store.ListOpenByProject(p.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("resolve project %s: %w", p.ProjectID, err)
		}
		if len(open) > 0 {
			return open[0], nil
		}
	}
	return nil, fmt.Errorf("no open transaction; PREFLIGHT required: %w", epistemic.ErrNotFound)
}

// Close closes an open transaction. The closing session is appended to the
// contributing set if absent. Closed transactions never reopen, and a
// rejected close leaves the record untouched: the status check runs before
// the session append so the contributing set of a closed transaction never
// grows.
func (m *Manager) Close(ctx context.Context, id, sessionID, reason string) (*store.Transaction, error) {
	now := m.now().UTC()
	cur, err := m.adapter.Store.GetTransaction(id)
	if err != nil {
		return nil, fmt.Errorf("close transaction %s: %w", id, err)
	}
	if !cur.Open() {
		return nil, fmt.Errorf("close transaction %s: %w", id, epistemic.ErrInvalidState)
	}
	if sessionID != "" {
		if err := m.adapter.Store.AppendSession(id, sessionID, now); err != nil {
			return nil, fmt.Errorf("append closing session: %w", err)
		}
	}
	if err := m.adapter.Store.CloseTransaction(id, sessionID, reason, now); err != nil {
		return nil, fmt.Errorf("close transaction %s: %w", id, err)
	}
	tx, err := m.adapter.Store.GetTransaction(id)
	if err != nil {
		return nil, fmt.Errorf("reload closed transaction: %w", err)
	}
	m.mirror(tx)
	m.record(ctx, persist.Event{
		Kind:          persist.EventTransactionClosed,
		TransactionID: tx.ID,
		ProjectID:     tx.ProjectID,
		AgentID:       tx.AgentID,
		SessionID:     sessionID,
		Detail:        map[string]string{"reason": reason},
		At:            now,
	})
	m.logger.Info("transaction closed",
		"transaction_id", tx.ID, "session_id", sessionID, "reason", reason)
	return tx, nil
}

// DetectOrphans lists open transactions older than maxAge. Read-only: the
// scan never closes anything; closing an orphan is an explicit operator call.
func (m *Manager) DetectOrphans(ctx context.Context, maxAge time.Duration) ([]*store.Transaction, error) {
	if maxAge <= 0 {
		maxAge = DefaultOrphanMaxAge
	}
	cutoff := m.now().UTC().Add(-maxAge)
	orphans, err := m.adapter.Store.ListOpenBefore(cutoff)
	if err != nil {
		return nil, fmt.Errorf("detect orphans: %w", err)
	}
	return orphans, nil
}

// ForceClose closes a transaction without a POSTFLIGHT, on operator
// authority. The event is recorded as a force-close so the audit trail
// distinguishes it from a completed transaction.
func (m *Manager) ForceClose(ctx context.Context, id, reason string) (*store.Transaction, error) {
	now := m.now().UTC()
	if reason == "" {
		reason = "orphaned"
	}
	if err := m.adapter.Store.CloseTransaction(id, "", reason, now); err != nil {
		return nil, fmt.Errorf("force-close transaction %s: %w", id, err)
	}
	tx, err := m.adapter.Store.GetTransaction(id)
	if err != nil {
		return nil, fmt.Errorf("reload force-closed transaction: %w", err)
	}
	m.mirror(tx)
	m.record(ctx, persist.Event{
		Kind:          persist.EventTransactionForceClosed,
		TransactionID: tx.ID,
		ProjectID:     tx.ProjectID,
		AgentID:       tx.AgentID,
		Detail:        map[string]string{"reason": reason},
		At:            now,
	})
	m.logger.Warn("transaction force-closed", "transaction_id", tx.ID, "reason", reason)
	return tx, nil
}

// ensureSession creates the session row if this is its first contact.
func (m *Manager) ensureSession(sessionID, agentID string) error {
	_, err := m.adapter.Store.GetSession(sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, epistemic.ErrNotFound) {
		return fmt.Errorf("lookup session: %w", err)
	}
	sess := &store.Session{ID: sessionID, AgentID: agentID, StartedAt: m.now().UTC()}
	if err := m.adapter.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// mirror rewrites the per-project transaction record. Mirror failures are
// logged, not returned: the store row is authoritative and already committed.
func (m *Manager) mirror(tx *store.Transaction) {
	if m.RecordPath == nil {
		return
	}
	path := m.RecordPath(tx.ProjectID)
	if path == "" {
		return
	}
	rec := persist.RecordFromTransaction(tx, tx.ProjectID)
	if err := persist.WriteProjectRecord(path, rec); err != nil {
		m.logger.Error("mirror project record failed",
			"transaction_id", tx.ID, "path", path, "err", err)
	}
}

// record fans the event out to the side sinks. The authoritative write has
// already committed, so a side-sink failure is logged inside the adapter and
// does not fail the operation.
func (m *Manager) record(ctx context.Context, e persist.Event) {
	_ = m.adapter.Record(ctx, e)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
