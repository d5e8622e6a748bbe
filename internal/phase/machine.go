// Package phase drives the transaction lifecycle: PREFLIGHT opens and
// baselines, CHECK gates the noetic/praxic boundary, POSTFLIGHT closes and
// calibrates, and post-test evidence grounds the self-reports afterwards.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"noesis/internal/calibration"
	"noesis/internal/epistemic"
	"noesis/internal/evidence"
	"noesis/internal/logging"
	"noesis/internal/persist"
	"noesis/internal/store"
	"noesis/internal/trust"
	"noesis/internal/txn"
)

// Machine coordinates the phase operations over the lifecycle manager, the
// calibration engine and the trust gate.
type Machine struct {
	manager *txn.Manager
	engine  *calibration.Engine
	gate    *trust.Gate
	adapter *persist.Adapter

	logger *slog.Logger
	now    func() time.Time
}

// NewMachine wires a Machine.
func NewMachine(m *txn.Manager, e *calibration.Engine, g *trust.Gate, a *persist.Adapter) *Machine {
	return &Machine{
		manager: m,
		engine:  e,
		gate:    g,
		adapter: a,
		logger:  logging.New("phase"),
		now:     time.Now,
	}
}

// PreflightRequest declares intent to start (or rejoin) measured work.
type PreflightRequest struct {
	ProjectID string
	AgentID   string
	Domain    string // defaults to ProjectID
	SessionID string
	Vector    epistemic.Vector
	Rationale string
}

// PreflightResult reports the opened or resumed transaction and its baseline.
type PreflightResult struct {
	Transaction *store.Transaction
	Assessment  *epistemic.Assessment
	Resumed     bool
}

// SubmitPreflight opens the transaction if absent and stores the baseline
// assessment. A PREFLIGHT against an already-baselined open transaction is a
// resume, not an error: the session joins and the existing baseline stands.
func (m *Machine) SubmitPreflight(ctx context.Context, req PreflightRequest) (*PreflightResult, error) {
	if err := req.Vector.Validate(); err != nil {
		return nil, err
	}

	tx, resumed, err := m.manager.Open(ctx, txn.OpenParams{
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Domain:    req.Domain,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, err
	}

	a := &epistemic.Assessment{
		TransactionID: tx.ID,
		Phase:         epistemic.PhasePreflight,
		Vector:        req.Vector,
		Rationale:     req.Rationale,
		ProducedBy:    req.SessionID,
		Timestamp:     m.now().UTC(),
	}
	_, err = m.adapter.Store.AppendAssessment(a)
	if errors.Is(err, epistemic.ErrConflict) {
		// Baseline already declared; the original stands.
		existing, gerr := m.adapter.Store.LatestAssessment(tx.ID, epistemic.PhasePreflight)
		if gerr != nil {
			return nil, fmt.Errorf("load existing baseline: %w", gerr)
		}
		return &PreflightResult{Transaction: tx, Assessment: existing, Resumed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store preflight: %w", err)
	}
	m.recordAssessment(ctx, tx, a)
	m.logger.Info("preflight stored",
		"transaction_id", tx.ID, "session_id", req.SessionID, "vector", req.Vector.String())
	return &PreflightResult{Transaction: tx, Assessment: a, Resumed: resumed}, nil
}

// CheckRequest submits a CHECK-phase self-assessment.
type CheckRequest struct {
	Resolve   txn.ResolveParams
	SessionID string
	Vector    epistemic.Vector
	Findings  []string
	Unknowns  []string
	Rationale string
}

// CheckResult is the gate's verdict for one CHECK round.
type CheckResult struct {
	Transaction *store.Transaction
	Round       int
	Decision    epistemic.Decision
	Reasons     []string
	Thresholds  trust.Thresholds

	// BiasCorrection is the grounded-history correction applied to the
	// submitted knowledge for the comparison. The stored vector is the
	// agent's own report, never the corrected one.
	BiasCorrection     float64
	EffectiveKnowledge float64
}

// EvaluateCheck gates the noetic/praxic boundary: proceed only when the
// bias-corrected knowledge clears the trust-adapted threshold, uncertainty
// stays under the adapted ceiling, and engagement is above the floor.
func (m *Machine) EvaluateCheck(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if err := req.Vector.Validate(); err != nil {
		return nil, err
	}
	tx, err := m.manager.Resolve(ctx, req.Resolve)
	if err != nil {
		return nil, err
	}
	if !tx.Open() {
		return nil, fmt.Errorf("transaction %s is closed: %w", tx.ID, epistemic.ErrInvalidState)
	}
	cur, err := m.lifecyclePhase(tx.ID)
	if err != nil {
		return nil, err
	}
	if !cur.CanTransition(epistemic.PhaseCheck) {
		return nil, fmt.Errorf("CHECK from %s on %s: %w", cur, tx.ID, epistemic.ErrInvalidState)
	}

	th, err := m.gate.Thresholds(ctx, tx.AgentID, tx.Domain)
	if err != nil {
		return nil, err
	}
	bias, err := m.engine.BiasCorrection(ctx, tx.AgentID, tx.Domain, epistemic.DimKnowledge)
	if err != nil {
		return nil, err
	}
	effective := clamp01(req.Vector.Knowledge - bias)

	var reasons []string
	if effective < th.Knowledge {
		reasons = append(reasons, fmt.Sprintf(
			"knowledge %.2f (bias-corrected) below threshold %.2f", effective, th.Knowledge))
	}
	if req.Vector.Uncertainty > th.UncertaintyCeiling {
		reasons = append(reasons, fmt.Sprintf(
			"uncertainty %.2f above ceiling %.2f", req.Vector.Uncertainty, th.UncertaintyCeiling))
	}
	if req.Vector.Engagement < epistemic.EngagementFloor {
		reasons = append(reasons, fmt.Sprintf(
			"engagement %.2f below floor %.2f", req.Vector.Engagement, epistemic.EngagementFloor))
	}
	decision := epistemic.DecisionProceed
	if len(reasons) > 0 {
		decision = epistemic.DecisionInvestigate
	}

	a := &epistemic.Assessment{
		TransactionID: tx.ID,
		Phase:         epistemic.PhaseCheck,
		Vector:        req.Vector,
		Rationale:     req.Rationale,
		ProducedBy:    req.SessionID,
		Findings:      req.Findings,
		Unknowns:      req.Unknowns,
		Decision:      decision,
		Timestamp:     m.now().UTC(),
	}
	round, err := m.adapter.Store.AppendAssessment(a)
	if err != nil {
		return nil, fmt.Errorf("store check round: %w", err)
	}
	if req.SessionID != "" {
		if err := m.adapter.Store.AppendSession(tx.ID, req.SessionID, a.Timestamp); err != nil {
			return nil, fmt.Errorf("join checking session: %w", err)
		}
	}
	m.recordAssessment(ctx, tx, a)
	_ = m.adapter.Record(ctx, persist.Event{
		Kind:          persist.EventCheckEvaluated,
		TransactionID: tx.ID,
		AgentID:       tx.AgentID,
		SessionID:     req.SessionID,
		Detail: map[string]string{
			"round":    fmt.Sprint(round),
			"decision": string(decision),
		},
		At: a.Timestamp,
	})
	m.logger.Info("check evaluated",
		"transaction_id", tx.ID, "round", round, "decision", decision,
		"effective_knowledge", effective, "threshold", th.Knowledge)

	return &CheckResult{
		Transaction:        tx,
		Round:              round,
		Decision:           decision,
		Reasons:            reasons,
		Thresholds:         th,
		BiasCorrection:     bias,
		EffectiveKnowledge: effective,
	}, nil
}

// PostflightRequest closes the transaction with a final self-report.
type PostflightRequest struct {
	Resolve   txn.ResolveParams
	SessionID string
	Vector    epistemic.Vector
	Rationale string

	// Evidence, when supplied, runs grounded verification at close instead
	// of waiting for a separate post-test submission.
	Evidence *evidence.Evidence
}

// PostflightResult reports the closed transaction and its calibration.
type PostflightResult struct {
	Transaction     *store.Transaction
	Assessment      *epistemic.Assessment
	SelfReferential *store.CalibrationRecord
	Grounded        *store.CalibrationRecord // nil without evidence
}

// SubmitPostflight stores the final self-report, closes the transaction and
// runs self-referential calibration. Completion without a passed CHECK is
// premature: some CHECK round must have decided proceed. Investigate rounds
// after a proceed are informational and do not revoke the admission.
func (m *Machine) SubmitPostflight(ctx context.Context, req PostflightRequest) (*PostflightResult, error) {
	if err := req.Vector.Validate(); err != nil {
		return nil, err
	}
	tx, err := m.manager.Resolve(ctx, req.Resolve)
	if err != nil {
		return nil, err
	}
	if !tx.Open() {
		return nil, fmt.Errorf("transaction %s is closed: %w", tx.ID, epistemic.ErrInvalidState)
	}

	cur, err := m.lifecyclePhase(tx.ID)
	if err != nil {
		return nil, err
	}
	if !cur.CanTransition(epistemic.PhasePostflight) {
		return nil, fmt.Errorf("POSTFLIGHT from %s on %s: %w",
			cur, tx.ID, epistemic.ErrPrematureCompletion)
	}

	a := &epistemic.Assessment{
		TransactionID: tx.ID,
		Phase:         epistemic.PhasePostflight,
		Vector:        req.Vector,
		Rationale:     req.Rationale,
		ProducedBy:    req.SessionID,
		Timestamp:     m.now().UTC(),
	}
	if _, err := m.adapter.Store.AppendAssessment(a); err != nil {
		return nil, fmt.Errorf("store postflight: %w", err)
	}
	m.recordAssessment(ctx, tx, a)

	closed, err := m.manager.Close(ctx, tx.ID, req.SessionID, "postflight")
	if err != nil {
		return nil, err
	}

	selfRec, err := m.engine.SelfReferentialDelta(ctx, closed)
	if err != nil {
		return nil, err
	}
	res := &PostflightResult{Transaction: closed, Assessment: a, SelfReferential: selfRec}

	if req.Evidence != nil && !req.Evidence.Empty() {
		grounded, err := m.submitEvidence(ctx, closed, req.Evidence)
		if err != nil {
			return nil, err
		}
		res.Grounded = grounded
	}
	m.logger.Info("postflight stored",
		"transaction_id", closed.ID, "session_id", req.SessionID, "vector", req.Vector.String())
	return res, nil
}

// SubmitEvidence runs grounded verification for a transaction. Evidence
// normally arrives after close (the post-test), so a closed transaction is
// the expected case, not an error.
func (m *Machine) SubmitEvidence(ctx context.Context, transactionID string, ev *evidence.Evidence) (*store.CalibrationRecord, error) {
	tx, err := m.adapter.Store.GetTransaction(transactionID)
	if err != nil {
		return nil, fmt.Errorf("evidence target %s: %w", transactionID, err)
	}
	return m.submitEvidence(ctx, tx, ev)
}

func (m *Machine) submitEvidence(ctx context.Context, tx *store.Transaction, ev *evidence.Evidence) (*store.CalibrationRecord, error) {
	rec, err := m.engine.GroundedDivergence(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	// Grounded history changed; the cached trust is stale.
	m.gate.Invalidate(tx.AgentID, tx.Domain)
	_ = m.adapter.Record(ctx, persist.Event{
		Kind:          persist.EventEvidenceRecorded,
		TransactionID: tx.ID,
		AgentID:       tx.AgentID,
		Detail:        map[string]string{"dimensions": fmt.Sprint(len(rec.Divergence))},
		At:            rec.ComputedAt,
	})
	return rec, nil
}

// Status resolves a transaction and returns it with its full assessment
// history, oldest first.
func (m *Machine) Status(ctx context.Context, p txn.ResolveParams) (*store.Transaction, []*epistemic.Assessment, error) {
	var tx *store.Transaction
	var err error
	if p.ExplicitID != "" {
		// Status must also reach closed transactions.
		tx, err = m.adapter.Store.GetTransaction(p.ExplicitID)
	} else {
		tx, err = m.manager.Resolve(ctx, p)
	}
	if err != nil {
		return nil, nil, err
	}
	history, err := m.adapter.Store.ListAssessments(tx.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list assessments: %w", err)
	}
	return tx, history, nil
}

// lifecyclePhase derives where a transaction sits in the lifecycle from its
// stored assessments, so phase ordering is checked against the legal
// transition table rather than ad hoc. A proceed CHECK admits the agent to
// PRAXIC; later investigate rounds do not revoke the admission.
func (m *Machine) lifecyclePhase(transactionID string) (epistemic.Phase, error) {
	history, err := m.adapter.Store.ListAssessments(transactionID)
	if err != nil {
		return "", fmt.Errorf("list assessments: %w", err)
	}
	cur := epistemic.PhasePreflight
	for _, a := range history {
		switch a.Phase {
		case epistemic.PhasePreflight:
			cur = epistemic.PhaseNoetic
		case epistemic.PhaseCheck:
			if a.Decision == epistemic.DecisionProceed {
				cur = epistemic.PhasePraxic
			} else if cur != epistemic.PhasePraxic {
				cur = epistemic.PhaseNoetic
			}
		case epistemic.PhasePostflight:
			cur = epistemic.PhasePostflight
		}
	}
	return cur, nil
}

func (m *Machine) recordAssessment(ctx context.Context, tx *store.Transaction, a *epistemic.Assessment) {
	_ = m.adapter.Record(ctx, persist.Event{
		Kind:          persist.EventAssessmentStored,
		TransactionID: tx.ID,
		AgentID:       tx.AgentID,
		SessionID:     a.ProducedBy,
		Detail:        map[string]string{"phase": string(a.Phase), "round": fmt.Sprint(a.Round)},
		At:            a.Timestamp,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
