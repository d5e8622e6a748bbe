package mcp

import (
	"context"
	"errors"
	"testing"

	"noesis/internal/calibration"
	"noesis/internal/epistemic"
	"noesis/internal/persist"
	"noesis/internal/phase"
	"noesis/internal/store"
	"noesis/internal/trust"
	"noesis/internal/txn"
	"noesis/internal/workspace"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	adapter := persist.NewAdapter(store.NewMemStore(), nil, nil)
	engine := calibration.NewEngine(adapter, 0)
	gate := trust.NewGate(adapter, engine)
	manager := txn.NewManager(adapter)
	machine := phase.NewMachine(manager, engine, gate, adapter)
	ws := &workspace.Workspace{Root: t.TempDir()}
	ws.Config.ApplyDefaults()
	return NewServer(machine, manager, gate, ws)
}

func vecMap(knowledge, uncertainty float64) map[string]float64 {
	v := epistemic.Vector{
		Knowledge: knowledge, Capability: 0.7, Context: 0.7, Clarity: 0.7,
		Coherence: 0.7, Signal: 0.6, Density: 0.5, State: 0.6, Change: 0.4,
		Completion: 0.2, Impact: 0.3, Engagement: 0.9, Uncertainty: uncertainty,
	}
	return v.ToMap()
}

func TestToolLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, pre, err := s.handleSubmitPreflight(ctx, nil, submitPreflightInput{
		AgentID: "agent-1", SessionID: "s1", Vector: vecMap(0.4, 0.3),
	})
	if err != nil {
		t.Fatalf("submit_preflight: %v", err)
	}
	if pre.Resumed || pre.Transaction.Status != store.StatusOpen {
		t.Errorf("preflight output = %+v", pre)
	}
	if pre.Transaction.ProjectID != s.workspace.ProjectID() {
		t.Errorf("project defaulted to %s", pre.Transaction.ProjectID)
	}

	// Low knowledge: gate says investigate.
	_, chk, err := s.handleEvaluateCheck(ctx, nil, evaluateCheckInput{
		SessionID: "s1", AgentID: "agent-1", Vector: vecMap(0.5, 0.2),
		Unknowns: []string{"db layout"},
	})
	if err != nil {
		t.Fatalf("evaluate_check: %v", err)
	}
	if chk.Decision != string(epistemic.DecisionInvestigate) || chk.Round != 1 {
		t.Errorf("check output = %+v", chk)
	}
	if chk.KnowledgeThreshold < trust.KnowledgeSafetyFloor {
		t.Errorf("threshold %v below safety floor", chk.KnowledgeThreshold)
	}

	_, chk2, err := s.handleEvaluateCheck(ctx, nil, evaluateCheckInput{
		SessionID: "s1", AgentID: "agent-1", Vector: vecMap(0.9, 0.1),
		Findings: []string{"read the schema"},
	})
	if err != nil {
		t.Fatalf("evaluate_check 2: %v", err)
	}
	if chk2.Decision != string(epistemic.DecisionProceed) || chk2.Round != 2 {
		t.Errorf("second check output = %+v", chk2)
	}

	_, post, err := s.handleSubmitPostflight(ctx, nil, submitPostflightInput{
		SessionID: "s1", AgentID: "agent-1", Vector: vecMap(0.9, 0.1),
		EvidenceJSON: `{"test_pass_ratio": 1.0, "goal_completion_ratio": 1.0}`,
	})
	if err != nil {
		t.Fatalf("submit_postflight: %v", err)
	}
	if post.Transaction.Status != store.StatusClosed {
		t.Errorf("postflight status = %s", post.Transaction.Status)
	}
	if post.SelfReferential["knowledge"] != 0.5 {
		t.Errorf("self-referential knowledge = %v, want 0.5", post.SelfReferential["knowledge"])
	}
	if post.Grounded == nil {
		t.Error("no grounded divergence despite evidence")
	}

	_, status, err := s.handleGetStatus(ctx, nil, getStatusInput{
		TransactionID: post.Transaction.TransactionID,
	})
	if err != nil {
		t.Fatalf("get_status: %v", err)
	}
	if len(status.History) != 4 { // preflight, 2 checks, postflight
		t.Errorf("history = %d entries, want 4", len(status.History))
	}

	_, tr, err := s.handleGetTrust(ctx, nil, getTrustInput{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("get_trust: %v", err)
	}
	if tr.Mode == "" || tr.Accuracy == 0 {
		t.Errorf("trust output = %+v, want derived accuracy from evidence", tr)
	}
}

func TestSubmitPreflight_RejectsPartialVector(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.handleSubmitPreflight(context.Background(), nil, submitPreflightInput{
		AgentID: "agent-1", SessionID: "s1",
		Vector: map[string]float64{"knowledge": 0.5},
	})
	var verr *epistemic.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError for missing dimensions", err)
	}
}

func TestSubmitEvidence_PostTestTool(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	_, pre, err := s.handleSubmitPreflight(ctx, nil, submitPreflightInput{
		AgentID: "agent-1", SessionID: "s1", Vector: vecMap(0.4, 0.3),
	})
	if err != nil {
		t.Fatalf("submit_preflight: %v", err)
	}
	if _, _, err := s.handleEvaluateCheck(ctx, nil, evaluateCheckInput{
		SessionID: "s1", AgentID: "agent-1", Vector: vecMap(0.9, 0.1),
	}); err != nil {
		t.Fatalf("evaluate_check: %v", err)
	}
	if _, _, err := s.handleSubmitPostflight(ctx, nil, submitPostflightInput{
		SessionID: "s1", AgentID: "agent-1", Vector: vecMap(0.9, 0.1),
	}); err != nil {
		t.Fatalf("submit_postflight: %v", err)
	}

	_, out, err := s.handleSubmitEvidence(ctx, nil, submitEvidenceInput{
		TransactionID: pre.Transaction.TransactionID,
		EvidenceJSON:  `{"test_pass_ratio": 0.8}`,
	})
	if err != nil {
		t.Fatalf("submit_evidence: %v", err)
	}
	if len(out.Divergence) == 0 {
		t.Error("no divergence returned")
	}

	if _, _, err := s.handleSubmitEvidence(ctx, nil, submitEvidenceInput{
		TransactionID: pre.Transaction.TransactionID,
		EvidenceJSON:  `{"test_pass_ratio": 0.9}`,
	}); !errors.Is(err, epistemic.ErrConflict) {
		t.Errorf("second evidence = %v, want ErrConflict", err)
	}
}

func TestListOrphans_Empty(t *testing.T) {
	s := newTestServer(t)
	_, out, err := s.handleListOrphans(context.Background(), nil, listOrphansInput{})
	if err != nil {
		t.Fatalf("list_orphans: %v", err)
	}
	if out.Count != 0 {
		t.Errorf("count = %d, want 0", out.Count)
	}
}
