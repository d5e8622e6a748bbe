package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"noesis/internal/epistemic"
	"noesis/internal/phase"
)

func TestStatusCommand_NoTransaction(t *testing.T) {
	rootFlags.workspace = t.TempDir()
	statusFlags.transactionID = ""
	statusFlags.agentID = ""

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	statusCmd.SetContext(context.Background())

	if err := runStatus(statusCmd, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(buf.String(), "No open transaction") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestStatusCommand_FindsTransactionWithoutAgentFlag(t *testing.T) {
	rootFlags.workspace = t.TempDir()
	statusFlags.transactionID = ""
	statusFlags.agentID = ""

	rt, err := openRuntime(false)
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	res, err := rt.machine.SubmitPreflight(context.Background(), phase.PreflightRequest{
		ProjectID: rt.ws.ProjectID(), AgentID: "agent-1", SessionID: "s1",
		Vector: fullVector(0.5, 0.3),
	})
	if err != nil {
		t.Fatalf("SubmitPreflight: %v", err)
	}
	rt.close()

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	statusCmd.SetContext(context.Background())

	if err := runStatus(statusCmd, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(buf.String(), res.Transaction.ID) {
		t.Errorf("output = %q, want transaction %s", buf.String(), res.Transaction.ID)
	}
}

func fullVector(knowledge, uncertainty float64) epistemic.Vector {
	return epistemic.Vector{
		Knowledge: knowledge, Capability: 0.6, Context: 0.6, Clarity: 0.6,
		Coherence: 0.6, Signal: 0.6, Density: 0.6, State: 0.6,
		Change: 0.6, Completion: 0.4, Impact: 0.4, Engagement: 0.8,
		Uncertainty: uncertainty,
	}
}

func TestOrphansCommand_Empty(t *testing.T) {
	rootFlags.workspace = t.TempDir()
	orphansFlags.forceClose = ""
	orphansFlags.maxAgeHours = 0

	var buf bytes.Buffer
	orphansCmd.SetOut(&buf)
	orphansCmd.SetContext(context.Background())

	if err := runOrphans(orphansCmd, nil); err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if !strings.Contains(buf.String(), "No open transactions") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestTrustCommand_FreshAgent(t *testing.T) {
	rootFlags.workspace = t.TempDir()
	trustFlags.agentID = "agent-1"
	trustFlags.domain = ""

	var buf bytes.Buffer
	trustCmd.SetOut(&buf)
	trustCmd.SetContext(context.Background())

	if err := runTrust(trustCmd, nil); err != nil {
		t.Fatalf("trust: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Mode:    controller") {
		t.Errorf("fresh agent output = %q, want controller mode", out)
	}
	if !strings.Contains(out, "trajectory: stable") {
		t.Errorf("output = %q, want stable trajectory", out)
	}
}
