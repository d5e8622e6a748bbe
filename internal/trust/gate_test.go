package trust

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"noesis/internal/calibration"
	"noesis/internal/epistemic"
	"noesis/internal/persist"
	"noesis/internal/store"
)

func newTestGate(t *testing.T) (*Gate, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	adapter := persist.NewAdapter(st, nil, nil)
	return NewGate(adapter, calibration.NewEngine(adapter, 0)), st
}

// ground appends grounded records whose mean |divergence| is absDiv, giving
// accuracy 1-absDiv.
func ground(t *testing.T, st store.Store, n int, absDiv float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.AppendCalibration(&store.CalibrationRecord{
			AgentID: "agent-1", Domain: "/p", TransactionID: fmt.Sprintf("tx-%d-%f", i, absDiv),
			Track:      store.TrackGrounded,
			Divergence: epistemic.Delta{epistemic.DimKnowledge: absDiv},
			ComputedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendCalibration: %v", err)
		}
	}
}

func suggest(t *testing.T, st store.Store, accepted bool) {
	t.Helper()
	err := st.AddSuggestion(&store.Suggestion{
		AgentID: "agent-1", Domain: "/p", Accepted: accepted, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AddSuggestion: %v", err)
	}
}

func TestModeForScore_Bands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0, ModeController}, {0.39, ModeController},
		{0.4, ModeObserver}, {0.59, ModeObserver},
		{0.6, ModeAdvisory}, {0.79, ModeAdvisory},
		{0.8, ModeAutonomous}, {1, ModeAutonomous},
	}
	for _, tc := range cases {
		if got := ModeForScore(tc.score); got != tc.want {
			t.Errorf("ModeForScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestAdaptThreshold_SafetyFloorSweep(t *testing.T) {
	for score := 0.0; score <= 1.0+1e-9; score += 0.01 {
		got := AdaptThreshold(DefaultKnowledgeBase, score, DefaultAutonomyFactor, KnowledgeSafetyFloor)
		if got < KnowledgeSafetyFloor {
			t.Fatalf("score %v: threshold %v below safety floor", score, got)
		}
		if got > DefaultKnowledgeBase {
			t.Fatalf("score %v: threshold %v above base", score, got)
		}
	}
	// An absurd factor still cannot pierce the floor.
	if got := AdaptThreshold(DefaultKnowledgeBase, 1, 10, KnowledgeSafetyFloor); got != KnowledgeSafetyFloor {
		t.Errorf("threshold = %v, want clamp at floor", got)
	}
	// Zero trust leaves the base untouched.
	if got := AdaptThreshold(DefaultKnowledgeBase, 0, DefaultAutonomyFactor, KnowledgeSafetyFloor); got != DefaultKnowledgeBase {
		t.Errorf("threshold at score 0 = %v, want base", got)
	}
}

func TestAdaptCeiling_HardCeilingSweep(t *testing.T) {
	for score := 0.0; score <= 1.0+1e-9; score += 0.01 {
		got := AdaptCeiling(DefaultUncertaintyBase, score, DefaultAutonomyFactor, UncertaintyHardCeiling)
		if got > UncertaintyHardCeiling {
			t.Fatalf("score %v: ceiling %v above hard ceiling", score, got)
		}
		if got < DefaultUncertaintyBase {
			t.Fatalf("score %v: ceiling %v below base", score, got)
		}
	}
	if got := AdaptCeiling(DefaultUncertaintyBase, 1, 10, UncertaintyHardCeiling); got != UncertaintyHardCeiling {
		t.Errorf("ceiling = %v, want clamp at hard ceiling", got)
	}
}

func TestDomainTrust_FreshAgentIsController(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t)

	tr, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	// accuracy 0, no suggestions, no mistakes: score = 0.2 from the clean
	// mistake record alone.
	if math.Abs(tr.Score-0.2) > 1e-9 {
		t.Errorf("fresh score = %v, want 0.2", tr.Score)
	}
	if tr.Mode != ModeController {
		t.Errorf("fresh mode = %s, want controller", tr.Mode)
	}
}

func TestDomainTrust_EscalationRequiresSuggestionRecord(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGate(t)

	// accuracy 0.95, two accepted suggestions, no mistakes:
	// score = 0.4*0.95 + 0.4*1 + 0.2 = 0.98, over the autonomous bar.
	ground(t, st, 5, 0.05)
	suggest(t, st, true)
	suggest(t, st, true)

	tr, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	if tr.Score < 0.8 {
		t.Fatalf("score = %v, want >= 0.8", tr.Score)
	}
	if tr.Mode != ModeAdvisory {
		t.Errorf("mode with 2 suggestions = %s, want advisory cap", tr.Mode)
	}

	// A third accepted suggestion clears the escalation gate.
	suggest(t, st, true)
	g.Invalidate("agent-1", "/p")
	tr, err = g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	if tr.Mode != ModeAutonomous {
		t.Errorf("mode with 3 accepted suggestions = %s, want autonomous", tr.Mode)
	}
}

func TestDomainTrust_DeescalationOnMistakes(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGate(t)

	ground(t, st, 5, 0.05)
	for i := 0; i < 4; i++ {
		suggest(t, st, true)
	}
	tr, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	if tr.Mode != ModeAutonomous {
		t.Fatalf("setup mode = %s, want autonomous", tr.Mode)
	}

	// Three recent mistakes step the agent down one band immediately,
	// regardless of how high the raw score still is.
	for i := 0; i < 3; i++ {
		err := st.AddMistake(&store.Mistake{
			AgentID: "agent-1", Domain: "/p", Severity: "high",
			Description: "regression shipped", CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AddMistake: %v", err)
		}
	}
	g.Invalidate("agent-1", "/p")
	tr, err = g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	if tr.Mode != ModeAdvisory {
		t.Errorf("mode after 3 mistakes = %s, want advisory (one band down)", tr.Mode)
	}
	if tr.RecentMistakes != 3 {
		t.Errorf("recent mistakes = %d, want 3", tr.RecentMistakes)
	}
}

func TestDomainTrust_DeescalationOnRejectionRate(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGate(t)

	ground(t, st, 5, 0.05)
	// 2 accepted, 4 rejected: 67% rejection over 6 samples.
	suggest(t, st, true)
	suggest(t, st, true)
	for i := 0; i < 4; i++ {
		suggest(t, st, false)
	}
	// Previously advisory.
	err := st.SaveTrust(&store.TrustRow{
		AgentID: "agent-1", Domain: "/p", Score: 0.7, Mode: ModeAdvisory,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveTrust: %v", err)
	}

	tr, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}
	if tr.Mode != ModeObserver {
		t.Errorf("mode after rejection streak = %s, want observer", tr.Mode)
	}
}

func TestDomainTrust_CacheAndPersistedRow(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGate(t)

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	first, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust: %v", err)
	}

	// New history inside the TTL window is not visible yet.
	ground(t, st, 5, 0.0)
	g.now = func() time.Time { return base.Add(10 * time.Second) }
	cached, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust cached: %v", err)
	}
	if cached.Score != first.Score {
		t.Errorf("cached score = %v, want %v", cached.Score, first.Score)
	}

	// Expiry re-derives and sees the perfect grounded history.
	g.now = func() time.Time { return base.Add(DefaultTTL + time.Second) }
	fresh, err := g.DomainTrust(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("DomainTrust fresh: %v", err)
	}
	if fresh.Accuracy != 1 {
		t.Errorf("re-derived accuracy = %v, want 1", fresh.Accuracy)
	}

	row, err := st.GetTrust("agent-1", "/p")
	if err != nil {
		t.Fatalf("GetTrust: %v", err)
	}
	if row.Score != fresh.Score || row.Mode != fresh.Mode {
		t.Errorf("persisted row = %+v, derived = %+v", row, fresh)
	}
	if row.FactorsJSON == "" {
		t.Error("factors not persisted")
	}
}

func TestThresholds_Adapted(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGate(t)

	// Zero-trust agent is judged at the bases.
	th, err := g.Thresholds(ctx, "agent-0", "/p")
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	if math.Abs(th.Knowledge-(DefaultKnowledgeBase-0.2*DefaultAutonomyFactor)) > 1e-9 {
		t.Errorf("knowledge threshold = %v", th.Knowledge)
	}

	// High trust lowers the knowledge bar and admits more uncertainty.
	ground(t, st, 5, 0.0)
	for i := 0; i < 4; i++ {
		suggest(t, st, true)
	}
	th2, err := g.Thresholds(ctx, "agent-1", "/p")
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	if th2.Knowledge >= th.Knowledge {
		t.Errorf("trusted knowledge threshold %v not below %v", th2.Knowledge, th.Knowledge)
	}
	if th2.UncertaintyCeiling <= DefaultUncertaintyBase {
		t.Errorf("trusted uncertainty ceiling %v not above base", th2.UncertaintyCeiling)
	}
	if th2.Knowledge < KnowledgeSafetyFloor || th2.UncertaintyCeiling > UncertaintyHardCeiling {
		t.Errorf("hard bounds violated: %+v", th2)
	}
}
