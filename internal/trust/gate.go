// Package trust derives an agent's per-domain autonomy mode from grounded
// calibration history, suggestion outcomes and recorded mistakes. The
// derived mode is advisory state, never authority: thresholds carry
// hardcoded safety bounds that no score can cross.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"noesis/internal/calibration"
	"noesis/internal/epistemic"
	"noesis/internal/logging"
	"noesis/internal/persist"
	"noesis/internal/store"
)

// Autonomy modes, least to most trusted.
const (
	ModeController = "controller"
	ModeObserver   = "observer"
	ModeAdvisory   = "advisory"
	ModeAutonomous = "autonomous"
)

// Score weights and bounds.
const (
	accuracyWeight   = 0.4
	suggestionWeight = 0.4
	mistakeWeight    = 0.2

	// DefaultTTL is how long a derived trust score stays valid before the
	// gate re-derives it from history.
	DefaultTTL = 30 * time.Second

	// KnowledgeSafetyFloor is the hard lower bound for the adapted
	// knowledge threshold. No trust score lowers the bar past it.
	KnowledgeSafetyFloor = 0.50

	// UncertaintyHardCeiling is the hard upper bound for the adapted
	// uncertainty ceiling.
	UncertaintyHardCeiling = 0.60

	// Threshold defaults, overridable by workspace config.
	DefaultKnowledgeBase   = 0.70
	DefaultUncertaintyBase = 0.35
	DefaultAutonomyFactor  = 0.15

	// Escalation to autonomous requires a demonstrated suggestion record.
	escalationMinSuggestions = 3
	escalationMinAcceptance  = 0.70

	// De-escalation triggers.
	deescalationRejectionRate = 0.50
	deescalationMinSamples    = 5
	deescalationMistakes      = 3
	deescalationAccuracy      = 0.40

	// recentMistakeWindow bounds CountMistakesSince for the penalty and
	// the de-escalation trigger.
	recentMistakeWindow = 7 * 24 * time.Hour

	// suggestionWindow bounds how much suggestion history feeds the score.
	suggestionWindow = 50
)

var modeRank = map[string]int{
	ModeController: 0,
	ModeObserver:   1,
	ModeAdvisory:   2,
	ModeAutonomous: 3,
}

var modeFloor = map[string]float64{
	ModeController: 0,
	ModeObserver:   0.4,
	ModeAdvisory:   0.6,
	ModeAutonomous: 0.8,
}

// ModeForScore maps a score onto the autonomy bands.
func ModeForScore(score float64) string {
	switch {
	case score >= 0.8:
		return ModeAutonomous
	case score >= 0.6:
		return ModeAdvisory
	case score >= 0.4:
		return ModeObserver
	default:
		return ModeController
	}
}

func stepDown(mode string) string {
	switch mode {
	case ModeAutonomous:
		return ModeAdvisory
	case ModeAdvisory:
		return ModeObserver
	default:
		return ModeController
	}
}

// Trust is one derived per-domain trust state.
type Trust struct {
	AgentID string  `json:"agent_id"`
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
	Mode    string  `json:"mode"`

	Accuracy          float64 `json:"accuracy"`
	SuggestionSuccess float64 `json:"suggestion_success"`
	MistakePenalty    float64 `json:"mistake_penalty"`
	Suggestions       int     `json:"suggestions"`
	RecentMistakes    int     `json:"recent_mistakes"`

	ComputedAt time.Time `json:"computed_at"`
}

// Thresholds is the pair of adapted gate bounds a CHECK is judged against.
type Thresholds struct {
	Knowledge          float64 `json:"knowledge"`
	UncertaintyCeiling float64 `json:"uncertainty_ceiling"`
	Score              float64 `json:"score"`
	Mode               string  `json:"mode"`
}

// Gate derives trust and adapts thresholds. Derived state is cached with a
// short TTL in memory and mirrored to the trust_scores table for display and
// for the previous-mode de-escalation floor.
type Gate struct {
	adapter *persist.Adapter
	engine  *calibration.Engine

	TTL             time.Duration
	KnowledgeBase   float64
	UncertaintyBase float64
	AutonomyFactor  float64

	mu    sync.Mutex
	cache map[string]*Trust

	logger *slog.Logger
	now    func() time.Time
}

// NewGate wires a Gate with default TTL and threshold bases.
func NewGate(a *persist.Adapter, e *calibration.Engine) *Gate {
	return &Gate{
		adapter:         a,
		engine:          e,
		TTL:             DefaultTTL,
		KnowledgeBase:   DefaultKnowledgeBase,
		UncertaintyBase: DefaultUncertaintyBase,
		AutonomyFactor:  DefaultAutonomyFactor,
		cache:           make(map[string]*Trust),
		logger:          logging.New("trust"),
		now:             time.Now,
	}
}

func cacheKey(agentID, domain string) string { return agentID + "\x00" + domain }

// DomainTrust returns the current trust state for (agent, domain), deriving
// it from history when the cached value has expired. The cache is a
// performance hint only; expiry always re-derives.
func (g *Gate) DomainTrust(ctx context.Context, agentID, domain string) (*Trust, error) {
	now := g.now().UTC()

	g.mu.Lock()
	if cached, ok := g.cache[cacheKey(agentID, domain)]; ok && now.Sub(cached.ComputedAt) < g.TTL {
		c := *cached
		g.mu.Unlock()
		return &c, nil
	}
	g.mu.Unlock()

	t, err := g.derive(ctx, agentID, domain, now)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[cacheKey(agentID, domain)] = t
	g.mu.Unlock()

	factors, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal trust factors: %w", err)
	}
	err = g.adapter.Store.SaveTrust(&store.TrustRow{
		AgentID:     agentID,
		Domain:      domain,
		Score:       t.Score,
		Mode:        t.Mode,
		FactorsJSON: string(factors),
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("save trust row: %w", err)
	}
	c := *t
	return &c, nil
}

func (g *Gate) derive(ctx context.Context, agentID, domain string, now time.Time) (*Trust, error) {
	accuracy, err := g.engine.Accuracy(ctx, agentID, domain)
	if err != nil {
		return nil, err
	}

	suggestions, err := g.adapter.Store.ListSuggestions(agentID, domain, suggestionWindow)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	var accepted int
	for _, s := range suggestions {
		if s.Accepted {
			accepted++
		}
	}
	var suggestionSuccess float64
	if len(suggestions) > 0 {
		suggestionSuccess = float64(accepted) / float64(len(suggestions))
	}

	mistakes, err := g.adapter.Store.CountMistakesSince(agentID, domain, now.Add(-recentMistakeWindow))
	if err != nil {
		return nil, fmt.Errorf("count mistakes: %w", err)
	}
	mistakePenalty := 1 - 0.1*float64(mistakes)
	if mistakePenalty < 0 {
		mistakePenalty = 0
	}

	score := accuracyWeight*accuracy + suggestionWeight*suggestionSuccess + mistakeWeight*mistakePenalty
	mode := ModeForScore(score)

	// Escalation to autonomous is gated on a demonstrated suggestion
	// record, not on score alone.
	if mode == ModeAutonomous &&
		(len(suggestions) < escalationMinSuggestions || suggestionSuccess <= escalationMinAcceptance) {
		mode = ModeAdvisory
	}

	// De-escalation is immediate. Any trigger steps the operating mode
	// down one band from where the agent previously stood.
	prev, err := g.adapter.Store.GetTrust(agentID, domain)
	if err != nil && !errors.Is(err, epistemic.ErrNotFound) {
		return nil, fmt.Errorf("previous trust row: %w", err)
	}
	rejectionRate := 1 - suggestionSuccess
	triggered := (len(suggestions) >= deescalationMinSamples && rejectionRate > deescalationRejectionRate) ||
		mistakes >= deescalationMistakes ||
		accuracy < deescalationAccuracy
	if prev != nil && score < modeFloor[prev.Mode] {
		triggered = true
	}
	if triggered {
		target := stepDown(mode)
		if prev != nil {
			target = stepDown(prev.Mode)
		}
		if modeRank[target] < modeRank[mode] {
			g.logger.Info("trust de-escalated",
				"agent_id", agentID, "domain", domain, "from", mode, "to", target)
			mode = target
		}
	}

	return &Trust{
		AgentID:           agentID,
		Domain:            domain,
		Score:             score,
		Mode:              mode,
		Accuracy:          accuracy,
		SuggestionSuccess: suggestionSuccess,
		MistakePenalty:    mistakePenalty,
		Suggestions:       len(suggestions),
		RecentMistakes:    mistakes,
		ComputedAt:        now,
	}, nil
}

// AdaptThreshold lowers a base threshold in proportion to trust, never past
// the safety floor and never above the base.
func AdaptThreshold(base, score, factor, floor float64) float64 {
	v := base - score*factor
	if v < floor {
		v = floor
	}
	if v > base {
		v = base
	}
	return v
}

// AdaptCeiling raises a base ceiling in proportion to trust, never past the
// hard ceiling and never below the base.
func AdaptCeiling(base, score, factor, ceiling float64) float64 {
	v := base + score*factor
	if v > ceiling {
		v = ceiling
	}
	if v < base {
		v = base
	}
	return v
}

// Thresholds returns the trust-adapted CHECK bounds for (agent, domain).
func (g *Gate) Thresholds(ctx context.Context, agentID, domain string) (Thresholds, error) {
	t, err := g.DomainTrust(ctx, agentID, domain)
	if err != nil {
		return Thresholds{}, err
	}
	return Thresholds{
		Knowledge:          AdaptThreshold(g.KnowledgeBase, t.Score, g.AutonomyFactor, KnowledgeSafetyFloor),
		UncertaintyCeiling: AdaptCeiling(g.UncertaintyBase, t.Score, g.AutonomyFactor, UncertaintyHardCeiling),
		Score:              t.Score,
		Mode:               t.Mode,
	}, nil
}

// Invalidate drops the cached trust for (agent, domain), forcing the next
// DomainTrust call to re-derive. Called after new suggestions or mistakes.
func (g *Gate) Invalidate(agentID, domain string) {
	g.mu.Lock()
	delete(g.cache, cacheKey(agentID, domain))
	g.mu.Unlock()
}
