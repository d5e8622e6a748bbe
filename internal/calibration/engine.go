// Package calibration measures the agreement between an agent's epistemic
// self-reports and what actually happened. Two tracks: self_referential
// (postflight self-report against the preflight baseline) and grounded
// (self-report against external evidence). Grounded is the only track that
// can detect systematic self-deception, so trust and bias correction read
// grounded history exclusively.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"noesis/internal/epistemic"
	"noesis/internal/evidence"
	"noesis/internal/logging"
	"noesis/internal/persist"
	"noesis/internal/store"
)

const (
	// DefaultWindow is the trailing grounded-record window for bias,
	// accuracy and trajectory when the config does not set one.
	DefaultWindow = 20

	// MaxBias bounds the magnitude of any bias correction. A correction
	// larger than this would let calibration history override the agent's
	// live self-report entirely.
	MaxBias = 0.25

	// trajectoryDeadband is the half-to-half movement below which the
	// trajectory is reported stable.
	trajectoryDeadband = 0.05
)

// Trajectory classifications.
const (
	TrajectoryClosing  = "closing"
	TrajectoryWidening = "widening"
	TrajectoryStable   = "stable"
)

// Engine computes and appends calibration records.
type Engine struct {
	adapter *persist.Adapter

	// Window is the trailing grounded-record count used by BiasCorrection,
	// Accuracy and Trajectory.
	Window int

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires an Engine. window <= 0 selects DefaultWindow.
func NewEngine(a *persist.Adapter, window int) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		adapter: a,
		Window:  window,
		logger:  logging.New("calibration"),
		now:     time.Now,
	}
}

// SelfReferentialDelta appends the self-referential record for a transaction:
// divergence = POSTFLIGHT − PREFLIGHT per dimension. Positive means the agent
// reports improvement over the baseline. Requires both boundary assessments.
func (e *Engine) SelfReferentialDelta(ctx context.Context, tx *store.Transaction) (*store.CalibrationRecord, error) {
	pre, err := e.adapter.Store.LatestAssessment(tx.ID, epistemic.PhasePreflight)
	if err != nil {
		return nil, fmt.Errorf("preflight baseline for %s: %w", tx.ID, err)
	}
	post, err := e.adapter.Store.LatestAssessment(tx.ID, epistemic.PhasePostflight)
	if err != nil {
		return nil, fmt.Errorf("postflight report for %s: %w", tx.ID, err)
	}

	rec := &store.CalibrationRecord{
		AgentID:       tx.AgentID,
		Domain:        tx.Domain,
		TransactionID: tx.ID,
		Track:         store.TrackSelfReferential,
		Predicted:     pre.Vector,
		Observed:      post.Vector,
		Divergence:    post.Vector.Sub(pre.Vector),
		ComputedAt:    e.now().UTC(),
	}
	return e.append(ctx, rec)
}

// GroundedDivergence appends the grounded record for a transaction:
// divergence = self-reported − evidence proxy, over the dimensions the
// payload grounds. Positive divergence is overconfidence, negative is
// underconfidence. The self-report is the transaction's POSTFLIGHT vector;
// evidence arriving after close (post-test) is still accepted.
func (e *Engine) GroundedDivergence(ctx context.Context, tx *store.Transaction, ev *evidence.Evidence) (*store.CalibrationRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	proxies := ev.Proxies()
	if len(proxies) == 0 {
		return nil, fmt.Errorf("evidence grounds no dimension: %w", epistemic.ErrInvalidState)
	}
	post, err := e.adapter.Store.LatestAssessment(tx.ID, epistemic.PhasePostflight)
	if err != nil {
		if errors.Is(err, epistemic.ErrNotFound) {
			return nil, fmt.Errorf("no postflight self-report for %s: %w", tx.ID, epistemic.ErrInvalidState)
		}
		return nil, fmt.Errorf("postflight report for %s: %w", tx.ID, err)
	}

	var observed epistemic.Vector
	div := make(epistemic.Delta, len(proxies))
	for dim, proxy := range proxies {
		if err := observed.Set(dim, proxy); err != nil {
			return nil, err
		}
		div[dim] = post.Vector.Get(dim) - proxy
	}

	rec := &store.CalibrationRecord{
		AgentID:       tx.AgentID,
		Domain:        tx.Domain,
		TransactionID: tx.ID,
		Track:         store.TrackGrounded,
		Predicted:     post.Vector,
		Observed:      observed,
		Divergence:    div,
		ComputedAt:    e.now().UTC(),
	}
	return e.append(ctx, rec)
}

func (e *Engine) append(ctx context.Context, rec *store.CalibrationRecord) (*store.CalibrationRecord, error) {
	if err := e.adapter.Store.AppendCalibration(rec); err != nil {
		return nil, fmt.Errorf("append %s record: %w", rec.Track, err)
	}
	_ = e.adapter.Record(ctx, persist.Event{
		Kind:          persist.EventCalibrationRecorded,
		TransactionID: rec.TransactionID,
		AgentID:       rec.AgentID,
		Detail:        map[string]string{"track": rec.Track},
		At:            rec.ComputedAt,
	})
	e.logger.Info("calibration recorded",
		"transaction_id", rec.TransactionID, "track", rec.Track, "dims", len(rec.Divergence))
	return rec, nil
}

// BiasCorrection is the running mean of grounded divergence for one
// dimension over the trailing window, magnitude-clamped to ±MaxBias.
// Positive output means the agent systematically overreports the dimension.
func (e *Engine) BiasCorrection(ctx context.Context, agentID, domain string, dim epistemic.Dimension) (float64, error) {
	records, err := e.grounded(agentID, domain)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, rec := range records {
		if d, ok := rec.Divergence[dim]; ok {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	bias := sum / float64(n)
	if bias > MaxBias {
		bias = MaxBias
	}
	if bias < -MaxBias {
		bias = -MaxBias
	}
	return bias, nil
}

// Accuracy is clamp(1 − mean|divergence|, 0, 1) over the grounded window.
// No grounded history means no demonstrated accuracy: a fresh agent scores 0
// and earns trust through evidence, never by default.
func (e *Engine) Accuracy(ctx context.Context, agentID, domain string) (float64, error) {
	records, err := e.grounded(agentID, domain)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	acc := 1 - meanAbs(records)
	if acc < 0 {
		acc = 0
	}
	if acc > 1 {
		acc = 1
	}
	return acc, nil
}

// Trajectory compares mean |divergence| of the older half of the window
// against the newer half: closing when the gap shrinks by more than the
// dead-band, widening when it grows, stable otherwise (including when
// history is too short to split).
func (e *Engine) Trajectory(ctx context.Context, agentID, domain string) (string, error) {
	records, err := e.grounded(agentID, domain)
	if err != nil {
		return "", err
	}
	if len(records) < 2 {
		return TrajectoryStable, nil
	}
	// ListCalibration returns newest first.
	mid := len(records) / 2
	newer := meanAbs(records[:mid])
	older := meanAbs(records[mid:])
	switch {
	case older-newer > trajectoryDeadband:
		return TrajectoryClosing, nil
	case newer-older > trajectoryDeadband:
		return TrajectoryWidening, nil
	default:
		return TrajectoryStable, nil
	}
}

func (e *Engine) grounded(agentID, domain string) ([]*store.CalibrationRecord, error) {
	records, err := e.adapter.Store.ListCalibration(agentID, domain, store.TrackGrounded, e.Window)
	if err != nil {
		return nil, fmt.Errorf("grounded history for %s/%s: %w", agentID, domain, err)
	}
	return records, nil
}

// meanAbs averages |divergence| across every dimension of every record.
func meanAbs(records []*store.CalibrationRecord) float64 {
	var sum float64
	var n int
	for _, rec := range records {
		for _, d := range rec.Divergence {
			sum += math.Abs(d)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
