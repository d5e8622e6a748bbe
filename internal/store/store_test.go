package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"noesis/internal/epistemic"
)

// forEachStore runs the subtest against SqlStore and MemStore so both
// implementations keep identical semantics.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(filepath.Join(t.TempDir(), ".noesis", "noesis.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

func testVector(knowledge float64) epistemic.Vector {
	return epistemic.Vector{
		Knowledge: knowledge, Capability: 0.5, Context: 0.5, Clarity: 0.5,
		Coherence: 0.5, Signal: 0.5, Density: 0.5, State: 0.5,
		Change: 0.5, Completion: 0.5, Impact: 0.5, Engagement: 0.5,
		Uncertainty: 0.4,
	}
}

func openTx(t *testing.T, s Store, id, project, agent, session string, at time.Time) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID: id, ProjectID: project, AgentID: agent, Domain: project,
		OpenedBySession: session, OpenedAt: at, UpdatedAt: at,
	}
	if err := s.CreateTransaction(tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

func TestTransactionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
		openTx(t, s, "tx-1", "proj-a", "agent-1", "sess-1", now)

		got, err := s.GetTransaction("tx-1")
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		if got.Status != StatusOpen || got.OpenedBySession != "sess-1" {
			t.Errorf("got %+v, want open by sess-1", got)
		}
		if diff := cmp.Diff([]string{"sess-1"}, got.Sessions); diff != "" {
			t.Errorf("sessions (-want +got):\n%s", diff)
		}

		// Second open for the same (project, agent) hits the constraint.
		err = s.CreateTransaction(&Transaction{
			ID: "tx-2", ProjectID: "proj-a", AgentID: "agent-1", Domain: "proj-a",
			OpenedBySession: "sess-2", OpenedAt: now, UpdatedAt: now,
		})
		if !errors.Is(err, epistemic.ErrConflict) {
			t.Fatalf("duplicate open: got %v, want ErrConflict", err)
		}

		// A different agent in the same project is fine.
		openTx(t, s, "tx-3", "proj-a", "agent-2", "sess-3", now)

		found, err := s.FindOpen("proj-a", "agent-1")
		if err != nil || found.ID != "tx-1" {
			t.Fatalf("FindOpen: got %v, %v", found, err)
		}

		if err := s.CloseTransaction("tx-1", "sess-2", "postflight", now.Add(time.Hour)); err != nil {
			t.Fatalf("CloseTransaction: %v", err)
		}
		closed, err := s.GetTransaction("tx-1")
		if err != nil {
			t.Fatalf("GetTransaction after close: %v", err)
		}
		if closed.Status != StatusClosed || closed.CloseReason != "postflight" || closed.ClosedBySession != "sess-2" {
			t.Errorf("closed = %+v", closed)
		}
		if closed.ClosedAt.IsZero() {
			t.Error("ClosedAt not recorded")
		}

		// Closed transactions never reopen; a second close is a protocol error.
		if err := s.CloseTransaction("tx-1", "sess-2", "again", now); !errors.Is(err, epistemic.ErrInvalidState) {
			t.Errorf("double close: got %v, want ErrInvalidState", err)
		}
		if err := s.CloseTransaction("tx-missing", "s", "r", now); !errors.Is(err, epistemic.ErrNotFound) {
			t.Errorf("close missing: got %v, want ErrNotFound", err)
		}

		// Single-open slot freed: a new id can open for (proj-a, agent-1).
		openTx(t, s, "tx-4", "proj-a", "agent-1", "sess-4", now)
	})
}

func TestAppendSession_OrderedAndIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		openTx(t, s, "tx-1", "p", "a", "s1", now)

		for _, sess := range []string{"s2", "s3", "s2", "s1"} {
			if err := s.AppendSession("tx-1", sess, now.Add(time.Minute)); err != nil {
				t.Fatalf("AppendSession(%s): %v", sess, err)
			}
		}
		got, err := s.GetTransaction("tx-1")
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		if diff := cmp.Diff([]string{"s1", "s2", "s3"}, got.Sessions); diff != "" {
			t.Errorf("sessions (-want +got):\n%s", diff)
		}
	})
}

func TestListOpenBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		openTx(t, s, "tx-old", "p1", "a", "s1", now.Add(-48*time.Hour))
		openTx(t, s, "tx-new", "p2", "a", "s2", now.Add(-time.Hour))
		closed := openTx(t, s, "tx-closed", "p3", "a", "s3", now.Add(-72*time.Hour))
		if err := s.CloseTransaction(closed.ID, "s3", "done", now); err != nil {
			t.Fatalf("CloseTransaction: %v", err)
		}

		got, err := s.ListOpenBefore(now.Add(-24 * time.Hour))
		if err != nil {
			t.Fatalf("ListOpenBefore: %v", err)
		}
		if len(got) != 1 || got[0].ID != "tx-old" {
			t.Errorf("got %d transactions, want only tx-old", len(got))
		}
	})
}

func TestSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		sess := &Session{ID: "sess-1", AgentID: "agent-1", StartedAt: now}
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		if err := s.SetActiveTransaction("sess-1", "tx-9"); err != nil {
			t.Fatalf("SetActiveTransaction: %v", err)
		}
		got, err := s.GetSession("sess-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.ActiveTransactionID != "tx-9" || got.AgentID != "agent-1" {
			t.Errorf("got %+v", got)
		}
		if _, err := s.GetSession("nope"); !errors.Is(err, epistemic.ErrNotFound) {
			t.Errorf("missing session: got %v, want ErrNotFound", err)
		}
		if err := s.SetActiveTransaction("nope", "tx"); !errors.Is(err, epistemic.ErrNotFound) {
			t.Errorf("pointer on missing session: got %v, want ErrNotFound", err)
		}
	})
}

func TestAppendAssessment_Rounds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		openTx(t, s, "tx-1", "p", "a", "s1", now)

		pre := &epistemic.Assessment{
			TransactionID: "tx-1", Phase: epistemic.PhasePreflight,
			Vector: testVector(0.3), ProducedBy: "s1", Timestamp: now,
		}
		round, err := s.AppendAssessment(pre)
		if err != nil || round != 0 {
			t.Fatalf("preflight: round=%d err=%v, want 0,nil", round, err)
		}

		// Duplicate preflight collides on (tx, phase, round).
		if _, err := s.AppendAssessment(pre); !errors.Is(err, epistemic.ErrConflict) {
			t.Fatalf("duplicate preflight: got %v, want ErrConflict", err)
		}

		for want := 1; want <= 3; want++ {
			chk := &epistemic.Assessment{
				TransactionID: "tx-1", Phase: epistemic.PhaseCheck,
				Vector: testVector(0.5), ProducedBy: "s1", Timestamp: now,
				Decision: epistemic.DecisionInvestigate,
				Findings: []string{"f1"}, Unknowns: []string{"u1"},
			}
			round, err := s.AppendAssessment(chk)
			if err != nil {
				t.Fatalf("check %d: %v", want, err)
			}
			if round != want {
				t.Errorf("check round = %d, want %d", round, want)
			}
		}

		list, err := s.ListAssessments("tx-1")
		if err != nil {
			t.Fatalf("ListAssessments: %v", err)
		}
		if len(list) != 4 {
			t.Fatalf("len = %d, want 4", len(list))
		}
		last, err := s.LatestAssessment("tx-1", epistemic.PhaseCheck)
		if err != nil {
			t.Fatalf("LatestAssessment: %v", err)
		}
		if last.Round != 3 || last.Decision != epistemic.DecisionInvestigate {
			t.Errorf("latest check = %+v", last)
		}
		if diff := cmp.Diff([]string{"f1"}, last.Findings); diff != "" {
			t.Errorf("findings (-want +got):\n%s", diff)
		}
		if _, err := s.LatestAssessment("tx-1", epistemic.PhasePostflight); !errors.Is(err, epistemic.ErrNotFound) {
			t.Errorf("missing postflight: got %v, want ErrNotFound", err)
		}
	})
}

// Rounds must form a strictly increasing gap-free sequence even when
// submissions race.
func TestAppendAssessment_ConcurrentRounds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		openTx(t, s, "tx-1", "p", "a", "s1", now)

		const workers = 8
		rounds := make(chan int, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					a := &epistemic.Assessment{
						TransactionID: "tx-1", Phase: epistemic.PhaseCheck,
						Vector: testVector(0.5), ProducedBy: "s1", Timestamp: now,
						Decision: epistemic.DecisionInvestigate,
					}
					round, err := s.AppendAssessment(a)
					if errors.Is(err, epistemic.ErrConflict) {
						continue // lost the race, retry against the store
					}
					if err != nil {
						t.Errorf("AppendAssessment: %v", err)
						rounds <- -1
						return
					}
					rounds <- round
					return
				}
			}()
		}
		wg.Wait()
		close(rounds)

		seen := make(map[int]bool)
		for r := range rounds {
			if seen[r] {
				t.Errorf("duplicate round %d", r)
			}
			seen[r] = true
		}
		for want := 1; want <= workers; want++ {
			if !seen[want] {
				t.Errorf("missing round %d", want)
			}
		}
	})
}

func TestListOpenByProject(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
		openTx(t, s, "tx-1", "proj-a", "agent-1", "s1", base)
		openTx(t, s, "tx-2", "proj-a", "agent-2", "s2", base.Add(time.Hour))
		openTx(t, s, "tx-3", "proj-b", "agent-1", "s3", base)
		if err := s.CloseTransaction("tx-3", "s3", "done", base.Add(2*time.Hour)); err != nil {
			t.Fatalf("CloseTransaction: %v", err)
		}

		got, err := s.ListOpenByProject("proj-a")
		if err != nil {
			t.Fatalf("ListOpenByProject: %v", err)
		}
		ids := make([]string, 0, len(got))
		for _, tx := range got {
			ids = append(ids, tx.ID)
		}
		// Newest first; other projects and closed transactions excluded.
		if diff := cmp.Diff([]string{"tx-2", "tx-1"}, ids); diff != "" {
			t.Errorf("open by project (-want +got):\n%s", diff)
		}

		got, err = s.ListOpenByProject("proj-b")
		if err != nil || len(got) != 0 {
			t.Errorf("proj-b open = %v, %v, want none", got, err)
		}
	})
}

// Racing opens for the same (project, agent) must resolve to one winner and
// ErrConflict for the rest, so callers can converge by re-resolving. A
// locking error instead of ErrConflict would surface as a failure.
func TestCreateTransaction_ConcurrentOpens(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()

		const workers = 8
		results := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results <- s.CreateTransaction(&Transaction{
					ID:        fmt.Sprintf("tx-%d", i),
					ProjectID: "p", AgentID: "a", Domain: "p",
					OpenedBySession: fmt.Sprintf("s-%d", i),
					OpenedAt:        now, UpdatedAt: now,
				})
			}(i)
		}
		wg.Wait()
		close(results)

		won, lost := 0, 0
		for err := range results {
			switch {
			case err == nil:
				won++
			case errors.Is(err, epistemic.ErrConflict):
				lost++
			default:
				t.Errorf("CreateTransaction: %v", err)
			}
		}
		if won != 1 || lost != workers-1 {
			t.Errorf("winners = %d, conflicts = %d, want 1 and %d", won, lost, workers-1)
		}
	})
}

func TestAppendAssessment_RejectsExecutionPhases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		openTx(t, s, "tx-1", "p", "a", "s1", now)

		// NOETIC, PRAXIC and POST-TEST are execution modes; only the
		// declaration points carry assessments.
		for _, p := range []epistemic.Phase{
			epistemic.PhaseNoetic, epistemic.PhasePraxic, epistemic.PhasePostTest,
		} {
			_, err := s.AppendAssessment(&epistemic.Assessment{
				TransactionID: "tx-1", Phase: p,
				Vector: testVector(0.5), ProducedBy: "s1", Timestamp: now,
			})
			if !errors.Is(err, epistemic.ErrInvalidState) {
				t.Errorf("append %s assessment = %v, want ErrInvalidState", p, err)
			}
		}
	})
}

func TestCalibrationRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		rec := &CalibrationRecord{
			AgentID: "a", Domain: "d", TransactionID: "tx-1",
			Track:     TrackGrounded,
			Predicted: testVector(0.5), Observed: testVector(0.9),
			Divergence: epistemic.Delta{epistemic.DimCompletion: -0.4},
			ComputedAt: now,
		}
		if err := s.AppendCalibration(rec); err != nil {
			t.Fatalf("AppendCalibration: %v", err)
		}
		// Append-only: same key is rejected, never overwritten.
		dup := *rec
		if err := s.AppendCalibration(&dup); !errors.Is(err, epistemic.ErrConflict) {
			t.Fatalf("duplicate record: got %v, want ErrConflict", err)
		}

		other := *rec
		other.TransactionID = "tx-2"
		other.Divergence = epistemic.Delta{epistemic.DimCompletion: 0.2}
		if err := s.AppendCalibration(&other); err != nil {
			t.Fatalf("AppendCalibration tx-2: %v", err)
		}

		got, err := s.ListCalibration("a", "d", TrackGrounded, 10)
		if err != nil {
			t.Fatalf("ListCalibration: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		// Newest first.
		if got[0].TransactionID != "tx-2" {
			t.Errorf("order: first = %s, want tx-2", got[0].TransactionID)
		}
		if got[1].Divergence[epistemic.DimCompletion] != -0.4 {
			t.Errorf("divergence = %v, want -0.4", got[1].Divergence[epistemic.DimCompletion])
		}
	})
}

func TestTrustInputsAndCache(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		for i, accepted := range []bool{true, true, false} {
			err := s.AddSuggestion(&Suggestion{
				AgentID: "a", Domain: "d", Accepted: accepted,
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("AddSuggestion: %v", err)
			}
		}
		sugs, err := s.ListSuggestions("a", "d", 2)
		if err != nil || len(sugs) != 2 {
			t.Fatalf("ListSuggestions: %d, %v", len(sugs), err)
		}

		if err := s.AddMistake(&Mistake{AgentID: "a", Domain: "d", Severity: "low", CreatedAt: now}); err != nil {
			t.Fatalf("AddMistake: %v", err)
		}
		n, err := s.CountMistakesSince("a", "d", now.Add(-time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("CountMistakesSince: %d, %v", n, err)
		}
		n, err = s.CountMistakesSince("a", "d", now.Add(time.Hour))
		if err != nil || n != 0 {
			t.Fatalf("CountMistakesSince(future): %d, %v", n, err)
		}

		row := &TrustRow{AgentID: "a", Domain: "d", Score: 0.55, Mode: "observer", UpdatedAt: now}
		if err := s.SaveTrust(row); err != nil {
			t.Fatalf("SaveTrust: %v", err)
		}
		row.Score = 0.61
		row.Mode = "advisory"
		if err := s.SaveTrust(row); err != nil {
			t.Fatalf("SaveTrust upsert: %v", err)
		}
		got, err := s.GetTrust("a", "d")
		if err != nil {
			t.Fatalf("GetTrust: %v", err)
		}
		if got.Score != 0.61 || got.Mode != "advisory" {
			t.Errorf("got %+v", got)
		}
		if _, err := s.GetTrust("a", "other"); !errors.Is(err, epistemic.ErrNotFound) {
			t.Errorf("missing trust: got %v, want ErrNotFound", err)
		}
	})
}
