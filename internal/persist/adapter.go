package persist

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"noesis/internal/logging"
	"noesis/internal/store"
)

// Adapter is the triple-write persistence facade: the structured store is
// authoritative; the journal and audit log receive the same fact after the
// store write has committed. A side-sink failure is surfaced to the caller
// but never rolls the store back.
type Adapter struct {
	Store   store.Store
	Journal *Journal // optional
	Audit   *Audit   // optional

	logger *slog.Logger
	now    func() time.Time
}

// NewAdapter wires the three sinks. Journal and Audit may be nil (tests,
// read-only commands).
func NewAdapter(st store.Store, j *Journal, a *Audit) *Adapter {
	return &Adapter{
		Store:   st,
		Journal: j,
		Audit:   a,
		logger:  logging.New("persist"),
		now:     time.Now,
	}
}

// Record fans the event out to the journal and audit log. The caller has
// already committed the authoritative write; Record failures are reported so
// the operator can repair the side logs, not retried inline.
func (a *Adapter) Record(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = a.now().UTC()
	}

	g, _ := errgroup.WithContext(ctx)
	if a.Journal != nil {
		g.Go(func() error { return a.Journal.Append(&e) })
	}
	if a.Audit != nil {
		g.Go(func() error {
			line := e // journal owns e.Seq; audit writes its own copy
			return a.Audit.Append(&line)
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("side-sink write failed",
			"kind", e.Kind, "transaction_id", e.TransactionID, "err", err)
		return err
	}
	return nil
}

// Close closes the side sinks, then the store.
func (a *Adapter) Close() error {
	var firstErr error
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
