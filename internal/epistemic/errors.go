package epistemic

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when every transaction resolution strategy
	// fails: there is no open transaction and PREFLIGHT is required.
	ErrNotFound = errors.New("epistemic: no open transaction (preflight required)")

	// ErrConflict is returned when an open cannot resolve or merge into the
	// existing open transaction. Recoverable by re-resolving.
	ErrConflict = errors.New("epistemic: conflicting open transaction")

	// ErrInvalidState is a protocol error: close on a non-open transaction,
	// or a submission against a closed one. Never retried as-is.
	ErrInvalidState = errors.New("epistemic: invalid transaction state")

	// ErrPrematureCompletion is returned by POSTFLIGHT submission when no
	// prior CHECK round decided proceed — the gate was skipped.
	ErrPrematureCompletion = errors.New("epistemic: postflight without a proceed decision")
)

// ValidationError rejects a malformed vector at the submission boundary.
// The offending record is never written, so the call can be retried with
// corrected input.
type ValidationError struct {
	Dimension Dimension
	Value     float64
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid vector: dimension %q %s (value %v)", e.Dimension, e.Reason, e.Value)
}
