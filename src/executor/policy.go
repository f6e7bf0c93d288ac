package executor

import (
	"context"
	"errors"
	"fmt"

	"cognitive_lattice/src/model"
)

// ErrFatalStep marks a handler error that retrying cannot fix
var ErrFatalStep = errors.New("fatal step failure")

// Fatal wraps err so the default policy classifies it as fatal
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalStep, err)
}

// RetryPolicy decides how handler errors are classified and how many
// retryable failures a single step may accumulate before it is escalated.
type RetryPolicy struct {
	MaxRetries int
	Classify   func(err error) model.OutcomeKind
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Classify: DefaultClassify}
}

func DefaultClassify(err error) model.OutcomeKind {
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case errors.Is(err, ErrFatalStep):
		return model.OutcomeFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.OutcomeRetryable
	default:
		return model.OutcomeRetryable
	}
}

// Escalate reports whether one more retryable failure on a step that has
// already failed retries times exceeds the budget.
func (p RetryPolicy) Escalate(retries int) bool {
	return retries+1 > p.MaxRetries
}

func (p RetryPolicy) classify(err error) model.OutcomeKind {
	if p.Classify == nil {
		return DefaultClassify(err)
	}
	if kind := p.Classify(err); kind.Valid() {
		return kind
	}
	return model.OutcomeRetryable
}
