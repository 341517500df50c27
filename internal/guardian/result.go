package guardian

import (
	"context"
	"time"
)

// Work is the unit of work a Guardian gates.
type Work func(ctx context.Context) (any, error)

// Outcome says what happened to a Send call.
type Outcome int

const (
	// OutcomeCompleted means the work ran and returned without error.
	OutcomeCompleted Outcome = iota
	// OutcomeBlocked means a rule refused admission and the work did not run.
	OutcomeBlocked
	// OutcomeSuppressed means the work failed and the error handling rules swallowed the error.
	OutcomeSuppressed
	// OutcomeFailed means the work failed and its error was returned.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes a Send call.
type Result struct {
	Outcome Outcome

	// Value is what the work returned when Outcome is OutcomeCompleted.
	Value any

	// Rule is the rate limit rule that blocked execution, if any.
	Rule *RateLimitRule

	// RetryAfter is set when WithRetryAfter(true) refused execution because
	// a recorded RateLimitExceededError was still pending.
	RetryAfter time.Time

	// Err is the work error for OutcomeSuppressed and OutcomeFailed.
	Err error
}

// Blocked reports whether the work was refused admission.
func (r Result) Blocked() bool {
	return r.Outcome == OutcomeBlocked
}

type sendOptions struct {
	throwIfBlocked bool
	retryAfter     bool
}

// SendOption tunes a single Send call.
type SendOption func(*sendOptions)

// WithThrowIfBlocked controls whether a blocked call returns an error
// (the default) or only a Result with OutcomeBlocked.
func WithThrowIfBlocked(throw bool) SendOption {
	return func(o *sendOptions) {
		o.throwIfBlocked = throw
	}
}

// WithRetryAfter makes the call remember the instant carried by a
// *RateLimitExceededError returned from the work and, once the rate rules
// admit a later call, refuse it until that instant. Off by default.
func WithRetryAfter(enabled bool) SendOption {
	return func(o *sendOptions) {
		o.retryAfter = enabled
	}
}
