package guardian

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Configuration errors. They are returned at the point of misuse.
var (
	ErrEmptyIdentifier   = errors.New("identifier cannot be empty")
	ErrInvalidTimeFormat = errors.New("invalid time format, use HH:MM")
	ErrRuleType          = errors.New("ruleset element has the wrong rule type")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrInvalidInterval   = errors.New("invalid interval")
	ErrInvalidRetryAfter = errors.New("invalid retry-after value")
)

var (
	// ErrRulePreventsExecution matches every *RulePreventsExecutionError via errors.Is.
	ErrRulePreventsExecution = errors.New("a rule prevents execution")

	// ErrRateLimitExceeded matches every *RateLimitExceededError via errors.Is.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCache marks failures coming from the cache backend.
	ErrCache = errors.New("cache backend error")
)

// RulePreventsExecutionError is returned by Send when a rate limit rule is
// at capacity and the caller asked for blocking to be reported as an error.
type RulePreventsExecutionError struct {
	Rule *RateLimitRule
}

func (e *RulePreventsExecutionError) Error() string {
	if e.Rule == nil {
		return "Cannot execute the request because a rule prevents it."
	}
	return fmt.Sprintf(
		"Cannot execute the request. Rate limit exceeded: %d requests per %d %s.",
		e.Rule.Limit(),
		e.Rule.Duration(),
		e.Rule.Interval(),
	)
}

func (e *RulePreventsExecutionError) Is(target error) bool {
	return target == ErrRulePreventsExecution
}

// RateLimitExceededError lets guarded work report that the resource behind
// it is rate limited (an upstream 429 for example). Guardian remembers
// RetryAfter and refuses to run work for the same identifier until then.
type RateLimitExceededError struct {
	RetryAfter time.Time
	Message    string
}

// httpDateLayout is the IMF-fixdate form used by Retry-After headers.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// NewRateLimitExceededError builds the error from a time.Time, a
// time.Duration, a number of seconds (int or digit string) or an HTTP date.
func NewRateLimitExceededError(retryAfter any, message string) (*RateLimitExceededError, error) {
	at, err := parseRetryAfter(retryAfter)
	if err != nil {
		return nil, err
	}
	return &RateLimitExceededError{RetryAfter: at, Message: message}, nil
}

func (e *RateLimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Format(time.RFC3339))
}

func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

func parseRetryAfter(v any) (time.Time, error) {
	switch value := v.(type) {
	case time.Time:
		return value, nil
	case time.Duration:
		return now().Add(value), nil
	case int:
		return now().Add(time.Duration(value) * time.Second), nil
	case int64:
		return now().Add(time.Duration(value) * time.Second), nil
	case string:
		value = strings.TrimSpace(value)
		if isDigits(value) {
			seconds, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRetryAfter, err)
			}
			return now().Add(time.Duration(seconds) * time.Second), nil
		}
		at, err := time.Parse(httpDateLayout, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: expected seconds or HTTP date, got %q", ErrInvalidRetryAfter, value)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidRetryAfter, v)
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
