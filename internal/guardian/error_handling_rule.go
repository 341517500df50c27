package guardian

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorHandlingRule tracks failures of guarded work. Once FailureThreshold
// failures have been counted inside the window, the rule trips and decides
// whether further failures are returned to the caller (ShouldThrow) or
// swallowed.
//
// Without an interval the failure counter never expires.
//
// Like RateLimitRule, a rule is frozen once its key is computed (adding it
// to a ruleset does that) and builder calls on it then return a copy.
type ErrorHandlingRule struct {
	failureThreshold int
	interval         Interval
	duration         int
	until            time.Time
	shouldThrow      bool

	once   sync.Once
	frozen atomic.Bool
	key    string
}

// AllowFailures starts a rule that trips after threshold failures.
func AllowFailures(threshold int) *ErrorHandlingRule {
	return &ErrorHandlingRule{
		failureThreshold: threshold,
		duration:         1,
		shouldThrow:      true,
	}
}

// PerInterval sets the counting window to duration units.
func (r *ErrorHandlingRule) PerInterval(unit Interval, duration int) *ErrorHandlingRule {
	r = r.editable()
	r.interval = unit
	r.duration = duration
	return r
}

// PerMinute counts failures over one minute.
func (r *ErrorHandlingRule) PerMinute() *ErrorHandlingRule { return r.PerInterval(Minute, 1) }

// PerMinutes counts failures over n minutes.
func (r *ErrorHandlingRule) PerMinutes(n int) *ErrorHandlingRule { return r.PerInterval(Minute, n) }

// PerHour counts failures over one hour.
func (r *ErrorHandlingRule) PerHour() *ErrorHandlingRule { return r.PerInterval(Hour, 1) }

// PerHours counts failures over n hours.
func (r *ErrorHandlingRule) PerHours(n int) *ErrorHandlingRule { return r.PerInterval(Hour, n) }

// PerDay counts failures over one day.
func (r *ErrorHandlingRule) PerDay() *ErrorHandlingRule { return r.PerInterval(Day, 1) }

// PerDays counts failures over n days.
func (r *ErrorHandlingRule) PerDays(n int) *ErrorHandlingRule { return r.PerInterval(Day, n) }

// UntilMidnightTonight records the next midnight as the rule expiry. The
// expiry is part of the key; it is not enforced by the failure check.
func (r *ErrorHandlingRule) UntilMidnightTonight() *ErrorHandlingRule {
	r = r.editable()
	r.until = nextMidnight(now())
	return r
}

// ThenThrow sets what happens once the rule has tripped.
func (r *ErrorHandlingRule) ThenThrow(shouldThrow bool) *ErrorHandlingRule {
	r = r.editable()
	r.shouldThrow = shouldThrow
	return r
}

// FailureThreshold is the number of failures that trips the rule.
func (r *ErrorHandlingRule) FailureThreshold() int { return r.failureThreshold }

// Interval returns the counting window unit, if one was set.
func (r *ErrorHandlingRule) Interval() (Interval, bool) {
	return r.interval, r.interval != ""
}

// Duration is the number of interval units in the window.
func (r *ErrorHandlingRule) Duration() int { return r.duration }

// Until returns the recorded expiry, if any.
func (r *ErrorHandlingRule) Until() (time.Time, bool) {
	return r.until, !r.until.IsZero()
}

// ShouldThrow reports whether failures are returned once the rule has tripped.
func (r *ErrorHandlingRule) ShouldThrow() bool { return r.shouldThrow }

// TotalSeconds is the failure counter TTL; 0 means the counter never expires.
func (r *ErrorHandlingRule) TotalSeconds() int {
	if r.interval == "" {
		return 0
	}
	return r.interval.ToSeconds() * r.duration
}

// Key returns "{prefix}{threshold}_{interval|none}_{duration}_{until|no_expiry}{suffix}".
// The body of the key is fixed on first use.
func (r *ErrorHandlingRule) Key(prefix, suffix string) string {
	r.freeze()
	return prefix + r.key + suffix
}

// Validate checks the rule can be evaluated.
func (r *ErrorHandlingRule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil error handling rule", ErrRuleType)
	}
	if r.failureThreshold <= 0 {
		return fmt.Errorf("%w: failure threshold must be greater than 0, got %d", ErrInvalidRule, r.failureThreshold)
	}
	if r.interval != "" && !r.interval.Valid() {
		return fmt.Errorf("%w: unknown interval %q", ErrInvalidRule, r.interval)
	}
	if r.duration < 1 {
		return fmt.Errorf("%w: duration must be at least 1, got %d", ErrInvalidRule, r.duration)
	}
	return nil
}

func (r *ErrorHandlingRule) String() string {
	if r.interval == "" {
		return fmt.Sprintf("%d failures", r.failureThreshold)
	}
	return fmt.Sprintf("%d failures per %d %s", r.failureThreshold, r.duration, r.interval)
}

func (r *ErrorHandlingRule) generateKey() string {
	interval := "none"
	if r.interval != "" {
		interval = string(r.interval)
	}
	until := "no_expiry"
	if !r.until.IsZero() {
		until = r.until.Format(keyTimeLayout)
	}
	return fmt.Sprintf("%d_%s_%d_%s", r.failureThreshold, interval, r.duration, until)
}

func (r *ErrorHandlingRule) freeze() {
	r.once.Do(func() {
		r.key = r.generateKey()
		r.frozen.Store(true)
	})
}

func (r *ErrorHandlingRule) editable() *ErrorHandlingRule {
	if !r.frozen.Load() {
		return r
	}
	return &ErrorHandlingRule{
		failureThreshold: r.failureThreshold,
		interval:         r.interval,
		duration:         r.duration,
		until:            r.until,
		shouldThrow:      r.shouldThrow,
	}
}
