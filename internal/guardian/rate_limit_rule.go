package guardian

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// now is the clock used by rule builders and retry-after handling.
var now = time.Now

// keyTimeLayout renders expiry instants inside cache keys (YYYYMMDDHHMMSS).
const keyTimeLayout = "20060102150405"

// RateLimitRule allows Limit calls per Duration x Interval, optionally until
// an absolute expiry.
//
// Rules are built fluently:
//
//	rule := guardian.Allow(170).PerMinutes(5)
//
// The cache key of a rule is computed once, the first time it is needed, and
// the rule is frozen from then on. Builder calls on a frozen rule return a
// modified copy and leave the original untouched, so a rule stored in a
// ruleset can never change underneath its counters.
type RateLimitRule struct {
	limit    int
	interval Interval
	duration int
	until    time.Time

	once   sync.Once
	frozen atomic.Bool
	key    string
}

// Allow starts a rule that admits limit calls per window.
// limit is expected to be positive; Validate rejects anything else.
func Allow(limit int) *RateLimitRule {
	return &RateLimitRule{limit: limit, duration: 1}
}

// Every sets the window to amount units.
func (r *RateLimitRule) Every(amount int, unit Interval) *RateLimitRule {
	r = r.editable()
	r.interval = unit
	r.duration = amount
	return r
}

// PerSecond admits limit calls per second.
func (r *RateLimitRule) PerSecond() *RateLimitRule { return r.Every(1, Second) }

// PerSeconds admits limit calls per window of the given seconds.
func (r *RateLimitRule) PerSeconds(seconds int) *RateLimitRule { return r.Every(seconds, Second) }

// PerMinute admits limit calls per minute.
func (r *RateLimitRule) PerMinute() *RateLimitRule { return r.Every(1, Minute) }

// PerMinutes admits limit calls per window of the given minutes.
func (r *RateLimitRule) PerMinutes(minutes int) *RateLimitRule { return r.Every(minutes, Minute) }

// PerHour admits limit calls per hour.
func (r *RateLimitRule) PerHour() *RateLimitRule { return r.Every(1, Hour) }

// PerHours admits limit calls per window of the given hours.
func (r *RateLimitRule) PerHours(hours int) *RateLimitRule { return r.Every(hours, Hour) }

// PerDay admits limit calls per day.
func (r *RateLimitRule) PerDay() *RateLimitRule { return r.Every(1, Day) }

// PerDays admits limit calls per window of the given days.
func (r *RateLimitRule) PerDays(days int) *RateLimitRule { return r.Every(days, Day) }

// PerWeek admits limit calls per week.
func (r *RateLimitRule) PerWeek() *RateLimitRule { return r.Every(1, Week) }

// PerWeeks admits limit calls per window of the given weeks.
func (r *RateLimitRule) PerWeeks(weeks int) *RateLimitRule { return r.Every(weeks, Week) }

// PerMonth admits limit calls per month.
func (r *RateLimitRule) PerMonth() *RateLimitRule { return r.Every(1, Month) }

// PerMonths admits limit calls per window of the given months.
func (r *RateLimitRule) PerMonths(months int) *RateLimitRule { return r.Every(months, Month) }

// DailyUntil expires the rule at the next occurrence of hhmm (24h "HH:MM"):
// today if that moment is still ahead, tomorrow otherwise.
func (r *RateLimitRule) DailyUntil(hhmm string) (*RateLimitRule, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return r, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, hhmm)
	}

	current := now()
	until := time.Date(current.Year(), current.Month(), current.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, current.Location())
	if !until.After(current) {
		until = until.AddDate(0, 0, 1)
	}

	r = r.editable()
	r.until = until
	return r, nil
}

// UntilMidnightTonight expires the rule at the next midnight.
func (r *RateLimitRule) UntilMidnightTonight() *RateLimitRule {
	r = r.editable()
	r.until = nextMidnight(now())
	return r
}

// UntilEndOfMonth expires the rule at 23:59:59 on the last day of the current month.
func (r *RateLimitRule) UntilEndOfMonth() *RateLimitRule {
	current := now()
	r = r.editable()
	// day 0 of the next month is the last day of this one
	r.until = time.Date(current.Year(), current.Month()+1, 0, 23, 59, 59, 0, current.Location())
	return r
}

// Limit is the number of calls admitted per window.
func (r *RateLimitRule) Limit() int { return r.limit }

// Interval is the unit of the window.
func (r *RateLimitRule) Interval() Interval { return r.interval }

// Duration is the number of interval units in the window.
func (r *RateLimitRule) Duration() int { return r.duration }

// Until returns the absolute expiry, if any.
func (r *RateLimitRule) Until() (time.Time, bool) {
	return r.until, !r.until.IsZero()
}

// TotalSeconds is the window length, used as the counter TTL.
func (r *RateLimitRule) TotalSeconds() int {
	return r.interval.ToSeconds() * r.duration
}

// Key returns the cache key of the rule wrapped in prefix and suffix.
// The body of the key is fixed on first use.
func (r *RateLimitRule) Key(prefix, suffix string) string {
	r.freeze()
	return prefix + r.key + suffix
}

// Validate checks the rule can be evaluated.
func (r *RateLimitRule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil rate limit rule", ErrRuleType)
	}
	if r.limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0, got %d", ErrInvalidRule, r.limit)
	}
	if !r.interval.Valid() {
		return fmt.Errorf("%w: rate limit rule needs an interval, got %q", ErrInvalidRule, r.interval)
	}
	if r.duration < 1 {
		return fmt.Errorf("%w: duration must be at least 1, got %d", ErrInvalidRule, r.duration)
	}
	return nil
}

// String renders the rule as "5 requests per 1 minute".
func (r *RateLimitRule) String() string {
	return fmt.Sprintf("%d requests per %d %s", r.limit, r.duration, r.interval)
}

func (r *RateLimitRule) generateKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rate_limit_%d_per_%s", r.limit, r.interval)
	if r.duration > 1 {
		fmt.Fprintf(&b, "_%d", r.duration)
	}
	if !r.until.IsZero() {
		b.WriteString("_until_")
		b.WriteString(r.until.Format(keyTimeLayout))
	}
	return b.String()
}

func (r *RateLimitRule) freeze() {
	r.once.Do(func() {
		r.key = r.generateKey()
		r.frozen.Store(true)
	})
}

// editable returns r itself while it is still being built, or a fresh copy
// once its key has been fixed.
func (r *RateLimitRule) editable() *RateLimitRule {
	if !r.frozen.Load() {
		return r
	}
	return &RateLimitRule{
		limit:    r.limit,
		interval: r.interval,
		duration: r.duration,
		until:    r.until,
	}
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}
