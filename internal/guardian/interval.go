package guardian

import (
	"fmt"
	"strings"
)

// Interval is a symbolic time unit. Its string value is embedded verbatim in
// cache keys, so the values must never change.
type Interval string

const (
	Second Interval = "second"
	Minute Interval = "minute"
	Hour   Interval = "hour"
	Day    Interval = "day"
	Week   Interval = "week"
	Month  Interval = "month"
)

// Intervals lists every supported unit, smallest first.
var Intervals = []Interval{Second, Minute, Hour, Day, Week, Month}

// ToSeconds returns the number of seconds in one unit. A month is the
// average Gregorian month.
func (i Interval) ToSeconds() int {
	switch i {
	case Second:
		return 1
	case Minute:
		return 60
	case Hour:
		return 3600
	case Day:
		return 86400
	case Week:
		return 604800
	case Month:
		return 2629746
	default:
		return 0
	}
}

// ToDays returns the number of days in one unit.
func (i Interval) ToDays() float64 {
	switch i {
	case Second:
		return 1.0 / 86400
	case Minute:
		return 1.0 / 1440
	case Hour:
		return 1.0 / 24
	case Day:
		return 1
	case Week:
		return 7
	case Month:
		return 30.44
	default:
		return 0
	}
}

// Valid reports whether i is one of the known units.
func (i Interval) Valid() bool {
	return i.ToSeconds() > 0
}

func (i Interval) String() string {
	return string(i)
}

// ParseInterval parses a unit name such as "minute", "Minutes" or "h".
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "second", "seconds":
		return Second, nil
	case "m", "min", "minute", "minutes":
		return Minute, nil
	case "h", "hour", "hours":
		return Hour, nil
	case "d", "day", "days":
		return Day, nil
	case "w", "week", "weeks":
		return Week, nil
	case "mo", "month", "months":
		return Month, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
}
