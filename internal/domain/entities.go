package domain

import "time"

// TTL describes when a cached value expires. The zero value never expires.
//
// A TTL is built from a number of seconds, a relative duration or an
// absolute point in time, mirroring the three forms a cache put accepts.
type TTL struct {
	after time.Duration
	at    time.Time
}

// NoExpiry keeps the value until it is explicitly forgotten.
var NoExpiry = TTL{}

// Seconds expires the value n seconds after it is written. n <= 0 means no expiry.
func Seconds(n int) TTL {
	if n <= 0 {
		return NoExpiry
	}
	return TTL{after: time.Duration(n) * time.Second}
}

// For expires the value d after it is written. d <= 0 means no expiry.
func For(d time.Duration) TTL {
	if d <= 0 {
		return NoExpiry
	}
	return TTL{after: d}
}

// Until expires the value at t.
func Until(t time.Time) TTL {
	return TTL{at: t}
}

// IsZero reports whether the TTL never expires.
func (t TTL) IsZero() bool {
	return t.after == 0 && t.at.IsZero()
}

// ExpiresAt resolves the TTL against now. ok is false when the value never expires.
func (t TTL) ExpiresAt(now time.Time) (time.Time, bool) {
	switch {
	case !t.at.IsZero():
		return t.at, true
	case t.after > 0:
		return now.Add(t.after), true
	default:
		return time.Time{}, false
	}
}

// Duration resolves the TTL into a relative duration from now. Absolute
// expiries already in the past resolve to zero with ok=true.
func (t TTL) Duration(now time.Time) (time.Duration, bool) {
	at, ok := t.ExpiresAt(now)
	if !ok {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
