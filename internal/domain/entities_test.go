package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTL_ExpiresAt(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ttl      TTL
		expected time.Time
		ok       bool
	}{
		{name: "No expiry", ttl: NoExpiry, ok: false},
		{name: "Zero seconds never expires", ttl: Seconds(0), ok: false},
		{name: "Negative seconds never expires", ttl: Seconds(-5), ok: false},
		{name: "Seconds", ttl: Seconds(60), expected: now.Add(time.Minute), ok: true},
		{name: "Duration", ttl: For(90 * time.Second), expected: now.Add(90 * time.Second), ok: true},
		{name: "Absolute time", ttl: Until(now.Add(time.Hour)), expected: now.Add(time.Hour), ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, ok := tt.ttl.ExpiresAt(now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, !tt.ttl.IsZero())
			if tt.ok {
				assert.Equal(t, tt.expected, at)
			}
		})
	}
}

func TestTTL_Duration(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	d, ok := Until(now.Add(-time.Minute)).Duration(now)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	d, ok = Seconds(30).Duration(now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = NoExpiry.Duration(now)
	assert.False(t, ok)
}
