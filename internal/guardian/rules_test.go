package guardian

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalConversions(t *testing.T) {
	tests := []struct {
		interval Interval
		seconds  int
		days     float64
	}{
		{Second, 1, 1.0 / 86400},
		{Minute, 60, 1.0 / 1440},
		{Hour, 3600, 1.0 / 24},
		{Day, 86400, 1},
		{Week, 604800, 7},
		{Month, 2629746, 30.44},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			assert.Equal(t, tt.seconds, tt.interval.ToSeconds())
			assert.InDelta(t, tt.days, tt.interval.ToDays(), 1e-9)
			assert.True(t, tt.interval.Valid())
		})
	}

	assert.False(t, Interval("fortnight").Valid())
	assert.Zero(t, Interval("fortnight").ToSeconds())
}

func TestParseInterval(t *testing.T) {
	for input, want := range map[string]Interval{
		"s":       Second,
		"Minute":  Minute,
		"minutes": Minute,
		"h":       Hour,
		" days ":  Day,
		"w":       Week,
		"mo":      Month,
	} {
		got, err := ParseInterval(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseInterval("year")
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestRateLimitRuleBuilders(t *testing.T) {
	tests := []struct {
		name    string
		rule    *RateLimitRule
		seconds int
		key     string
	}{
		{"per second", Allow(10).PerSecond(), 1, "rate_limit_10_per_second"},
		{"per minutes", Allow(170).PerMinutes(5), 300, "rate_limit_170_per_minute_5"},
		{"per hour", Allow(100).PerHour(), 3600, "rate_limit_100_per_hour"},
		{"per days", Allow(1000).PerDays(2), 172800, "rate_limit_1000_per_day_2"},
		{"per week", Allow(5).PerWeek(), 604800, "rate_limit_5_per_week"},
		{"per months", Allow(5).PerMonths(3), 3 * 2629746, "rate_limit_5_per_month_3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.rule.Validate())
			assert.Equal(t, tt.seconds, tt.rule.TotalSeconds())
			assert.Equal(t, tt.key, tt.rule.Key("", ""))
			assert.Equal(t, "pre:"+tt.key+":suf", tt.rule.Key("pre:", ":suf"))
		})
	}
}

func TestRateLimitRuleString(t *testing.T) {
	assert.Equal(t, "5 requests per 1 minute", Allow(5).PerMinute().String())
}

func TestRateLimitRuleFreezesOnKey(t *testing.T) {
	original := Allow(5).PerMinute()
	key := original.Key("", "")

	changed := original.PerHour()
	assert.NotSame(t, original, changed)
	assert.Equal(t, Minute, original.Interval())
	assert.Equal(t, key, original.Key("", ""))
	assert.Equal(t, Hour, changed.Interval())
	assert.Equal(t, "rate_limit_5_per_hour", changed.Key("", ""))

	building := Allow(1)
	assert.Same(t, building, building.PerMinute())
}

func TestRateLimitRuleExpiry(t *testing.T) {
	setClock(t, time.Date(2024, 2, 10, 14, 30, 0, 0, time.UTC))

	t.Run("daily until later today", func(t *testing.T) {
		r, err := Allow(5).PerDay().DailyUntil("18:00")
		require.NoError(t, err)
		until, ok := r.Until()
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 2, 10, 18, 0, 0, 0, time.UTC), until)
		assert.Equal(t, "rate_limit_5_per_day_until_20240210180000", r.Key("", ""))
	})

	t.Run("daily until rolls to tomorrow", func(t *testing.T) {
		r, err := Allow(5).PerDay().DailyUntil("09:15")
		require.NoError(t, err)
		until, _ := r.Until()
		assert.Equal(t, time.Date(2024, 2, 11, 9, 15, 0, 0, time.UTC), until)
	})

	t.Run("daily until rejects bad format", func(t *testing.T) {
		_, err := Allow(5).PerDay().DailyUntil("25:99")
		assert.ErrorIs(t, err, ErrInvalidTimeFormat)
		_, err = Allow(5).PerDay().DailyUntil("noon")
		assert.ErrorIs(t, err, ErrInvalidTimeFormat)
	})

	t.Run("until midnight tonight", func(t *testing.T) {
		until, ok := Allow(5).PerDay().UntilMidnightTonight().Until()
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC), until)
	})

	t.Run("until end of month", func(t *testing.T) {
		until, ok := Allow(5).PerMonth().UntilEndOfMonth().Until()
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), until)
	})

	t.Run("no expiry by default", func(t *testing.T) {
		_, ok := Allow(5).PerDay().Until()
		assert.False(t, ok)
	})
}

func TestRateLimitRuleValidate(t *testing.T) {
	var nilRule *RateLimitRule
	assert.ErrorIs(t, nilRule.Validate(), ErrRuleType)
	assert.ErrorIs(t, Allow(0).PerMinute().Validate(), ErrInvalidRule)
	assert.ErrorIs(t, Allow(5).Validate(), ErrInvalidRule)
	assert.ErrorIs(t, Allow(5).PerMinutes(0).Validate(), ErrInvalidRule)
	assert.NoError(t, Allow(5).PerMinute().Validate())
}

func TestErrorHandlingRule(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := AllowFailures(3)
		assert.Equal(t, 3, r.FailureThreshold())
		assert.True(t, r.ShouldThrow())
		_, ok := r.Interval()
		assert.False(t, ok)
		assert.Zero(t, r.TotalSeconds())
		assert.Equal(t, "3_none_1_no_expiry", r.Key("", ""))
		assert.NoError(t, r.Validate())
	})

	t.Run("windowed", func(t *testing.T) {
		r := AllowFailures(10).PerHours(2).ThenThrow(false)
		unit, ok := r.Interval()
		require.True(t, ok)
		assert.Equal(t, Hour, unit)
		assert.Equal(t, 7200, r.TotalSeconds())
		assert.False(t, r.ShouldThrow())
		assert.Equal(t, "err:10_hour_2_no_expiry", r.Key("err:", ""))
		assert.Equal(t, "10 failures per 2 hour", r.String())
	})

	t.Run("until midnight", func(t *testing.T) {
		setClock(t, time.Date(2024, 2, 10, 14, 30, 0, 0, time.UTC))
		r := AllowFailures(1).PerDay().UntilMidnightTonight()
		assert.Equal(t, "1_day_1_20240211000000", r.Key("", ""))
	})

	t.Run("validate", func(t *testing.T) {
		assert.ErrorIs(t, AllowFailures(0).Validate(), ErrInvalidRule)
		assert.ErrorIs(t, AllowFailures(1).PerInterval("fortnight", 1).Validate(), ErrInvalidRule)
	})
}

func TestRulesets(t *testing.T) {
	t.Run("defaults seed rules", func(t *testing.T) {
		rs, err := NewRateLimitingRuleset(Allow(1).PerSecond(), Allow(100).PerDay())
		require.NoError(t, err)
		assert.Len(t, rs.Defaults(), 2)
		assert.Equal(t, 2, rs.Len())

		require.NoError(t, rs.AddRule(Allow(10).PerMinute()))
		assert.Len(t, rs.Defaults(), 2)
		rules := rs.Rules()
		require.Len(t, rules, 3)
		assert.Equal(t, Minute, rules[2].Interval())
	})

	t.Run("add is all or nothing", func(t *testing.T) {
		rs, err := NewErrorHandlingRuleset()
		require.NoError(t, err)
		err = rs.AddRules(AllowFailures(1), AllowFailures(-1))
		assert.ErrorIs(t, err, ErrInvalidRule)
		assert.Zero(t, rs.Len())
	})

	t.Run("invalid defaults rejected", func(t *testing.T) {
		_, err := NewRateLimitingRuleset(Allow(0).PerMinute())
		assert.ErrorIs(t, err, ErrInvalidRule)
	})

	t.Run("rules snapshot is a copy", func(t *testing.T) {
		rs, err := NewRateLimitingRuleset(Allow(1).PerSecond())
		require.NoError(t, err)
		rules := rs.Rules()
		rules[0] = Allow(99).PerDay()
		assert.Equal(t, 1, rs.Rules()[0].Limit())
	})

	t.Run("stored rules are frozen", func(t *testing.T) {
		r := Allow(1).PerSecond()
		rs, err := NewRateLimitingRuleset(r)
		require.NoError(t, err)
		r.PerDay()
		assert.Equal(t, Second, rs.Rules()[0].Interval())
	})

	t.Run("stored error rules are frozen", func(t *testing.T) {
		r := AllowFailures(3).PerMinute()
		rs, err := NewErrorHandlingRuleset(r)
		require.NoError(t, err)
		key := r.Key("", "")

		changed := r.PerDay().ThenThrow(false)
		assert.NotSame(t, r, changed)
		unit, _ := changed.Interval()
		assert.Equal(t, Day, unit)
		assert.False(t, changed.ShouldThrow())

		stored := rs.Rules()[0]
		assert.Same(t, r, stored)
		unit, _ = stored.Interval()
		assert.Equal(t, Minute, unit)
		assert.True(t, stored.ShouldThrow())
		assert.Equal(t, key, stored.Key("", ""))
	})

	t.Run("unstored error rules are built in place", func(t *testing.T) {
		r := AllowFailures(3)
		assert.Same(t, r, r.PerHour().ThenThrow(false))
	})
}

func TestPrepareRules(t *testing.T) {
	t.Run("nil and empty yield nil", func(t *testing.T) {
		rs, err := PrepareRules(nil)
		require.NoError(t, err)
		assert.Nil(t, rs)

		rs, err = PrepareRules([]*RateLimitRule{})
		require.NoError(t, err)
		assert.Nil(t, rs)
	})

	t.Run("nil ruleset pointers yield nil", func(t *testing.T) {
		rs, err := PrepareRules((*Ruleset[*RateLimitRule])(nil))
		require.NoError(t, err)
		assert.Nil(t, rs)

		ers, err := PrepareErrorRules((*Ruleset[*ErrorHandlingRule])(nil))
		require.NoError(t, err)
		assert.Nil(t, ers)
	})

	t.Run("single rule", func(t *testing.T) {
		rs, err := PrepareRules(Allow(1).PerMinute())
		require.NoError(t, err)
		assert.Len(t, rs.Rules(), 1)
	})

	t.Run("ruleset used as is", func(t *testing.T) {
		in, err := NewRateLimitingRuleset(Allow(1).PerMinute())
		require.NoError(t, err)
		rs, err := PrepareRules(in)
		require.NoError(t, err)
		assert.Same(t, in, rs)
	})

	t.Run("mixed any slice", func(t *testing.T) {
		_, err := PrepareRules([]any{Allow(1).PerMinute(), AllowFailures(1)})
		assert.ErrorIs(t, err, ErrRuleType)

		rs, err := PrepareErrorRules([]any{AllowFailures(1), AllowFailures(2)})
		require.NoError(t, err)
		assert.Len(t, rs.Rules(), 2)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := PrepareRules("60/minute")
		assert.ErrorIs(t, err, ErrRuleType)
		_, err = PrepareErrorRules(Allow(1).PerMinute())
		assert.ErrorIs(t, err, ErrRuleType)
	})
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		prefix     string
		want       string
		wantErr    error
	}{
		{"strips unsafe characters", "test!@#", "guardian", "guardian_test", nil},
		{"keeps dashes and underscores", "user-42_a", "api", "api_user-42_a", nil},
		{"bare identifier starting with digit", "001", "", "id_001", nil},
		{"bare identifier starting with letter", "abc", "", "abc", nil},
		{"nothing left", "!!!", "guardian", "", ErrEmptyIdentifier},
		{"nothing left without prefix", "@@", "", "", ErrEmptyIdentifier},
		{"bare id_ is empty", "id_", "", "", ErrEmptyIdentifier},
		{"all symbols after the name", "test!@#$%^&*()", "guardian", "guardian_test", nil},
		{"empty identifier", "", "guardian", "", ErrEmptyIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.identifier, tt.prefix)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("truncates to max length", func(t *testing.T) {
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'a'
		}
		got, err := SanitizeIdentifier(string(long), "guardian")
		require.NoError(t, err)
		assert.Len(t, got, MaxIdentifierLength)
		assert.Equal(t, "guardian_", got[:9])
	})
}

func TestNewRateLimitExceededError(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setClock(t, base)

	tests := []struct {
		name  string
		input any
		want  time.Time
	}{
		{"time", base.Add(time.Hour), base.Add(time.Hour)},
		{"duration", 90 * time.Second, base.Add(90 * time.Second)},
		{"int seconds", 120, base.Add(2 * time.Minute)},
		{"digit string", "45", base.Add(45 * time.Second)},
		{"http date", "Wed, 01 May 2024 13:00:00 GMT", time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewRateLimitExceededError(tt.input, "")
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(e.RetryAfter))
			assert.ErrorIs(t, e, ErrRateLimitExceeded)
		})
	}

	_, err := NewRateLimitExceededError("soon", "")
	assert.ErrorIs(t, err, ErrInvalidRetryAfter)
	_, err = NewRateLimitExceededError(3.5, "")
	assert.ErrorIs(t, err, ErrInvalidRetryAfter)
}
