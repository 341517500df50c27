package config

import (
	"fmt"
	"strconv"
	"strings"

	"request-guardian/internal/guardian"
)

// ParseRateRules parses a comma separated list of "<limit>/<window>" entries,
// where window is a unit optionally preceded by a count:
//
//	"60/minute,1000/day,5/2hours"
//
// An empty string yields no rules.
func ParseRateRules(list string) ([]*guardian.RateLimitRule, error) {
	var rules []*guardian.RateLimitRule
	for _, item := range splitCSV(list) {
		limitPart, windowPart, ok := strings.Cut(item, "/")
		if !ok {
			return nil, fmt.Errorf("invalid rate rule %q: expected <limit>/<window>", item)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitPart))
		if err != nil {
			return nil, fmt.Errorf("invalid rate rule %q: bad limit: %w", item, err)
		}
		amount, unit, err := parseWindow(windowPart)
		if err != nil {
			return nil, fmt.Errorf("invalid rate rule %q: %w", item, err)
		}

		rule := guardian.Allow(limit).Every(amount, unit)
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rate rule %q: %w", item, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ParseErrorRules parses a comma separated list of
// "<threshold>[/<window>][:throw|:nothrow]" entries:
//
//	"3/minute:nothrow,10/hour"
//
// Without a window the failure counter never expires. Rules throw by default.
func ParseErrorRules(list string) ([]*guardian.ErrorHandlingRule, error) {
	var rules []*guardian.ErrorHandlingRule
	for _, item := range splitCSV(list) {
		body, action, hasAction := strings.Cut(item, ":")
		throw := true
		if hasAction {
			switch strings.ToLower(strings.TrimSpace(action)) {
			case "throw":
			case "nothrow", "suppress":
				throw = false
			default:
				return nil, fmt.Errorf("invalid error rule %q: unknown action %q", item, action)
			}
		}

		thresholdPart, windowPart, hasWindow := strings.Cut(body, "/")
		threshold, err := strconv.Atoi(strings.TrimSpace(thresholdPart))
		if err != nil {
			return nil, fmt.Errorf("invalid error rule %q: bad threshold: %w", item, err)
		}

		rule := guardian.AllowFailures(threshold).ThenThrow(throw)
		if hasWindow {
			amount, unit, err := parseWindow(windowPart)
			if err != nil {
				return nil, fmt.Errorf("invalid error rule %q: %w", item, err)
			}
			rule = rule.PerInterval(unit, amount)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid error rule %q: %w", item, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parseWindow splits "2hours" into 2 and guardian.Hour. A missing count is 1.
func parseWindow(s string) (int, guardian.Interval, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}

	amount := 1
	if i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, "", err
		}
		amount = n
	}

	unit, err := guardian.ParseInterval(s[i:])
	if err != nil {
		return 0, "", err
	}
	return amount, unit, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
