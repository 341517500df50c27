package guardian

import (
	"fmt"
	"reflect"
)

// PrepareRules turns v into a rate limiting ruleset. v may be a
// RateLimitingRuleset (used as is), a single *RateLimitRule, a
// []*RateLimitRule or a []any holding only *RateLimitRule values.
// nil, a nil ruleset pointer and empty slices yield a nil ruleset, meaning
// "no rate limiting".
func PrepareRules(v any) (RateLimitingRuleset, error) {
	switch rules := v.(type) {
	case nil:
		return nil, nil
	case RateLimitingRuleset:
		if isNilPointer(rules) {
			return nil, nil
		}
		return rules, nil
	case *RateLimitRule:
		return wrapRules([]*RateLimitRule{rules})
	case []*RateLimitRule:
		return wrapRules(rules)
	case []any:
		typed, err := mustBeRules[*RateLimitRule](rules)
		if err != nil {
			return nil, err
		}
		return wrapRules(typed)
	default:
		return nil, fmt.Errorf("%w: expected rate limit rules, got %T", ErrRuleType, v)
	}
}

// PrepareErrorRules is PrepareRules for error handling rules.
func PrepareErrorRules(v any) (ErrorHandlingRuleset, error) {
	switch rules := v.(type) {
	case nil:
		return nil, nil
	case ErrorHandlingRuleset:
		if isNilPointer(rules) {
			return nil, nil
		}
		return rules, nil
	case *ErrorHandlingRule:
		return wrapErrorRules([]*ErrorHandlingRule{rules})
	case []*ErrorHandlingRule:
		return wrapErrorRules(rules)
	case []any:
		typed, err := mustBeRules[*ErrorHandlingRule](rules)
		if err != nil {
			return nil, err
		}
		return wrapErrorRules(typed)
	default:
		return nil, fmt.Errorf("%w: expected error handling rules, got %T", ErrRuleType, v)
	}
}

// isNilPointer catches a nil *Ruleset, or a nil pointer to a type embedding
// one, stored in a non-nil interface.
func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func wrapRules(rules []*RateLimitRule) (RateLimitingRuleset, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	rs, err := NewRateLimitingRuleset()
	if err != nil {
		return nil, err
	}
	if err := rs.AddRules(rules...); err != nil {
		return nil, err
	}
	return rs, nil
}

func wrapErrorRules(rules []*ErrorHandlingRule) (ErrorHandlingRuleset, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	rs, err := NewErrorHandlingRuleset()
	if err != nil {
		return nil, err
	}
	if err := rs.AddRules(rules...); err != nil {
		return nil, err
	}
	return rs, nil
}

// mustBeRules checks every element of items is an R.
func mustBeRules[R rule](items []any) ([]R, error) {
	typed := make([]R, 0, len(items))
	for i, item := range items {
		r, ok := item.(R)
		if !ok {
			var want R
			return nil, fmt.Errorf("%w: element %d is %T, want %T", ErrRuleType, i, item, want)
		}
		typed = append(typed, r)
	}
	return typed, nil
}
