package guardian

import (
	"fmt"
	"sync"
)

// rule is the set of rule types a Ruleset can hold.
type rule interface {
	*RateLimitRule | *ErrorHandlingRule
	Key(prefix, suffix string) string
	Validate() error
}

// RateLimitingRuleset is an ordered collection of rate limit rules.
// Rules are evaluated first to last and the first blocking rule wins.
type RateLimitingRuleset interface {
	// Defaults returns the baseline rules the ruleset was created with
	Defaults() []*RateLimitRule
	// Rules returns the current rules in evaluation order
	Rules() []*RateLimitRule
	AddRule(rule *RateLimitRule) error
	AddRules(rules ...*RateLimitRule) error
}

// ErrorHandlingRuleset is an ordered collection of error handling rules.
// The first tripped rule decides whether an error is returned.
type ErrorHandlingRuleset interface {
	Defaults() []*ErrorHandlingRule
	Rules() []*ErrorHandlingRule
	AddRule(rule *ErrorHandlingRule) error
	AddRules(rules ...*ErrorHandlingRule) error
}

// Ruleset is the generic ordered container behind both ruleset kinds.
//
// A predefined ruleset is a named type embedding *Ruleset whose constructor
// passes a fixed baseline:
//
//	type PartnerAPIRules struct{ *guardian.Ruleset[*guardian.RateLimitRule] }
//
//	func NewPartnerAPIRules() (*PartnerAPIRules, error) {
//		rs, err := guardian.NewRateLimitingRuleset(
//			guardian.Allow(10).PerSecond(),
//			guardian.Allow(1000).PerDay(),
//		)
//		if err != nil {
//			return nil, err
//		}
//		return &PartnerAPIRules{rs}, nil
//	}
type Ruleset[R rule] struct {
	mu       sync.RWMutex
	defaults []R
	rules    []R
}

// NewRateLimitingRuleset creates a ruleset whose baseline is defaults.
// With no defaults it is the generic, initially empty ruleset.
func NewRateLimitingRuleset(defaults ...*RateLimitRule) (*Ruleset[*RateLimitRule], error) {
	return newRuleset(defaults)
}

// NewErrorHandlingRuleset creates an error handling ruleset whose baseline is defaults.
func NewErrorHandlingRuleset(defaults ...*ErrorHandlingRule) (*Ruleset[*ErrorHandlingRule], error) {
	return newRuleset(defaults)
}

func newRuleset[R rule](defaults []R) (*Ruleset[R], error) {
	if err := validateRules(defaults); err != nil {
		return nil, err
	}
	rs := &Ruleset[R]{
		defaults: append([]R(nil), defaults...),
		rules:    append(make([]R, 0, len(defaults)), defaults...),
	}
	return rs, nil
}

// Defaults returns a copy of the baseline rules.
func (rs *Ruleset[R]) Defaults() []R {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]R(nil), rs.defaults...)
}

// Rules returns a copy of the live rules in evaluation order.
func (rs *Ruleset[R]) Rules() []R {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]R(nil), rs.rules...)
}

// Len returns the number of live rules.
func (rs *Ruleset[R]) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// AddRule appends one rule.
func (rs *Ruleset[R]) AddRule(r R) error {
	return rs.AddRules(r)
}

// AddRules appends rules in order. If any rule is invalid nothing is added.
func (rs *Ruleset[R]) AddRules(rules ...R) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rules...)
	return nil
}

// validateRules checks every rule and fixes rate limit rule keys so that
// stored rules can no longer change.
func validateRules[R rule](rules []R) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	for _, r := range rules {
		r.Key("", "")
	}
	return nil
}
