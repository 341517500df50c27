package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"request-guardian/internal/domain"
	"request-guardian/internal/logger"
	"request-guardian/internal/metrics"
)

// Guardian gates work behind rate limit rules and decides, through error
// handling rules, whether a failure is returned or swallowed. State lives in
// the cache under keys derived from the identifier, so guardians sharing an
// identifier and a cache share their counters.
type Guardian struct {
	mu             sync.RWMutex
	identifier     string
	prefix         string
	cache          domain.Cache
	rules          RateLimitingRuleset
	errorRules     ErrorHandlingRuleset
	preventingRule *RateLimitRule
	logger         domain.Logger
}

// New creates a Guardian for identifier backed by cache. The identifier is
// sanitized and namespaced with DefaultPrefix unless WithPrefix says otherwise.
func New(identifier string, cache domain.Cache, opts ...Option) (*Guardian, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}

	g := &Guardian{
		prefix: DefaultPrefix,
		cache:  cache,
		logger: logger.NewNopLogger(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if err := g.SetIdentifier(identifier, g.prefix); err != nil {
		return nil, err
	}
	return g, nil
}

// Send runs work when every rate limit rule admits it.
//
// The flow is: scan the rate rules in order and stop at the first one at
// capacity, run the work, increment every rate counter, and on failure let
// the error handling rules decide between OutcomeFailed and
// OutcomeSuppressed. Every work error goes through the error handling rules,
// a *RateLimitExceededError included.
//
// Blocking returns a *RulePreventsExecutionError unless
// WithThrowIfBlocked(false) is given. With WithRetryAfter(true) an admitted
// call is also refused while a retry-after recorded from an earlier
// *RateLimitExceededError is pending. Cache failures are returned wrapped in
// ErrCache. Work errors are returned unchanged.
func (g *Guardian) Send(ctx context.Context, work Work, opts ...SendOption) (Result, error) {
	o := sendOptions{throwIfBlocked: true}
	for _, opt := range opts {
		opt(&o)
	}

	g.setPreventingRule(nil)
	s := g.snapshot()
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"identifier": s.identifier,
	})

	blocking, err := s.blockingRule(ctx)
	if err != nil {
		return Result{}, err
	}
	if blocking != nil {
		g.setPreventingRule(blocking)
		metrics.GuardOutcomes.WithLabelValues(metrics.OutcomeBlocked).Inc()
		metrics.RuleBlocks.WithLabelValues(blocking.Key("", "")).Inc()
		log.Warn("Execution blocked by rate limit rule", map[string]interface{}{
			"rule": blocking.String(),
		})
		res := Result{Outcome: OutcomeBlocked, Rule: blocking}
		if o.throwIfBlocked {
			return res, &RulePreventsExecutionError{Rule: blocking}
		}
		return res, nil
	}

	if o.retryAfter {
		retryAt, pending, err := s.pendingRetryAfter(ctx)
		if err != nil {
			return Result{}, err
		}
		if pending {
			metrics.GuardOutcomes.WithLabelValues(metrics.OutcomeRetryAfter).Inc()
			log.Info("Execution refused until retry-after", map[string]interface{}{
				"retry_after": retryAt.Format(time.RFC3339),
			})
			res := Result{Outcome: OutcomeBlocked, RetryAfter: retryAt}
			if o.throwIfBlocked {
				return res, &RateLimitExceededError{RetryAfter: retryAt}
			}
			return res, nil
		}
	}

	start := time.Now()
	value, workErr := work(ctx)
	elapsed := time.Since(start).Seconds()

	if err := s.incrementRateCounters(ctx); err != nil {
		log.Error("Failed to increment rate limit counters", err, nil)
		if workErr == nil {
			return Result{Outcome: OutcomeCompleted, Value: value}, err
		}
		return Result{Outcome: OutcomeFailed, Err: workErr}, err
	}

	if workErr == nil {
		metrics.GuardOutcomes.WithLabelValues(metrics.OutcomeCompleted).Inc()
		metrics.WorkDuration.WithLabelValues(metrics.OutcomeCompleted).Observe(elapsed)
		log.Debug("Execution completed", map[string]interface{}{
			"latency_ms": elapsed * 1000,
		})
		return Result{Outcome: OutcomeCompleted, Value: value}, nil
	}

	var exceeded *RateLimitExceededError
	if o.retryAfter && errors.As(workErr, &exceeded) {
		if err := s.recordRetryAfter(ctx, exceeded.RetryAfter); err != nil {
			return Result{Outcome: OutcomeFailed, Err: workErr}, err
		}
		log.Warn("Work reported rate limit exceeded", map[string]interface{}{
			"retry_after": exceeded.RetryAfter.Format(time.RFC3339),
		})
	}

	throw, err := s.shouldThrow(ctx)
	if err != nil {
		log.Error("Failed to evaluate error handling rules", err, nil)
		return Result{Outcome: OutcomeFailed, Err: workErr}, err
	}

	if throw {
		metrics.GuardOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
		metrics.WorkDuration.WithLabelValues(metrics.OutcomeFailed).Observe(elapsed)
		log.Error("Execution failed", workErr, nil)
		return Result{Outcome: OutcomeFailed, Err: workErr}, workErr
	}

	metrics.GuardOutcomes.WithLabelValues(metrics.OutcomeSuppressed).Inc()
	metrics.WorkDuration.WithLabelValues(metrics.OutcomeSuppressed).Observe(elapsed)
	log.Warn("Execution error suppressed", map[string]interface{}{
		"error": workErr.Error(),
	})
	return Result{Outcome: OutcomeSuppressed, Err: workErr}, nil
}

// Call is Send with a typed result. The zero T is returned whenever the
// work did not complete.
func Call[T any](ctx context.Context, g *Guardian, fn func(ctx context.Context) (T, error), opts ...SendOption) (T, Result, error) {
	res, err := g.Send(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)

	var zero T
	if res.Outcome != OutcomeCompleted {
		return zero, res, err
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, res, err
	}
	return v, res, err
}

// SetIdentifier sanitizes and stores a new identifier under prefix.
func (g *Guardian) SetIdentifier(identifier, prefix string) error {
	safe, err := SanitizeIdentifier(identifier, prefix)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.identifier = safe
	g.prefix = prefix
	g.mu.Unlock()
	return nil
}

// Identifier returns the sanitized identifier.
func (g *Guardian) Identifier() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.identifier
}

// Prefix returns the namespace the identifier was built with.
func (g *Guardian) Prefix() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prefix
}

// SetRules replaces the rate limit rules. See PrepareRules for accepted values.
func (g *Guardian) SetRules(rules any) error {
	rs, err := PrepareRules(rules)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.rules = rs
	g.mu.Unlock()
	return nil
}

// SetErrorRules replaces the error handling rules.
func (g *Guardian) SetErrorRules(rules any) error {
	rs, err := PrepareErrorRules(rules)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.errorRules = rs
	g.mu.Unlock()
	return nil
}

// AddRules appends rate limit rules, creating a ruleset when none is set.
func (g *Guardian) AddRules(rules ...*RateLimitRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rules == nil {
		rs, err := wrapRules(rules)
		if err != nil {
			return err
		}
		g.rules = rs
		return nil
	}
	return g.rules.AddRules(rules...)
}

// AddErrorRules appends error handling rules, creating a ruleset when none is set.
func (g *Guardian) AddErrorRules(rules ...*ErrorHandlingRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.errorRules == nil {
		rs, err := wrapErrorRules(rules)
		if err != nil {
			return err
		}
		g.errorRules = rs
		return nil
	}
	return g.errorRules.AddRules(rules...)
}

// Rules returns the rate limit ruleset, or nil when none is set.
func (g *Guardian) Rules() RateLimitingRuleset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rules
}

// ErrorRules returns the error handling ruleset, or nil when none is set.
func (g *Guardian) ErrorRules() ErrorHandlingRuleset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.errorRules
}

// Cache returns the backend holding the counters.
func (g *Guardian) Cache() domain.Cache {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cache
}

// SetCache swaps the backend. Counters in the old backend are not copied.
func (g *Guardian) SetCache(cache domain.Cache) error {
	if cache == nil {
		return fmt.Errorf("cache cannot be nil")
	}
	g.mu.Lock()
	g.cache = cache
	g.mu.Unlock()
	return nil
}

// PreventingRule returns the rule that blocked the most recent Send, or nil.
func (g *Guardian) PreventingRule() *RateLimitRule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.preventingRule
}

// CacheKey is the counter key of a rate limit rule for this identifier.
func (g *Guardian) CacheKey(rule *RateLimitRule) string {
	return rateKey(g.Identifier(), rule)
}

// ErrorCacheKey is the failure counter key of an error handling rule for this identifier.
func (g *Guardian) ErrorCacheKey(rule *ErrorHandlingRule) string {
	return errorKey(g.Identifier(), rule)
}

// ClearCache forgets every counter owned by this identifier and any
// pending retry-after. It reports true only when every deletion succeeded.
func (g *Guardian) ClearCache(ctx context.Context) (bool, error) {
	s := g.snapshot()

	var keys []string
	for _, r := range s.rateRules() {
		keys = append(keys, rateKey(s.identifier, r))
	}
	for _, r := range s.errorRules() {
		keys = append(keys, errorKey(s.identifier, r))
	}

	allDeleted := true
	var errs []error
	for _, key := range keys {
		ok, err := s.cache.Forget(ctx, key)
		if err != nil {
			errs = append(errs, cacheError("forget", key, err))
			allDeleted = false
			continue
		}
		if !ok {
			allDeleted = false
		}
	}

	marker := retryAfterKey(s.identifier)
	has, err := s.cache.Has(ctx, marker)
	switch {
	case err != nil:
		errs = append(errs, cacheError("has", marker, err))
		allDeleted = false
	case has:
		ok, err := s.cache.Forget(ctx, marker)
		if err != nil {
			errs = append(errs, cacheError("forget", marker, err))
			allDeleted = false
		} else if !ok {
			allDeleted = false
		}
	}

	s.logger.WithContext(ctx).Info("Cache cleared", map[string]interface{}{
		"identifier":  s.identifier,
		"keys":        len(keys),
		"all_deleted": allDeleted,
	})
	return allDeleted, errors.Join(errs...)
}

// IsRateLimitExceeded reports whether a retry-after recorded from a
// RateLimitExceededError is still pending.
func (g *Guardian) IsRateLimitExceeded(ctx context.Context) (bool, error) {
	_, pending, err := g.snapshot().pendingRetryAfter(ctx)
	return pending, err
}

// RateLimitRetryAfter returns the pending retry-after instant, if any.
func (g *Guardian) RateLimitRetryAfter(ctx context.Context) (time.Time, bool, error) {
	return g.snapshot().pendingRetryAfter(ctx)
}

// RuleUsage is the current counter of one rule.
type RuleUsage struct {
	Rule  string `json:"rule"`
	Key   string `json:"key"`
	Count int64  `json:"count"`
	Limit int    `json:"limit"`
}

// Usage is a point-in-time view of every counter owned by the identifier.
type Usage struct {
	Identifier string      `json:"identifier"`
	RateLimits []RuleUsage `json:"rate_limits"`
	Failures   []RuleUsage `json:"failures"`
	RetryAfter *time.Time  `json:"retry_after,omitempty"`
}

// Usage reads the counters without modifying them.
func (g *Guardian) Usage(ctx context.Context) (Usage, error) {
	s := g.snapshot()
	u := Usage{Identifier: s.identifier}

	for _, r := range s.rateRules() {
		key := rateKey(s.identifier, r)
		count, err := s.counter(ctx, key)
		if err != nil {
			return Usage{}, err
		}
		u.RateLimits = append(u.RateLimits, RuleUsage{Rule: r.String(), Key: key, Count: count, Limit: r.Limit()})
	}
	for _, r := range s.errorRules() {
		key := errorKey(s.identifier, r)
		count, err := s.counter(ctx, key)
		if err != nil {
			return Usage{}, err
		}
		u.Failures = append(u.Failures, RuleUsage{Rule: r.String(), Key: key, Count: count, Limit: r.FailureThreshold()})
	}

	at, pending, err := s.pendingRetryAfter(ctx)
	if err != nil {
		return Usage{}, err
	}
	if pending {
		u.RetryAfter = &at
	}
	return u, nil
}

func (g *Guardian) setPreventingRule(r *RateLimitRule) {
	g.mu.Lock()
	g.preventingRule = r
	g.mu.Unlock()
}

// state is a consistent copy of the guardian's configuration for one call.
type state struct {
	identifier string
	cache      domain.Cache
	rules      RateLimitingRuleset
	errRules   ErrorHandlingRuleset
	logger     domain.Logger
}

func (g *Guardian) snapshot() state {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return state{
		identifier: g.identifier,
		cache:      g.cache,
		rules:      g.rules,
		errRules:   g.errorRules,
		logger:     g.logger,
	}
}

func (s state) rateRules() []*RateLimitRule {
	if s.rules == nil {
		return nil
	}
	return s.rules.Rules()
}

func (s state) errorRules() []*ErrorHandlingRule {
	if s.errRules == nil {
		return nil
	}
	return s.errRules.Rules()
}

// blockingRule returns the first rate rule whose counter reached its limit.
func (s state) blockingRule(ctx context.Context) (*RateLimitRule, error) {
	for _, r := range s.rateRules() {
		count, err := s.counter(ctx, rateKey(s.identifier, r))
		if err != nil {
			return nil, err
		}
		if count >= int64(r.Limit()) {
			return r, nil
		}
	}
	return nil, nil
}

func (s state) incrementRateCounters(ctx context.Context) error {
	for _, r := range s.rateRules() {
		key := rateKey(s.identifier, r)
		count, err := s.counter(ctx, key)
		if err != nil {
			return err
		}
		if _, err := s.cache.Put(ctx, key, count+1, domain.Seconds(r.TotalSeconds())); err != nil {
			return cacheError("put", key, err)
		}
	}
	return nil
}

// shouldThrow applies the error handling rules to one failure. Without
// rules every error is returned. Otherwise the first rule already at its
// threshold decides, and each rule below threshold counts the failure.
func (s state) shouldThrow(ctx context.Context) (bool, error) {
	rules := s.errorRules()
	if len(rules) == 0 {
		return true, nil
	}

	for _, r := range rules {
		key := errorKey(s.identifier, r)
		count, err := s.counter(ctx, key)
		if err != nil {
			return false, err
		}
		if count >= int64(r.FailureThreshold()) {
			action := "suppress"
			if r.ShouldThrow() {
				action = "throw"
			}
			metrics.ErrorRuleTrips.WithLabelValues(action).Inc()
			return r.ShouldThrow(), nil
		}
		if _, err := s.cache.Put(ctx, key, count+1, domain.Seconds(r.TotalSeconds())); err != nil {
			return false, cacheError("put", key, err)
		}
	}
	return false, nil
}

func (s state) recordRetryAfter(ctx context.Context, at time.Time) error {
	if !at.After(now()) {
		return nil
	}
	key := retryAfterKey(s.identifier)
	if _, err := s.cache.Put(ctx, key, at.Unix(), domain.Until(at)); err != nil {
		return cacheError("put", key, err)
	}
	return nil
}

func (s state) pendingRetryAfter(ctx context.Context) (time.Time, bool, error) {
	key := retryAfterKey(s.identifier)
	v, err := s.cache.Get(ctx, key, nil)
	if err != nil {
		return time.Time{}, false, cacheError("get", key, err)
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	unix, ok := toInt64(v)
	if !ok {
		return time.Time{}, false, nil
	}
	at := time.Unix(unix, 0)
	if !at.After(now()) {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

func (s state) counter(ctx context.Context, key string) (int64, error) {
	v, err := s.cache.Get(ctx, key, int64(0))
	if err != nil {
		return 0, cacheError("get", key, err)
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, cacheError("decode", key, fmt.Errorf("unexpected counter value %v (%T)", v, v))
	}
	return n, nil
}

func rateKey(identifier string, r *RateLimitRule) string {
	return r.Key(identifier+":", "")
}

func errorKey(identifier string, r *ErrorHandlingRule) string {
	return r.Key(identifier+":error:", "")
}

func retryAfterKey(identifier string) string {
	return identifier + ":retry_after"
}

func cacheError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrCache, op, key, err)
}

// toInt64 normalises counters read back from serialising backends.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
