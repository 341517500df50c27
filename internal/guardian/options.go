package guardian

import (
	"fmt"

	"request-guardian/internal/domain"
)

// Option configures a Guardian at construction time.
type Option func(*Guardian) error

// WithRules sets the rate limiting rules. See PrepareRules for accepted values.
func WithRules(rules any) Option {
	return func(g *Guardian) error {
		rs, err := PrepareRules(rules)
		if err != nil {
			return err
		}
		g.rules = rs
		return nil
	}
}

// WithErrorRules sets the error handling rules. See PrepareErrorRules for accepted values.
func WithErrorRules(rules any) Option {
	return func(g *Guardian) error {
		rs, err := PrepareErrorRules(rules)
		if err != nil {
			return err
		}
		g.errorRules = rs
		return nil
	}
}

// WithPrefix sets the namespace prepended to the identifier. An empty
// prefix leaves identifiers bare.
func WithPrefix(prefix string) Option {
	return func(g *Guardian) error {
		g.prefix = prefix
		return nil
	}
}

// WithLogger sets the logger. Guardians log nothing by default.
func WithLogger(logger domain.Logger) Option {
	return func(g *Guardian) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}
