package billing

import (
	"errors"
	"fmt"
	"time"
)

// ErrRuleNotFound matches any RuleNotFoundError via errors.Is.
var ErrRuleNotFound = errors.New("billing rule not found")

// RuleNotFoundError reports that no active rule covered the event.
type RuleNotFoundError struct {
	ServiceType string
	Provider    string
	ModelOrTier string
	At          time.Time
}

func (e *RuleNotFoundError) Error() string {
	msg := fmt.Sprintf("no billing rule for %s/%s at %s", e.ServiceType, e.Provider, e.At.UTC().Format(time.RFC3339))
	if e.ModelOrTier != "" {
		msg += " (model " + e.ModelOrTier + ")"
	}
	return msg
}

func (e *RuleNotFoundError) Is(target error) bool { return target == ErrRuleNotFound }

// InputError reports a quantity or rule field that cannot be priced.
type InputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	msg := "billing input " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InputError) Unwrap() error { return e.Err }

// ExpressionError reports a custom calculation expression that failed to
// parse or evaluate.
type ExpressionError struct {
	RuleID     string
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("billing rule %s expression %q: %v", e.RuleID, e.Expression, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }
