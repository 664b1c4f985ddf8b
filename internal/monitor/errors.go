package monitor

import "errors"

var (
	// ErrRuleEvaluation is recorded when a rule cannot be evaluated against a point
	ErrRuleEvaluation = errors.New("rule evaluation error")

	// ErrRuleNotFound is returned for unknown or deleted rules
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRule is returned when a rule definition is incomplete or inconsistent
	ErrInvalidRule = errors.New("invalid alert rule")

	// ErrEventNotFound is returned for unknown alert events
	ErrEventNotFound = errors.New("alert event not found")
)
