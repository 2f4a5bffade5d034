package services

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderInvalidInput signals malformed or missing caller input.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderRuleViolation indicates a guard rejected the requested action.
	ErrOrderRuleViolation = errors.New("order: business rule violated")
	// ErrOrderConflict indicates the presented concurrency token is stale.
	ErrOrderConflict = errors.New("order: modified by another user, refresh and retry")
	// ErrOrderNotification marks failures of best-effort side effects.
	ErrOrderNotification = errors.New("order: notification failed")
)

// BusinessRule names the guard an action violated.
type BusinessRule string

const (
	RuleOrderUnavailable        BusinessRule = "order_unavailable"
	RuleNotOrderProducer        BusinessRule = "not_order_producer"
	RuleNotOrderBuyer           BusinessRule = "not_order_buyer"
	RuleInvalidTransition       BusinessRule = "invalid_transition"
	RuleInsufficientStock       BusinessRule = "insufficient_stock"
	RulePaymentDeadlineExpired  BusinessRule = "payment_deadline_expired"
	RuleProductUnavailable      BusinessRule = "product_unavailable"
	RuleSelfPurchase            BusinessRule = "self_purchase"
	RuleProducerDecisionMissing BusinessRule = "producer_decision_missing"
)

// ValidationError reports malformed or missing input. It is never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrOrderInvalidInput, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrOrderInvalidInput, e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrOrderInvalidInput }

// BusinessRuleError reports a guard violation. Retryable is set when the same request may
// succeed once the caller refreshes its view, as with a lost stock race.
type BusinessRuleError struct {
	Rule      BusinessRule
	Message   string
	Retryable bool
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrOrderRuleViolation, e.Rule, e.Message)
}

func (e *BusinessRuleError) Is(target error) bool { return target == ErrOrderRuleViolation }

// ConcurrencyConflictError reports that another writer committed first.
type ConcurrencyConflictError struct {
	OrderCode string
	Err       error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (order %s)", ErrOrderConflict, e.OrderCode)
	}
	return fmt.Sprintf("%s (order %s): %v", ErrOrderConflict, e.OrderCode, e.Err)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrOrderConflict }

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// NotificationError describes a failed best-effort side effect. It is logged, never returned
// from an order operation.
type NotificationError struct {
	Event     string
	Recipient string
	OrderCode string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s: %s to %s for order %s: %v", ErrOrderNotification, e.Event, e.Recipient, e.OrderCode, e.Err)
}

func (e *NotificationError) Is(target error) bool { return target == ErrOrderNotification }

func (e *NotificationError) Unwrap() error { return e.Err }

func invalidInput(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func ruleViolation(rule BusinessRule, format string, args ...any) error {
	return &BusinessRuleError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a retryable business rule failure.
func IsRetryable(err error) bool {
	var ruleErr *BusinessRuleError
	return errors.As(err, &ruleErr) && ruleErr.Retryable
}
