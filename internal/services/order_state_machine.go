package services

import (
	"slices"
	"time"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/textutil"
)

// OrderAction names a lifecycle action that may move an order between statuses.
type OrderAction string

const (
	OrderActionAccept        OrderAction = "accept"
	OrderActionReject        OrderAction = "reject"
	OrderActionUploadPayment OrderAction = "upload_payment"
	OrderActionMarkPreparing OrderAction = "mark_preparing"
	OrderActionMarkDispatch  OrderAction = "mark_dispatched"
	OrderActionMarkDelivered OrderAction = "mark_delivered"
	OrderActionConfirm       OrderAction = "confirm_received"
	OrderActionCancel        OrderAction = "cancel"
	OrderActionExpire        OrderAction = "expire"
	OrderActionAutoComplete  OrderAction = "auto_complete"
)

// OrderActorRole identifies which side of the order requests an action.
type OrderActorRole string

const (
	OrderActorBuyer    OrderActorRole = "buyer"
	OrderActorProducer OrderActorRole = "producer"
	OrderActorSystem   OrderActorRole = "system"
)

// OrderActor is the resolved identity behind a request. ProducerID is only meaningful for
// producer actors.
type OrderActor struct {
	Role       OrderActorRole
	UserID     string
	ProducerID int64
}

// SystemActor is used by background reconcilers.
var SystemActor = OrderActor{Role: OrderActorSystem, UserID: "system"}

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingReview: {
		domain.OrderStatusAcceptedAwaitingPayment,
		domain.OrderStatusRejected,
		domain.OrderStatusCancelledByUser,
	},
	domain.OrderStatusAcceptedAwaitingPayment: {
		domain.OrderStatusPaymentSubmitted,
		domain.OrderStatusExpired,
	},
	domain.OrderStatusPaymentSubmitted:             {domain.OrderStatusPreparing},
	domain.OrderStatusPreparing:                    {domain.OrderStatusDispatched},
	domain.OrderStatusDispatched:                   {domain.OrderStatusDeliveredPendingBuyerConfirm},
	domain.OrderStatusDeliveredPendingBuyerConfirm: {domain.OrderStatusCompleted, domain.OrderStatusDisputed},
}

type orderActionRule struct {
	from  domain.OrderStatus
	actor OrderActorRole
}

var orderActionRules = map[OrderAction]orderActionRule{
	OrderActionAccept:        {from: domain.OrderStatusPendingReview, actor: OrderActorProducer},
	OrderActionReject:        {from: domain.OrderStatusPendingReview, actor: OrderActorProducer},
	OrderActionCancel:        {from: domain.OrderStatusPendingReview, actor: OrderActorBuyer},
	OrderActionUploadPayment: {from: domain.OrderStatusAcceptedAwaitingPayment, actor: OrderActorBuyer},
	OrderActionExpire:        {from: domain.OrderStatusAcceptedAwaitingPayment, actor: OrderActorSystem},
	OrderActionMarkPreparing: {from: domain.OrderStatusPaymentSubmitted, actor: OrderActorProducer},
	OrderActionMarkDispatch:  {from: domain.OrderStatusPreparing, actor: OrderActorProducer},
	OrderActionMarkDelivered: {from: domain.OrderStatusDispatched, actor: OrderActorProducer},
	OrderActionConfirm:       {from: domain.OrderStatusDeliveredPendingBuyerConfirm, actor: OrderActorBuyer},
	OrderActionAutoComplete:  {from: domain.OrderStatusDeliveredPendingBuyerConfirm, actor: OrderActorSystem},
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

const (
	DefaultPaymentUploadDeadline    = 24 * time.Hour
	DefaultDeliveredConfirmDeadline = 48 * time.Hour

	minPaymentUploadHours    = 1
	maxPaymentUploadHours    = 168
	minDeliveredConfirmHours = 1
	maxDeliveredConfirmHours = 336
)

// OrderDeadlines holds the windows applied when an order enters a waiting status.
type OrderDeadlines struct {
	PaymentUpload    time.Duration
	DeliveredConfirm time.Duration
}

// NewOrderDeadlines builds deadlines from hour counts, clamping each into its allowed range.
// Zero or negative hours select the defaults.
func NewOrderDeadlines(paymentUploadHours, deliveredConfirmHours int) OrderDeadlines {
	deadlines := OrderDeadlines{
		PaymentUpload:    DefaultPaymentUploadDeadline,
		DeliveredConfirm: DefaultDeliveredConfirmDeadline,
	}
	if paymentUploadHours > 0 {
		deadlines.PaymentUpload = time.Duration(clampHours(paymentUploadHours, minPaymentUploadHours, maxPaymentUploadHours)) * time.Hour
	}
	if deliveredConfirmHours > 0 {
		deadlines.DeliveredConfirm = time.Duration(clampHours(deliveredConfirmHours, minDeliveredConfirmHours, maxDeliveredConfirmHours)) * time.Hour
	}
	return deadlines
}

func (d OrderDeadlines) normalized() OrderDeadlines {
	return NewOrderDeadlines(int(d.PaymentUpload/time.Hour), int(d.DeliveredConfirm/time.Hour))
}

func clampHours(value, lower, upper int) int {
	return min(max(value, lower), upper)
}

// OrderTransition carries the validated, action specific input applied alongside a status change.
type OrderTransition struct {
	Notes   string
	Reason  string
	Payment domain.MediaObject
	Answer  domain.ReceivedAnswer
}

// OrderStateMachine evaluates guards and applies the field changes of each lifecycle action.
// It performs no I/O.
type OrderStateMachine struct {
	deadlines OrderDeadlines
}

// NewOrderStateMachine returns a state machine using the given deadlines.
func NewOrderStateMachine(deadlines OrderDeadlines) OrderStateMachine {
	return OrderStateMachine{deadlines: deadlines.normalized()}
}

// Deadlines exposes the effective, clamped deadlines.
func (m OrderStateMachine) Deadlines() OrderDeadlines {
	return m.deadlines
}

// Authorize runs the guards of action against order in fixed order: availability, actor,
// predecessor status, then action specific rules. The first failure is returned.
func (m OrderStateMachine) Authorize(order domain.Order, action OrderAction, actor OrderActor, now time.Time) error {
	rule, ok := orderActionRules[action]
	if !ok {
		return invalidInput("action", "unknown order action")
	}
	if !order.Available() {
		return ruleViolation(RuleOrderUnavailable, "order %s is not available", order.Code)
	}
	if err := authorizeActor(order, rule.actor, actor); err != nil {
		return err
	}
	if order.Status != rule.from {
		return ruleViolation(RuleInvalidTransition, "cannot %s an order in status %s", action, order.Status)
	}

	switch action {
	case OrderActionUploadPayment:
		if order.AutoCloseAt != nil && now.After(*order.AutoCloseAt) {
			return ruleViolation(RulePaymentDeadlineExpired, "payment deadline passed at %s", order.AutoCloseAt.Format(time.RFC3339))
		}
	case OrderActionConfirm:
		if order.ProducerDecisionAt == nil {
			return ruleViolation(RuleProducerDecisionMissing, "order %s has no producer decision", order.Code)
		}
	case OrderActionExpire:
		if order.PaymentImageURL != "" {
			return ruleViolation(RuleInvalidTransition, "order %s already has a payment image", order.Code)
		}
		if !order.DeadlineDue(now) {
			return ruleViolation(RuleInvalidTransition, "payment deadline of order %s is not due", order.Code)
		}
	case OrderActionAutoComplete:
		if !order.DeadlineDue(now) {
			return ruleViolation(RuleInvalidTransition, "confirmation deadline of order %s is not due", order.Code)
		}
	}
	return nil
}

func authorizeActor(order domain.Order, required OrderActorRole, actor OrderActor) error {
	switch required {
	case OrderActorProducer:
		if actor.Role != OrderActorProducer || actor.ProducerID == 0 || actor.ProducerID != order.ProducerID {
			return ruleViolation(RuleNotOrderProducer, "only the producer of order %s may do this", order.Code)
		}
	case OrderActorBuyer:
		if actor.UserID == "" || actor.UserID != order.UserID {
			return ruleViolation(RuleNotOrderBuyer, "only the buyer of order %s may do this", order.Code)
		}
	case OrderActorSystem:
		if actor.Role != OrderActorSystem {
			return ruleViolation(RuleInvalidTransition, "action is reserved for background reconciliation")
		}
	}
	return nil
}

// Apply moves order to the status action leads to and sets the fields that go with it.
// Callers must run Authorize first.
func (m OrderStateMachine) Apply(order *domain.Order, action OrderAction, input OrderTransition, now time.Time) error {
	target, err := transitionTarget(action, input)
	if err != nil {
		return err
	}
	if !canTransition(order.Status, target) {
		return ruleViolation(RuleInvalidTransition, "cannot move order from %s to %s", order.Status, target)
	}

	switch action {
	case OrderActionAccept:
		order.ProducerNotes = input.Notes
		order.ProducerDecisionAt = timePtr(now)
		order.AcceptedAt = timePtr(now)
		order.AutoCloseAt = timePtr(now.Add(m.deadlines.PaymentUpload))
	case OrderActionReject:
		order.ProducerDecisionReason = input.Reason
		order.ProducerDecisionAt = timePtr(now)
		order.AutoCloseAt = nil
	case OrderActionCancel:
		order.AutoCloseAt = nil
	case OrderActionUploadPayment:
		order.PaymentImageURL = input.Payment.URL
		order.PaymentUploadedAt = timePtr(now)
		order.PaymentSubmittedAt = timePtr(now)
		order.AutoCloseAt = nil
	case OrderActionExpire:
		// AutoCloseAt stays as the record of the missed deadline.
	case OrderActionMarkPreparing, OrderActionMarkDispatch:
	case OrderActionMarkDelivered:
		order.UserConfirmEnabledAt = timePtr(now)
		order.AutoCloseAt = timePtr(now.Add(m.deadlines.DeliveredConfirm))
	case OrderActionConfirm:
		order.UserReceivedAnswer = input.Answer
		order.UserReceivedAt = timePtr(now)
		order.AutoCloseAt = nil
	case OrderActionAutoComplete:
		order.UserReceivedAnswer = domain.ReceivedAnswerYes
		order.UserReceivedAt = timePtr(now)
		order.AutoCloseAt = nil
	}

	order.Status = target
	order.UpdatedAt = now
	return nil
}

func transitionTarget(action OrderAction, input OrderTransition) (domain.OrderStatus, error) {
	switch action {
	case OrderActionAccept:
		return domain.OrderStatusAcceptedAwaitingPayment, nil
	case OrderActionReject:
		return domain.OrderStatusRejected, nil
	case OrderActionCancel:
		return domain.OrderStatusCancelledByUser, nil
	case OrderActionUploadPayment:
		return domain.OrderStatusPaymentSubmitted, nil
	case OrderActionExpire:
		return domain.OrderStatusExpired, nil
	case OrderActionMarkPreparing:
		return domain.OrderStatusPreparing, nil
	case OrderActionMarkDispatch:
		return domain.OrderStatusDispatched, nil
	case OrderActionMarkDelivered:
		return domain.OrderStatusDeliveredPendingBuyerConfirm, nil
	case OrderActionAutoComplete:
		return domain.OrderStatusCompleted, nil
	case OrderActionConfirm:
		switch input.Answer {
		case domain.ReceivedAnswerYes:
			return domain.OrderStatusCompleted, nil
		case domain.ReceivedAnswerNo:
			return domain.OrderStatusDisputed, nil
		}
		return "", invalidInput("answer", "answer must be yes or no")
	}
	return "", invalidInput("action", "unknown order action")
}

// ParseReceivedAnswer accepts "yes" or "no", ignoring case and surrounding whitespace.
func ParseReceivedAnswer(raw string) (domain.ReceivedAnswer, error) {
	switch textutil.Fold(raw) {
	case "yes":
		return domain.ReceivedAnswerYes, nil
	case "no":
		return domain.ReceivedAnswerNo, nil
	}
	return domain.ReceivedAnswerUnset, invalidInput("answer", "answer must be yes or no")
}

func timePtr(t time.Time) *time.Time {
	return &t
}
