package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/portal-agro/api/internal/domain"
)

// ExpireAwaitingPayment moves an accepted order whose payment deadline passed without a
// payment proof to Expired. The deadline stays on the order as the record of what was missed.
func (s *orderService) ExpireAwaitingPayment(ctx context.Context, cmd ReconcileOrderCommand) (applied bool, err error) {
	ctx, span := startOrderSpan(ctx, "orders.expire", "")
	defer func() { finishOrderSpan(span, err) }()

	return s.reconcile(ctx, OrderActionExpire, cmd)
}

// AutoCompleteDelivered completes a delivered order the buyer did not confirm in time,
// recording an implicit "yes".
func (s *orderService) AutoCompleteDelivered(ctx context.Context, cmd ReconcileOrderCommand) (applied bool, err error) {
	ctx, span := startOrderSpan(ctx, "orders.auto_complete", "")
	defer func() { finishOrderSpan(span, err) }()

	return s.reconcile(ctx, OrderActionAutoComplete, cmd)
}

// reconcile re-reads the order and re-runs the guards against fresh state, so an order an
// interactive request already moved on is skipped rather than overwritten.
func (s *orderService) reconcile(ctx context.Context, action OrderAction, cmd ReconcileOrderCommand) (bool, error) {
	if cmd.OrderID <= 0 {
		return false, invalidInput("orderId", "order id is required")
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return false, nil
		}
		return false, s.mapRepositoryError(err)
	}

	now := s.now()
	if err := s.machine.Authorize(order, action, SystemActor, now); err != nil {
		if errors.Is(err, ErrOrderRuleViolation) {
			return false, nil
		}
		return false, err
	}

	previous := order.Status
	next := order
	if err := s.machine.Apply(&next, action, OrderTransition{}, now); err != nil {
		return false, err
	}

	saved, err := s.persist(ctx, next, nil)
	if err != nil {
		return false, err
	}

	s.afterCommit(ctx, saved, previous, SystemActor.UserID, cmd.Notify, saved.Status == domain.OrderStatusCompleted)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("order.code", saved.Code))
	return true, nil
}
