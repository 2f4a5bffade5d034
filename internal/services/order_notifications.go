package services

import (
	"context"
	"errors"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/repositories"
)

const (
	fallbackProducerName = "Productor"
	fallbackBuyerName    = "Cliente"
)

type orderNotifications struct {
	participants repositories.ParticipantRepository
	notifier     OrderNotifier
	logger       func(context.Context, string, map[string]any)
}

type orderNotice struct {
	event    string
	audience NotificationAudience
	send     func(context.Context, OrderMessage) error
}

// dispatch sends every email the order's current status calls for. Each recipient is handled
// on its own so one failure never blocks another.
func (n orderNotifications) dispatch(ctx context.Context, order domain.Order, autoCompleted bool) {
	if n.notifier == nil {
		return
	}
	for _, notice := range n.noticesFor(order.Status) {
		if err := n.deliver(ctx, order, notice, autoCompleted); err != nil {
			n.logger(ctx, "order.notification.failed", map[string]any{
				"order":    order.Code,
				"event":    notice.event,
				"audience": string(notice.audience),
				"error":    err.Error(),
			})
		}
	}
}

func (n orderNotifications) noticesFor(status domain.OrderStatus) []orderNotice {
	buyer := func(event string, send func(context.Context, OrderMessage) error) orderNotice {
		return orderNotice{event: event, audience: AudienceBuyer, send: send}
	}
	producer := func(event string, send func(context.Context, OrderMessage) error) orderNotice {
		return orderNotice{event: event, audience: AudienceProducer, send: send}
	}

	switch status {
	case domain.OrderStatusPendingReview:
		return []orderNotice{
			producer("order.created", n.notifier.OrderCreated),
			buyer("order.created", n.notifier.OrderCreated),
		}
	case domain.OrderStatusAcceptedAwaitingPayment:
		return []orderNotice{buyer("order.accepted", n.notifier.OrderAcceptedAwaitingPayment)}
	case domain.OrderStatusPaymentSubmitted:
		return []orderNotice{producer("order.payment_submitted", n.notifier.OrderPaymentSubmitted)}
	case domain.OrderStatusPreparing:
		return []orderNotice{buyer("order.preparing", n.notifier.OrderPreparing)}
	case domain.OrderStatusDispatched:
		return []orderNotice{buyer("order.dispatched", n.notifier.OrderDispatched)}
	case domain.OrderStatusDeliveredPendingBuyerConfirm:
		return []orderNotice{buyer("order.delivered", n.notifier.OrderDeliveredPendingConfirm)}
	case domain.OrderStatusCompleted:
		return []orderNotice{
			producer("order.completed", n.notifier.OrderCompleted),
			buyer("order.completed", n.notifier.OrderCompleted),
		}
	case domain.OrderStatusDisputed:
		return []orderNotice{producer("order.disputed", n.notifier.OrderDisputed)}
	case domain.OrderStatusRejected:
		return []orderNotice{buyer("order.rejected", n.notifier.OrderRejected)}
	case domain.OrderStatusCancelledByUser:
		return []orderNotice{producer("order.cancelled", n.notifier.OrderCancelled)}
	case domain.OrderStatusExpired:
		return []orderNotice{buyer("order.expired", n.notifier.OrderExpired)}
	}
	return nil
}

func (n orderNotifications) deliver(ctx context.Context, order domain.Order, notice orderNotice, autoCompleted bool) error {
	contact, name, err := n.recipient(ctx, order, notice.audience)
	if err != nil {
		return &NotificationError{Event: notice.event, Recipient: string(notice.audience), OrderCode: order.Code, Err: err}
	}

	msg := OrderMessage{
		Audience:      notice.audience,
		Recipient:     contact,
		RecipientName: name,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		ProductName:   order.ProductName,
		Quantity:      order.QuantityRequested,
		Total:         order.Total,
		OccurredAt:    order.UpdatedAt,
	}
	switch order.Status {
	case domain.OrderStatusAcceptedAwaitingPayment, domain.OrderStatusDeliveredPendingBuyerConfirm, domain.OrderStatusExpired:
		msg.Deadline = order.AutoCloseAt
	case domain.OrderStatusRejected:
		msg.Reason = order.ProducerDecisionReason
	case domain.OrderStatusCompleted:
		msg.AutoCompleted = autoCompleted
	}

	if err := notice.send(ctx, msg); err != nil {
		return &NotificationError{Event: notice.event, Recipient: contact.Email, OrderCode: order.Code, Err: err}
	}
	return nil
}

func (n orderNotifications) recipient(ctx context.Context, order domain.Order, audience NotificationAudience) (domain.Contact, string, error) {
	var (
		contact  domain.Contact
		fallback string
		err      error
	)
	switch audience {
	case AudienceProducer:
		contact, err = n.participants.ContactForProducer(ctx, order.ProducerID)
		fallback = fallbackProducerName
	default:
		contact, err = n.participants.ContactForUser(ctx, order.UserID)
		fallback = fallbackBuyerName
	}
	if err != nil {
		return domain.Contact{}, "", err
	}
	if contact.Email == "" {
		return domain.Contact{}, "", errors.New("contact has no email address")
	}
	return contact, contact.DisplayName(fallback), nil
}
