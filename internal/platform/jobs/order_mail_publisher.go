package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/portal-agro/api/internal/services"
)

// Mail templates rendered by the mail worker, one per lifecycle notification.
const (
	TemplateOrderCreated          = "order.created"
	TemplateOrderAccepted         = "order.accepted_awaiting_payment"
	TemplateOrderPaymentSubmitted = "order.payment_submitted"
	TemplateOrderPreparing        = "order.preparing"
	TemplateOrderDispatched       = "order.dispatched"
	TemplateOrderDelivered        = "order.delivered_pending_confirm"
	TemplateOrderCompleted        = "order.completed"
	TemplateOrderDisputed         = "order.disputed"
	TemplateOrderRejected         = "order.rejected"
	TemplateOrderCancelled        = "order.cancelled"
	TemplateOrderExpired          = "order.expired"
)

var errMissingRecipient = errors.New("pubsub order mail publisher: recipient email is required")

// OrderMailJob is the message consumed by the mail worker.
type OrderMailJob struct {
	Template      string     `json:"template"`
	Audience      string     `json:"audience"`
	To            string     `json:"to"`
	RecipientName string     `json:"recipientName"`
	OrderID       int64      `json:"orderId"`
	OrderCode     string     `json:"orderCode"`
	ProductName   string     `json:"productName"`
	Quantity      int        `json:"quantity"`
	Total         string     `json:"total"`
	Reason        string     `json:"reason,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	AutoCompleted bool       `json:"autoCompleted,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

// PubSubOrderMailPublisher queues lifecycle emails as mail jobs on a Pub/Sub topic.
type PubSubOrderMailPublisher struct {
	publisher topicPublisher
}

var _ services.OrderNotifier = (*PubSubOrderMailPublisher)(nil)

// NewPubSubOrderMailPublisher constructs a mail job publisher for topic.
func NewPubSubOrderMailPublisher(topic *pubsub.Topic) (*PubSubOrderMailPublisher, error) {
	publisher, err := newTopicPublisher("pubsub order mail publisher", topic)
	if err != nil {
		return nil, err
	}
	return &PubSubOrderMailPublisher{publisher: publisher}, nil
}

func (p *PubSubOrderMailPublisher) OrderCreated(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderCreated, msg)
}

func (p *PubSubOrderMailPublisher) OrderAcceptedAwaitingPayment(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderAccepted, msg)
}

func (p *PubSubOrderMailPublisher) OrderPaymentSubmitted(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderPaymentSubmitted, msg)
}

func (p *PubSubOrderMailPublisher) OrderPreparing(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderPreparing, msg)
}

func (p *PubSubOrderMailPublisher) OrderDispatched(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderDispatched, msg)
}

func (p *PubSubOrderMailPublisher) OrderDeliveredPendingConfirm(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderDelivered, msg)
}

func (p *PubSubOrderMailPublisher) OrderCompleted(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderCompleted, msg)
}

func (p *PubSubOrderMailPublisher) OrderDisputed(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderDisputed, msg)
}

func (p *PubSubOrderMailPublisher) OrderRejected(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderRejected, msg)
}

func (p *PubSubOrderMailPublisher) OrderCancelled(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderCancelled, msg)
}

func (p *PubSubOrderMailPublisher) OrderExpired(ctx context.Context, msg services.OrderMessage) error {
	return p.enqueue(ctx, TemplateOrderExpired, msg)
}

func (p *PubSubOrderMailPublisher) enqueue(ctx context.Context, template string, msg services.OrderMessage) error {
	to := strings.TrimSpace(msg.Recipient.Email)
	if to == "" {
		return errMissingRecipient
	}
	job := OrderMailJob{
		Template:      template,
		Audience:      string(msg.Audience),
		To:            to,
		RecipientName: msg.RecipientName,
		OrderID:       msg.OrderID,
		OrderCode:     msg.OrderCode,
		ProductName:   msg.ProductName,
		Quantity:      msg.Quantity,
		Total:         msg.Total.StringFixed(2),
		Reason:        msg.Reason,
		Deadline:      msg.Deadline,
		AutoCompleted: msg.AutoCompleted,
		OccurredAt:    msg.OccurredAt.UTC(),
	}
	attrs := map[string]string{}
	setAttr(attrs, "template", template)
	setAttr(attrs, "audience", string(msg.Audience))
	setAttr(attrs, "orderCode", msg.OrderCode)

	_, err := p.publisher.publish(ctx, job, attrs)
	return err
}
