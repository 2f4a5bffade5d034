package jobs

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/portal-agro/api/internal/services"
)

// OrderEventMessage is the wire form of an order lifecycle event.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        int64          `json:"orderId"`
	OrderCode      string         `json:"orderCode"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	publisher topicPublisher
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs an event publisher for topic.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	publisher, err := newTopicPublisher("pubsub order event publisher", topic)
	if err != nil {
		return nil, err
	}
	return &PubSubOrderEventPublisher{publisher: publisher}, nil
}

// PublishOrderEvent sends event with routing attributes so subscribers can filter by type.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	msg := OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderCode:      event.OrderCode,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
	attrs := map[string]string{"orderId": strconv.FormatInt(event.OrderID, 10)}
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderCode", event.OrderCode)
	setAttr(attrs, "status", event.CurrentStatus)

	_, err := p.publisher.publish(ctx, msg, attrs)
	return err
}
