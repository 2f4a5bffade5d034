package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order           = domain.Order
	OrderStatus     = domain.OrderStatus
	Product         = domain.Product
	Contact         = domain.Contact
	DeliveryDetails = domain.DeliveryDetails
	MediaObject     = domain.MediaObject
)

// OrderService exposes one operation per external order action plus the reads the API serves.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Accept(ctx context.Context, cmd AcceptOrderCommand) (Order, error)
	Reject(ctx context.Context, cmd RejectOrderCommand) (Order, error)
	UploadPayment(ctx context.Context, cmd UploadPaymentCommand) (Order, error)
	MarkPreparing(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	MarkDispatched(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	MarkDelivered(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Confirm(ctx context.Context, cmd ConfirmReceiptCommand) (Order, error)
	CancelByUser(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error)
}

// OrderReconciler advances a single order whose waiting deadline elapsed. Each call re-reads
// the order and reports whether it changed; ineligible orders are skipped without error.
type OrderReconciler interface {
	ExpireAwaitingPayment(ctx context.Context, cmd ReconcileOrderCommand) (bool, error)
	AutoCompleteDelivered(ctx context.Context, cmd ReconcileOrderCommand) (bool, error)
}

type CreateOrderCommand struct {
	ActorUserID string
	ProductID   int64
	Quantity    int
	Delivery    DeliveryDetails
}

// OrderTransitionCommand identifies the order, the caller and the concurrency token the caller
// last observed.
type OrderTransitionCommand struct {
	OrderCode   string
	ActorUserID string
	Version     string
}

type AcceptOrderCommand struct {
	OrderTransitionCommand
	Notes string
}

type RejectOrderCommand struct {
	OrderTransitionCommand
	Reason string
}

type UploadPaymentCommand struct {
	OrderTransitionCommand
	Image PaymentImage
}

type ConfirmReceiptCommand struct {
	OrderTransitionCommand
	Answer string
}

// PaymentImage is the raw proof of payment supplied by the buyer.
type PaymentImage struct {
	FileName    string
	ContentType string
	Data        []byte
}

type GetOrderQuery struct {
	OrderCode   string
	ActorUserID string
}

type ListOrdersQuery struct {
	ActorUserID string
	Role        OrderActorRole
	Status      []OrderStatus
	PageSize    int
	PageToken   string
}

type ReconcileOrderCommand struct {
	OrderID int64
	Notify  bool
}

// MediaStore keeps uploaded payment proofs.
type MediaStore interface {
	Upload(ctx context.Context, upload MediaUpload) (MediaObject, error)
	Delete(ctx context.Context, publicID string) error
}

type MediaUpload struct {
	OrderID     int64
	OrderCode   string
	FileName    string
	ContentType string
	Data        []byte
}

// NotificationAudience names which side of the order a message is addressed to.
type NotificationAudience string

const (
	AudienceBuyer    NotificationAudience = "buyer"
	AudienceProducer NotificationAudience = "producer"
)

// OrderMessage is the payload of a single lifecycle email.
type OrderMessage struct {
	Audience      NotificationAudience
	Recipient     Contact
	RecipientName string
	OrderID       int64
	OrderCode     string
	ProductName   string
	Quantity      int
	Total         decimal.Decimal
	Reason        string
	Deadline      *time.Time
	AutoCompleted bool
	OccurredAt    time.Time
}

// OrderNotifier delivers lifecycle emails. Every method is best effort from the caller's side.
type OrderNotifier interface {
	OrderCreated(ctx context.Context, msg OrderMessage) error
	OrderAcceptedAwaitingPayment(ctx context.Context, msg OrderMessage) error
	OrderPaymentSubmitted(ctx context.Context, msg OrderMessage) error
	OrderPreparing(ctx context.Context, msg OrderMessage) error
	OrderDispatched(ctx context.Context, msg OrderMessage) error
	OrderDeliveredPendingConfirm(ctx context.Context, msg OrderMessage) error
	OrderCompleted(ctx context.Context, msg OrderMessage) error
	OrderDisputed(ctx context.Context, msg OrderMessage) error
	OrderRejected(ctx context.Context, msg OrderMessage) error
	OrderCancelled(ctx context.Context, msg OrderMessage) error
	OrderExpired(ctx context.Context, msg OrderMessage) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        int64
	OrderCode      string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}
