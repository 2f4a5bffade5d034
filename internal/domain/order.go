package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the lifecycle states of a marketplace order.
type OrderStatus string

const (
	OrderStatusPendingReview                OrderStatus = "pending_review"
	OrderStatusAcceptedAwaitingPayment      OrderStatus = "accepted_awaiting_payment"
	OrderStatusPaymentSubmitted             OrderStatus = "payment_submitted"
	OrderStatusPreparing                    OrderStatus = "preparing"
	OrderStatusDispatched                   OrderStatus = "dispatched"
	OrderStatusDeliveredPendingBuyerConfirm OrderStatus = "delivered_pending_buyer_confirm"
	OrderStatusCompleted                    OrderStatus = "completed"
	OrderStatusRejected                     OrderStatus = "rejected"
	OrderStatusCancelledByUser              OrderStatus = "cancelled_by_user"
	OrderStatusExpired                      OrderStatus = "expired"
	OrderStatusDisputed                     OrderStatus = "disputed"
)

// OrderStatuses lists every known status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPendingReview,
	OrderStatusAcceptedAwaitingPayment,
	OrderStatusPaymentSubmitted,
	OrderStatusPreparing,
	OrderStatusDispatched,
	OrderStatusDeliveredPendingBuyerConfirm,
	OrderStatusCompleted,
	OrderStatusRejected,
	OrderStatusCancelledByUser,
	OrderStatusExpired,
	OrderStatusDisputed,
}

// IsTerminal reports whether no further transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusRejected, OrderStatusCancelledByUser, OrderStatusExpired, OrderStatusDisputed:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ReceivedAnswer records the buyer's answer to "did you receive the order".
type ReceivedAnswer string

const (
	ReceivedAnswerUnset ReceivedAnswer = ""
	ReceivedAnswerYes   ReceivedAnswer = "yes"
	ReceivedAnswerNo    ReceivedAnswer = "no"
)

// DeliveryDetails captures where and to whom the producer ships the order.
type DeliveryDetails struct {
	RecipientName   string
	ContactPhone    string
	AddressLine1    string
	AddressLine2    string
	CityID          int64
	AdditionalNotes string
}

// Order is a single-line marketplace order between a buyer and a producer.
//
// ProducerID, ProductName and UnitPrice are snapshots taken at creation. AutoCloseAt carries
// the payment deadline while the order awaits payment and the confirmation deadline while it
// awaits buyer confirmation; it is meaningless in every other status.
type Order struct {
	ID                int64
	Code              string
	UserID            string
	ProducerID        int64
	ProductID         int64
	ProductName       string
	UnitPrice         decimal.Decimal
	QuantityRequested int
	Subtotal          decimal.Decimal
	Total             decimal.Decimal
	Delivery          DeliveryDetails
	Status            OrderStatus

	ProducerNotes          string
	ProducerDecisionAt     *time.Time
	ProducerDecisionReason string
	AcceptedAt             *time.Time

	PaymentImageURL      string
	PaymentUploadedAt    *time.Time
	PaymentSubmittedAt   *time.Time
	UserConfirmEnabledAt *time.Time
	UserReceivedAnswer   ReceivedAnswer
	UserReceivedAt       *time.Time
	AutoCloseAt          *time.Time

	IsDeleted bool
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the opaque concurrency token issued by the backing store.
	Version string
}

// Available reports whether the order can be read or mutated at all.
func (o Order) Available() bool {
	return o.Active && !o.IsDeleted
}

// DeadlineDue reports whether AutoCloseAt is set and at or before now.
func (o Order) DeadlineDue(now time.Time) bool {
	return o.AutoCloseAt != nil && !o.AutoCloseAt.After(now)
}

// Product is the slice of the catalogue the order lifecycle depends on.
type Product struct {
	ID             int64
	ProducerID     int64
	ProducerUserID string
	Name           string
	UnitPrice      decimal.Decimal
	Stock          int
	Active         bool
	IsDeleted      bool
}

// Usable reports whether the product can be ordered or have stock taken from it.
func (p Product) Usable() bool {
	return p.Active && !p.IsDeleted
}

// Contact is the notification address of a buyer or producer.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
}

// DisplayName joins first and last name, falling back when both are blank.
func (c Contact) DisplayName(fallback string) string {
	name := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if name == "" {
		return fallback
	}
	return name
}

// MediaObject identifies an uploaded file in the media store.
type MediaObject struct {
	URL      string
	PublicID string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
