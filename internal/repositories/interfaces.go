package repositories

import (
	"context"
	"time"

	domain "github.com/portal-agro/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Participants() ParticipantRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked
// with the context passed to fn take part in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders under optimistic concurrency control.
type OrderRepository interface {
	// Insert stores a new order, assigning its numeric ID and initial Version.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	// Update writes the order only if the stored token still equals order.Version and
	// returns the order carrying the new token. A stale token yields a conflict error.
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, id int64) (domain.Order, error)
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	SelectCandidateIDs(ctx context.Context, query CandidateQuery) ([]int64, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// CandidateQuery selects available orders in Status whose AutoCloseAt is at or before
// DueAt, oldest deadline first.
type CandidateQuery struct {
	Status                domain.OrderStatus
	DueAt                 time.Time
	RequireNoPaymentImage bool
	Limit                 int
}

// OrderListFilter narrows order listings to one participant.
type OrderListFilter struct {
	UserID     string
	ProducerID *int64
	Status     []domain.OrderStatus
	PageSize   int
	// AfterID resumes a listing after the given order ID (orders are returned newest first).
	AfterID int64
}

// ProductRepository exposes the product reads and the atomic stock primitive orders need.
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (domain.Product, error)
	// TryDecrementStock atomically subtracts quantity when the product is usable and holds
	// at least that much stock. It reports false, without error, when it cannot.
	TryDecrementStock(ctx context.Context, productID int64, quantity int) (bool, error)
}

// ParticipantRepository resolves buyer and producer identities and contacts.
type ParticipantRepository interface {
	ProducerIDForUser(ctx context.Context, userID string) (int64, error)
	ContactForUser(ctx context.Context, userID string) (domain.Contact, error)
	ContactForProducer(ctx context.Context, producerID int64) (domain.Contact, error)
}
