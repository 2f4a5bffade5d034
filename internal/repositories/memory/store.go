// Package memory provides an in-process repository registry for local development and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/repositories"
)

type txKey struct{}

// journal collects undo steps for the transaction bound to a context.
type journal struct {
	undo []func()
}

// Store keeps orders, products and participants in maps guarded by a mutex. Writes are
// serialised through a transaction lock so a rollback never overwrites another writer's data.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	orders           map[int64]domain.Order
	orderCodes       map[string]int64
	products         map[int64]domain.Product
	producersByUser  map[string]int64
	userContacts     map[string]domain.Contact
	producerContacts map[int64]domain.Contact

	lastOrderID int64
	lastVersion uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		orders:           make(map[int64]domain.Order),
		orderCodes:       make(map[string]int64),
		products:         make(map[int64]domain.Product),
		producersByUser:  make(map[string]int64),
		userContacts:     make(map[string]domain.Contact),
		producerContacts: make(map[int64]domain.Contact),
	}
}

var _ repositories.Registry = (*Store)(nil)

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository { return orderRepository{store: s} }

func (s *Store) Products() repositories.ProductRepository { return productRepository{store: s} }

func (s *Store) Participants() repositories.ParticipantRepository {
	return participantRepository{store: s}
}

// RunInTx runs fn while holding the write lock; every change fn makes is undone when it fails.
// Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// write applies fn under the data lock, joining the caller's transaction when there is one.
// fn returns the undo step for its change, or nil when it changed nothing.
func (s *Store) write(ctx context.Context, fn func() (func(), error)) error {
	j, inTx := ctx.Value(txKey{}).(*journal)
	if !inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	undo, err := fn()
	if err != nil {
		return err
	}
	if inTx && undo != nil {
		j.undo = append(j.undo, undo)
	}
	return nil
}

func (s *Store) nextVersion() string {
	s.lastVersion++
	return strconv.FormatUint(s.lastVersion, 10)
}

// PutProduct creates or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// Product returns the stored product.
func (s *Store) Product(id int64) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	return product, ok
}

// PutUser registers a buyer contact.
func (s *Store) PutUser(userID string, contact domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userContacts[userID] = contact
}

// PutProducer registers userID as the producer producerID.
func (s *Store) PutProducer(userID string, producerID int64, contact domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producersByUser[userID] = producerID
	s.userContacts[userID] = contact
	s.producerContacts[producerID] = contact
}

// PutOrder stores order as is, assigning an ID when missing and a fresh version. It exists to
// seed orders in arbitrary statuses.
func (s *Store) PutOrder(order domain.Order) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == 0 {
		s.lastOrderID++
		order.ID = s.lastOrderID
	} else if order.ID > s.lastOrderID {
		s.lastOrderID = order.ID
	}
	order.Version = s.nextVersion()
	s.orders[order.ID] = cloneOrder(order)
	s.orderCodes[order.Code] = order.ID
	return cloneOrder(order)
}

// Order returns the stored order.
func (s *Store) Order(id int64) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	return cloneOrder(order), ok
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.ProducerDecisionAt = cloneTime(order.ProducerDecisionAt)
	clone.AcceptedAt = cloneTime(order.AcceptedAt)
	clone.PaymentUploadedAt = cloneTime(order.PaymentUploadedAt)
	clone.PaymentSubmittedAt = cloneTime(order.PaymentSubmittedAt)
	clone.UserConfirmEnabledAt = cloneTime(order.UserConfirmEnabledAt)
	clone.UserReceivedAt = cloneTime(order.UserReceivedAt)
	clone.AutoCloseAt = cloneTime(order.AutoCloseAt)
	return clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
