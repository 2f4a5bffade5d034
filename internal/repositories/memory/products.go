package memory

import (
	"context"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/repositories"
)

type productRepository struct {
	store *Store
}

func (r productRepository) FindByID(_ context.Context, id int64) (domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	product, ok := r.store.products[id]
	if !ok {
		return domain.Product{}, repositories.NewNotFoundError("memory.products.FindByID", "product not found")
	}
	return product, nil
}

func (r productRepository) TryDecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	decremented := false
	err := r.store.write(ctx, func() (func(), error) {
		s := r.store
		product, ok := s.products[productID]
		if !ok || !product.Usable() || quantity <= 0 || product.Stock < quantity {
			return nil, nil
		}
		previous := product
		product.Stock -= quantity
		s.products[productID] = product
		decremented = true
		return func() { s.products[productID] = previous }, nil
	})
	return decremented, err
}

type participantRepository struct {
	store *Store
}

func (r participantRepository) ProducerIDForUser(_ context.Context, userID string) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.producersByUser[userID]
	if !ok {
		return 0, repositories.NewNotFoundError("memory.participants.ProducerIDForUser", "user is not a producer")
	}
	return id, nil
}

func (r participantRepository) ContactForUser(_ context.Context, userID string) (domain.Contact, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	contact, ok := r.store.userContacts[userID]
	if !ok {
		return domain.Contact{}, repositories.NewNotFoundError("memory.participants.ContactForUser", "contact not found")
	}
	return contact, nil
}

func (r participantRepository) ContactForProducer(_ context.Context, producerID int64) (domain.Contact, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	contact, ok := r.store.producerContacts[producerID]
	if !ok {
		return domain.Contact{}, repositories.NewNotFoundError("memory.participants.ContactForProducer", "contact not found")
	}
	return contact, nil
}
