package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/pagination"
	"github.com/portal-agro/api/internal/repositories"
)

type orderRepository struct {
	store *Store
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "memory.orders.Insert"
	var saved domain.Order
	err := r.store.write(ctx, func() (func(), error) {
		s := r.store
		if _, exists := s.orderCodes[order.Code]; exists {
			return nil, repositories.NewConflictError(op, "order code already exists")
		}
		s.lastOrderID++
		order.ID = s.lastOrderID
		order.Version = s.nextVersion()
		s.orders[order.ID] = cloneOrder(order)
		s.orderCodes[order.Code] = order.ID
		saved = cloneOrder(order)

		id, code := order.ID, order.Code
		return func() {
			delete(s.orders, id)
			delete(s.orderCodes, code)
		}, nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "memory.orders.Update"
	var saved domain.Order
	err := r.store.write(ctx, func() (func(), error) {
		s := r.store
		current, ok := s.orders[order.ID]
		if !ok {
			return nil, repositories.NewNotFoundError(op, "order not found")
		}
		if current.Version != order.Version {
			return nil, repositories.NewConflictError(op, "row version mismatch")
		}
		order.Code = current.Code
		order.Version = s.nextVersion()
		s.orders[order.ID] = cloneOrder(order)
		saved = cloneOrder(order)

		return func() { s.orders[current.ID] = current }, nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

func (r orderRepository) FindByID(_ context.Context, id int64) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	order, ok := r.store.orders[id]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("memory.orders.FindByID", "order not found")
	}
	return cloneOrder(order), nil
}

func (r orderRepository) FindByCode(_ context.Context, code string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.orderCodes[code]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("memory.orders.FindByCode", "order not found")
	}
	return cloneOrder(r.store.orders[id]), nil
}

func (r orderRepository) SelectCandidateIDs(_ context.Context, query repositories.CandidateQuery) ([]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	type candidate struct {
		id  int64
		due time.Time
	}
	var candidates []candidate
	for _, order := range r.store.orders {
		if !order.Available() || order.Status != query.Status || !order.DeadlineDue(query.DueAt) {
			continue
		}
		if query.RequireNoPaymentImage && order.PaymentImageURL != "" {
			continue
		}
		candidates = append(candidates, candidate{id: order.ID, due: *order.AutoCloseAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].due.Equal(candidates[j].due) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].due.Before(candidates[j].due)
	})
	if query.Limit > 0 && len(candidates) > query.Limit {
		candidates = candidates[:query.Limit]
	}

	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

func (r orderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var matched []domain.Order
	for _, order := range r.store.orders {
		if !order.Available() {
			continue
		}
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.ProducerID != nil && order.ProducerID != *filter.ProducerID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if filter.AfterID > 0 && order.ID >= filter.AfterID {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	page := domain.CursorPage[domain.Order]{Items: matched}
	if filter.PageSize > 0 && len(matched) > filter.PageSize {
		page.Items = matched[:filter.PageSize]
		page.NextPageToken = pagination.EncodeToken(page.Items[len(page.Items)-1].ID)
	}
	return page, nil
}
