// Package firestore implements the order, product and participant repositories on Firestore.
//
// Documents carry an integer rowVersion that serves as the concurrency token. Every write
// runs inside a transaction so the token check and the write are atomic.
package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
	"github.com/portal-agro/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderCodesCollection = "order_codes"
	productsCollection   = "products"
	usersCollection      = "users"
	producersCollection  = "producers"
	countersCollection   = "counters"
)

// Registry serves every repository from a single Firestore provider.
type Registry struct {
	provider *pfirestore.Provider
	*pfirestore.UnitOfWork
}

// NewRegistry wraps provider. The registry owns the provider and closes it on Close.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	return &Registry{provider: provider, UnitOfWork: pfirestore.NewUnitOfWork(provider)}, nil
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

// Ping reads at most one counter document to verify the database answers.
func (r *Registry) Ping(ctx context.Context) error {
	coll, err := collection(ctx, r.provider, countersCollection)
	if err != nil {
		return err
	}
	iter := coll.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("firestore.Ping", err)
	}
	return nil
}

func (r *Registry) Orders() repositories.OrderRepository {
	return &OrderRepository{provider: r.provider, uow: r.UnitOfWork}
}

func (r *Registry) Products() repositories.ProductRepository {
	return &ProductRepository{provider: r.provider, uow: r.UnitOfWork}
}

func (r *Registry) Participants() repositories.ParticipantRepository {
	return &ParticipantRepository{provider: r.provider}
}

// inTx runs fn with the transaction bound to ctx, opening one when there is none.
func inTx(ctx context.Context, uow *pfirestore.UnitOfWork, fn func(ctx context.Context, tx *pfirestore.Tx) error) error {
	return uow.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := pfirestore.TxFromContext(ctx)
		return fn(ctx, tx)
	})
}

func collection(ctx context.Context, provider *pfirestore.Provider, name string) (*firestore.CollectionRef, error) {
	coll, err := provider.Collection(ctx, name)
	if err != nil {
		return nil, pfirestore.WrapError(name+".collection", err)
	}
	return coll, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
