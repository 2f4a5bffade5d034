// Package postgres implements the order, product and participant repositories on Postgres.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	ppostgres "github.com/portal-agro/api/internal/platform/postgres"
	"github.com/portal-agro/api/internal/repositories"
)

// Registry serves every repository from a single connection pool.
type Registry struct {
	pool *pgxpool.Pool
	*ppostgres.UnitOfWork
}

// NewRegistry wraps pool. The registry owns the pool and closes it on Close.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool, UnitOfWork: ppostgres.NewUnitOfWork(pool)}
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *Registry) Orders() repositories.OrderRepository { return &OrderRepository{pool: r.pool} }

func (r *Registry) Products() repositories.ProductRepository {
	return &ProductRepository{pool: r.pool}
}

func (r *Registry) Participants() repositories.ParticipantRepository {
	return &ParticipantRepository{pool: r.pool}
}

// Ping reports whether the database answers.
func (r *Registry) Ping(ctx context.Context) error {
	return ppostgres.WrapError("postgres.Ping", r.pool.Ping(ctx))
}
