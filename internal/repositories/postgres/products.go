package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
	ppostgres "github.com/portal-agro/api/internal/platform/postgres"
)

// ProductRepository reads products and owns the conditional stock decrement.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a repository backed by pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	const op = "postgres.products.FindByID"

	var (
		product   domain.Product
		unitPrice string
	)
	err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT p.id, p.producer_id, pr.user_id, p.name, p.unit_price::text, p.stock, p.active, p.is_deleted
		FROM products p
		JOIN producers pr ON pr.id = p.producer_id
		WHERE p.id = $1`, id,
	).Scan(
		&product.ID, &product.ProducerID, &product.ProducerUserID, &product.Name,
		&unitPrice, &product.Stock, &product.Active, &product.IsDeleted,
	)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError(op, err)
	}
	if product.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return domain.Product{}, ppostgres.WrapError(op, err)
	}
	return product, nil
}

// TryDecrementStock subtracts quantity in a single conditional statement, so two concurrent
// accepts can never take the same units.
func (r *ProductRepository) TryDecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	const op = "postgres.products.TryDecrementStock"

	if quantity <= 0 {
		return false, nil
	}
	tag, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2 AND active AND NOT is_deleted`,
		productID, quantity,
	)
	if err != nil {
		return false, ppostgres.WrapError(op, err)
	}
	return tag.RowsAffected() == 1, nil
}
