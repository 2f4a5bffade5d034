package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/pagination"
	ppostgres "github.com/portal-agro/api/internal/platform/postgres"
	"github.com/portal-agro/api/internal/repositories"
)

const orderColumns = `id, code, user_id, producer_id, product_id, product_name,
	unit_price::text, quantity_requested, subtotal::text, total::text,
	delivery_recipient_name, delivery_contact_phone, delivery_address_line1,
	delivery_address_line2, delivery_city_id, delivery_additional_notes,
	status, producer_notes, producer_decision_at, producer_decision_reason, accepted_at,
	payment_image_url, payment_uploaded_at, payment_submitted_at, user_confirm_enabled_at,
	user_received_answer, user_received_at, auto_close_at,
	is_deleted, active, created_at, updated_at, row_version`

// OrderRepository stores orders with a row_version column as the concurrency token.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns a repository backed by pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "postgres.orders.Insert"

	row := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO orders (
			code, user_id, producer_id, product_id, product_name,
			unit_price, quantity_requested, subtotal, total,
			delivery_recipient_name, delivery_contact_phone, delivery_address_line1,
			delivery_address_line2, delivery_city_id, delivery_additional_notes,
			status, producer_notes, producer_decision_at, producer_decision_reason, accepted_at,
			payment_image_url, payment_uploaded_at, payment_submitted_at, user_confirm_enabled_at,
			user_received_answer, user_received_at, auto_close_at,
			is_deleted, active, created_at, updated_at, row_version
		) VALUES (
			$1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31, 1
		)
		RETURNING `+orderColumns,
		order.Code, order.UserID, order.ProducerID, order.ProductID, order.ProductName,
		order.UnitPrice.String(), order.QuantityRequested, order.Subtotal.String(), order.Total.String(),
		order.Delivery.RecipientName, order.Delivery.ContactPhone, order.Delivery.AddressLine1,
		order.Delivery.AddressLine2, order.Delivery.CityID, order.Delivery.AdditionalNotes,
		string(order.Status), order.ProducerNotes, order.ProducerDecisionAt, order.ProducerDecisionReason, order.AcceptedAt,
		order.PaymentImageURL, order.PaymentUploadedAt, order.PaymentSubmittedAt, order.UserConfirmEnabledAt,
		string(order.UserReceivedAnswer), order.UserReceivedAt, order.AutoCloseAt,
		order.IsDeleted, order.Active, order.CreatedAt, order.UpdatedAt,
	)
	saved, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return saved, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "postgres.orders.Update"

	version, err := strconv.ParseInt(order.Version, 10, 64)
	if err != nil {
		return domain.Order{}, repositories.NewConflictError(op, "malformed row version")
	}

	row := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE orders SET
			status = $3,
			producer_notes = $4,
			producer_decision_at = $5,
			producer_decision_reason = $6,
			accepted_at = $7,
			payment_image_url = $8,
			payment_uploaded_at = $9,
			payment_submitted_at = $10,
			user_confirm_enabled_at = $11,
			user_received_answer = $12,
			user_received_at = $13,
			auto_close_at = $14,
			is_deleted = $15,
			active = $16,
			updated_at = $17,
			row_version = row_version + 1
		WHERE id = $1 AND row_version = $2
		RETURNING `+orderColumns,
		order.ID, version,
		string(order.Status), order.ProducerNotes, order.ProducerDecisionAt, order.ProducerDecisionReason, order.AcceptedAt,
		order.PaymentImageURL, order.PaymentUploadedAt, order.PaymentSubmittedAt, order.UserConfirmEnabledAt,
		string(order.UserReceivedAnswer), order.UserReceivedAt, order.AutoCloseAt,
		order.IsDeleted, order.Active, order.UpdatedAt,
	)
	saved, err := scanOrder(row)
	if err == nil {
		return saved, nil
	}
	if !isNoRows(err) {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}

	// No row matched: tell a stale token apart from a missing order.
	var exists bool
	if err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	if !exists {
		return domain.Order{}, repositories.NewNotFoundError(op, "order not found")
	}
	return domain.Order{}, repositories.NewConflictError(op, "row version mismatch")
}

func (r *OrderRepository) FindByID(ctx context.Context, id int64) (domain.Order, error) {
	const op = "postgres.orders.FindByID"
	row := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	const op = "postgres.orders.FindByCode"
	row := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE code = $1`, code)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) SelectCandidateIDs(ctx context.Context, query repositories.CandidateQuery) ([]int64, error) {
	const op = "postgres.orders.SelectCandidateIDs"

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1
		  AND auto_close_at IS NOT NULL
		  AND auto_close_at <= $2
		  AND active AND NOT is_deleted
		  AND (NOT $3::boolean OR payment_image_url = '')
		ORDER BY auto_close_at ASC, id ASC
		LIMIT $4`,
		string(query.Status), query.DueAt, query.RequireNoPaymentImage, limit,
	)
	if err != nil {
		return nil, ppostgres.WrapError(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, ppostgres.WrapError(op, err)
	}
	return ids, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	const op = "postgres.orders.List"

	statuses := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		statuses = append(statuses, string(status))
	}
	var producerID *int64
	if filter.ProducerID != nil {
		id := *filter.ProducerID
		producerID = &id
	}
	limit := filter.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}

	// One extra row tells whether another page follows.
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE active AND NOT is_deleted
		  AND ($1::text = '' OR user_id = $1)
		  AND ($2::bigint IS NULL OR producer_id = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		  AND ($4::bigint = 0 OR id < $4)
		ORDER BY id DESC
		LIMIT $5`,
		filter.UserID, producerID, statuses, filter.AfterID, limit+1,
	)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, ppostgres.WrapError(op, err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, ppostgres.WrapError(op, err)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > limit {
		page.Items = orders[:limit]
		page.NextPageToken = pagination.EncodeToken(page.Items[limit-1].ID)
	}
	return page, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order                      domain.Order
		unitPrice, subtotal, total string
		status, answer             string
		decisionAt, acceptedAt     *time.Time
		uploadedAt, submittedAt    *time.Time
		confirmEnabled, receivedAt *time.Time
		autoCloseAt                *time.Time
		version                    int64
	)
	err := row.Scan(
		&order.ID, &order.Code, &order.UserID, &order.ProducerID, &order.ProductID, &order.ProductName,
		&unitPrice, &order.QuantityRequested, &subtotal, &total,
		&order.Delivery.RecipientName, &order.Delivery.ContactPhone, &order.Delivery.AddressLine1,
		&order.Delivery.AddressLine2, &order.Delivery.CityID, &order.Delivery.AdditionalNotes,
		&status, &order.ProducerNotes, &decisionAt, &order.ProducerDecisionReason, &acceptedAt,
		&order.PaymentImageURL, &uploadedAt, &submittedAt, &confirmEnabled,
		&answer, &receivedAt, &autoCloseAt,
		&order.IsDeleted, &order.Active, &order.CreatedAt, &order.UpdatedAt, &version,
	)
	if err != nil {
		return domain.Order{}, err
	}

	if order.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return domain.Order{}, err
	}
	if order.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return domain.Order{}, err
	}
	if order.Total, err = decimal.NewFromString(total); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.UserReceivedAnswer = domain.ReceivedAnswer(answer)
	order.ProducerDecisionAt = utc(decisionAt)
	order.AcceptedAt = utc(acceptedAt)
	order.PaymentUploadedAt = utc(uploadedAt)
	order.PaymentSubmittedAt = utc(submittedAt)
	order.UserConfirmEnabledAt = utc(confirmEnabled)
	order.UserReceivedAt = utc(receivedAt)
	order.AutoCloseAt = utc(autoCloseAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.Version = strconv.FormatInt(version, 10)
	return order, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
