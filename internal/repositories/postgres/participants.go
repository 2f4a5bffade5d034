package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/portal-agro/api/internal/domain"
	ppostgres "github.com/portal-agro/api/internal/platform/postgres"
)

// ParticipantRepository resolves producers and contact addresses from the users table.
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository returns a repository backed by pool.
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

func (r *ParticipantRepository) ProducerIDForUser(ctx context.Context, userID string) (int64, error) {
	const op = "postgres.participants.ProducerIDForUser"
	var id int64
	err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id FROM producers WHERE user_id = $1`, userID).Scan(&id)
	if err != nil {
		return 0, ppostgres.WrapError(op, err)
	}
	return id, nil
}

func (r *ParticipantRepository) ContactForUser(ctx context.Context, userID string) (domain.Contact, error) {
	const op = "postgres.participants.ContactForUser"
	var contact domain.Contact
	err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT email, first_name, last_name FROM users WHERE id = $1`, userID,
	).Scan(&contact.Email, &contact.FirstName, &contact.LastName)
	if err != nil {
		return domain.Contact{}, ppostgres.WrapError(op, err)
	}
	return contact, nil
}

func (r *ParticipantRepository) ContactForProducer(ctx context.Context, producerID int64) (domain.Contact, error) {
	const op = "postgres.participants.ContactForProducer"
	var contact domain.Contact
	err := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT u.email, u.first_name, u.last_name
		FROM producers p
		JOIN users u ON u.id = p.user_id
		WHERE p.id = $1`, producerID,
	).Scan(&contact.Email, &contact.FirstName, &contact.LastName)
	if err != nil {
		return domain.Contact{}, ppostgres.WrapError(op, err)
	}
	return contact, nil
}
