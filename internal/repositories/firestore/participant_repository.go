package firestore

import (
	"context"

	domain "github.com/portal-agro/api/internal/domain"
	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
	"github.com/portal-agro/api/internal/repositories"
)

type userDocument struct {
	Email      string `firestore:"email"`
	FirstName  string `firestore:"firstName"`
	LastName   string `firestore:"lastName"`
	ProducerID int64  `firestore:"producerId,omitempty"`
}

type producerDocument struct {
	UserID string `firestore:"userId"`
}

// ParticipantRepository resolves buyers and producers from the users and producers collections.
type ParticipantRepository struct {
	provider *pfirestore.Provider
}

func (r *ParticipantRepository) ProducerIDForUser(ctx context.Context, userID string) (int64, error) {
	const op = "users.producerId"
	user, err := r.user(ctx, op, userID)
	if err != nil {
		return 0, err
	}
	if user.ProducerID == 0 {
		return 0, repositories.NewNotFoundError(op, "user is not a producer")
	}
	return user.ProducerID, nil
}

func (r *ParticipantRepository) ContactForUser(ctx context.Context, userID string) (domain.Contact, error) {
	user, err := r.user(ctx, "users.contact", userID)
	if err != nil {
		return domain.Contact{}, err
	}
	return domain.Contact{Email: user.Email, FirstName: user.FirstName, LastName: user.LastName}, nil
}

func (r *ParticipantRepository) ContactForProducer(ctx context.Context, producerID int64) (domain.Contact, error) {
	const op = "producers.contact"
	producers, err := collection(ctx, r.provider, producersCollection)
	if err != nil {
		return domain.Contact{}, err
	}
	producer, err := pfirestore.Get[producerDocument](ctx, op, producers.Doc(docID(producerID)))
	if err != nil {
		return domain.Contact{}, err
	}
	return r.ContactForUser(ctx, producer.UserID)
}

func (r *ParticipantRepository) user(ctx context.Context, op, userID string) (userDocument, error) {
	if userID == "" {
		return userDocument{}, repositories.NewNotFoundError(op, "user id is empty")
	}
	users, err := collection(ctx, r.provider, usersCollection)
	if err != nil {
		return userDocument{}, err
	}
	return pfirestore.Get[userDocument](ctx, op, users.Doc(userID))
}
