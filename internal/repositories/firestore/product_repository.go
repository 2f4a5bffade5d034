package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
)

type productDocument struct {
	ID             int64     `firestore:"id"`
	ProducerID     int64     `firestore:"producerId"`
	ProducerUserID string    `firestore:"producerUserId"`
	Name           string    `firestore:"name"`
	UnitPrice      string    `firestore:"unitPrice"`
	Stock          int       `firestore:"stock"`
	Active         bool      `firestore:"active"`
	IsDeleted      bool      `firestore:"isDeleted"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// ProductRepository reads products and decrements stock transactionally.
type ProductRepository struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork
}

func (r *ProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	const op = "products.get"
	products, err := collection(ctx, r.provider, productsCollection)
	if err != nil {
		return domain.Product{}, err
	}
	doc, err := pfirestore.Get[productDocument](ctx, op, products.Doc(docID(id)))
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProduct(doc)
}

func (r *ProductRepository) TryDecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	const op = "products.decrementStock"
	if quantity <= 0 {
		return false, nil
	}

	decremented := false
	err := inTx(ctx, r.uow, func(ctx context.Context, tx *pfirestore.Tx) error {
		decremented = false
		products, err := collection(ctx, r.provider, productsCollection)
		if err != nil {
			return err
		}
		ref := products.Doc(docID(productID))
		doc, err := pfirestore.Get[productDocument](ctx, op, ref)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if !doc.Active || doc.IsDeleted || doc.Stock < quantity {
			return nil
		}
		tx.Update(ref, []firestore.Update{
			{Path: "stock", Value: firestore.Increment(-quantity)},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		})
		decremented = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError(op, err)
	}
	return decremented, nil
}

func decodeProduct(doc productDocument) (domain.Product, error) {
	price, err := decimal.NewFromString(doc.UnitPrice)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		ID:             doc.ID,
		ProducerID:     doc.ProducerID,
		ProducerUserID: doc.ProducerUserID,
		Name:           doc.Name,
		UnitPrice:      price,
		Stock:          doc.Stock,
		Active:         doc.Active,
		IsDeleted:      doc.IsDeleted,
	}, nil
}
