package firestore

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/pagination"
	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
	"github.com/portal-agro/api/internal/repositories"
)

type deliveryDocument struct {
	RecipientName   string `firestore:"recipientName"`
	ContactPhone    string `firestore:"contactPhone"`
	AddressLine1    string `firestore:"addressLine1"`
	AddressLine2    string `firestore:"addressLine2"`
	CityID          int64  `firestore:"cityId"`
	AdditionalNotes string `firestore:"additionalNotes"`
}

type orderDocument struct {
	ID                int64            `firestore:"id"`
	Code              string           `firestore:"code"`
	UserID            string           `firestore:"userId"`
	ProducerID        int64            `firestore:"producerId"`
	ProductID         int64            `firestore:"productId"`
	ProductName       string           `firestore:"productName"`
	UnitPrice         string           `firestore:"unitPrice"`
	QuantityRequested int              `firestore:"quantityRequested"`
	Subtotal          string           `firestore:"subtotal"`
	Total             string           `firestore:"total"`
	Delivery          deliveryDocument `firestore:"delivery"`
	Status            string           `firestore:"status"`

	ProducerNotes          string     `firestore:"producerNotes"`
	ProducerDecisionAt     *time.Time `firestore:"producerDecisionAt"`
	ProducerDecisionReason string     `firestore:"producerDecisionReason"`
	AcceptedAt             *time.Time `firestore:"acceptedAt"`

	PaymentImageURL      string     `firestore:"paymentImageUrl"`
	PaymentUploadedAt    *time.Time `firestore:"paymentUploadedAt"`
	PaymentSubmittedAt   *time.Time `firestore:"paymentSubmittedAt"`
	UserConfirmEnabledAt *time.Time `firestore:"userConfirmEnabledAt"`
	UserReceivedAnswer   string     `firestore:"userReceivedAnswer"`
	UserReceivedAt       *time.Time `firestore:"userReceivedAt"`
	AutoCloseAt          *time.Time `firestore:"autoCloseAt"`

	IsDeleted  bool      `firestore:"isDeleted"`
	Active     bool      `firestore:"active"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
	RowVersion int64     `firestore:"rowVersion"`
}

type orderCodeDocument struct {
	OrderID int64 `firestore:"orderId"`
}

// OrderRepository stores orders as documents keyed by their numeric id.
type OrderRepository struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.insert"

	var saved domain.Order
	err := inTx(ctx, r.uow, func(ctx context.Context, tx *pfirestore.Tx) error {
		codes, err := collection(ctx, r.provider, orderCodesCollection)
		if err != nil {
			return err
		}
		codeRef := codes.Doc(order.Code)
		if _, err := tx.Get(codeRef); err == nil {
			return repositories.NewConflictError(op, "order code already exists")
		} else if !pfirestore.IsNotFound(err) {
			return pfirestore.WrapError(op, err)
		}

		id, err := nextSequence(ctx, r.provider, tx, ordersCollection)
		if err != nil {
			return err
		}
		orders, err := collection(ctx, r.provider, ordersCollection)
		if err != nil {
			return err
		}

		order.ID = id
		doc := encodeOrder(order)
		doc.RowVersion = 1
		tx.Create(orders.Doc(docID(id)), doc)
		tx.Create(codeRef, orderCodeDocument{OrderID: id})

		saved, err = decodeOrder(doc)
		return err
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return saved, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.update"

	token, err := strconv.ParseInt(order.Version, 10, 64)
	if err != nil {
		return domain.Order{}, repositories.NewConflictError(op, "malformed row version")
	}

	var saved domain.Order
	err = inTx(ctx, r.uow, func(ctx context.Context, tx *pfirestore.Tx) error {
		orders, err := collection(ctx, r.provider, ordersCollection)
		if err != nil {
			return err
		}
		ref := orders.Doc(docID(order.ID))
		current, err := pfirestore.Get[orderDocument](ctx, op, ref)
		if err != nil {
			return err
		}
		if current.RowVersion != token {
			return repositories.NewConflictError(op, "row version mismatch")
		}

		order.Code = current.Code
		doc := encodeOrder(order)
		doc.CreatedAt = current.CreatedAt
		doc.RowVersion = current.RowVersion + 1
		tx.Set(ref, doc)

		saved, err = decodeOrder(doc)
		return err
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return saved, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id int64) (domain.Order, error) {
	const op = "orders.get"
	orders, err := collection(ctx, r.provider, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	doc, err := pfirestore.Get[orderDocument](ctx, op, orders.Doc(docID(id)))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc)
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	const op = "orders.getByCode"
	codes, err := collection(ctx, r.provider, orderCodesCollection)
	if err != nil {
		return domain.Order{}, err
	}
	marker, err := pfirestore.Get[orderCodeDocument](ctx, op, codes.Doc(code))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, marker.OrderID)
}

func (r *OrderRepository) SelectCandidateIDs(ctx context.Context, query repositories.CandidateQuery) ([]int64, error) {
	const op = "orders.selectCandidates"
	orders, err := collection(ctx, r.provider, ordersCollection)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	q := orders.Select("id").
		Where("status", "==", string(query.Status)).
		Where("active", "==", true).
		Where("isDeleted", "==", false)
	if query.RequireNoPaymentImage {
		q = q.Where("paymentImageUrl", "==", "")
	}
	q = q.Where("autoCloseAt", "<=", query.DueAt).
		OrderBy("autoCloseAt", firestore.Asc).
		OrderBy("id", firestore.Asc).
		Limit(limit)

	return pfirestore.Query(ctx, op, q, func(snap *firestore.DocumentSnapshot) (int64, error) {
		var doc struct {
			ID int64 `firestore:"id"`
		}
		err := snap.DataTo(&doc)
		return doc.ID, err
	})
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	const op = "orders.list"
	orders, err := collection(ctx, r.provider, ordersCollection)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	q := orders.Where("active", "==", true).Where("isDeleted", "==", false)
	if filter.UserID != "" {
		q = q.Where("userId", "==", filter.UserID)
	}
	if filter.ProducerID != nil {
		q = q.Where("producerId", "==", *filter.ProducerID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		q = q.Where("status", "in", statuses)
	}
	if filter.AfterID > 0 {
		q = q.Where("id", "<", filter.AfterID)
	}
	q = q.OrderBy("id", firestore.Desc).Limit(limit + 1)

	docs, err := pfirestore.Query(ctx, op, q, pfirestore.StructDecoder[orderDocument]())
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := decodeOrder(doc)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		items = append(items, order)
	}
	page := domain.CursorPage[domain.Order]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextPageToken = pagination.EncodeToken(page.Items[limit-1].ID)
	}
	return page, nil
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		ID:                order.ID,
		Code:              order.Code,
		UserID:            order.UserID,
		ProducerID:        order.ProducerID,
		ProductID:         order.ProductID,
		ProductName:       order.ProductName,
		UnitPrice:         order.UnitPrice.String(),
		QuantityRequested: order.QuantityRequested,
		Subtotal:          order.Subtotal.String(),
		Total:             order.Total.String(),
		Delivery: deliveryDocument{
			RecipientName:   order.Delivery.RecipientName,
			ContactPhone:    order.Delivery.ContactPhone,
			AddressLine1:    order.Delivery.AddressLine1,
			AddressLine2:    order.Delivery.AddressLine2,
			CityID:          order.Delivery.CityID,
			AdditionalNotes: order.Delivery.AdditionalNotes,
		},
		Status:                 string(order.Status),
		ProducerNotes:          order.ProducerNotes,
		ProducerDecisionAt:     order.ProducerDecisionAt,
		ProducerDecisionReason: order.ProducerDecisionReason,
		AcceptedAt:             order.AcceptedAt,
		PaymentImageURL:        order.PaymentImageURL,
		PaymentUploadedAt:      order.PaymentUploadedAt,
		PaymentSubmittedAt:     order.PaymentSubmittedAt,
		UserConfirmEnabledAt:   order.UserConfirmEnabledAt,
		UserReceivedAnswer:     string(order.UserReceivedAnswer),
		UserReceivedAt:         order.UserReceivedAt,
		AutoCloseAt:            order.AutoCloseAt,
		IsDeleted:              order.IsDeleted,
		Active:                 order.Active,
		CreatedAt:              order.CreatedAt,
		UpdatedAt:              order.UpdatedAt,
	}
}

func decodeOrder(doc orderDocument) (domain.Order, error) {
	unitPrice, err := decimal.NewFromString(doc.UnitPrice)
	if err != nil {
		return domain.Order{}, err
	}
	subtotal, err := decimal.NewFromString(doc.Subtotal)
	if err != nil {
		return domain.Order{}, err
	}
	total, err := decimal.NewFromString(doc.Total)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:                doc.ID,
		Code:              doc.Code,
		UserID:            doc.UserID,
		ProducerID:        doc.ProducerID,
		ProductID:         doc.ProductID,
		ProductName:       doc.ProductName,
		UnitPrice:         unitPrice,
		QuantityRequested: doc.QuantityRequested,
		Subtotal:          subtotal,
		Total:             total,
		Delivery: domain.DeliveryDetails{
			RecipientName:   doc.Delivery.RecipientName,
			ContactPhone:    doc.Delivery.ContactPhone,
			AddressLine1:    doc.Delivery.AddressLine1,
			AddressLine2:    doc.Delivery.AddressLine2,
			CityID:          doc.Delivery.CityID,
			AdditionalNotes: doc.Delivery.AdditionalNotes,
		},
		Status:                 domain.OrderStatus(doc.Status),
		ProducerNotes:          doc.ProducerNotes,
		ProducerDecisionAt:     utc(doc.ProducerDecisionAt),
		ProducerDecisionReason: doc.ProducerDecisionReason,
		AcceptedAt:             utc(doc.AcceptedAt),
		PaymentImageURL:        doc.PaymentImageURL,
		PaymentUploadedAt:      utc(doc.PaymentUploadedAt),
		PaymentSubmittedAt:     utc(doc.PaymentSubmittedAt),
		UserConfirmEnabledAt:   utc(doc.UserConfirmEnabledAt),
		UserReceivedAnswer:     domain.ReceivedAnswer(doc.UserReceivedAnswer),
		UserReceivedAt:         utc(doc.UserReceivedAt),
		AutoCloseAt:            utc(doc.AutoCloseAt),
		IsDeleted:              doc.IsDeleted,
		Active:                 doc.Active,
		CreatedAt:              doc.CreatedAt.UTC(),
		UpdatedAt:              doc.UpdatedAt.UTC(),
		Version:                strconv.FormatInt(doc.RowVersion, 10),
	}, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
