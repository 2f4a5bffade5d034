package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/pagination"
	"github.com/portal-agro/api/internal/platform/textutil"
	"github.com/portal-agro/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderCodePrefix = "PA-"

	maxProducerNotesLength = 500
	maxReasonLength        = 500
	maxDeliveryTextLength  = 200
	maxPaymentImageBytes   = 10 << 20

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

var orderTracer = otel.Tracer("github.com/portal-agro/api/internal/services")

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Products     repositories.ProductRepository
	Participants repositories.ParticipantRepository
	UnitOfWork   repositories.UnitOfWork
	Media        MediaStore
	Notifier     OrderNotifier
	Events       OrderEventPublisher
	Deadlines    OrderDeadlines
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	participants  repositories.ParticipantRepository
	unitOfWork    repositories.UnitOfWork
	media         MediaStore
	events        OrderEventPublisher
	notifications orderNotifications
	machine       OrderStateMachine
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	return newOrderService(deps)
}

// NewOrderReconciler exposes the system driven transitions used by the background scanners.
func NewOrderReconciler(deps OrderServiceDeps) (OrderReconciler, error) {
	return newOrderService(deps)
}

func newOrderService(deps OrderServiceDeps) (*orderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Participants == nil {
		return nil, errors.New("order service: participant repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:       deps.Orders,
		products:     deps.Products,
		participants: deps.Participants,
		unitOfWork:   unit,
		media:        deps.Media,
		events:       deps.Events,
		notifications: orderNotifications{
			participants: deps.Participants,
			notifier:     deps.Notifier,
			logger:       logger,
		},
		machine: NewOrderStateMachine(deps.Deadlines),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.create", "")
	defer func() { finishOrderSpan(span, err) }()

	userID := strings.TrimSpace(cmd.ActorUserID)
	if userID == "" {
		return Order{}, invalidInput("actor", "buyer identity is required")
	}
	if cmd.ProductID <= 0 {
		return Order{}, invalidInput("productId", "product is invalid")
	}
	if cmd.Quantity <= 0 {
		return Order{}, invalidInput("quantity", "quantity must be greater than zero")
	}
	delivery, err := normalizeDelivery(cmd.Delivery)
	if err != nil {
		return Order{}, err
	}

	product, err := s.products.FindByID(ctx, cmd.ProductID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return Order{}, ruleViolation(RuleProductUnavailable, "product %d does not exist", cmd.ProductID)
		}
		return Order{}, s.mapRepositoryError(err)
	}
	if !product.Usable() {
		return Order{}, ruleViolation(RuleProductUnavailable, "product %d is not available", product.ID)
	}
	if product.ProducerUserID == userID {
		return Order{}, ruleViolation(RuleSelfPurchase, "you cannot order your own products")
	}
	if product.Stock < cmd.Quantity {
		return Order{}, ruleViolation(RuleInsufficientStock, "only %d units of %s are in stock", product.Stock, product.Name)
	}

	now := s.now()
	total := product.UnitPrice.Mul(decimal.NewFromInt(int64(cmd.Quantity)))
	order := domain.Order{
		Code:              s.nextOrderCode(),
		UserID:            userID,
		ProducerID:        product.ProducerID,
		ProductID:         product.ID,
		ProductName:       product.Name,
		UnitPrice:         product.UnitPrice,
		QuantityRequested: cmd.Quantity,
		Subtotal:          total,
		Total:             total,
		Delivery:          delivery,
		Status:            domain.OrderStatusPendingReview,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(attribute.String("order.code", order.Code))

	var saved domain.Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		inserted, err := s.orders.Insert(txCtx, order)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		saved = inserted
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.afterCommit(ctx, saved, "", userID, true, false)
	return saved, nil
}

func (s *orderService) Accept(ctx context.Context, cmd AcceptOrderCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.accept", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	return s.transition(ctx, orderStep{
		action: OrderActionAccept,
		role:   OrderActorProducer,
		cmd:    cmd.OrderTransitionCommand,
		input:  OrderTransition{Notes: textutil.PlainText(cmd.Notes, maxProducerNotesLength)},
		withinTx: func(txCtx context.Context, order domain.Order) error {
			ok, err := s.products.TryDecrementStock(txCtx, order.ProductID, order.QuantityRequested)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if !ok {
				return &BusinessRuleError{
					Rule:      RuleInsufficientStock,
					Message:   "insufficient stock or a concurrent update, refresh and try again",
					Retryable: true,
				}
			}
			return nil
		},
	})
}

func (s *orderService) Reject(ctx context.Context, cmd RejectOrderCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.reject", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	reason := textutil.PlainText(cmd.Reason, maxReasonLength)
	if reason == "" {
		return Order{}, invalidInput("reason", "a rejection reason is required")
	}
	return s.transition(ctx, orderStep{
		action: OrderActionReject,
		role:   OrderActorProducer,
		cmd:    cmd.OrderTransitionCommand,
		input:  OrderTransition{Reason: reason},
	})
}

func (s *orderService) UploadPayment(ctx context.Context, cmd UploadPaymentCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.upload_payment", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	if s.media == nil {
		return Order{}, errors.New("order service: media store is not configured")
	}
	if len(cmd.Image.Data) == 0 {
		return Order{}, invalidInput("image", "a payment proof image is required")
	}
	if len(cmd.Image.Data) > maxPaymentImageBytes {
		return Order{}, invalidInput("image", fmt.Sprintf("payment proof must not exceed %d bytes", maxPaymentImageBytes))
	}
	contentType := strings.TrimSpace(cmd.Image.ContentType)
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return Order{}, invalidInput("image", "payment proof must be an image")
	}

	image := cmd.Image
	image.ContentType = contentType
	return s.transition(ctx, orderStep{
		action:  OrderActionUploadPayment,
		role:    OrderActorBuyer,
		cmd:     cmd.OrderTransitionCommand,
		payment: &image,
	})
}

func (s *orderService) MarkPreparing(ctx context.Context, cmd OrderTransitionCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.mark_preparing", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	return s.transition(ctx, orderStep{action: OrderActionMarkPreparing, role: OrderActorProducer, cmd: cmd})
}

func (s *orderService) MarkDispatched(ctx context.Context, cmd OrderTransitionCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.mark_dispatched", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	return s.transition(ctx, orderStep{action: OrderActionMarkDispatch, role: OrderActorProducer, cmd: cmd})
}

func (s *orderService) MarkDelivered(ctx context.Context, cmd OrderTransitionCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.mark_delivered", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	return s.transition(ctx, orderStep{action: OrderActionMarkDelivered, role: OrderActorProducer, cmd: cmd})
}

func (s *orderService) Confirm(ctx context.Context, cmd ConfirmReceiptCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.confirm", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	answer, err := ParseReceivedAnswer(cmd.Answer)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, orderStep{
		action: OrderActionConfirm,
		role:   OrderActorBuyer,
		cmd:    cmd.OrderTransitionCommand,
		input:  OrderTransition{Answer: answer},
	})
}

func (s *orderService) CancelByUser(ctx context.Context, cmd OrderTransitionCommand) (result Order, err error) {
	ctx, span := startOrderSpan(ctx, "orders.cancel", cmd.OrderCode)
	defer func() { finishOrderSpan(span, err) }()

	return s.transition(ctx, orderStep{action: OrderActionCancel, role: OrderActorBuyer, cmd: cmd})
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	code := strings.TrimSpace(query.OrderCode)
	userID := strings.TrimSpace(query.ActorUserID)
	if code == "" {
		return Order{}, invalidInput("code", "order code is required")
	}
	if userID == "" {
		return Order{}, invalidInput("actor", "caller identity is required")
	}

	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !order.Available() {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, code)
	}
	if order.UserID == userID {
		return order, nil
	}
	producerID, err := s.producerIDFor(ctx, userID)
	if err != nil {
		return Order{}, err
	}
	if producerID == 0 || producerID != order.ProducerID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, code)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(query.ActorUserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, invalidInput("actor", "caller identity is required")
	}

	filter := repositories.OrderListFilter{PageSize: query.PageSize}
	switch {
	case filter.PageSize <= 0:
		filter.PageSize = defaultOrderPageSize
	case filter.PageSize > maxOrderPageSize:
		filter.PageSize = maxOrderPageSize
	}
	for _, status := range query.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, invalidInput("status", fmt.Sprintf("unknown status %q", status))
		}
		filter.Status = append(filter.Status, status)
	}
	afterID, err := pagination.DecodeToken(query.PageToken)
	if err != nil {
		return domain.CursorPage[Order]{}, invalidInput("pageToken", "page token is invalid")
	}
	filter.AfterID = afterID

	switch query.Role {
	case OrderActorBuyer, "":
		filter.UserID = userID
	case OrderActorProducer:
		producerID, err := s.producerIDFor(ctx, userID)
		if err != nil {
			return domain.CursorPage[Order]{}, err
		}
		if producerID == 0 {
			return domain.CursorPage[Order]{}, ruleViolation(RuleNotOrderProducer, "user is not registered as a producer")
		}
		filter.ProducerID = &producerID
	default:
		return domain.CursorPage[Order]{}, invalidInput("role", "role must be buyer or producer")
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

type orderStep struct {
	action OrderAction
	role   OrderActorRole
	cmd    OrderTransitionCommand
	input  OrderTransition
	// payment is uploaded after the guards pass and before the order is written.
	payment *PaymentImage
	// withinTx runs in the same transaction as the order write, before it.
	withinTx func(ctx context.Context, order domain.Order) error
}

func (s *orderService) transition(ctx context.Context, step orderStep) (Order, error) {
	cmd, err := normalizeTransitionCommand(step.cmd)
	if err != nil {
		return Order{}, err
	}
	actor, err := s.resolveActor(ctx, step.role, cmd.ActorUserID)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindByCode(ctx, cmd.OrderCode)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.Version != cmd.Version {
		return Order{}, &ConcurrencyConflictError{OrderCode: order.Code}
	}

	now := s.now()
	if err := s.machine.Authorize(order, step.action, actor, now); err != nil {
		return Order{}, err
	}

	input := step.input
	var uploaded *domain.MediaObject
	if step.payment != nil {
		media, err := s.media.Upload(ctx, MediaUpload{
			OrderID:     order.ID,
			OrderCode:   order.Code,
			FileName:    step.payment.FileName,
			ContentType: step.payment.ContentType,
			Data:        step.payment.Data,
		})
		if err != nil {
			return Order{}, fmt.Errorf("order: upload payment proof: %w", err)
		}
		if strings.TrimSpace(media.URL) == "" {
			s.discardMedia(ctx, order, media)
			return Order{}, errors.New("order: upload payment proof: media store returned no url")
		}
		input.Payment = media
		uploaded = &media
	}

	previous := order.Status
	next := order
	if err := s.machine.Apply(&next, step.action, input, now); err != nil {
		if uploaded != nil {
			s.discardMedia(ctx, order, *uploaded)
		}
		return Order{}, err
	}

	saved, err := s.persist(ctx, next, step.withinTx)
	if err != nil {
		if uploaded != nil {
			s.discardMedia(ctx, order, *uploaded)
		}
		return Order{}, err
	}

	s.afterCommit(ctx, saved, previous, actor.UserID, true, false)
	return saved, nil
}

// persist writes order under the token it carries, together with the optional in-transaction step.
func (s *orderService) persist(ctx context.Context, order domain.Order, withinTx func(context.Context, domain.Order) error) (domain.Order, error) {
	var saved domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if withinTx != nil {
			if err := withinTx(txCtx, order); err != nil {
				return err
			}
		}
		updated, err := s.orders.Update(txCtx, order)
		if err != nil {
			return s.mapWriteError(order.Code, err)
		}
		saved = updated
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

func (s *orderService) resolveActor(ctx context.Context, role OrderActorRole, userID string) (OrderActor, error) {
	actor := OrderActor{Role: role, UserID: userID}
	if role != OrderActorProducer {
		return actor, nil
	}
	producerID, err := s.producerIDFor(ctx, userID)
	if err != nil {
		return OrderActor{}, err
	}
	actor.ProducerID = producerID
	return actor, nil
}

// producerIDFor returns 0 when the user is not registered as a producer.
func (s *orderService) producerIDFor(ctx context.Context, userID string) (int64, error) {
	producerID, err := s.participants.ProducerIDForUser(ctx, userID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return 0, nil
		}
		return 0, s.mapRepositoryError(err)
	}
	return producerID, nil
}

func (s *orderService) discardMedia(ctx context.Context, order domain.Order, media domain.MediaObject) {
	if media.PublicID == "" {
		return
	}
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.media.Delete(cleanupCtx, media.PublicID); err != nil {
		failure := &NotificationError{Event: "media.cleanup", Recipient: media.PublicID, OrderCode: order.Code, Err: err}
		s.logger(cleanupCtx, "order.media.cleanup.failed", map[string]any{
			"order":    order.Code,
			"publicId": media.PublicID,
			"error":    failure.Error(),
		})
	}
}

// afterCommit runs the best-effort side effects of a committed write. Neither the request
// deadline nor a client disconnect may cut them short.
func (s *orderService) afterCommit(ctx context.Context, order domain.Order, previous domain.OrderStatus, actorID string, notify, autoCompleted bool) {
	ctx = context.WithoutCancel(ctx)

	event := OrderEvent{
		Type:          orderEventStatusChanged,
		OrderID:       order.ID,
		OrderCode:     order.Code,
		CurrentStatus: string(order.Status),
		ActorID:       actorID,
		OccurredAt:    order.UpdatedAt,
	}
	if previous == "" {
		event.Type = orderEventCreated
		event.Metadata = map[string]any{
			"productId": order.ProductID,
			"quantity":  order.QuantityRequested,
			"total":     order.Total.String(),
		}
	} else {
		event.PreviousStatus = string(previous)
	}
	if order.UserReceivedAnswer != domain.ReceivedAnswerUnset {
		event.Metadata = map[string]any{"answer": string(order.UserReceivedAnswer)}
	}
	s.publishEvent(ctx, event)

	if notify {
		s.notifications.dispatch(ctx, order, autoCompleted)
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderCode,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

// mapWriteError turns a lost token check into a ConcurrencyConflictError.
func (s *orderService) mapWriteError(code string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return &ConcurrencyConflictError{OrderCode: code, Err: err}
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderCode() string {
	return orderCodePrefix + s.newID()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func normalizeTransitionCommand(cmd OrderTransitionCommand) (OrderTransitionCommand, error) {
	cmd.OrderCode = strings.TrimSpace(cmd.OrderCode)
	cmd.ActorUserID = strings.TrimSpace(cmd.ActorUserID)
	cmd.Version = strings.TrimSpace(cmd.Version)
	if cmd.OrderCode == "" {
		return cmd, invalidInput("code", "order code is required")
	}
	if cmd.ActorUserID == "" {
		return cmd, invalidInput("actor", "caller identity is required")
	}
	if cmd.Version == "" {
		return cmd, invalidInput("rowVersion", "row version is required")
	}
	return cmd, nil
}

func normalizeDelivery(delivery DeliveryDetails) (DeliveryDetails, error) {
	normalized := DeliveryDetails{
		RecipientName:   textutil.PlainText(delivery.RecipientName, maxDeliveryTextLength),
		ContactPhone:    strings.TrimSpace(delivery.ContactPhone),
		AddressLine1:    textutil.PlainText(delivery.AddressLine1, maxDeliveryTextLength),
		AddressLine2:    textutil.PlainText(delivery.AddressLine2, maxDeliveryTextLength),
		CityID:          delivery.CityID,
		AdditionalNotes: textutil.PlainText(delivery.AdditionalNotes, maxProducerNotesLength),
	}
	switch {
	case normalized.RecipientName == "":
		return DeliveryDetails{}, invalidInput("recipientName", "recipient name is required")
	case normalized.ContactPhone == "":
		return DeliveryDetails{}, invalidInput("contactPhone", "contact phone is required")
	case normalized.AddressLine1 == "":
		return DeliveryDetails{}, invalidInput("addressLine1", "address is required")
	case normalized.CityID <= 0:
		return DeliveryDetails{}, invalidInput("cityId", "city is invalid")
	}
	return normalized, nil
}

func startOrderSpan(ctx context.Context, name, code string) (context.Context, trace.Span) {
	ctx, span := orderTracer.Start(ctx, name)
	if code = strings.TrimSpace(code); code != "" {
		span.SetAttributes(attribute.String("order.code", code))
	}
	return ctx, span
}

func finishOrderSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
