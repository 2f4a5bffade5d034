package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/repositories/memory"
)

const (
	testBuyerID         = "buyer-1"
	testProducerUserID  = "producer-user"
	testProducerID      = int64(7)
	testProductID       = int64(11)
	testOtherProducerID = "producer-other"
)

type sentNotice struct {
	event string
	msg   OrderMessage
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []sentNotice
	failOn map[string]error
}

func (n *recordingNotifier) record(event string, msg OrderMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failOn[event+"/"+string(msg.Audience)]; ok {
		return err
	}
	n.sent = append(n.sent, sentNotice{event: event, msg: msg})
	return nil
}

func (n *recordingNotifier) notices() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

func (n *recordingNotifier) OrderCreated(_ context.Context, msg OrderMessage) error {
	return n.record("created", msg)
}

func (n *recordingNotifier) OrderAcceptedAwaitingPayment(_ context.Context, msg OrderMessage) error {
	return n.record("accepted", msg)
}

func (n *recordingNotifier) OrderPaymentSubmitted(_ context.Context, msg OrderMessage) error {
	return n.record("payment_submitted", msg)
}

func (n *recordingNotifier) OrderPreparing(_ context.Context, msg OrderMessage) error {
	return n.record("preparing", msg)
}

func (n *recordingNotifier) OrderDispatched(_ context.Context, msg OrderMessage) error {
	return n.record("dispatched", msg)
}

func (n *recordingNotifier) OrderDeliveredPendingConfirm(_ context.Context, msg OrderMessage) error {
	return n.record("delivered", msg)
}

func (n *recordingNotifier) OrderCompleted(_ context.Context, msg OrderMessage) error {
	return n.record("completed", msg)
}

func (n *recordingNotifier) OrderDisputed(_ context.Context, msg OrderMessage) error {
	return n.record("disputed", msg)
}

func (n *recordingNotifier) OrderRejected(_ context.Context, msg OrderMessage) error {
	return n.record("rejected", msg)
}

func (n *recordingNotifier) OrderCancelled(_ context.Context, msg OrderMessage) error {
	return n.record("cancelled", msg)
}

func (n *recordingNotifier) OrderExpired(_ context.Context, msg OrderMessage) error {
	return n.record("expired", msg)
}

type stubMediaStore struct {
	uploadFn func(context.Context, MediaUpload) (MediaObject, error)
	deleteFn func(context.Context, string) error

	uploads []MediaUpload
	deleted []string
}

func (s *stubMediaStore) Upload(ctx context.Context, upload MediaUpload) (MediaObject, error) {
	s.uploads = append(s.uploads, upload)
	if s.uploadFn != nil {
		return s.uploadFn(ctx, upload)
	}
	return MediaObject{URL: "https://storage.example/payments/" + upload.OrderCode + ".jpg", PublicID: "payments/" + upload.OrderCode}, nil
}

func (s *stubMediaStore) Delete(ctx context.Context, publicID string) error {
	s.deleted = append(s.deleted, publicID)
	if s.deleteFn != nil {
		return s.deleteFn(ctx, publicID)
	}
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type capturedLog struct {
	event  string
	fields map[string]any
}

type orderFixture struct {
	t        *testing.T
	store    *memory.Store
	notifier *recordingNotifier
	media    *stubMediaStore
	events   *captureEvents
	now      time.Time
	logsMu   sync.Mutex
	logs     []capturedLog
	service  *orderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	fx := &orderFixture{
		t:        t,
		store:    memory.NewStore(),
		notifier: &recordingNotifier{},
		media:    &stubMediaStore{},
		events:   &captureEvents{},
		now:      time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	fx.store.PutProducer(testProducerUserID, testProducerID, domain.Contact{Email: "finca@example.com", FirstName: "Finca", LastName: "La Esperanza"})
	fx.store.PutProducer(testOtherProducerID, 99, domain.Contact{Email: "otra@example.com"})
	fx.store.PutUser(testBuyerID, domain.Contact{Email: "buyer@example.com"})
	fx.store.PutProduct(domain.Product{
		ID:             testProductID,
		ProducerID:     testProducerID,
		ProducerUserID: testProducerUserID,
		Name:           "Café especial",
		UnitPrice:      decimal.RequireFromString("12500.50"),
		Stock:          10,
		Active:         true,
	})

	svc, err := newOrderService(OrderServiceDeps{
		Orders:       fx.store.Orders(),
		Products:     fx.store.Products(),
		Participants: fx.store.Participants(),
		UnitOfWork:   fx.store,
		Media:        fx.media,
		Notifier:     fx.notifier,
		Events:       fx.events,
		Clock:        func() time.Time { return fx.now },
		IDGenerator:  func() string { return "01HZX" },
		Logger: func(_ context.Context, event string, fields map[string]any) {
			fx.logsMu.Lock()
			defer fx.logsMu.Unlock()
			fx.logs = append(fx.logs, capturedLog{event: event, fields: fields})
		},
	})
	if err != nil {
		t.Fatalf("newOrderService: %v", err)
	}
	fx.service = svc
	return fx
}

func (fx *orderFixture) seed(status domain.OrderStatus, mutate func(*domain.Order)) domain.Order {
	fx.t.Helper()
	decision := fx.now.Add(-72 * time.Hour)
	order := domain.Order{
		Code:              "PA-SEED-" + string(status),
		UserID:            testBuyerID,
		ProducerID:        testProducerID,
		ProductID:         testProductID,
		ProductName:       "Café especial",
		UnitPrice:         decimal.RequireFromString("12500.50"),
		QuantityRequested: 3,
		Subtotal:          decimal.RequireFromString("37501.50"),
		Total:             decimal.RequireFromString("37501.50"),
		Status:            status,
		Active:            true,
		CreatedAt:         fx.now.Add(-96 * time.Hour),
		UpdatedAt:         fx.now.Add(-96 * time.Hour),
	}
	if status != domain.OrderStatusPendingReview {
		order.ProducerDecisionAt = &decision
	}
	if mutate != nil {
		mutate(&order)
	}
	return fx.store.PutOrder(order)
}

func (fx *orderFixture) stored(id int64) domain.Order {
	fx.t.Helper()
	order, ok := fx.store.Order(id)
	if !ok {
		fx.t.Fatalf("order %d not stored", id)
	}
	return order
}

func (fx *orderFixture) loggedEvents() []string {
	fx.logsMu.Lock()
	defer fx.logsMu.Unlock()
	names := make([]string, 0, len(fx.logs))
	for _, entry := range fx.logs {
		names = append(names, entry.event)
	}
	return names
}

func transitionCmd(order domain.Order, actor string) OrderTransitionCommand {
	return OrderTransitionCommand{OrderCode: order.Code, ActorUserID: actor, Version: order.Version}
}

func validDelivery() DeliveryDetails {
	return DeliveryDetails{
		RecipientName: "Ana Pérez",
		ContactPhone:  "3001234567",
		AddressLine1:  "Calle 5 # 10-20",
		CityID:        41001,
	}
}

func TestNewOrderServiceRequiresRepositories(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error when repositories are missing")
	}
}

func TestOrderServiceCreate(t *testing.T) {
	fx := newOrderFixture(t)

	order, err := fx.service.Create(context.Background(), CreateOrderCommand{
		ActorUserID: testBuyerID,
		ProductID:   testProductID,
		Quantity:    4,
		Delivery:    validDelivery(),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if order.Code != "PA-01HZX" {
		t.Fatalf("unexpected code %q", order.Code)
	}
	if order.Status != domain.OrderStatusPendingReview || order.ProducerID != testProducerID {
		t.Fatalf("unexpected order %+v", order)
	}
	want := decimal.RequireFromString("50002")
	if !order.Total.Equal(want) || !order.Subtotal.Equal(want) {
		t.Fatalf("expected total %s, got subtotal %s total %s", want, order.Subtotal, order.Total)
	}
	if order.Version == "" || order.ID == 0 {
		t.Fatalf("expected stored identity, got %+v", order)
	}

	product, _ := fx.store.Product(testProductID)
	if product.Stock != 10 {
		t.Fatalf("create must not reserve stock, got %d", product.Stock)
	}

	notices := fx.notifier.notices()
	if len(notices) != 2 {
		t.Fatalf("expected producer and buyer notices, got %+v", notices)
	}
	if notices[0].msg.Audience != AudienceProducer || notices[0].msg.RecipientName != "Finca La Esperanza" {
		t.Fatalf("unexpected producer notice %+v", notices[0])
	}
	if notices[1].msg.Audience != AudienceBuyer || notices[1].msg.RecipientName != "Cliente" {
		t.Fatalf("unexpected buyer notice %+v", notices[1])
	}
	if len(fx.events.events) != 1 || fx.events.events[0].Type != orderEventCreated {
		t.Fatalf("expected created event, got %+v", fx.events.events)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	fx := newOrderFixture(t)
	fx.store.PutProduct(domain.Product{ID: 12, ProducerID: testProducerID, Name: "Oculto", Stock: 5, Active: false})

	cases := []struct {
		name string
		cmd  CreateOrderCommand
		rule BusinessRule
	}{
		{name: "zero quantity", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: testProductID, Quantity: 0, Delivery: validDelivery()}},
		{name: "missing address", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: testProductID, Quantity: 1, Delivery: DeliveryDetails{RecipientName: "Ana", ContactPhone: "1", CityID: 1}}},
		{name: "markup only recipient", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: testProductID, Quantity: 1, Delivery: DeliveryDetails{RecipientName: "<script>x</script>", ContactPhone: "1", AddressLine1: "a", CityID: 1}}},
		{name: "own product", cmd: CreateOrderCommand{ActorUserID: testProducerUserID, ProductID: testProductID, Quantity: 1, Delivery: validDelivery()}, rule: RuleSelfPurchase},
		{name: "inactive product", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: 12, Quantity: 1, Delivery: validDelivery()}, rule: RuleProductUnavailable},
		{name: "missing product", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: 404, Quantity: 1, Delivery: validDelivery()}, rule: RuleProductUnavailable},
		{name: "more than stock", cmd: CreateOrderCommand{ActorUserID: testBuyerID, ProductID: testProductID, Quantity: 11, Delivery: validDelivery()}, rule: RuleInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.service.Create(context.Background(), tc.cmd)
			if tc.rule == "" {
				if !errors.Is(err, ErrOrderInvalidInput) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			assertRule(t, err, tc.rule)
		})
	}
	if len(fx.notifier.notices()) != 0 {
		t.Fatalf("failed creates must not notify")
	}
}

func TestOrderServiceAcceptWithExactStock(t *testing.T) {
	fx := newOrderFixture(t)
	fx.store.PutProduct(domain.Product{ID: testProductID, ProducerID: testProducerID, Name: "Café especial", UnitPrice: decimal.NewFromInt(100), Stock: 3, Active: true})
	seeded := fx.seed(domain.OrderStatusPendingReview, nil)

	order, err := fx.service.Accept(context.Background(), AcceptOrderCommand{
		OrderTransitionCommand: transitionCmd(seeded, testProducerUserID),
		Notes:                  "  <b>Listo</b> para el lunes ",
	})
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if order.Status != domain.OrderStatusAcceptedAwaitingPayment {
		t.Fatalf("expected accepted status, got %s", order.Status)
	}
	if order.ProducerNotes != "Listo para el lunes" {
		t.Fatalf("expected sanitised notes, got %q", order.ProducerNotes)
	}
	if order.AutoCloseAt == nil || !order.AutoCloseAt.Equal(fx.now.Add(DefaultPaymentUploadDeadline)) {
		t.Fatalf("expected payment deadline, got %v", order.AutoCloseAt)
	}
	if order.Version == seeded.Version {
		t.Fatalf("expected a new row version")
	}

	product, _ := fx.store.Product(testProductID)
	if product.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", product.Stock)
	}

	notices := fx.notifier.notices()
	if len(notices) != 1 || notices[0].event != "accepted" || notices[0].msg.Deadline == nil {
		t.Fatalf("expected buyer acceptance notice with deadline, got %+v", notices)
	}
}

func TestOrderServiceAcceptWithInsufficientStock(t *testing.T) {
	fx := newOrderFixture(t)
	fx.store.PutProduct(domain.Product{ID: testProductID, ProducerID: testProducerID, Name: "Café especial", UnitPrice: decimal.NewFromInt(100), Stock: 2, Active: true})
	seeded := fx.seed(domain.OrderStatusPendingReview, nil)

	_, err := fx.service.Accept(context.Background(), AcceptOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testProducerUserID)})
	assertRule(t, err, RuleInsufficientStock)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable stock error, got %v", err)
	}
	if errors.Is(err, ErrOrderConflict) {
		t.Fatalf("stock failure must not be reported as a token conflict")
	}

	stored := fx.stored(seeded.ID)
	if stored.Status != domain.OrderStatusPendingReview || stored.Version != seeded.Version {
		t.Fatalf("order must be untouched, got %+v", stored)
	}
	product, _ := fx.store.Product(testProductID)
	if product.Stock != 2 {
		t.Fatalf("stock must be untouched, got %d", product.Stock)
	}
}

func TestOrderServiceConcurrentAcceptWithSameToken(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusPendingReview, nil)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = fx.service.Accept(context.Background(), AcceptOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testProducerUserID)})
		}(i)
	}
	close(start)
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range results {
		var conflict *ConcurrencyConflictError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &conflict):
			conflicted++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", succeeded, conflicted)
	}

	product, _ := fx.store.Product(testProductID)
	if product.Stock != 7 {
		t.Fatalf("expected a single decrement, stock %d", product.Stock)
	}
	if stored := fx.stored(seeded.ID); stored.Status != domain.OrderStatusAcceptedAwaitingPayment {
		t.Fatalf("unexpected status %s", stored.Status)
	}
}

func TestOrderServiceStaleTokenIsConflict(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusPaymentSubmitted, nil)

	cmd := transitionCmd(seeded, testProducerUserID)
	cmd.Version = "stale"
	_, err := fx.service.MarkPreparing(context.Background(), cmd)
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if stored := fx.stored(seeded.ID); stored.Status != domain.OrderStatusPaymentSubmitted {
		t.Fatalf("order must be untouched, got %s", stored.Status)
	}
}

func TestOrderServiceActorGuards(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusPendingReview, nil)

	_, err := fx.service.Accept(context.Background(), AcceptOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID)})
	assertRule(t, err, RuleNotOrderProducer)

	_, err = fx.service.Reject(context.Background(), RejectOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testOtherProducerID), Reason: "no"})
	assertRule(t, err, RuleNotOrderProducer)

	_, err = fx.service.CancelByUser(context.Background(), transitionCmd(seeded, "someone-else"))
	assertRule(t, err, RuleNotOrderBuyer)
}

func TestOrderServicePendingReviewExits(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusPendingReview, nil)
	ctx := context.Background()

	attempts := map[string]func() error{
		"mark preparing": func() error {
			_, err := fx.service.MarkPreparing(ctx, transitionCmd(seeded, testProducerUserID))
			return err
		},
		"mark dispatched": func() error {
			_, err := fx.service.MarkDispatched(ctx, transitionCmd(seeded, testProducerUserID))
			return err
		},
		"mark delivered": func() error {
			_, err := fx.service.MarkDelivered(ctx, transitionCmd(seeded, testProducerUserID))
			return err
		},
		"confirm": func() error {
			_, err := fx.service.Confirm(ctx, ConfirmReceiptCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID), Answer: "yes"})
			return err
		},
		"upload payment": func() error {
			_, err := fx.service.UploadPayment(ctx, UploadPaymentCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID), Image: PaymentImage{Data: []byte("img"), ContentType: "image/png"}})
			return err
		},
	}
	for name, attempt := range attempts {
		t.Run(name, func(t *testing.T) {
			assertRule(t, attempt(), RuleInvalidTransition)
		})
	}

	stored := fx.stored(seeded.ID)
	if stored.Status != domain.OrderStatusPendingReview || stored.Version != seeded.Version {
		t.Fatalf("order must be untouched, got %+v", stored)
	}
	if len(fx.media.uploads) != 0 {
		t.Fatalf("guard failures must not upload media")
	}
}

func TestOrderServiceUnavailableOrder(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusPendingReview, func(o *domain.Order) { o.IsDeleted = true })

	_, err := fx.service.Accept(context.Background(), AcceptOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testProducerUserID)})
	assertRule(t, err, RuleOrderUnavailable)

	_, err = fx.service.GetOrder(context.Background(), GetOrderQuery{OrderCode: seeded.Code, ActorUserID: testBuyerID})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for unavailable order, got %v", err)
	}
}

func TestOrderServiceRejectAndCancel(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()

	seeded := fx.seed(domain.OrderStatusPendingReview, nil)
	_, err := fx.service.Reject(ctx, RejectOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testProducerUserID), Reason: "   "})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected validation error for blank reason, got %v", err)
	}

	rejected, err := fx.service.Reject(ctx, RejectOrderCommand{OrderTransitionCommand: transitionCmd(seeded, testProducerUserID), Reason: " Sin cosecha esta semana "})
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if rejected.Status != domain.OrderStatusRejected || rejected.ProducerDecisionReason != "Sin cosecha esta semana" || rejected.ProducerDecisionAt == nil {
		t.Fatalf("unexpected rejected order %+v", rejected)
	}

	other := fx.store.PutOrder(func() domain.Order {
		o := fx.stored(seeded.ID)
		o.ID = 0
		o.Code = "PA-CANCEL"
		o.Status = domain.OrderStatusPendingReview
		o.ProducerDecisionAt = nil
		return o
	}())
	cancelled, err := fx.service.CancelByUser(ctx, transitionCmd(other, testBuyerID))
	if err != nil {
		t.Fatalf("CancelByUser returned error: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelledByUser || cancelled.AutoCloseAt != nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}

	notices := fx.notifier.notices()
	if len(notices) != 2 || notices[0].event != "rejected" || notices[0].msg.Reason == "" || notices[1].event != "cancelled" || notices[1].msg.Audience != AudienceProducer {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestOrderServiceUploadPayment(t *testing.T) {
	fx := newOrderFixture(t)
	deadline := fx.now.Add(2 * time.Hour)
	seeded := fx.seed(domain.OrderStatusAcceptedAwaitingPayment, func(o *domain.Order) { o.AutoCloseAt = &deadline })

	order, err := fx.service.UploadPayment(context.Background(), UploadPaymentCommand{
		OrderTransitionCommand: transitionCmd(seeded, testBuyerID),
		Image:                  PaymentImage{FileName: "pago.jpg", ContentType: "image/jpeg", Data: []byte("jpeg")},
	})
	if err != nil {
		t.Fatalf("UploadPayment returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPaymentSubmitted || order.AutoCloseAt != nil {
		t.Fatalf("unexpected order %+v", order)
	}
	if !strings.HasSuffix(order.PaymentImageURL, seeded.Code+".jpg") || order.PaymentUploadedAt == nil || order.PaymentSubmittedAt == nil {
		t.Fatalf("expected payment stamps, got %+v", order)
	}
	if len(fx.media.uploads) != 1 || fx.media.uploads[0].OrderID != seeded.ID {
		t.Fatalf("expected one upload for the order, got %+v", fx.media.uploads)
	}
	notices := fx.notifier.notices()
	if len(notices) != 1 || notices[0].event != "payment_submitted" || notices[0].msg.Audience != AudienceProducer {
		t.Fatalf("unexpected notices %+v", notices)
	}
}

func TestOrderServiceUploadPaymentAfterDeadline(t *testing.T) {
	fx := newOrderFixture(t)
	deadline := fx.now.Add(-time.Second)
	seeded := fx.seed(domain.OrderStatusAcceptedAwaitingPayment, func(o *domain.Order) { o.AutoCloseAt = &deadline })

	_, err := fx.service.UploadPayment(context.Background(), UploadPaymentCommand{
		OrderTransitionCommand: transitionCmd(seeded, testBuyerID),
		Image:                  PaymentImage{Data: []byte("jpeg")},
	})
	assertRule(t, err, RulePaymentDeadlineExpired)
	if len(fx.media.uploads) != 0 {
		t.Fatalf("expired deadline must not upload media")
	}
}

func TestOrderServiceUploadPaymentRequiresImage(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusAcceptedAwaitingPayment, nil)

	_, err := fx.service.UploadPayment(context.Background(), UploadPaymentCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID)})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = fx.service.UploadPayment(context.Background(), UploadPaymentCommand{
		OrderTransitionCommand: transitionCmd(seeded, testBuyerID),
		Image:                  PaymentImage{Data: []byte("%PDF"), ContentType: "application/pdf"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected validation error for non image, got %v", err)
	}
}

func TestOrderServiceUploadPaymentCompensatesOnConflict(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusAcceptedAwaitingPayment, nil)
	fx.media.uploadFn = func(context.Context, MediaUpload) (MediaObject, error) {
		// A competing writer commits while the upload is in flight.
		current := fx.stored(seeded.ID)
		fx.store.PutOrder(current)
		return MediaObject{URL: "https://storage.example/p.jpg", PublicID: "payments/p"}, nil
	}
	fx.media.deleteFn = func(context.Context, string) error { return errors.New("storage unavailable") }

	_, err := fx.service.UploadPayment(context.Background(), UploadPaymentCommand{
		OrderTransitionCommand: transitionCmd(seeded, testBuyerID),
		Image:                  PaymentImage{Data: []byte("jpeg")},
	})
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if len(fx.media.deleted) != 1 || fx.media.deleted[0] != "payments/p" {
		t.Fatalf("expected compensating delete, got %v", fx.media.deleted)
	}
	if !containsEvent(fx.loggedEvents(), "order.media.cleanup.failed") {
		t.Fatalf("expected cleanup failure to be logged, got %v", fx.loggedEvents())
	}
	if stored := fx.stored(seeded.ID); stored.PaymentImageURL != "" {
		t.Fatalf("payment must not be recorded, got %+v", stored)
	}
}

func TestOrderServiceFulfilmentAndConfirmation(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	seeded := fx.seed(domain.OrderStatusPaymentSubmitted, nil)

	order, err := fx.service.MarkPreparing(ctx, transitionCmd(seeded, testProducerUserID))
	if err != nil {
		t.Fatalf("MarkPreparing: %v", err)
	}
	order, err = fx.service.MarkDispatched(ctx, transitionCmd(order, testProducerUserID))
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	order, err = fx.service.MarkDelivered(ctx, transitionCmd(order, testProducerUserID))
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if order.AutoCloseAt == nil || !order.AutoCloseAt.Equal(fx.now.Add(DefaultDeliveredConfirmDeadline)) || order.UserConfirmEnabledAt == nil {
		t.Fatalf("expected confirmation window, got %+v", order)
	}

	_, err = fx.service.Confirm(ctx, ConfirmReceiptCommand{OrderTransitionCommand: transitionCmd(order, testBuyerID), Answer: "maybe"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if stored := fx.stored(order.ID); stored.Status != domain.OrderStatusDeliveredPendingBuyerConfirm {
		t.Fatalf("invalid answer must leave status, got %s", stored.Status)
	}

	disputed, err := fx.service.Confirm(ctx, ConfirmReceiptCommand{OrderTransitionCommand: transitionCmd(order, testBuyerID), Answer: "  nO "})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if disputed.Status != domain.OrderStatusDisputed || disputed.UserReceivedAnswer != domain.ReceivedAnswerNo || disputed.AutoCloseAt != nil {
		t.Fatalf("unexpected disputed order %+v", disputed)
	}
	if !disputed.Total.Equal(seeded.UnitPrice.Mul(decimal.NewFromInt(int64(seeded.QuantityRequested)))) {
		t.Fatalf("total drifted to %s", disputed.Total)
	}

	var events []string
	for _, notice := range fx.notifier.notices() {
		events = append(events, notice.event+"/"+string(notice.msg.Audience))
	}
	want := []string{"preparing/buyer", "dispatched/buyer", "delivered/buyer", "disputed/producer"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected notices %v", events)
	}
}

func TestOrderServiceConfirmRequiresProducerDecision(t *testing.T) {
	fx := newOrderFixture(t)
	seeded := fx.seed(domain.OrderStatusDeliveredPendingBuyerConfirm, func(o *domain.Order) { o.ProducerDecisionAt = nil })

	_, err := fx.service.Confirm(context.Background(), ConfirmReceiptCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID), Answer: "yes"})
	assertRule(t, err, RuleProducerDecisionMissing)
}

func TestOrderServiceNotificationFailureIsIsolated(t *testing.T) {
	fx := newOrderFixture(t)
	fx.notifier.failOn = map[string]error{"completed/producer": errors.New("smtp down")}
	seeded := fx.seed(domain.OrderStatusDeliveredPendingBuyerConfirm, nil)

	order, err := fx.service.Confirm(context.Background(), ConfirmReceiptCommand{OrderTransitionCommand: transitionCmd(seeded, testBuyerID), Answer: "YES"})
	if err != nil {
		t.Fatalf("notification failure must not fail the operation: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", order.Status)
	}
	if stored := fx.stored(seeded.ID); stored.Status != domain.OrderStatusCompleted {
		t.Fatalf("transition must stay committed, got %s", stored.Status)
	}

	notices := fx.notifier.notices()
	if len(notices) != 1 || notices[0].msg.Audience != AudienceBuyer || notices[0].msg.AutoCompleted {
		t.Fatalf("expected buyer notice despite producer failure, got %+v", notices)
	}
	if !containsEvent(fx.loggedEvents(), "order.notification.failed") {
		t.Fatalf("expected failure to be logged, got %v", fx.loggedEvents())
	}
}

func TestOrderServiceGetAndList(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	first := fx.seed(domain.OrderStatusPendingReview, func(o *domain.Order) { o.Code = "PA-A" })
	second := fx.seed(domain.OrderStatusPreparing, func(o *domain.Order) { o.Code = "PA-B" })
	fx.seed(domain.OrderStatusPreparing, func(o *domain.Order) { o.Code = "PA-C"; o.UserID = "buyer-2" })

	if _, err := fx.service.GetOrder(ctx, GetOrderQuery{OrderCode: first.Code, ActorUserID: testProducerUserID}); err != nil {
		t.Fatalf("producer must see own order: %v", err)
	}
	if _, err := fx.service.GetOrder(ctx, GetOrderQuery{OrderCode: first.Code, ActorUserID: testOtherProducerID}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("other producer must not see order, got %v", err)
	}

	page, err := fx.service.ListOrders(ctx, ListOrdersQuery{ActorUserID: testBuyerID, PageSize: 1})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Code != second.Code || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = fx.service.ListOrders(ctx, ListOrdersQuery{ActorUserID: testBuyerID, PageSize: 1, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("ListOrders page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Code != first.Code || page.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}

	page, err = fx.service.ListOrders(ctx, ListOrdersQuery{ActorUserID: testProducerUserID, Role: OrderActorProducer, Status: []OrderStatus{domain.OrderStatusPreparing}})
	if err != nil {
		t.Fatalf("ListOrders producer: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected both preparing orders, got %d", len(page.Items))
	}

	if _, err := fx.service.ListOrders(ctx, ListOrdersQuery{ActorUserID: testBuyerID, Role: OrderActorProducer}); err == nil {
		t.Fatalf("expected error listing as producer for a buyer")
	}
	if _, err := fx.service.ListOrders(ctx, ListOrdersQuery{ActorUserID: testBuyerID, PageToken: "???"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid page token error, got %v", err)
	}
}

func containsEvent(events []string, want string) bool {
	for _, event := range events {
		if event == want {
			return true
		}
	}
	return false
}
