package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/portal-agro/api/internal/domain"
	"github.com/portal-agro/api/internal/platform/auth"
	"github.com/portal-agro/api/internal/platform/httpx"
	"github.com/portal-agro/api/internal/platform/pagination"
	"github.com/portal-agro/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	// maxPaymentFormBytes leaves room for the multipart envelope around a 10MB proof.
	maxPaymentFormBytes = 11 << 20
	paymentFormMemory   = 1 << 20
)

// OrderHandlers exposes the order lifecycle to authenticated buyers and producers.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints. Authentication is applied by the router group.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderCode}", h.getOrder)
	r.Post("/{orderCode}:accept", h.acceptOrder)
	r.Post("/{orderCode}:reject", h.rejectOrder)
	r.Post("/{orderCode}:upload-payment", h.uploadPayment)
	r.Post("/{orderCode}:mark-preparing", h.transitionHandler(h.markPreparing))
	r.Post("/{orderCode}:mark-dispatched", h.transitionHandler(h.markDispatched))
	r.Post("/{orderCode}:mark-delivered", h.transitionHandler(h.markDelivered))
	r.Post("/{orderCode}:confirm", h.confirmOrder)
	r.Post("/{orderCode}:cancel", h.transitionHandler(h.cancelOrder))
}

type deliveryRequest struct {
	RecipientName   string `json:"recipient_name"`
	ContactPhone    string `json:"contact_phone"`
	AddressLine1    string `json:"address_line1"`
	AddressLine2    string `json:"address_line2"`
	CityID          int64  `json:"city_id"`
	AdditionalNotes string `json:"additional_notes"`
}

type createOrderRequest struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Delivery  deliveryRequest `json:"delivery"`
}

type transitionRequest struct {
	RowVersion string `json:"row_version"`
}

type acceptOrderRequest struct {
	RowVersion string `json:"row_version"`
	Notes      string `json:"notes"`
}

type rejectOrderRequest struct {
	RowVersion string `json:"row_version"`
	Reason     string `json:"reason"`
}

type confirmOrderRequest struct {
	RowVersion string `json:"row_version"`
	Received   string `json:"received"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type deliveryPayload struct {
	RecipientName   string `json:"recipient_name"`
	ContactPhone    string `json:"contact_phone"`
	AddressLine1    string `json:"address_line1"`
	AddressLine2    string `json:"address_line2,omitempty"`
	CityID          int64  `json:"city_id"`
	AdditionalNotes string `json:"additional_notes,omitempty"`
}

type orderPayload struct {
	ID                     int64           `json:"id"`
	Code                   string          `json:"code"`
	Status                 string          `json:"status"`
	UserID                 string          `json:"user_id"`
	ProducerID             int64           `json:"producer_id"`
	ProductID              int64           `json:"product_id"`
	ProductName            string          `json:"product_name"`
	UnitPrice              string          `json:"unit_price"`
	Quantity               int             `json:"quantity"`
	Subtotal               string          `json:"subtotal"`
	Total                  string          `json:"total"`
	Delivery               deliveryPayload `json:"delivery"`
	ProducerNotes          string          `json:"producer_notes,omitempty"`
	ProducerDecisionReason string          `json:"producer_decision_reason,omitempty"`
	ProducerDecisionAt     string          `json:"producer_decision_at,omitempty"`
	AcceptedAt             string          `json:"accepted_at,omitempty"`
	PaymentImageURL        string          `json:"payment_image_url,omitempty"`
	PaymentSubmittedAt     string          `json:"payment_submitted_at,omitempty"`
	UserConfirmEnabledAt   string          `json:"user_confirm_enabled_at,omitempty"`
	UserReceivedAnswer     string          `json:"user_received_answer,omitempty"`
	UserReceivedAt         string          `json:"user_received_at,omitempty"`
	AutoCloseAt            string          `json:"auto_close_at,omitempty"`
	CreatedAt              string          `json:"created_at"`
	UpdatedAt              string          `json:"updated_at"`
	RowVersion             string          `json:"row_version"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		ActorUserID: identity.UID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		Delivery: services.DeliveryDetails{
			RecipientName:   req.Delivery.RecipientName,
			ContactPhone:    req.Delivery.ContactPhone,
			AddressLine1:    req.Delivery.AddressLine1,
			AddressLine2:    req.Delivery.AddressLine2,
			CityID:          req.Delivery.CityID,
			AdditionalNotes: req.Delivery.AdditionalNotes,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		field := "page_token"
		if errors.Is(err, pagination.ErrInvalidPageSize) {
			field = "page_size"
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"field": field}))
		return
	}

	role := services.OrderActorRole(strings.ToLower(strings.TrimSpace(query.Get("role"))))
	if role == "" {
		role = services.OrderActorBuyer
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersQuery{
		ActorUserID: identity.UID,
		Role:        role,
		Status:      parseStatusFilters(query["status"]),
		PageSize:    params.PageSize,
		PageToken:   params.PageToken,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderCode:   chi.URLParam(r, "orderCode"),
		ActorUserID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) acceptOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}
	var req acceptOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	order, err := h.orders.Accept(ctx, services.AcceptOrderCommand{
		OrderTransitionCommand: transitionCommand(r, identity, req.RowVersion),
		Notes:                  req.Notes,
	})
	writeOrderResult(ctx, w, order, err)
}

func (h *OrderHandlers) rejectOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}
	var req rejectOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	order, err := h.orders.Reject(ctx, services.RejectOrderCommand{
		OrderTransitionCommand: transitionCommand(r, identity, req.RowVersion),
		Reason:                 req.Reason,
	})
	writeOrderResult(ctx, w, order, err)
}

func (h *OrderHandlers) uploadPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPaymentFormBytes)
	if err := r.ParseMultipartForm(paymentFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "payment proof is too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected a multipart form with an image field", http.StatusBadRequest))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "image is required", http.StatusBadRequest).
			WithDetails(map[string]any{"field": "image"}))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read image", http.StatusBadRequest))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	order, err := h.orders.UploadPayment(ctx, services.UploadPaymentCommand{
		OrderTransitionCommand: transitionCommand(r, identity, r.FormValue("row_version")),
		Image: services.PaymentImage{
			FileName:    header.Filename,
			ContentType: contentType,
			Data:        data,
		},
	})
	writeOrderResult(ctx, w, order, err)
}

func (h *OrderHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.begin(ctx, w)
	if !ok {
		return
	}
	var req confirmOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	order, err := h.orders.Confirm(ctx, services.ConfirmReceiptCommand{
		OrderTransitionCommand: transitionCommand(r, identity, req.RowVersion),
		Answer:                 req.Received,
	})
	writeOrderResult(ctx, w, order, err)
}

func (h *OrderHandlers) markPreparing(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
	return h.orders.MarkPreparing(ctx, cmd)
}

func (h *OrderHandlers) markDispatched(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
	return h.orders.MarkDispatched(ctx, cmd)
}

func (h *OrderHandlers) markDelivered(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
	return h.orders.MarkDelivered(ctx, cmd)
}

func (h *OrderHandlers) cancelOrder(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
	return h.orders.CancelByUser(ctx, cmd)
}

// transitionHandler serves the actions whose body carries nothing but the row version.
func (h *OrderHandlers) transitionHandler(run func(context.Context, services.OrderTransitionCommand) (services.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := h.begin(ctx, w)
		if !ok {
			return
		}
		var req transitionRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		order, err := run(ctx, transitionCommand(r, identity, req.RowVersion))
		writeOrderResult(ctx, w, order, err)
	}
}

// begin checks the service is wired and the caller authenticated.
func (h *OrderHandlers) begin(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func transitionCommand(r *http.Request, identity *auth.Identity, rowVersion string) services.OrderTransitionCommand {
	return services.OrderTransitionCommand{
		OrderCode:   strings.TrimSpace(chi.URLParam(r, "orderCode")),
		ActorUserID: strings.TrimSpace(identity.UID),
		Version:     strings.TrimSpace(rowVersion),
	}
}

func parseStatusFilters(values []string) []services.OrderStatus {
	var statuses []services.OrderStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				statuses = append(statuses, services.OrderStatus(part))
			}
		}
	}
	return statuses
}

func writeOrderResult(ctx context.Context, w http.ResponseWriter, order services.Order, err error) {
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		validationErr *services.ValidationError
		ruleErr       *services.BusinessRuleError
	)
	switch {
	case errors.As(err, &validationErr):
		apiErr := httpx.NewError("invalid_request", validationErr.Message, http.StatusBadRequest)
		if validationErr.Field != "" {
			apiErr = apiErr.WithDetails(map[string]any{"field": validationErr.Field})
		}
		httpx.WriteError(ctx, w, apiErr)
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", services.ErrOrderConflict.Error(), http.StatusConflict))
	case errors.As(err, &ruleErr):
		status := http.StatusUnprocessableEntity
		if ruleErr.Retryable {
			status = http.StatusConflict
		}
		httpx.WriteError(ctx, w, httpx.NewError(string(ruleErr.Rule), ruleErr.Message, status).
			WithDetails(map[string]any{"retryable": ruleErr.Retryable}))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "order request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:          order.ID,
		Code:        order.Code,
		Status:      string(order.Status),
		UserID:      order.UserID,
		ProducerID:  order.ProducerID,
		ProductID:   order.ProductID,
		ProductName: order.ProductName,
		UnitPrice:   order.UnitPrice.StringFixed(2),
		Quantity:    order.QuantityRequested,
		Subtotal:    order.Subtotal.StringFixed(2),
		Total:       order.Total.StringFixed(2),
		Delivery: deliveryPayload{
			RecipientName:   order.Delivery.RecipientName,
			ContactPhone:    order.Delivery.ContactPhone,
			AddressLine1:    order.Delivery.AddressLine1,
			AddressLine2:    order.Delivery.AddressLine2,
			CityID:          order.Delivery.CityID,
			AdditionalNotes: order.Delivery.AdditionalNotes,
		},
		ProducerNotes:          order.ProducerNotes,
		ProducerDecisionReason: order.ProducerDecisionReason,
		ProducerDecisionAt:     formatOptionalTime(order.ProducerDecisionAt),
		AcceptedAt:             formatOptionalTime(order.AcceptedAt),
		PaymentImageURL:        order.PaymentImageURL,
		PaymentSubmittedAt:     formatOptionalTime(order.PaymentSubmittedAt),
		UserConfirmEnabledAt:   formatOptionalTime(order.UserConfirmEnabledAt),
		UserReceivedAnswer:     string(order.UserReceivedAnswer),
		UserReceivedAt:         formatOptionalTime(order.UserReceivedAt),
		AutoCloseAt:            formatAutoCloseAt(order),
		CreatedAt:              formatTime(order.CreatedAt),
		UpdatedAt:              formatTime(order.UpdatedAt),
		RowVersion:             order.Version,
	}
}

// formatAutoCloseAt hides the deadline outside the two waiting statuses where it is meaningful.
func formatAutoCloseAt(order services.Order) string {
	switch order.Status {
	case domain.OrderStatusAcceptedAwaitingPayment, domain.OrderStatusDeliveredPendingBuyerConfirm:
		return formatOptionalTime(order.AutoCloseAt)
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
