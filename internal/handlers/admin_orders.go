package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/platform/auth"
	"github.com/labvial/api/internal/platform/httpx"
	"github.com/labvial/api/internal/services"
)

const (
	maxAdminBodySize     = 16 * 1024
	defaultLowStockLimit = 50
	maxLowStockLimit     = 500
)

// AdminOrderHandlers expose the staff fulfillment workflow.
type AdminOrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	fulfillment services.FulfillmentService
	discounts   services.DiscountEvaluator
	inventory   services.InventoryService
}

// AdminOrderDeps groups the services behind the admin routes.
type AdminOrderDeps struct {
	Authenticator *auth.Authenticator
	Orders        services.OrderService
	Fulfillment   services.FulfillmentService
	Discounts     services.DiscountEvaluator
	Inventory     services.InventoryService
}

// NewAdminOrderHandlers constructs the admin handlers.
func NewAdminOrderHandlers(deps AdminOrderDeps) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:       deps.Authenticator,
		orders:      deps.Orders,
		fulfillment: deps.Fulfillment,
		discounts:   deps.Discounts,
		inventory:   deps.Inventory,
	}
}

// Routes wires the /admin endpoints. Every route requires the staff or admin role.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders/{orderId}", h.getOrder)
	r.Put("/orders/{orderId}/status", h.updateStatus)
	r.Post("/orders/{orderId}/payment:approve", h.approvePayment)
	r.Get("/orders/{orderId}/shipping-rates", h.shippingRates)
	r.Post("/orders/{orderId}/shipping-label", h.createLabel)
	r.Post("/orders/{orderId}/fulfill", h.fulfill)
	r.Post("/discounts:expire", h.expireDiscounts)
	r.Get("/inventory/low-stock", h.lowStock)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return identity.UID
	}
	return ""
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := decodeBody(r, maxAdminBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: orderID,
		Status:  domain.OrderStatus(status),
		ActorID: actorID(r),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

type approvePaymentRequest struct {
	Notes    string `json:"notes,omitempty"`
	AutoShip *bool  `json:"autoShip,omitempty"`
}

func (h *AdminOrderHandlers) approvePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req approvePaymentRequest
	if err := decodeBody(r, maxAdminBodySize, true, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.fulfillment.ApprovePayment(ctx, services.ApprovePaymentCommand{
		OrderID:  orderID,
		ActorID:  actorID(r),
		Notes:    req.Notes,
		AutoShip: req.AutoShip,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildApprovalPayload(result))
}

func (h *AdminOrderHandlers) shippingRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.fulfillment.GetShippingRates(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRatesPayload(result))
}

type createLabelRequest struct {
	RateID             string `json:"rateId"`
	ExternalShipmentID string `json:"externalShipmentId,omitempty"`
}

func (h *AdminOrderHandlers) createLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req createLabelRequest
	if err := decodeBody(r, maxAdminBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	rateID := strings.TrimSpace(req.RateID)
	if rateID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "rateId is required", http.StatusBadRequest))
		return
	}

	result, err := h.fulfillment.CreateShippingLabel(ctx, services.CreateLabelCommand{
		OrderID:            orderID,
		RateID:             rateID,
		ExternalShipmentID: strings.TrimSpace(req.ExternalShipmentID),
		ActorID:            actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildLabelPayload(&result))
}

type fulfillRequest struct {
	Notes string `json:"notes,omitempty"`
}

type fulfillResponse struct {
	Payment       approvalPayload `json:"payment"`
	Rates         *ratesPayload   `json:"rates,omitempty"`
	SelectedRate  *ratePayload    `json:"selectedRate,omitempty"`
	Label         *labelPayload   `json:"label,omitempty"`
	ShippingError string          `json:"shippingError,omitempty"`
}

func (h *AdminOrderHandlers) fulfill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service is unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req fulfillRequest
	if err := decodeBody(r, maxAdminBodySize, true, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.fulfillment.FulfillOrder(ctx, services.FulfillOrderCommand{
		OrderID: orderID,
		ActorID: actorID(r),
		Notes:   req.Notes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := fulfillResponse{
		Payment:       buildApprovalPayload(result.Payment),
		Label:         buildLabelPayload(result.Label),
		ShippingError: result.ShippingError,
	}
	if result.Rates != nil {
		rates := buildRatesPayload(*result.Rates)
		resp.Rates = &rates
	}
	if result.SelectedRate != nil {
		rate := buildRatePayload(*result.SelectedRate)
		resp.SelectedRate = &rate
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) expireDiscounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discounts_unavailable", "discount service is unavailable", http.StatusServiceUnavailable))
		return
	}
	expired, err := h.discounts.ExpireStale(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"expired": expired})
}

type lowStockPayload struct {
	ProductID         string  `json:"productId"`
	VariantID         *string `json:"variantId,omitempty"`
	Quantity          int     `json:"quantity"`
	ReservedQuantity  int     `json:"reservedQuantity"`
	Available         int     `json:"available"`
	LowStockThreshold int     `json:"lowStockThreshold"`
}

func (h *AdminOrderHandlers) lowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service is unavailable", http.StatusServiceUnavailable))
		return
	}
	limit := defaultLowStockLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(parsed, maxLowStockLimit)
	}

	records, err := h.inventory.ListLowStock(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]lowStockPayload, 0, len(records))
	for _, rec := range records {
		items = append(items, lowStockPayload{
			ProductID:         rec.ProductID,
			VariantID:         rec.VariantID,
			Quantity:          rec.Quantity,
			ReservedQuantity:  rec.ReservedQuantity,
			Available:         rec.Quantity - rec.ReservedQuantity,
			LowStockThreshold: rec.LowStockThreshold,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}
