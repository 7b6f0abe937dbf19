package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/platform/auth"
	"github.com/labvial/api/internal/services"
)

type stubTokenVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[idToken]; ok {
		return token, nil
	}
	return nil, errors.New("invalid token")
}

func staffRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
}

func newAdminRouter(deps AdminOrderDeps) chi.Router {
	router := chi.NewRouter()
	NewAdminOrderHandlers(deps).Routes(router)
	return router
}

func TestAdminOrderHandlersRequireStaffRole(t *testing.T) {
	verifier := &stubTokenVerifier{tokens: map[string]*firebaseauth.Token{
		"customer": {UID: "user-1", Claims: map[string]any{}},
		"admin":    {UID: "admin-1", Claims: map[string]any{"role": "admin"}},
	}}
	router := newAdminRouter(AdminOrderDeps{
		Authenticator: auth.NewAuthenticator(verifier),
		Orders: &stubOrderService{getFunc: func(_ context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: orderID, Status: domain.OrderStatusProcessing}, nil
		}},
	})

	cases := map[string]int{"": http.StatusUnauthorized, "customer": http.StatusForbidden, "admin": http.StatusOK}
	for token, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("token %q: expected %d, got %d", token, want, rr.Code)
		}
	}
}

func TestAdminOrderHandlersGetOrderNotFound(t *testing.T) {
	router := newAdminRouter(AdminOrderDeps{Orders: &stubOrderService{getFunc: func(_ context.Context, orderID string) (domain.Order, error) {
		return domain.Order{}, &services.NotFoundError{Resource: "order", ID: orderID}
	}}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodGet, "/orders/missing", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if decodeError(t, rr).Error != "order_not_found" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestAdminOrderHandlersApprovePayment(t *testing.T) {
	paidAt := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	var captured services.ApprovePaymentCommand
	fulfillment := &stubFulfillmentService{approveFunc: func(_ context.Context, cmd services.ApprovePaymentCommand) (services.ApprovePaymentResult, error) {
		captured = cmd
		return services.ApprovePaymentResult{
			Success:       true,
			Order:         domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusAwaitingPayment, PaidAt: &paidAt},
			Payment:       domain.Payment{ID: "pay-1", Status: domain.PaymentStatusCompleted, VerifiedAt: &paidAt},
			ShippingError: "no shipping rates available",
		}, nil
	}}
	router := newAdminRouter(AdminOrderDeps{Fulfillment: fulfillment})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-9/payment:approve", `{"notes":"wire received","autoShip":false}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord-9" || captured.ActorID != "staff-1" || captured.Notes != "wire received" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.AutoShip == nil || *captured.AutoShip {
		t.Fatalf("expected autoShip=false forwarded, got %v", captured.AutoShip)
	}

	var resp approvalPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Payment == nil || resp.Payment.Status != "COMPLETED" {
		t.Fatalf("unexpected approval %+v", resp)
	}
	if resp.Order.PaidAt == nil || *resp.Order.PaidAt != "2026-04-01T09:30:00Z" {
		t.Fatalf("expected paidAt, got %+v", resp.Order.PaidAt)
	}
	if resp.ShippingError != "no shipping rates available" {
		t.Fatalf("expected shipping error surfaced, got %q", resp.ShippingError)
	}
}

func TestAdminOrderHandlersApproveWithoutBodyDefaultsAutoShip(t *testing.T) {
	var captured services.ApprovePaymentCommand
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{approveFunc: func(_ context.Context, cmd services.ApprovePaymentCommand) (services.ApprovePaymentResult, error) {
		captured = cmd
		return services.ApprovePaymentResult{Success: true}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-9/payment:approve", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.AutoShip != nil {
		t.Fatalf("expected autoShip left to the service default")
	}
}

func TestAdminOrderHandlersApproveErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&services.NoPaymentFoundError{OrderID: "ord-9"}, http.StatusNotFound, "payment_not_found"},
		{&services.AlreadyVerifiedError{OrderID: "ord-9", PaymentID: "pay-1"}, http.StatusConflict, "payment_already_verified"},
		{services.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{approveFunc: func(context.Context, services.ApprovePaymentCommand) (services.ApprovePaymentResult, error) {
			return services.ApprovePaymentResult{}, tc.err
		}}})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-9/payment:approve", `{}`))
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		if body := decodeError(t, rr); body.Error != tc.code {
			t.Fatalf("%v: expected %s, got %+v", tc.err, tc.code, body)
		}
	}
}

func TestAdminOrderHandlersShippingRates(t *testing.T) {
	days := 2
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{ratesFunc: func(_ context.Context, orderID string) (services.ShippingRatesResult, error) {
		return services.ShippingRatesResult{
			OrderID:            orderID,
			ExternalShipmentID: "shp_123",
			Parcel:             services.Parcel{Units: 3, WeightOz: decimal.RequireFromString("4.6")},
			Rates: []services.Rate{
				{ID: "rate_1", Carrier: "USPS", Service: "GroundAdvantage", Amount: 820, Currency: "USD", EstimatedDays: &days},
			},
		}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodGet, "/orders/ord-3/shipping-rates", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp ratesPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "ord-3" || resp.ExternalShipmentID != "shp_123" || resp.WeightOz != "4.6" || resp.Units != 3 {
		t.Fatalf("unexpected rates payload %+v", resp)
	}
	if len(resp.Rates) != 1 || resp.Rates[0].Amount != 820 || resp.Rates[0].EstimatedDays == nil {
		t.Fatalf("unexpected rates %+v", resp.Rates)
	}
}

func TestAdminOrderHandlersCreateLabel(t *testing.T) {
	var captured services.CreateLabelCommand
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{labelFunc: func(_ context.Context, cmd services.CreateLabelCommand) (services.ShippingLabelResult, error) {
		captured = cmd
		return services.ShippingLabelResult{
			Order:    domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusShipped},
			Shipment: domain.Shipment{ID: "shp-1", Status: domain.ShipmentStatusLabelCreated, Carrier: "USPS", TrackingNumber: "9400", ShippingCost: 820},
		}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-3/shipping-label", `{"rateId":"rate_1","externalShipmentId":"shp_123"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.RateID != "rate_1" || captured.ExternalShipmentID != "shp_123" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var resp labelPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.Status != "SHIPPED" || resp.Shipment.Status != "LABEL_CREATED" || resp.Shipment.TrackingNumber != "9400" {
		t.Fatalf("unexpected label payload %+v", resp)
	}
}

func TestAdminOrderHandlersCreateLabelProviderFailure(t *testing.T) {
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{labelFunc: func(context.Context, services.CreateLabelCommand) (services.ShippingLabelResult, error) {
		return services.ShippingLabelResult{}, &services.LabelCreationError{OrderID: "ord-3", ProviderMessage: "rate expired"}
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-3/shipping-label", `{"rateId":"rate_1"}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	body := decodeError(t, rr)
	if body.Error != "label_creation_failed" || body.Details["providerMessage"] != "rate expired" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAdminOrderHandlersCreateLabelRequiresRate(t *testing.T) {
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-3/shipping-label", `{"rateId":"  "}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersFulfill(t *testing.T) {
	selected := services.Rate{ID: "rate_gnd", Carrier: "USPS", Service: "GroundAdvantage", Amount: 820}
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{fulfillFunc: func(_ context.Context, cmd services.FulfillOrderCommand) (services.FulfillOrderResult, error) {
		if cmd.OrderID != "ord-4" || cmd.Notes != "cash app verified" || cmd.ActorID != "staff-1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		return services.FulfillOrderResult{
			Payment:      services.ApprovePaymentResult{Success: true, Order: domain.Order{ID: "ord-4"}},
			Rates:        &services.ShippingRatesResult{OrderID: "ord-4", Rates: []services.Rate{selected}},
			SelectedRate: &selected,
			Label: &services.ShippingLabelResult{
				Order:    domain.Order{ID: "ord-4", Status: domain.OrderStatusShipped},
				Shipment: domain.Shipment{Status: domain.ShipmentStatusLabelCreated},
			},
		}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-4/fulfill", `{"notes":"cash app verified"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp fulfillResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Payment.Success || resp.SelectedRate == nil || resp.SelectedRate.ID != "rate_gnd" {
		t.Fatalf("unexpected fulfill payload %+v", resp)
	}
	if resp.Label == nil || resp.Label.Order.Status != "SHIPPED" || resp.ShippingError != "" {
		t.Fatalf("unexpected label %+v", resp.Label)
	}
}

func TestAdminOrderHandlersFulfillShippingErrorIsNotFailure(t *testing.T) {
	router := newAdminRouter(AdminOrderDeps{Fulfillment: &stubFulfillmentService{fulfillFunc: func(context.Context, services.FulfillOrderCommand) (services.FulfillOrderResult, error) {
		return services.FulfillOrderResult{
			Payment:       services.ApprovePaymentResult{Success: true},
			ShippingError: "no shipping rates available",
		}, nil
	}}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/orders/ord-4/fulfill", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp fulfillResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Label != nil || resp.ShippingError == "" {
		t.Fatalf("expected shipping error without label, got %+v", resp)
	}
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.UpdateOrderStatusCommand
	router := newAdminRouter(AdminOrderDeps{Orders: &stubOrderService{statusFunc: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
		captured = cmd
		return domain.Order{ID: cmd.OrderID, Status: cmd.Status}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPut, "/orders/ord-5/status", `{"status":"cancelled","reason":"customer request"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Status != domain.OrderStatusCancelled || captured.Reason != "customer request" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPut, "/orders/ord-5/status", `{}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing status, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersExpireDiscounts(t *testing.T) {
	router := newAdminRouter(AdminOrderDeps{Discounts: &stubDiscountEvaluator{expireFunc: func(context.Context) (int, error) {
		return 3, nil
	}}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/discounts:expire", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["expired"] != 3 {
		t.Fatalf("expected 3 expired, got %v", resp)
	}
}

func TestAdminOrderHandlersLowStock(t *testing.T) {
	var gotLimit int
	router := newAdminRouter(AdminOrderDeps{Inventory: &stubInventoryService{lowStockFunc: func(_ context.Context, limit int) ([]domain.InventoryRecord, error) {
		gotLimit = limit
		return []domain.InventoryRecord{{ProductID: "tb-500", Quantity: 5, ReservedQuantity: 3, LowStockThreshold: 4}}, nil
	}}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodGet, "/inventory/low-stock?limit=10000", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotLimit != maxLowStockLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxLowStockLimit, gotLimit)
	}
	var resp struct {
		Items []lowStockPayload `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Available != 2 {
		t.Fatalf("unexpected items %+v", resp.Items)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodGet, "/inventory/low-stock?limit=abc", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}
