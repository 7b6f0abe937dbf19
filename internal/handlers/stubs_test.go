package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/services"
)

type stubPricingEngine struct {
	priceFunc func(ctx context.Context, lines []domain.CartLine, identity *services.Identity) (domain.Cart, error)
}

func (s *stubPricingEngine) Price(ctx context.Context, lines []domain.CartLine, identity *services.Identity) (domain.Cart, error) {
	if s.priceFunc != nil {
		return s.priceFunc(ctx, lines, identity)
	}
	return domain.Cart{}, nil
}

type stubDiscountEvaluator struct {
	applyFunc  func(ctx context.Context, cart domain.Cart, code string, identity *services.Identity) (domain.Cart, error)
	expireFunc func(ctx context.Context) (int, error)
}

func (s *stubDiscountEvaluator) Apply(ctx context.Context, cart domain.Cart, code string, identity *services.Identity) (domain.Cart, error) {
	if s.applyFunc != nil {
		return s.applyFunc(ctx, cart, code, identity)
	}
	return cart, nil
}

func (s *stubDiscountEvaluator) IncrementUsage(context.Context, string) error { return nil }

func (s *stubDiscountEvaluator) ExpireStale(ctx context.Context) (int, error) {
	if s.expireFunc != nil {
		return s.expireFunc(ctx)
	}
	return 0, nil
}

type stubCheckoutService struct {
	initFunc   func(ctx context.Context, cmd services.InitCheckoutCommand) (services.CheckoutPreview, error)
	createFunc func(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error)
}

func (s *stubCheckoutService) InitCheckout(ctx context.Context, cmd services.InitCheckoutCommand) (services.CheckoutPreview, error) {
	if s.initFunc != nil {
		return s.initFunc(ctx, cmd)
	}
	return services.CheckoutPreview{}, nil
}

func (s *stubCheckoutService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.CreateOrderResult{}, nil
}

type stubOrderService struct {
	getFunc    func(ctx context.Context, orderID string) (domain.Order, error)
	statusFunc func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.statusFunc != nil {
		return s.statusFunc(ctx, cmd)
	}
	return domain.Order{}, nil
}

type stubFulfillmentService struct {
	approveFunc func(ctx context.Context, cmd services.ApprovePaymentCommand) (services.ApprovePaymentResult, error)
	ratesFunc   func(ctx context.Context, orderID string) (services.ShippingRatesResult, error)
	labelFunc   func(ctx context.Context, cmd services.CreateLabelCommand) (services.ShippingLabelResult, error)
	fulfillFunc func(ctx context.Context, cmd services.FulfillOrderCommand) (services.FulfillOrderResult, error)
}

func (s *stubFulfillmentService) ApprovePayment(ctx context.Context, cmd services.ApprovePaymentCommand) (services.ApprovePaymentResult, error) {
	if s.approveFunc != nil {
		return s.approveFunc(ctx, cmd)
	}
	return services.ApprovePaymentResult{}, nil
}

func (s *stubFulfillmentService) GetShippingRates(ctx context.Context, orderID string) (services.ShippingRatesResult, error) {
	if s.ratesFunc != nil {
		return s.ratesFunc(ctx, orderID)
	}
	return services.ShippingRatesResult{}, nil
}

func (s *stubFulfillmentService) CreateShippingLabel(ctx context.Context, cmd services.CreateLabelCommand) (services.ShippingLabelResult, error) {
	if s.labelFunc != nil {
		return s.labelFunc(ctx, cmd)
	}
	return services.ShippingLabelResult{}, nil
}

func (s *stubFulfillmentService) FulfillOrder(ctx context.Context, cmd services.FulfillOrderCommand) (services.FulfillOrderResult, error) {
	if s.fulfillFunc != nil {
		return s.fulfillFunc(ctx, cmd)
	}
	return services.FulfillOrderResult{}, nil
}

type stubInventoryService struct {
	lowStockFunc func(ctx context.Context, limit int) ([]domain.InventoryRecord, error)
}

func (s *stubInventoryService) Reserve(context.Context, []services.InventoryLine) error { return nil }
func (s *stubInventoryService) Release(context.Context, []services.InventoryLine) error { return nil }
func (s *stubInventoryService) Commit(context.Context, []services.InventoryLine) error  { return nil }

func (s *stubInventoryService) ListLowStock(ctx context.Context, limit int) ([]domain.InventoryRecord, error) {
	if s.lowStockFunc != nil {
		return s.lowStockFunc(ctx, limit)
	}
	return nil, nil
}

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Details map[string]any `json:"details"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}
