package payments

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/labvial/api/internal/domain"
)

// ErrUnsupportedMethod is returned when no provider handles the payment method.
var ErrUnsupportedMethod = errors.New("payments: unsupported payment method")

// PaymentRequest describes a payment to open for a committed order.
type PaymentRequest struct {
	OrderID        string
	OrderNumber    string
	Method         domain.PaymentMethod
	Amount         int64
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentResult normalises what a provider returned for storage on the payment row.
type PaymentResult struct {
	Provider     string
	ExternalID   string
	Status       domain.PaymentStatus
	ClientSecret string
	Instructions map[string]string
}

// Provider opens payments for one or more methods.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

// Manager routes payment creation to the provider registered for the method.
type Manager struct {
	providers map[domain.PaymentMethod]Provider
}

// NewManager constructs a Manager over the supplied method to provider routes.
func NewManager(providers map[domain.PaymentMethod]Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	routes := make(map[domain.PaymentMethod]Provider, len(providers))
	for method, provider := range providers {
		if method == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for method %q", method)
		}
		routes[method] = provider
	}
	return &Manager{providers: routes}, nil
}

// Supports reports whether a provider is registered for method.
func (m *Manager) Supports(method domain.PaymentMethod) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[method]
	return ok
}

// CreatePayment delegates to the provider registered for req.Method.
func (m *Manager) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if m == nil {
		return PaymentResult{}, errors.New("payments: manager is nil")
	}
	provider, ok := m.providers[req.Method]
	if !ok {
		return PaymentResult{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
	if req.Amount < 0 {
		return PaymentResult{}, fmt.Errorf("payments: amount must not be negative")
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}
	return provider.CreatePayment(ctx, req)
}
