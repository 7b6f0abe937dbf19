package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"

	domain "github.com/labvial/api/internal/domain"
)

const manualProviderName = "manual"

// InstructionSource returns the operator-configured instructions for a manual method.
type InstructionSource interface {
	PaymentInstructions(ctx context.Context, method domain.PaymentMethod) (map[string]string, error)
}

// ManualProvider handles methods an operator verifies by hand, such as bank transfer and Cash App.
// The payment stays PENDING until staff approve it.
type ManualProvider struct {
	instructions InstructionSource
}

// NewManualProvider constructs a ManualProvider.
func NewManualProvider(source InstructionSource) (*ManualProvider, error) {
	if source == nil {
		return nil, errors.New("manual payments: instruction source is required")
	}
	return &ManualProvider{instructions: source}, nil
}

// CreatePayment returns the instructions the customer needs to send funds. The order number is
// added as the payment reference.
func (p *ManualProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if !req.Method.Manual() {
		return PaymentResult{}, fmt.Errorf("%w: %s is not a manual method", ErrUnsupportedMethod, req.Method)
	}
	configured, err := p.instructions.PaymentInstructions(ctx, req.Method)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("manual payments: load instructions: %w", err)
	}
	instructions := make(map[string]string, len(configured)+2)
	maps.Copy(instructions, configured)
	instructions["reference"] = req.OrderNumber
	instructions["amount"] = FormatAmount(req.Amount)
	return PaymentResult{
		Provider:     manualProviderName,
		Status:       domain.PaymentStatusPending,
		Instructions: instructions,
	}, nil
}

// FormatAmount renders cents as a plain decimal string, e.g. 12345 -> "123.45".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
