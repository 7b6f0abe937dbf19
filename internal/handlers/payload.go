package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/services"
)

const maxCartLines = 100

type cartLineRequest struct {
	ProductID string  `json:"productId"`
	VariantID *string `json:"variantId,omitempty"`
	Quantity  int     `json:"quantity"`
}

type addressRequest struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

func (a addressRequest) toDomain() domain.Address {
	return domain.Address{
		Name:       strings.TrimSpace(a.Name),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Phone:      strings.TrimSpace(a.Phone),
		Email:      strings.TrimSpace(a.Email),
	}
}

func toCartLines(items []cartLineRequest) ([]domain.CartLine, error) {
	if len(items) == 0 {
		return nil, errors.New("items must not be empty")
	}
	if len(items) > maxCartLines {
		return nil, fmt.Errorf("at most %d items are allowed", maxCartLines)
	}
	lines := make([]domain.CartLine, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("items[%d].productId is required", i)
		}
		var variantID *string
		if item.VariantID != nil {
			if trimmed := strings.TrimSpace(*item.VariantID); trimmed != "" {
				variantID = &trimmed
			}
		}
		lines = append(lines, domain.CartLine{ProductID: productID, VariantID: variantID, Quantity: item.Quantity})
	}
	return lines, nil
}

type cartLinePayload struct {
	ProductID   string  `json:"productId"`
	VariantID   *string `json:"variantId,omitempty"`
	ProductName string  `json:"productName"`
	VariantName string  `json:"variantName,omitempty"`
	SKU         string  `json:"sku"`
	Quantity    int     `json:"quantity"`
	UnitPrice   int64   `json:"unitPrice"`
	LineTotal   int64   `json:"lineTotal"`
	Backorder   bool    `json:"backorder,omitempty"`
}

type cartPayload struct {
	Items             []cartLinePayload `json:"items"`
	Subtotal          int64             `json:"subtotal"`
	DiscountAmount    int64             `json:"discountAmount"`
	DiscountCode      *string           `json:"discountCode,omitempty"`
	EstimatedShipping int64             `json:"estimatedShipping"`
	EstimatedTax      int64             `json:"estimatedTax"`
	Total             int64             `json:"total"`
	TotalWeightLb     float64           `json:"totalWeightLb"`
	TaxRate           string            `json:"taxRate"`
	FreeShipping      bool              `json:"freeShipping"`
	Wholesale         bool              `json:"wholesale,omitempty"`
	Currency          string            `json:"currency"`
}

func buildCartPayload(cart domain.Cart) cartPayload {
	items := make([]cartLinePayload, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, cartLinePayload{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			ProductName: line.ProductName,
			VariantName: line.VariantName,
			SKU:         line.SKU,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			LineTotal:   line.LineTotal,
			Backorder:   line.Backorder,
		})
	}
	return cartPayload{
		Items:             items,
		Subtotal:          cart.Subtotal,
		DiscountAmount:    cart.DiscountAmount,
		DiscountCode:      cart.DiscountCode,
		EstimatedShipping: cart.EstimatedShipping,
		EstimatedTax:      cart.EstimatedTax,
		Total:             cart.Total,
		TotalWeightLb:     cart.TotalWeightLb,
		TaxRate:           cart.TaxRate.String(),
		FreeShipping:      cart.FreeShipping,
		Wholesale:         cart.Wholesale,
		Currency:          "USD",
	}
}

type shippingOptionPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

func buildShippingOptions(options []services.ShippingOption) []shippingOptionPayload {
	out := make([]shippingOptionPayload, 0, len(options))
	for _, opt := range options {
		out = append(out, shippingOptionPayload{ID: opt.ID, Name: opt.Name, Amount: opt.Amount})
	}
	return out
}

type orderItemPayload struct {
	ProductID   string  `json:"productId"`
	VariantID   *string `json:"variantId,omitempty"`
	ProductName string  `json:"productName"`
	VariantName string  `json:"variantName,omitempty"`
	SKU         string  `json:"sku"`
	UnitPrice   int64   `json:"unitPrice"`
	Quantity    int     `json:"quantity"`
	LineTotal   int64   `json:"lineTotal"`
}

type orderPayload struct {
	ID             string             `json:"id"`
	OrderNumber    string             `json:"orderNumber"`
	Status         string             `json:"status"`
	Items          []orderItemPayload `json:"items"`
	Subtotal       int64              `json:"subtotal"`
	ShippingCost   int64              `json:"shippingCost"`
	DiscountAmount int64              `json:"discountAmount"`
	TaxAmount      int64              `json:"taxAmount"`
	TotalAmount    int64              `json:"totalAmount"`
	DiscountCode   *string            `json:"discountCode,omitempty"`
	ShippingMethod string             `json:"shippingMethod"`
	PaymentMethod  string             `json:"paymentMethod"`
	Notes          string             `json:"notes,omitempty"`
	PaidAt         *string            `json:"paidAt,omitempty"`
	ShippedAt      *string            `json:"shippedAt,omitempty"`
	CancelledAt    *string            `json:"cancelledAt,omitempty"`
	CreatedAt      string             `json:"createdAt"`
	UpdatedAt      string             `json:"updatedAt"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			ProductName: item.ProductName,
			VariantName: item.VariantName,
			SKU:         item.SKU,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			LineTotal:   item.LineTotal,
		})
	}
	return orderPayload{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		Status:         string(order.Status),
		Items:          items,
		Subtotal:       order.Subtotal,
		ShippingCost:   order.ShippingCost,
		DiscountAmount: order.DiscountAmount,
		TaxAmount:      order.TaxAmount,
		TotalAmount:    order.TotalAmount,
		DiscountCode:   order.DiscountCode,
		ShippingMethod: order.ShippingMethod,
		PaymentMethod:  string(order.PaymentMethod),
		Notes:          order.Notes,
		PaidAt:         formatTimePtr(order.PaidAt),
		ShippedAt:      formatTimePtr(order.ShippedAt),
		CancelledAt:    formatTimePtr(order.CancelledAt),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
	}
}

type paymentPayload struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	Amount       int64             `json:"amount"`
	Status       string            `json:"status"`
	Provider     string            `json:"provider"`
	ClientSecret string            `json:"clientSecret,omitempty"`
	Instructions map[string]string `json:"instructions,omitempty"`
	VerifiedAt   *string           `json:"verifiedAt,omitempty"`
}

func buildPaymentPayload(payment *domain.Payment) *paymentPayload {
	if payment == nil {
		return nil
	}
	return &paymentPayload{
		ID:           payment.ID,
		Method:       string(payment.Method),
		Amount:       payment.Amount,
		Status:       string(payment.Status),
		Provider:     payment.Provider,
		ClientSecret: payment.ClientSecret,
		Instructions: payment.Instructions,
		VerifiedAt:   formatTimePtr(payment.VerifiedAt),
	}
}

type ratePayload struct {
	ID            string `json:"id"`
	Carrier       string `json:"carrier"`
	Service       string `json:"service"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	EstimatedDays *int   `json:"estimatedDays,omitempty"`
}

func buildRatePayload(rate services.Rate) ratePayload {
	return ratePayload{
		ID:            rate.ID,
		Carrier:       rate.Carrier,
		Service:       rate.Service,
		Amount:        rate.Amount,
		Currency:      rate.Currency,
		EstimatedDays: rate.EstimatedDays,
	}
}

type ratesPayload struct {
	OrderID            string        `json:"orderId"`
	ExternalShipmentID string        `json:"externalShipmentId"`
	WeightOz           string        `json:"weightOz"`
	Units              int           `json:"units"`
	Rates              []ratePayload `json:"rates"`
}

func buildRatesPayload(result services.ShippingRatesResult) ratesPayload {
	rates := make([]ratePayload, 0, len(result.Rates))
	for _, rate := range result.Rates {
		rates = append(rates, buildRatePayload(rate))
	}
	return ratesPayload{
		OrderID:            result.OrderID,
		ExternalShipmentID: result.ExternalShipmentID,
		WeightOz:           result.Parcel.WeightOz.String(),
		Units:              result.Parcel.Units,
		Rates:              rates,
	}
}

type shipmentPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Carrier        string `json:"carrier"`
	Service        string `json:"service"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
	LabelURL       string `json:"labelUrl,omitempty"`
	ShippingCost   int64  `json:"shippingCost"`
}

type labelPayload struct {
	Order    orderPayload    `json:"order"`
	Shipment shipmentPayload `json:"shipment"`
}

func buildLabelPayload(result *services.ShippingLabelResult) *labelPayload {
	if result == nil {
		return nil
	}
	s := result.Shipment
	return &labelPayload{
		Order: buildOrderPayload(result.Order),
		Shipment: shipmentPayload{
			ID:             s.ID,
			Status:         string(s.Status),
			Carrier:        s.Carrier,
			Service:        s.Service,
			TrackingNumber: s.TrackingNumber,
			TrackingURL:    s.TrackingURL,
			LabelURL:       s.LabelURL,
			ShippingCost:   s.ShippingCost,
		},
	}
}

type approvalPayload struct {
	Success       bool            `json:"success"`
	Order         orderPayload    `json:"order"`
	Payment       *paymentPayload `json:"payment"`
	Shipping      *labelPayload   `json:"shipping,omitempty"`
	ShippingError string          `json:"shippingError,omitempty"`
}

func buildApprovalPayload(result services.ApprovePaymentResult) approvalPayload {
	payment := result.Payment
	return approvalPayload{
		Success:       result.Success,
		Order:         buildOrderPayload(result.Order),
		Payment:       buildPaymentPayload(&payment),
		Shipping:      buildLabelPayload(result.Shipping),
		ShippingError: result.ShippingError,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
