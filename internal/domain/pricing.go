package domain

import "github.com/shopspring/decimal"

// GramsPerPound converts catalog weights to pounds.
const GramsPerPound = 453.592

var hundred = decimal.NewFromInt(100)

// CartLine is an unpriced request for a product or variant.
type CartLine struct {
	ProductID string
	VariantID *string
	Quantity  int
}

// PricedLine is a cart line resolved against the catalog.
type PricedLine struct {
	CartLine
	ProductName string
	VariantName string
	SKU         string
	CategoryID  string
	UnitPrice   int64
	LineTotal   int64
	WeightGrams int
	Backorder   bool
}

// Cart is the computed pricing result for a set of lines.
type Cart struct {
	Items             []PricedLine
	Subtotal          int64
	DiscountAmount    int64
	DiscountCode      *string
	DiscountID        string
	EstimatedShipping int64
	EstimatedTax      int64
	Total             int64
	TotalWeightGrams  int
	TotalWeightLb     float64
	TaxRate           decimal.Decimal
	FreeShipping      bool
	Wholesale         bool
}

// Recalculate refreshes tax and total from the other fields. Tax is charged on
// the discounted subtotal and the total never drops below zero.
func (c *Cart) Recalculate() {
	base := c.Subtotal - c.DiscountAmount
	if base < 0 {
		base = 0
	}
	c.EstimatedTax = ApplyRate(base, c.TaxRate)
	total := c.Subtotal - c.DiscountAmount + c.EstimatedShipping + c.EstimatedTax
	if total < 0 {
		total = 0
	}
	c.Total = total
}

// Units sums line quantities.
func (c Cart) Units() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

// ApplyRate multiplies an amount in cents by a fractional rate and rounds to the nearest cent.
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// ApplyPercent takes percent% of amount, rounded to the nearest cent.
func ApplyPercent(amount int64, percent decimal.Decimal) int64 {
	return ApplyRate(amount, percent.Div(hundred))
}

// GramsToPounds converts grams to pounds rounded to four decimals.
func GramsToPounds(grams int) float64 {
	lb, _ := decimal.NewFromInt(int64(grams)).
		Div(decimal.NewFromFloat(GramsPerPound)).
		Round(4).
		Float64()
	return lb
}
