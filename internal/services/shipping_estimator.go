package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
)

// Shipping method ids offered at checkout.
const (
	ShippingMethodStandard = "standard"
	ShippingMethodExpress  = "express"
)

// PreferredCarrier wins rate selection whenever it is offered.
const PreferredCarrier = "USPS"

var (
	parcelBaseOz    = decimal.RequireFromString("3.6")
	parcelPerUnitOz = decimal.RequireFromString("0.5")
	ouncesPerPound  = decimal.NewFromInt(16)
)

// ShippingEstimatorDeps bundles the collaborators of the shipping estimator.
type ShippingEstimatorDeps struct {
	Config ConfigStore
	Rates  RateQuoteProvider
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type shippingEstimator struct {
	config ConfigStore
	rates  RateQuoteProvider
	logger func(context.Context, string, map[string]any)
}

// NewShippingEstimator constructs a ShippingEstimator. Without a rate provider LiveRates fails
// with ErrUnavailable.
func NewShippingEstimator(deps ShippingEstimatorDeps) (ShippingEstimator, error) {
	if deps.Config == nil {
		return nil, errors.New("shipping estimator: config store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &shippingEstimator{config: deps.Config, rates: deps.Rates, logger: logger}, nil
}

// Options lists checkout delivery choices. Standard follows the cart's estimate, so free
// shipping only ever zeroes it; express is always charged.
func (s *shippingEstimator) Options(ctx context.Context, cart domain.Cart) ([]ShippingOption, error) {
	ctx = WithSettingsScope(ctx)
	express, err := s.config.ExpressShippingCost(ctx)
	if err != nil {
		return nil, fmt.Errorf("shipping estimator: express cost: %w", err)
	}
	return []ShippingOption{
		{ID: ShippingMethodStandard, Name: "Standard Shipping", Amount: cart.EstimatedShipping},
		{ID: ShippingMethodExpress, Name: "Express Shipping", Amount: express},
	}, nil
}

func (s *shippingEstimator) LiveRates(ctx context.Context, destination domain.Address, parcel Parcel) (RateQuote, error) {
	if s.rates == nil {
		return RateQuote{}, fmt.Errorf("%w: no carrier configured", ErrUnavailable)
	}
	quote, err := s.rates.Quote(ctx, destination, parcel)
	if err != nil {
		s.logger(ctx, "shipping.rates_failed", map[string]any{"error": err, "weightOz": parcel.WeightOz.String()})
		return RateQuote{}, err
	}
	return quote, nil
}

// ParcelForUnits weighs a package: 3.6 oz for packaging and the first vial, 0.5 oz per extra vial.
func (s *shippingEstimator) ParcelForUnits(units int) Parcel {
	return ParcelForUnits(units)
}

// ParcelForUnits is the package weight formula shared by checkout and fulfillment.
func ParcelForUnits(units int) Parcel {
	extra := units - 1
	if extra < 0 {
		extra = 0
	}
	oz := parcelBaseOz.Add(parcelPerUnitOz.Mul(decimal.NewFromInt(int64(extra))))
	return Parcel{Units: units, WeightOz: oz, WeightLb: oz.Div(ouncesPerPound).Round(4)}
}

func (s *shippingEstimator) SelectRate(rates []Rate) (Rate, bool) {
	return SelectRate(rates)
}

// SelectRate picks the cheapest USPS rate, or the cheapest rate overall when USPS is absent.
// Only amounts are compared; the first of equal rates wins.
func SelectRate(rates []Rate) (Rate, bool) {
	var (
		best      Rate
		found     bool
		preferred bool
	)
	for _, rate := range rates {
		isPreferred := rate.Carrier == PreferredCarrier
		switch {
		case !found:
		case isPreferred && !preferred:
		case isPreferred == preferred && rate.Amount < best.Amount:
		default:
			continue
		}
		best, found, preferred = rate, true, isPreferred
	}
	return best, found
}
