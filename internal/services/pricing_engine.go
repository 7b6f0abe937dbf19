package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

const (
	defaultVolumeThreshold       = 10
	defaultFlatShippingRate      = int64(2500)
	defaultFreeShippingThreshold = int64(50000)
)

var defaultVolumePercent = decimal.NewFromInt(20)

// PricingEngineDeps bundles the collaborators and tunables of the pricing engine. Zero tunables
// take their defaults: 20% off 10+ units of one variant, $25.00 shipping, free from $500.00.
type PricingEngineDeps struct {
	Catalog    repositories.CatalogRepository
	PriceLists repositories.PriceListRepository
	Inventory  repositories.InventoryRepository
	Config     ConfigStore

	VolumeThreshold       int
	VolumePercent         decimal.Decimal
	FlatShippingRate      int64
	FreeShippingThreshold int64

	Logger func(ctx context.Context, event string, fields map[string]any)
}

type pricingEngine struct {
	catalog    repositories.CatalogRepository
	priceLists repositories.PriceListRepository
	inventory  repositories.InventoryRepository
	config     ConfigStore

	volumeThreshold       int
	volumePercent         decimal.Decimal
	flatShippingRate      int64
	freeShippingThreshold int64

	logger func(context.Context, string, map[string]any)
}

// NewPricingEngine constructs a PricingEngine. Price lists and inventory are optional; without
// them wholesale pricing and stock checks are skipped.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog repository is required")
	}
	if deps.Config == nil {
		return nil, errors.New("pricing engine: config store is required")
	}
	engine := &pricingEngine{
		catalog:               deps.Catalog,
		priceLists:            deps.PriceLists,
		inventory:             deps.Inventory,
		config:                deps.Config,
		volumeThreshold:       deps.VolumeThreshold,
		volumePercent:         deps.VolumePercent,
		flatShippingRate:      deps.FlatShippingRate,
		freeShippingThreshold: deps.FreeShippingThreshold,
		logger:                deps.Logger,
	}
	if engine.volumeThreshold <= 0 {
		engine.volumeThreshold = defaultVolumeThreshold
	}
	if engine.volumePercent.IsZero() {
		engine.volumePercent = defaultVolumePercent
	}
	if engine.flatShippingRate <= 0 {
		engine.flatShippingRate = defaultFlatShippingRate
	}
	if engine.freeShippingThreshold <= 0 {
		engine.freeShippingThreshold = defaultFreeShippingThreshold
	}
	if engine.logger == nil {
		engine.logger = noopLogger
	}
	return engine, nil
}

// Price resolves every line against the catalog and computes the cart totals. Nothing is cached,
// so pricing the same lines against unchanged state always yields the same cart.
func (e *pricingEngine) Price(ctx context.Context, lines []domain.CartLine, identity *Identity) (domain.Cart, error) {
	ctx = WithSettingsScope(ctx)
	active := make([]domain.CartLine, 0, len(lines))
	for i, line := range lines {
		if line.Quantity < 0 {
			return domain.Cart{}, newValidationError(fmt.Sprintf("items[%d].quantity", i), "must not be negative")
		}
		if line.Quantity == 0 {
			continue
		}
		if line.ProductID == "" {
			return domain.Cart{}, newValidationError(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		active = append(active, line)
	}
	if len(active) == 0 {
		return domain.Cart{Items: []domain.PricedLine{}, TaxRate: decimal.Zero}, nil
	}

	priceList, err := e.priceList(ctx, identity)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := domain.Cart{Items: make([]domain.PricedLine, 0, len(active)), Wholesale: priceList != nil}
	for _, line := range active {
		priced, err := e.priceLine(ctx, line, priceList)
		if err != nil {
			return domain.Cart{}, err
		}
		cart.Items = append(cart.Items, priced)
		cart.Subtotal += priced.LineTotal
		cart.TotalWeightGrams += priced.WeightGrams * priced.Quantity
	}
	cart.TotalWeightLb = domain.GramsToPounds(cart.TotalWeightGrams)
	cart.DiscountAmount = e.volumeDiscount(cart.Items)

	if cart.Subtotal < e.freeShippingThreshold {
		cart.EstimatedShipping = e.flatShippingRate
	}

	rate, err := e.config.TaxRate(ctx)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("pricing engine: tax rate: %w", err)
	}
	cart.TaxRate = rate
	cart.Recalculate()
	return cart, nil
}

func (e *pricingEngine) priceList(ctx context.Context, identity *Identity) (*domain.PriceList, error) {
	userID := identity.userID()
	if e.priceLists == nil || userID == "" {
		return nil, nil
	}
	list, err := e.priceLists.FindActiveForUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError(err, "price list", userID)
	}
	if list == nil || !list.IsActive {
		return nil, nil
	}
	return list, nil
}

func (e *pricingEngine) priceLine(ctx context.Context, line domain.CartLine, priceList *domain.PriceList) (domain.PricedLine, error) {
	product, err := e.catalog.FindProduct(ctx, line.ProductID)
	if err != nil {
		if isNotFound(err) {
			return domain.PricedLine{}, &InvalidProductError{ProductID: line.ProductID, Reason: "does not exist"}
		}
		return domain.PricedLine{}, mapRepositoryError(err, "product", line.ProductID)
	}
	if !product.Active {
		return domain.PricedLine{}, &InvalidProductError{ProductID: line.ProductID, Reason: "is not available"}
	}

	priced := domain.PricedLine{
		CartLine:    line,
		ProductName: product.Name,
		SKU:         product.SKU,
		CategoryID:  product.CategoryID,
		UnitPrice:   product.BasePrice,
		WeightGrams: product.WeightGrams,
	}

	if line.VariantID != nil {
		variantID := *line.VariantID
		variant, err := e.catalog.FindVariant(ctx, variantID)
		if err != nil {
			if isNotFound(err) {
				return domain.PricedLine{}, &InvalidVariantError{ProductID: line.ProductID, VariantID: variantID, Reason: "does not exist"}
			}
			return domain.PricedLine{}, mapRepositoryError(err, "variant", variantID)
		}
		if variant.ProductID != product.ID {
			return domain.PricedLine{}, &InvalidVariantError{ProductID: line.ProductID, VariantID: variantID, Reason: "belongs to another product"}
		}
		if !variant.Active {
			return domain.PricedLine{}, &InvalidVariantError{ProductID: line.ProductID, VariantID: variantID, Reason: "is not available"}
		}
		priced.VariantName = variant.Name
		if variant.SKU != "" {
			priced.SKU = variant.SKU
		}
		priced.UnitPrice = variant.Price
		if variant.WeightGrams != nil {
			priced.WeightGrams = *variant.WeightGrams
		}
	}

	if priceList != nil {
		priced.UnitPrice = wholesalePrice(priced.UnitPrice, product.ID, *priceList)
	}

	backorder, err := e.checkStock(ctx, line)
	if err != nil {
		return domain.PricedLine{}, err
	}
	priced.Backorder = backorder
	if backorder {
		e.logger(ctx, "pricing.backorder", map[string]any{"productId": line.ProductID, "quantity": line.Quantity})
	}
	priced.LineTotal = priced.UnitPrice * int64(line.Quantity)
	return priced, nil
}

// wholesalePrice applies the first matching override: item custom price, item percent, list percent.
func wholesalePrice(base int64, productID string, list domain.PriceList) int64 {
	if item, ok := list.Item(productID); ok {
		if item.CustomPrice != nil {
			return *item.CustomPrice
		}
		if item.DiscountPercent != nil {
			return base - domain.ApplyPercent(base, *item.DiscountPercent)
		}
	}
	if list.DiscountPercent != nil {
		return base - domain.ApplyPercent(base, *list.DiscountPercent)
	}
	return base
}

// checkStock rejects lines that on-hand stock cannot cover unless the item is backorderable.
// Items without a stock row are not tracked and always pass.
func (e *pricingEngine) checkStock(ctx context.Context, line domain.CartLine) (bool, error) {
	if e.inventory == nil {
		return false, nil
	}
	record, err := e.inventory.Find(ctx, line.ProductID, line.VariantID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, mapRepositoryError(err, "inventory", line.ProductID)
	}
	if record.Quantity >= line.Quantity {
		return false, nil
	}
	if record.Backorderable() {
		return true, nil
	}
	return false, &InsufficientStockError{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Requested: line.Quantity,
		Available: record.Available(),
	}
}

// volumeDiscount groups lines by variant and takes the volume percent off each group whose
// summed quantity reaches the threshold. Lines without a variant never qualify.
func (e *pricingEngine) volumeDiscount(items []domain.PricedLine) int64 {
	type group struct {
		units int
		total int64
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, item := range items {
		if item.VariantID == nil {
			continue
		}
		g, ok := groups[*item.VariantID]
		if !ok {
			g = &group{}
			groups[*item.VariantID] = g
			order = append(order, *item.VariantID)
		}
		g.units += item.Quantity
		g.total += item.LineTotal
	}
	var discount int64
	for _, id := range order {
		g := groups[id]
		if g.units >= e.volumeThreshold {
			discount += domain.ApplyPercent(g.total, e.volumePercent)
		}
	}
	return discount
}
