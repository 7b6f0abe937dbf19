package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
)

var testNow = time.Date(2024, 6, 3, 15, 4, 5, 0, time.UTC)

const (
	productBPC       = "prod-bpc"
	variantBPC5      = "var-bpc-5"
	variantBPC10     = "var-bpc-10"
	productBlend     = "prod-blend"
	productRetired   = "prod-retired"
	productBackorder = "prod-ghk"
	productUntracked = "prod-water"
)

type harness struct {
	store    *memStore
	config   *stubConfigStore
	creator  *stubPaymentCreator
	rates    *stubRateProvider
	labels   *stubLabelProvider
	notifier *recordingNotifier
	outbox   *OutboxWriter

	checkoutDeps CheckoutServiceDeps

	pricing     PricingEngine
	discounts   DiscountEvaluator
	shipping    ShippingEstimator
	inventory   InventoryService
	checkout    CheckoutService
	fulfillment FulfillmentService
	orders      OrderService
}

func seedCatalog(store *memStore) {
	store.addProduct(domain.Product{ID: productBPC, Name: "BPC-157", SKU: "BPC", CategoryID: "cat-peptides", BasePrice: 4500, WeightGrams: 30, Active: true})
	store.addVariant(domain.ProductVariant{ID: variantBPC5, ProductID: productBPC, Name: "5mg", SKU: "BPC-5", Price: 5000, Active: true})
	store.addVariant(domain.ProductVariant{ID: variantBPC10, ProductID: productBPC, Name: "10mg", SKU: "BPC-10", Price: 9000, WeightGrams: intPtr(40), Active: true})
	store.addProduct(domain.Product{ID: productBlend, Name: "Recovery Blend", SKU: "BLEND", CategoryID: "cat-blends", BasePrice: 49999, WeightGrams: 50, Active: true})
	store.addProduct(domain.Product{ID: productRetired, Name: "Retired", SKU: "OLD", BasePrice: 1000, Active: false})
	store.addProduct(domain.Product{ID: productBackorder, Name: "GHK-Cu", SKU: "GHK", CategoryID: "cat-peptides", BasePrice: 3000, WeightGrams: 30, Active: true})
	store.addProduct(domain.Product{ID: productUntracked, Name: "Bacteriostatic Water", SKU: "BAC", CategoryID: "cat-supplies", BasePrice: 1200, WeightGrams: 35, Active: true})

	store.addStock(domain.InventoryRecord{ID: "inv-1", ProductID: productBPC, VariantID: strPtr(variantBPC5), Quantity: 100})
	store.addStock(domain.InventoryRecord{ID: "inv-2", ProductID: productBPC, VariantID: strPtr(variantBPC10), Quantity: 2})
	store.addStock(domain.InventoryRecord{ID: "inv-3", ProductID: productBlend, Quantity: 5})
	store.addStock(domain.InventoryRecord{ID: "inv-4", ProductID: productBackorder, Quantity: 0, LeadTimeDays: intPtr(7)})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		config:   &stubConfigStore{taxRate: decimal.Zero, adminEmail: "ops@labvial.test"},
		creator:  &stubPaymentCreator{},
		rates:    &stubRateProvider{},
		labels:   &stubLabelProvider{},
		notifier: &recordingNotifier{},
	}
	seedCatalog(h.store)
	clock := fixedClock(testNow)
	ids := sequentialIDs("id")

	var err error
	h.outbox, err = NewOutboxWriter(OutboxWriterDeps{Outbox: h.store.Outbox(), NotificationTopic: "notifications", Clock: clock, IDGenerator: ids})
	if err != nil {
		t.Fatalf("NewOutboxWriter: %v", err)
	}
	h.pricing, err = NewPricingEngine(PricingEngineDeps{
		Catalog:    h.store.Catalog(),
		PriceLists: h.store.PriceLists(),
		Inventory:  h.store.Inventory(),
		Config:     h.config,
	})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	h.discounts, err = NewDiscountEvaluator(DiscountEvaluatorDeps{Discounts: h.store.Discounts(), Orders: h.store.Orders(), Clock: clock})
	if err != nil {
		t.Fatalf("NewDiscountEvaluator: %v", err)
	}
	h.shipping, err = NewShippingEstimator(ShippingEstimatorDeps{Config: h.config, Rates: h.rates})
	if err != nil {
		t.Fatalf("NewShippingEstimator: %v", err)
	}
	h.inventory, err = NewInventoryService(InventoryServiceDeps{Inventory: h.store.Inventory(), Clock: clock})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	h.checkoutDeps = CheckoutServiceDeps{
		Pricing:        h.pricing,
		Discounts:      h.discounts,
		Shipping:       h.shipping,
		Inventory:      h.inventory,
		Config:         h.config,
		Orders:         h.store.Orders(),
		Compliance:     h.store.Compliance(),
		Addresses:      h.store.Addresses(),
		Users:          h.store.Users(),
		Payments:       h.store.Payments(),
		UnitOfWork:     h.store,
		PaymentCreator: h.creator,
		Audit:          h.outbox,
		Notifier:       h.notifier,
		Clock:          clock,
		IDGenerator:    ids,
	}
	h.checkout, err = NewCheckoutService(h.checkoutDeps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	h.fulfillment, err = NewFulfillmentService(FulfillmentServiceDeps{
		Orders:      h.store.Orders(),
		Payments:    h.store.Payments(),
		Shipments:   h.store.Shipments(),
		Addresses:   h.store.Addresses(),
		Users:       h.store.Users(),
		Inventory:   h.inventory,
		Shipping:    h.shipping,
		Labels:      h.labels,
		UnitOfWork:  h.store,
		Audit:       h.outbox,
		Notifier:    h.notifier,
		Clock:       clock,
		IDGenerator: ids,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	h.orders, err = NewOrderService(OrderServiceDeps{
		Orders:     h.store.Orders(),
		Inventory:  h.inventory,
		UnitOfWork: h.store,
		Audit:      h.outbox,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return h
}

func allCompliance() ComplianceInput {
	return ComplianceInput{
		ResearchUseOnly:        true,
		NotForHumanConsumption: true,
		AgeVerified:            true,
		TermsAccepted:          true,
		LiabilityAccepted:      true,
	}
}

func testAddress() domain.Address {
	return domain.Address{
		Name:       "Dana Reyes",
		Line1:      "100 Main St",
		City:       "Austin",
		State:      "TX",
		PostalCode: "78701",
		Country:    "US",
		Email:      "dana@example.test",
	}
}

func guestOrder(lines ...domain.CartLine) CreateOrderCommand {
	return CreateOrderCommand{
		Lines:            lines,
		ShippingAddress:  testAddress(),
		ShippingMethodID: ShippingMethodStandard,
		PaymentMethod:    domain.PaymentMethodBankTransfer,
		Compliance:       allCompliance(),
		Email:            "dana@example.test",
		Name:             "Dana Reyes",
	}
}

func variantLine(variantID string, qty int) domain.CartLine {
	return domain.CartLine{ProductID: productBPC, VariantID: strPtr(variantID), Quantity: qty}
}

func productLine(productID string, qty int) domain.CartLine {
	return domain.CartLine{ProductID: productID, Quantity: qty}
}

func assertCartInvariant(t *testing.T, cart domain.Cart) {
	t.Helper()
	want := cart.Subtotal - cart.DiscountAmount + cart.EstimatedShipping + cart.EstimatedTax
	if want < 0 {
		want = 0
	}
	if cart.Total != want {
		t.Fatalf("total %d breaks invariant, want %d (cart %+v)", cart.Total, want, cart)
	}
}
