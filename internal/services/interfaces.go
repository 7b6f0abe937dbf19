package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/payments"
)

// Identity is the caller as seen by the services. A nil *Identity is an anonymous caller.
type Identity struct {
	UserID string
	Email  string
	Roles  []string
}

func (i *Identity) userID() string {
	if i == nil {
		return ""
	}
	return i.UserID
}

// PricingEngine turns raw cart lines into a priced cart.
type PricingEngine interface {
	Price(ctx context.Context, lines []domain.CartLine, identity *Identity) (domain.Cart, error)
}

// DiscountEvaluator validates promo codes and applies them to priced carts.
type DiscountEvaluator interface {
	Apply(ctx context.Context, cart domain.Cart, code string, identity *Identity) (domain.Cart, error)
	IncrementUsage(ctx context.Context, discountID string) error
	ExpireStale(ctx context.Context) (int, error)
}

// ShippingOption is a checkout delivery choice with a precomputed price.
type ShippingOption struct {
	ID     string
	Name   string
	Amount int64
}

// Parcel is the package description sent to the carrier.
type Parcel struct {
	Units    int
	WeightOz decimal.Decimal
	WeightLb decimal.Decimal
}

// Rate is one carrier offer for a parcel.
type Rate struct {
	ID            string
	Carrier       string
	Service       string
	Amount        int64
	Currency      string
	EstimatedDays *int
}

// RateQuote is the carrier response to a rate request.
type RateQuote struct {
	ExternalShipmentID string
	Rates              []Rate
}

// LabelPurchase identifies the rate to buy.
type LabelPurchase struct {
	RateID             string
	ExternalShipmentID string
}

// Label is a purchased carrier label.
type Label struct {
	Status         string
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
	Carrier        string
	Service        string
	Amount         int64
}

// RateQuoteProvider quotes carrier rates for a parcel.
type RateQuoteProvider interface {
	Quote(ctx context.Context, destination domain.Address, parcel Parcel) (RateQuote, error)
}

// LabelProvider buys carrier labels. Errors carry the provider message.
type LabelProvider interface {
	Purchase(ctx context.Context, purchase LabelPurchase) (Label, error)
}

// ShippingEstimator prices delivery for carts and orders.
type ShippingEstimator interface {
	Options(ctx context.Context, cart domain.Cart) ([]ShippingOption, error)
	LiveRates(ctx context.Context, destination domain.Address, parcel Parcel) (RateQuote, error)
	ParcelForUnits(units int) Parcel
	SelectRate(rates []Rate) (Rate, bool)
}

// InventoryLine is a quantity of one product or variant.
type InventoryLine struct {
	ProductID string
	VariantID *string
	Quantity  int
}

// InventoryService moves reserved stock for orders.
type InventoryService interface {
	Reserve(ctx context.Context, lines []InventoryLine) error
	Release(ctx context.Context, lines []InventoryLine) error
	Commit(ctx context.Context, lines []InventoryLine) error
	ListLowStock(ctx context.Context, limit int) ([]domain.InventoryRecord, error)
}

// ConfigStore exposes typed operator settings. Absent or malformed values fall back to defaults.
type ConfigStore interface {
	TaxRate(ctx context.Context) (decimal.Decimal, error)
	ExpressShippingCost(ctx context.Context) (int64, error)
	WholesaleMinimumOrder(ctx context.Context) (int64, error)
	PaymentInstructions(ctx context.Context, method domain.PaymentMethod) (map[string]string, error)
	AdminNotificationEmail(ctx context.Context) (string, error)
}

// PaymentCreator opens payments after an order commits.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error)
}

// Notification is a templated message for the email workers.
type Notification struct {
	Template  string         `json:"template"`
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotificationSender accepts notifications without waiting for delivery.
type NotificationSender interface {
	Send(ctx context.Context, notification Notification) error
}

// NotificationPublisher delivers encoded notifications to the message bus.
type NotificationPublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
}

// AuditLogDiff captures the before/after values of a changed field.
type AuditLogDiff struct {
	Before any `json:"before,omitempty"`
	After  any `json:"after,omitempty"`
}

// AuditLogRecord is an audit event before sanitisation.
type AuditLogRecord struct {
	ID                    string                  `json:"id"`
	Actor                 string                  `json:"actor"`
	ActorType             string                  `json:"actorType,omitempty"`
	Action                string                  `json:"action"`
	TargetRef             string                  `json:"targetRef"`
	Severity              string                  `json:"severity,omitempty"`
	RequestID             string                  `json:"requestId,omitempty"`
	OccurredAt            time.Time               `json:"occurredAt"`
	Metadata              map[string]any          `json:"metadata,omitempty"`
	SensitiveMetadataKeys []string                `json:"sensitiveMetadataKeys,omitempty"`
	Diff                  map[string]AuditLogDiff `json:"diff,omitempty"`
	IPAddress             string                  `json:"ipAddress,omitempty"`
	UserAgent             string                  `json:"userAgent,omitempty"`
}

// AuditSink stores audit records.
type AuditSink interface {
	Record(ctx context.Context, record AuditLogRecord) error
}

// CheckoutMetrics counts committed orders.
type CheckoutMetrics interface {
	OrderCreated(ctx context.Context, method string, total int64)
}

// FulfillmentMetrics counts purchased labels.
type FulfillmentMetrics interface {
	LabelPurchased(ctx context.Context, carrier string)
}

// ComplianceInput carries the five checkout attestations.
type ComplianceInput struct {
	ResearchUseOnly        bool
	NotForHumanConsumption bool
	AgeVerified            bool
	TermsAccepted          bool
	LiabilityAccepted      bool
}

// InitCheckoutCommand previews a checkout.
type InitCheckoutCommand struct {
	Lines        []domain.CartLine
	DiscountCode string
	Identity     *Identity
}

// CheckoutPreview is a priced cart with its delivery choices.
type CheckoutPreview struct {
	Cart            domain.Cart
	ShippingOptions []ShippingOption
}

// CreateOrderCommand is a checkout submission. Prices are never taken from the client.
type CreateOrderCommand struct {
	Lines            []domain.CartLine
	ShippingAddress  domain.Address
	BillingAddress   *domain.Address
	ShippingMethodID string
	PaymentMethod    domain.PaymentMethod
	Compliance       ComplianceInput
	DiscountCode     string
	Email            string
	Name             string
	Notes            string
	Identity         *Identity
	IPAddress        string
	UserAgent        string
	RequestID        string
}

// CreateOrderResult is a committed order. PaymentError is set when the order committed but its
// payment could not be opened; the payment can be retried.
type CreateOrderResult struct {
	Order        domain.Order
	Payment      *domain.Payment
	PaymentError string
}

// CheckoutService creates orders.
type CheckoutService interface {
	InitCheckout(ctx context.Context, cmd InitCheckoutCommand) (CheckoutPreview, error)
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
}

// ApprovePaymentCommand approves the latest payment of an order. AutoShip defaults to true.
type ApprovePaymentCommand struct {
	OrderID  string
	ActorID  string
	Notes    string
	AutoShip *bool
}

// ApprovePaymentResult reports an approval. Success holds even when auto-ship failed, in which
// case ShippingError says why.
type ApprovePaymentResult struct {
	Success       bool
	Order         domain.Order
	Payment       domain.Payment
	Shipping      *ShippingLabelResult
	ShippingError string
}

// ShippingRatesResult is a rate quote for an order.
type ShippingRatesResult struct {
	OrderID            string
	ExternalShipmentID string
	Parcel             Parcel
	Rates              []Rate
}

// CreateLabelCommand buys the label for a quoted rate.
type CreateLabelCommand struct {
	OrderID            string
	RateID             string
	ExternalShipmentID string
	ActorID            string
}

// ShippingLabelResult is a shipped order and its shipment.
type ShippingLabelResult struct {
	Order    domain.Order
	Shipment domain.Shipment
}

// FulfillOrderCommand runs approval, rating and label purchase in one call.
type FulfillOrderCommand struct {
	OrderID string
	ActorID string
	Notes   string
}

// FulfillOrderResult reports each fulfillment stage. Shipping failures land in ShippingError.
type FulfillOrderResult struct {
	Payment       ApprovePaymentResult
	Rates         *ShippingRatesResult
	SelectedRate  *Rate
	Label         *ShippingLabelResult
	ShippingError string
}

// FulfillmentService drives paid orders to shipment.
type FulfillmentService interface {
	ApprovePayment(ctx context.Context, cmd ApprovePaymentCommand) (ApprovePaymentResult, error)
	GetShippingRates(ctx context.Context, orderID string) (ShippingRatesResult, error)
	CreateShippingLabel(ctx context.Context, cmd CreateLabelCommand) (ShippingLabelResult, error)
	FulfillOrder(ctx context.Context, cmd FulfillOrderCommand) (FulfillOrderResult, error)
}

// UpdateOrderStatusCommand moves an order to a new status.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  domain.OrderStatus
	ActorID string
	Reason  string
}

// OrderService reads and administers orders.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func noopLogger(context.Context, string, map[string]any) {}
