package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry that can be sold directly or through its variants.
type Product struct {
	ID          string
	Name        string
	SKU         string
	CategoryID  string
	BasePrice   int64
	WeightGrams int
	Active      bool
}

// ProductVariant is a sellable size or strength of a product.
type ProductVariant struct {
	ID          string
	ProductID   string
	Name        string
	SKU         string
	Price       int64
	WeightGrams *int
	Active      bool
}

// PriceList assigns wholesale pricing to an organization.
type PriceList struct {
	ID              string
	OrganizationID  string
	DiscountPercent *decimal.Decimal
	Items           []PriceListItem
	IsActive        bool
}

// PriceListItem overrides pricing for a single product within a price list.
type PriceListItem struct {
	ProductID       string
	CustomPrice     *int64
	DiscountPercent *decimal.Decimal
}

// Item returns the override for productID when one exists.
func (p PriceList) Item(productID string) (PriceListItem, bool) {
	for _, item := range p.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return PriceListItem{}, false
}

// InventoryRecord tracks stock for a product or one of its variants.
type InventoryRecord struct {
	ID                string
	ProductID         string
	VariantID         *string
	Quantity          int
	ReservedQuantity  int
	LowStockThreshold int
	LeadTimeDays      *int
	UpdatedAt         time.Time
}

// Available reports unreserved on-hand stock.
func (r InventoryRecord) Available() int {
	return r.Quantity - r.ReservedQuantity
}

// Backorderable reports whether the item may be sold beyond on-hand stock.
func (r InventoryRecord) Backorderable() bool {
	return r.LeadTimeDays != nil
}

// DiscountType enumerates supported discount calculations.
type DiscountType string

const (
	// DiscountTypePercentage takes a percentage off the subtotal.
	DiscountTypePercentage DiscountType = "PERCENTAGE"
	// DiscountTypeFixedAmount takes a fixed amount off the subtotal.
	DiscountTypeFixedAmount DiscountType = "FIXED_AMOUNT"
	// DiscountTypeFreeShipping waives standard shipping.
	DiscountTypeFreeShipping DiscountType = "FREE_SHIPPING"
)

// DiscountStatus enumerates discount lifecycle states.
type DiscountStatus string

const (
	DiscountStatusActive   DiscountStatus = "ACTIVE"
	DiscountStatusInactive DiscountStatus = "INACTIVE"
)

// Discount is a promotional code.
type Discount struct {
	ID                string
	Code              string
	Type              DiscountType
	Value             decimal.Decimal
	MinOrderAmount    *int64
	MaxDiscountAmount *int64
	UsageLimit        *int
	PerUserLimit      *int
	UsageCount        int
	StartsAt          *time.Time
	ExpiresAt         *time.Time
	Status            DiscountStatus
	Restrictions      []DiscountRestriction
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RestrictionKind tags the variant held by a DiscountRestriction.
type RestrictionKind string

const (
	RestrictionProducts   RestrictionKind = "products"
	RestrictionCategories RestrictionKind = "categories"
	RestrictionUsers      RestrictionKind = "users"
)

// DiscountRestriction limits where a discount applies. Restrictions on one
// discount combine with AND; a discount with none is unrestricted.
type DiscountRestriction struct {
	Kind RestrictionKind
	IDs  []string
}

// Contains reports whether id is listed by the restriction.
func (r DiscountRestriction) Contains(id string) bool {
	for _, candidate := range r.IDs {
		if candidate == id {
			return true
		}
	}
	return false
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusProcessing      OrderStatus = "PROCESSING"
	OrderStatusShipped         OrderStatus = "SHIPPED"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRefunded        OrderStatus = "REFUNDED"
)

// Order is a placed order with immutable line snapshots.
type Order struct {
	ID                string
	OrderNumber       string
	UserID            string
	Status            OrderStatus
	Items             []OrderItem
	Subtotal          int64
	ShippingCost      int64
	DiscountAmount    int64
	TaxAmount         int64
	TotalAmount       int64
	DiscountCode      *string
	ShippingMethod    string
	ShippingAddressID string
	BillingAddressID  string
	PaymentMethod     PaymentMethod
	Notes             string
	PaidAt            *time.Time
	ShippedAt         *time.Time
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Units sums item quantities.
func (o Order) Units() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// OrderItem snapshots product data at purchase time.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	VariantID   *string
	ProductName string
	VariantName string
	SKU         string
	UnitPrice   int64
	Quantity    int
	LineTotal   int64
}

// ComplianceAcknowledgment records the research-use attestations given at checkout.
type ComplianceAcknowledgment struct {
	ID                     string
	OrderID                string
	ResearchUseOnly        bool
	NotForHumanConsumption bool
	AgeVerified            bool
	TermsAccepted          bool
	LiabilityAccepted      bool
	IPAddress              string
	UserAgent              string
	CreatedAt              time.Time
}

// PaymentMethod identifies how the customer pays.
type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCashApp      PaymentMethod = "cash_app"
)

// Manual reports whether the method needs an operator to verify receipt.
func (m PaymentMethod) Manual() bool {
	return m == PaymentMethodBankTransfer || m == PaymentMethodCashApp
}

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// Payment is one payment attempt against an order.
type Payment struct {
	ID           string
	OrderID      string
	Method       PaymentMethod
	Amount       int64
	Status       PaymentStatus
	Provider     string
	ExternalID   string
	ClientSecret string
	Instructions map[string]string
	VerifiedBy   *string
	VerifiedAt   *time.Time
	ProofFileID  *string
	Notes        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShipmentStatus enumerates shipment lifecycle states.
type ShipmentStatus string

const (
	ShipmentStatusPending      ShipmentStatus = "PENDING"
	ShipmentStatusLabelCreated ShipmentStatus = "LABEL_CREATED"
	ShipmentStatusInTransit    ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusDelivered    ShipmentStatus = "DELIVERED"
)

// Shipment is the single shipment record of an order, created lazily.
type Shipment struct {
	ID                 string
	OrderID            string
	Status             ShipmentStatus
	Carrier            string
	Service            string
	TrackingNumber     string
	TrackingURL        string
	LabelURL           string
	ExternalShipmentID string
	ExternalRateID     string
	ShippingCost       int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Address is a postal address owned by a user.
type Address struct {
	ID         string
	UserID     string
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
	Email      string
	CreatedAt  time.Time
}

// SamePostal reports whether two addresses describe the same destination.
func (a Address) SamePostal(other Address) bool {
	return a.Name == other.Name &&
		a.Line1 == other.Line1 &&
		a.Line2 == other.Line2 &&
		a.City == other.City &&
		a.State == other.State &&
		a.PostalCode == other.PostalCode &&
		a.Country == other.Country
}

// User is a customer account. Guest accounts carry no credential.
type User struct {
	ID             string
	Email          string
	Name           string
	OrganizationID *string
	IsGuest        bool
	CreatedAt      time.Time
}

// OutboxKind classifies transactional outbox messages.
type OutboxKind string

const (
	OutboxKindNotification OutboxKind = "notification"
	OutboxKindAudit        OutboxKind = "audit"
)

// OutboxMessage is a side effect recorded alongside a database change and
// delivered after commit.
type OutboxMessage struct {
	ID          string
	Kind        OutboxKind
	Topic       string
	Payload     []byte
	Attempts    int
	AvailableAt time.Time
	CreatedAt   time.Time
	DeliveredAt *time.Time
	LastError   string
}

// AuditLogEntry captures an immutable record of a sensitive operation.
type AuditLogEntry struct {
	ID         string
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Severity   string
	RequestID  string
	IPHash     string
	UserAgent  string
	Metadata   map[string]any
	Diff       map[string]any
	CreatedAt  time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
