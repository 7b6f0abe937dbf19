package repositories

import (
	"context"
	"time"

	domain "github.com/labvial/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	PriceLists() PriceListRepository
	Inventory() InventoryRepository
	Discounts() DiscountRepository
	Orders() OrderRepository
	Compliance() ComplianceRepository
	Payments() PaymentRepository
	Shipments() ShipmentRepository
	Addresses() AddressRepository
	Users() UserRepository
	Settings() SettingsRepository
	Outbox() OutboxRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogRepository reads products and variants.
type CatalogRepository interface {
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	FindVariant(ctx context.Context, variantID string) (domain.ProductVariant, error)
}

// PriceListRepository resolves wholesale pricing. FindActiveForUser returns nil when the user has none.
type PriceListRepository interface {
	FindActiveForUser(ctx context.Context, userID string) (*domain.PriceList, error)
}

// InventoryLine identifies a stock row and a quantity to move.
type InventoryLine struct {
	ProductID string
	VariantID *string
	Quantity  int
}

// InventoryLowStockQuery filters low stock listings.
type InventoryLowStockQuery struct {
	Limit int
}

// InventoryRepository manages stock levels. Reserve, Release and Commit are single conditional
// updates so concurrent callers never oversell; they return *InventoryError on refusal.
type InventoryRepository interface {
	Find(ctx context.Context, productID string, variantID *string) (domain.InventoryRecord, error)
	Reserve(ctx context.Context, line InventoryLine) error
	Release(ctx context.Context, line InventoryLine) error
	Commit(ctx context.Context, line InventoryLine) error
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) ([]domain.InventoryRecord, error)
}

// DiscountRepository persists discount codes and their usage counters.
type DiscountRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Discount, error)
	// MarkInactive commits on its own, outside any transaction carried by ctx.
	MarkInactive(ctx context.Context, discountID string, at time.Time) error
	IncrementUsage(ctx context.Context, discountID string) error
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// OrderStatusUpdate carries optional timestamps stamped alongside a status change.
type OrderStatusUpdate struct {
	Status      domain.OrderStatus
	PaidAt      *time.Time
	ShippedAt   *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time
}

// OrderRepository persists orders and their item snapshots.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, orderID string, update OrderStatusUpdate) error
	CountDiscountUsage(ctx context.Context, userID string, code string) (int, error)
}

// ComplianceRepository stores checkout attestations.
type ComplianceRepository interface {
	Insert(ctx context.Context, ack domain.ComplianceAcknowledgment) error
}

// PaymentVerification records an operator approving a manual payment.
type PaymentVerification struct {
	PaymentID  string
	VerifiedBy string
	VerifiedAt time.Time
	Notes      string
}

// PaymentRepository stores payment attempts for orders.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	LatestForOrder(ctx context.Context, orderID string) (domain.Payment, error)
	MarkVerified(ctx context.Context, verification PaymentVerification) error
}

// ShipmentRepository stores the shipment of an order.
type ShipmentRepository interface {
	FindByOrder(ctx context.Context, orderID string) (domain.Shipment, error)
	Upsert(ctx context.Context, shipment domain.Shipment) (domain.Shipment, error)
}

// AddressRepository stores postal addresses.
type AddressRepository interface {
	Insert(ctx context.Context, address domain.Address) error
	FindByID(ctx context.Context, addressID string) (domain.Address, error)
}

// UserRepository resolves customer accounts.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindOrCreateGuest(ctx context.Context, candidate domain.User) (domain.User, error)
}

// SettingsRepository reads the key/value configuration table.
type SettingsRepository interface {
	All(ctx context.Context) (map[string]string, error)
}

// OutboxRepository stores side effects recorded with a transaction and hands them to the dispatcher.
type OutboxRepository interface {
	Enqueue(ctx context.Context, message domain.OutboxMessage) error
	Claim(ctx context.Context, limit int, now time.Time) ([]domain.OutboxMessage, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, messageID string, reason string, retryAt time.Time) error
}

// AuditLogRepository appends audit entries to the audit store.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// HealthRepository aggregates dependency probes for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
