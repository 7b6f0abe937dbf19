package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/payments"
	"github.com/labvial/api/internal/repositories"
)

type fakeRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
	constraint  string
}

func (e *fakeRepoError) Error() string       { return e.msg }
func (e *fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e *fakeRepoError) IsConflict() bool    { return e.conflict }
func (e *fakeRepoError) IsUnavailable() bool { return e.unavailable }
func (e *fakeRepoError) Constraint() string  { return e.constraint }

func errNotFound(what string) error {
	return &fakeRepoError{msg: what + " not found", notFound: true}
}

func stockKey(productID string, variantID *string) string {
	if variantID != nil {
		return "variant:" + *variantID
	}
	return "product:" + productID
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func i64Ptr(n int64) *int64   { return &n }

// memState is the mutable data of memStore; RunInTx snapshots it and restores it on failure.
type memState struct {
	products     map[string]domain.Product
	variants     map[string]domain.ProductVariant
	priceLists   map[string]*domain.PriceList
	inventory    map[string]domain.InventoryRecord
	discounts    map[string]domain.Discount
	orders       map[string]domain.Order
	compliance   []domain.ComplianceAcknowledgment
	payments     []domain.Payment
	shipments    map[string]domain.Shipment
	addresses    map[string]domain.Address
	users        map[string]domain.User
	settings     map[string]string
	outbox       []domain.OutboxMessage
	auditEntries []domain.AuditLogEntry
}

func (s memState) clone() memState {
	out := s
	out.products = maps.Clone(s.products)
	out.variants = maps.Clone(s.variants)
	out.priceLists = maps.Clone(s.priceLists)
	out.inventory = maps.Clone(s.inventory)
	out.discounts = maps.Clone(s.discounts)
	out.orders = maps.Clone(s.orders)
	out.compliance = append([]domain.ComplianceAcknowledgment(nil), s.compliance...)
	out.payments = append([]domain.Payment(nil), s.payments...)
	out.shipments = maps.Clone(s.shipments)
	out.addresses = maps.Clone(s.addresses)
	out.users = maps.Clone(s.users)
	out.settings = maps.Clone(s.settings)
	out.outbox = append([]domain.OutboxMessage(nil), s.outbox...)
	out.auditEntries = append([]domain.AuditLogEntry(nil), s.auditEntries...)
	return out
}

type memTxKey struct{}

func inMemTx(ctx context.Context) bool {
	in, _ := ctx.Value(memTxKey{}).(bool)
	return in
}

// memStore is an in-memory stand-in for the Postgres registry.
type memStore struct {
	mu    sync.Mutex
	state memState

	complianceErr    error
	orderInsertErr   error
	paymentInsertErr error
	outboxErr        error
	lowStock         []domain.InventoryRecord

	// detached holds writes that commit outside the transaction; RunInTx replays them after a
	// rollback.
	detached []func(*memState)
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		products:   map[string]domain.Product{},
		variants:   map[string]domain.ProductVariant{},
		priceLists: map[string]*domain.PriceList{},
		inventory:  map[string]domain.InventoryRecord{},
		discounts:  map[string]domain.Discount{},
		orders:     map[string]domain.Order{},
		shipments:  map[string]domain.Shipment{},
		addresses:  map[string]domain.Address{},
		users:      map[string]domain.User{},
		settings:   map[string]string{},
	}}
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()
	err := fn(context.WithValue(ctx, memTxKey{}, true))
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = snapshot
		for _, apply := range m.detached {
			apply(&m.state)
		}
	}
	m.detached = nil
	return err
}

func (m *memStore) addProduct(p domain.Product) {
	m.state.products[p.ID] = p
}

func (m *memStore) addVariant(v domain.ProductVariant) {
	m.state.variants[v.ID] = v
}

func (m *memStore) addStock(r domain.InventoryRecord) {
	m.state.inventory[stockKey(r.ProductID, r.VariantID)] = r
}

func (m *memStore) stock(productID string, variantID *string) domain.InventoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.inventory[stockKey(productID, variantID)]
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders)
}

func (m *memStore) outboxOf(kind domain.OutboxKind) []domain.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxMessage
	for _, msg := range m.state.outbox {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memStore) Catalog() repositories.CatalogRepository       { return memCatalog{m} }
func (m *memStore) PriceLists() repositories.PriceListRepository  { return memPriceLists{m} }
func (m *memStore) Inventory() repositories.InventoryRepository   { return memInventory{m} }
func (m *memStore) Discounts() repositories.DiscountRepository    { return memDiscounts{m} }
func (m *memStore) Orders() repositories.OrderRepository          { return memOrders{m} }
func (m *memStore) Compliance() repositories.ComplianceRepository { return memCompliance{m} }
func (m *memStore) Payments() repositories.PaymentRepository      { return memPayments{m} }
func (m *memStore) Shipments() repositories.ShipmentRepository    { return memShipments{m} }
func (m *memStore) Addresses() repositories.AddressRepository     { return memAddresses{m} }
func (m *memStore) Users() repositories.UserRepository            { return memUsers{m} }
func (m *memStore) Settings() repositories.SettingsRepository     { return memSettings{m} }
func (m *memStore) Outbox() repositories.OutboxRepository         { return memOutbox{m} }
func (m *memStore) AuditLogs() repositories.AuditLogRepository    { return memAuditLogs{m} }

type memCatalog struct{ *memStore }

func (r memCatalog) FindProduct(_ context.Context, id string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.products[id]
	if !ok {
		return domain.Product{}, errNotFound("product")
	}
	return p, nil
}

func (r memCatalog) FindVariant(_ context.Context, id string) (domain.ProductVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state.variants[id]
	if !ok {
		return domain.ProductVariant{}, errNotFound("variant")
	}
	return v, nil
}

type memPriceLists struct{ *memStore }

func (r memPriceLists) FindActiveForUser(_ context.Context, userID string) (*domain.PriceList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.priceLists[userID], nil
}

type memInventory struct{ *memStore }

func (r memInventory) Find(_ context.Context, productID string, variantID *string) (domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.inventory[stockKey(productID, variantID)]
	if !ok {
		return domain.InventoryRecord{}, errNotFound("inventory")
	}
	return rec, nil
}

func (r memInventory) Reserve(_ context.Context, line repositories.InventoryLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stockKey(line.ProductID, line.VariantID)
	rec, ok := r.state.inventory[key]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, line, "", nil)
	}
	if !rec.Backorderable() && rec.Available() < line.Quantity {
		invErr := repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, line, "", nil)
		invErr.Available = rec.Available()
		return invErr
	}
	rec.ReservedQuantity += line.Quantity
	r.state.inventory[key] = rec
	return nil
}

func (r memInventory) Release(_ context.Context, line repositories.InventoryLine) error {
	return r.settle(line, false)
}

func (r memInventory) Commit(_ context.Context, line repositories.InventoryLine) error {
	return r.settle(line, true)
}

func (r memInventory) settle(line repositories.InventoryLine, deduct bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stockKey(line.ProductID, line.VariantID)
	rec, ok := r.state.inventory[key]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, line, "", nil)
	}
	if rec.ReservedQuantity < line.Quantity {
		return repositories.NewInventoryError(repositories.InventoryErrorReservationMismatch, line, "", nil)
	}
	rec.ReservedQuantity -= line.Quantity
	if deduct {
		rec.Quantity -= line.Quantity
	}
	r.state.inventory[key] = rec
	return nil
}

func (r memInventory) ListLowStock(_ context.Context, q repositories.InventoryLowStockQuery) ([]domain.InventoryRecord, error) {
	if q.Limit > 0 && len(r.lowStock) > q.Limit {
		return r.lowStock[:q.Limit], nil
	}
	return r.lowStock, nil
}

type memDiscounts struct{ *memStore }

func (r memDiscounts) FindByCode(_ context.Context, code string) (domain.Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.state.discounts[strings.ToUpper(code)]
	if !ok {
		return domain.Discount{}, errNotFound("discount")
	}
	return d, nil
}

func (r memDiscounts) byID(id string) (string, domain.Discount, bool) {
	for code, d := range r.state.discounts {
		if d.ID == id {
			return code, d, true
		}
	}
	return "", domain.Discount{}, false
}

func (r memDiscounts) MarkInactive(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, d, ok := r.byID(id)
	if !ok {
		return errNotFound("discount")
	}
	d.Status = domain.DiscountStatusInactive
	d.UpdatedAt = at
	r.state.discounts[code] = d
	if inMemTx(ctx) {
		r.detached = append(r.detached, func(s *memState) { s.discounts[code] = d })
	}
	return nil
}

func (r memDiscounts) IncrementUsage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, d, ok := r.byID(id)
	if !ok {
		return errNotFound("discount")
	}
	d.UsageCount++
	r.state.discounts[code] = d
	return nil
}

func (r memDiscounts) ExpireStale(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for code, d := range r.state.discounts {
		if d.Status == domain.DiscountStatusActive && d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			d.Status = domain.DiscountStatusInactive
			r.state.discounts[code] = d
			count++
		}
	}
	return count, nil
}

type memOrders struct{ *memStore }

func (r memOrders) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orderInsertErr != nil {
		return r.orderInsertErr
	}
	for _, existing := range r.state.orders {
		if existing.OrderNumber == order.OrderNumber {
			return &fakeRepoError{msg: "duplicate order number", conflict: true, constraint: "orders_order_number_key"}
		}
	}
	r.state.orders[order.ID] = order
	return nil
}

func (r memOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.orders[id]
	if !ok {
		return domain.Order{}, errNotFound("order")
	}
	return o, nil
}

func (r memOrders) Update(_ context.Context, id string, u repositories.OrderStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.orders[id]
	if !ok {
		return errNotFound("order")
	}
	o.Status = u.Status
	o.UpdatedAt = u.UpdatedAt
	if u.PaidAt != nil {
		o.PaidAt = u.PaidAt
	}
	if u.ShippedAt != nil {
		o.ShippedAt = u.ShippedAt
	}
	if u.CancelledAt != nil {
		o.CancelledAt = u.CancelledAt
	}
	r.state.orders[id] = o
	return nil
}

func (r memOrders) CountDiscountUsage(_ context.Context, userID, code string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, o := range r.state.orders {
		if o.UserID == userID && o.DiscountCode != nil && strings.EqualFold(*o.DiscountCode, code) &&
			o.Status != domain.OrderStatusCancelled {
			count++
		}
	}
	return count, nil
}

type memCompliance struct{ *memStore }

func (r memCompliance) Insert(_ context.Context, ack domain.ComplianceAcknowledgment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.complianceErr != nil {
		return r.complianceErr
	}
	r.state.compliance = append(r.state.compliance, ack)
	return nil
}

type memPayments struct{ *memStore }

func (r memPayments) Insert(_ context.Context, p domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentInsertErr != nil {
		return r.paymentInsertErr
	}
	r.state.payments = append(r.state.payments, p)
	return nil
}

func (r memPayments) LatestForOrder(_ context.Context, orderID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.state.payments) - 1; i >= 0; i-- {
		if r.state.payments[i].OrderID == orderID {
			return r.state.payments[i], nil
		}
	}
	return domain.Payment{}, errNotFound("payment")
}

func (r memPayments) MarkVerified(_ context.Context, v repositories.PaymentVerification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.payments {
		p := &r.state.payments[i]
		if p.ID != v.PaymentID {
			continue
		}
		if p.Status == domain.PaymentStatusCompleted {
			return errNotFound("payment")
		}
		p.Status = domain.PaymentStatusCompleted
		p.VerifiedBy = &v.VerifiedBy
		at := v.VerifiedAt
		p.VerifiedAt = &at
		if v.Notes != "" {
			p.Notes = v.Notes
		}
		return nil
	}
	return errNotFound("payment")
}

type memShipments struct{ *memStore }

func (r memShipments) FindByOrder(_ context.Context, orderID string) (domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.shipments[orderID]
	if !ok {
		return domain.Shipment{}, errNotFound("shipment")
	}
	return s, nil
}

func (r memShipments) Upsert(_ context.Context, s domain.Shipment) (domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.state.shipments[s.OrderID]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	}
	r.state.shipments[s.OrderID] = s
	return s, nil
}

type memAddresses struct{ *memStore }

func (r memAddresses) Insert(_ context.Context, a domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.addresses[a.ID] = a
	return nil
}

func (r memAddresses) FindByID(_ context.Context, id string) (domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.addresses[id]
	if !ok {
		return domain.Address{}, errNotFound("address")
	}
	return a, nil
}

type memUsers struct{ *memStore }

func (r memUsers) FindByID(_ context.Context, id string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.state.users[id]
	if !ok {
		return domain.User{}, errNotFound("user")
	}
	return u, nil
}

func (r memUsers) FindOrCreateGuest(_ context.Context, candidate domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.state.users {
		if strings.EqualFold(u.Email, candidate.Email) {
			return u, nil
		}
	}
	r.state.users[candidate.ID] = candidate
	return candidate, nil
}

type memSettings struct{ *memStore }

func (r memSettings) All(context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.state.settings), nil
}

type memOutbox struct{ *memStore }

func (r memOutbox) Enqueue(_ context.Context, msg domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outboxErr != nil {
		return r.outboxErr
	}
	r.state.outbox = append(r.state.outbox, msg)
	return nil
}

func (r memOutbox) Claim(_ context.Context, limit int, now time.Time) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OutboxMessage
	for i := range r.state.outbox {
		msg := &r.state.outbox[i]
		if msg.DeliveredAt != nil || msg.AvailableAt.After(now) {
			continue
		}
		msg.Attempts++
		msg.AvailableAt = now.Add(2 * time.Minute)
		out = append(out, *msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memOutbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(m *domain.OutboxMessage) { m.DeliveredAt = &at; m.LastError = "" })
}

func (r memOutbox) MarkFailed(_ context.Context, id, reason string, retryAt time.Time) error {
	return r.update(id, func(m *domain.OutboxMessage) { m.LastError = reason; m.AvailableAt = retryAt })
}

func (r memOutbox) update(id string, fn func(*domain.OutboxMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.outbox {
		if r.state.outbox[i].ID == id {
			fn(&r.state.outbox[i])
			return nil
		}
	}
	return errNotFound("outbox message")
}

func (r memOutbox) message(id string) domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.state.outbox {
		if m.ID == id {
			return m
		}
	}
	return domain.OutboxMessage{}
}

type memAuditLogs struct{ *memStore }

func (r memAuditLogs) Append(_ context.Context, entry domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.state.auditEntries {
		if existing.ID == entry.ID {
			return nil
		}
	}
	r.state.auditEntries = append(r.state.auditEntries, entry)
	return nil
}

type stubConfigStore struct {
	taxRate      decimal.Decimal
	express      int64
	wholesaleMin int64
	instructions map[string]string
	adminEmail   string
}

func (s *stubConfigStore) TaxRate(context.Context) (decimal.Decimal, error) { return s.taxRate, nil }
func (s *stubConfigStore) ExpressShippingCost(context.Context) (int64, error) {
	if s.express == 0 {
		return defaultExpressShippingCost, nil
	}
	return s.express, nil
}
func (s *stubConfigStore) WholesaleMinimumOrder(context.Context) (int64, error) {
	return s.wholesaleMin, nil
}
func (s *stubConfigStore) PaymentInstructions(context.Context, domain.PaymentMethod) (map[string]string, error) {
	return s.instructions, nil
}
func (s *stubConfigStore) AdminNotificationEmail(context.Context) (string, error) {
	return s.adminEmail, nil
}

type stubPaymentCreator struct {
	calls []payments.PaymentRequest
	err   error
}

func (s *stubPaymentCreator) CreatePayment(_ context.Context, req payments.PaymentRequest) (payments.PaymentResult, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return payments.PaymentResult{}, s.err
	}
	if req.Method.Manual() {
		return payments.PaymentResult{
			Provider:     "manual",
			Status:       domain.PaymentStatusPending,
			Instructions: map[string]string{"reference": req.OrderNumber},
		}, nil
	}
	return payments.PaymentResult{
		Provider:     "stripe",
		ExternalID:   "pi_" + req.OrderID,
		ClientSecret: "secret_" + req.OrderID,
		Status:       domain.PaymentStatusPending,
	}, nil
}

type stubRateProvider struct {
	quote RateQuote
	err   error
	calls []Parcel
}

func (s *stubRateProvider) Quote(_ context.Context, _ domain.Address, parcel Parcel) (RateQuote, error) {
	s.calls = append(s.calls, parcel)
	if s.err != nil {
		return RateQuote{}, s.err
	}
	return s.quote, nil
}

type stubLabelProvider struct {
	label     Label
	err       error
	purchases []LabelPurchase
}

func (s *stubLabelProvider) Purchase(_ context.Context, p LabelPurchase) (Label, error) {
	s.purchases = append(s.purchases, p)
	if s.err != nil {
		return Label{}, s.err
	}
	return s.label, nil
}

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, notification Notification) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) templates() []string {
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Template)
	}
	return out
}

type recordingAudit struct {
	records []AuditLogRecord
	err     error
}

func (a *recordingAudit) Record(_ context.Context, record AuditLogRecord) error {
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, record)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%03d", prefix, n)
	}
}

var errBoom = errors.New("boom")
