package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/payments"
	"github.com/labvial/api/internal/repositories"
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Pricing    PricingEngine
	Discounts  DiscountEvaluator
	Shipping   ShippingEstimator
	Inventory  InventoryService
	Config     ConfigStore
	Orders     repositories.OrderRepository
	Compliance repositories.ComplianceRepository
	Addresses  repositories.AddressRepository
	Users      repositories.UserRepository
	Payments   repositories.PaymentRepository
	UnitOfWork repositories.UnitOfWork
	// PaymentCreator opens the payment once the order has committed.
	PaymentCreator PaymentCreator
	// Audit must write inside the caller's transaction.
	Audit       AuditSink
	Notifier    NotificationSender
	Metrics     CheckoutMetrics
	Clock       func() time.Time
	IDGenerator func() string
	OrderNumber func(time.Time) string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	pricing     PricingEngine
	discounts   DiscountEvaluator
	shipping    ShippingEstimator
	inventory   InventoryService
	config      ConfigStore
	orders      repositories.OrderRepository
	compliance  repositories.ComplianceRepository
	addresses   repositories.AddressRepository
	users       repositories.UserRepository
	payments    repositories.PaymentRepository
	uow         repositories.UnitOfWork
	creator     PaymentCreator
	audit       AuditSink
	notifier    NotificationSender
	metrics     CheckoutMetrics
	now         func() time.Time
	newID       func() string
	orderNumber func(time.Time) string
	logger      func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs a CheckoutService with the provided dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing engine is required")
	case deps.Discounts == nil:
		return nil, errors.New("checkout service: discount evaluator is required")
	case deps.Shipping == nil:
		return nil, errors.New("checkout service: shipping estimator is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout service: inventory service is required")
	case deps.Config == nil:
		return nil, errors.New("checkout service: config store is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Compliance == nil:
		return nil, errors.New("checkout service: compliance repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("checkout service: address repository is required")
	case deps.Users == nil:
		return nil, errors.New("checkout service: user repository is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment repository is required")
	case deps.PaymentCreator == nil:
		return nil, errors.New("checkout service: payment creator is required")
	case deps.Audit == nil:
		return nil, errors.New("checkout service: audit sink is required")
	case deps.Notifier == nil:
		return nil, errors.New("checkout service: notifier is required")
	}

	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	orderNumber := deps.OrderNumber
	if orderNumber == nil {
		orderNumber = newOrderNumber
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &checkoutService{
		pricing:     deps.Pricing,
		discounts:   deps.Discounts,
		shipping:    deps.Shipping,
		inventory:   deps.Inventory,
		config:      deps.Config,
		orders:      deps.Orders,
		compliance:  deps.Compliance,
		addresses:   deps.Addresses,
		users:       deps.Users,
		payments:    deps.Payments,
		uow:         uow,
		creator:     deps.PaymentCreator,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		now:         func() time.Time { return clock().UTC() },
		newID:       newID,
		orderNumber: orderNumber,
		logger:      logger,
	}, nil
}

// InitCheckout prices the cart, applies the promo code and lists delivery options.
func (s *checkoutService) InitCheckout(ctx context.Context, cmd InitCheckoutCommand) (preview CheckoutPreview, err error) {
	ctx = WithSettingsScope(ctx)
	ctx, span := startSpan(ctx, "checkout.InitCheckout", attribute.Int("checkout.lines", len(cmd.Lines)))
	defer func() { endSpan(span, err) }()

	if len(cmd.Lines) == 0 {
		return CheckoutPreview{}, newValidationError("items", "at least one item is required")
	}
	cart, err := s.priceCart(ctx, cmd.Lines, cmd.DiscountCode, cmd.Identity)
	if err != nil {
		return CheckoutPreview{}, err
	}
	options, err := s.shipping.Options(ctx, cart)
	if err != nil {
		return CheckoutPreview{}, err
	}
	return CheckoutPreview{Cart: cart, ShippingOptions: options}, nil
}

// CreateOrder places an order in one transaction: compliance, re-pricing, shipping method,
// customer, addresses, order rows, attestation, stock reservation and audit. The payment and
// emails follow the commit and never fail the call.
func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (result CreateOrderResult, err error) {
	ctx = WithSettingsScope(ctx)
	ctx, span := startSpan(ctx, "checkout.CreateOrder",
		attribute.String("checkout.payment_method", string(cmd.PaymentMethod)),
		attribute.String("checkout.shipping_method", cmd.ShippingMethodID))
	defer func() { endSpan(span, err) }()

	if err := validateCreateOrder(cmd); err != nil {
		return CreateOrderResult{}, err
	}

	var (
		order    domain.Order
		cart     domain.Cart
		customer domain.User
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		if err := checkCompliance(cmd.Compliance); err != nil {
			return err
		}

		priced, err := s.priceCart(txCtx, cmd.Lines, cmd.DiscountCode, cmd.Identity)
		if err != nil {
			return err
		}
		if len(priced.Items) == 0 {
			return newValidationError("items", "at least one item with a positive quantity is required")
		}
		if err := s.checkWholesaleMinimum(txCtx, priced); err != nil {
			return err
		}

		option, err := s.resolveShippingMethod(txCtx, priced, cmd.ShippingMethodID)
		if err != nil {
			return err
		}
		priced.EstimatedShipping = option.Amount
		priced.Recalculate()
		cart = priced

		customer, err = s.resolveCustomer(txCtx, cmd)
		if err != nil {
			return err
		}

		shippingID, billingID, err := s.saveAddresses(txCtx, customer.ID, cmd)
		if err != nil {
			return err
		}

		order = s.buildOrder(cart, cmd, customer.ID, option.ID, shippingID, billingID)
		if err := s.orders.Insert(txCtx, order); err != nil {
			return translateOrderInsertError(err, order.OrderNumber)
		}

		ack := domain.ComplianceAcknowledgment{
			ID:                     s.newID(),
			OrderID:                order.ID,
			ResearchUseOnly:        cmd.Compliance.ResearchUseOnly,
			NotForHumanConsumption: cmd.Compliance.NotForHumanConsumption,
			AgeVerified:            cmd.Compliance.AgeVerified,
			TermsAccepted:          cmd.Compliance.TermsAccepted,
			LiabilityAccepted:      cmd.Compliance.LiabilityAccepted,
			IPAddress:              cmd.IPAddress,
			UserAgent:              cmd.UserAgent,
			CreatedAt:              order.CreatedAt,
		}
		if err := s.compliance.Insert(txCtx, ack); err != nil {
			return mapRepositoryError(err, "compliance acknowledgment", order.ID)
		}

		if err := s.inventory.Reserve(txCtx, orderInventoryLines(order)); err != nil {
			return err
		}

		return s.audit.Record(txCtx, s.orderCreatedAudit(order, customer, cmd))
	})
	if err != nil {
		s.logger(ctx, "checkout.create_order_failed", map[string]any{"error": err})
		return CreateOrderResult{}, err
	}

	result = CreateOrderResult{Order: order}
	payment, payErr := s.openPayment(ctx, order, s.recipient(cmd, customer))
	if payErr != nil {
		s.logger(ctx, "checkout.payment_failed", map[string]any{"orderId": order.ID, "error": payErr})
		result.PaymentError = payErr.Error()
	} else {
		result.Payment = &payment
	}

	if cart.DiscountID != "" {
		if err := s.discounts.IncrementUsage(ctx, cart.DiscountID); err != nil {
			s.logger(ctx, "checkout.discount_usage_failed", map[string]any{"discountId": cart.DiscountID, "error": err})
		}
	}
	s.notifyOrderCreated(ctx, order, result.Payment, s.recipient(cmd, customer))
	if s.metrics != nil {
		s.metrics.OrderCreated(ctx, string(order.PaymentMethod), order.TotalAmount)
	}
	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"total":       order.TotalAmount,
	})
	return result, nil
}

func (s *checkoutService) priceCart(ctx context.Context, lines []domain.CartLine, code string, identity *Identity) (domain.Cart, error) {
	cart, err := s.pricing.Price(ctx, lines, identity)
	if err != nil {
		return domain.Cart{}, err
	}
	if strings.TrimSpace(code) == "" || len(cart.Items) == 0 {
		return cart, nil
	}
	return s.discounts.Apply(ctx, cart, code, identity)
}

func (s *checkoutService) checkWholesaleMinimum(ctx context.Context, cart domain.Cart) error {
	if !cart.Wholesale {
		return nil
	}
	minimum, err := s.config.WholesaleMinimumOrder(ctx)
	if err != nil {
		return err
	}
	if minimum > 0 && cart.Subtotal < minimum {
		return newValidationError("items", fmt.Sprintf("wholesale orders require a subtotal of at least %s", FormatMoney(minimum)))
	}
	return nil
}

func (s *checkoutService) resolveShippingMethod(ctx context.Context, cart domain.Cart, methodID string) (ShippingOption, error) {
	options, err := s.shipping.Options(ctx, cart)
	if err != nil {
		return ShippingOption{}, err
	}
	methodID = strings.TrimSpace(methodID)
	for _, option := range options {
		if option.ID == methodID {
			return option, nil
		}
	}
	return ShippingOption{}, &InvalidShippingMethodError{MethodID: methodID}
}

// resolveCustomer returns the signed-in account, or the guest account keyed by email.
func (s *checkoutService) resolveCustomer(ctx context.Context, cmd CreateOrderCommand) (domain.User, error) {
	if userID := cmd.Identity.userID(); userID != "" {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return domain.User{}, mapRepositoryError(err, "user", userID)
		}
		return user, nil
	}
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email == "" {
		return domain.User{}, newValidationError("email", "is required for guest checkout")
	}
	user, err := s.users.FindOrCreateGuest(ctx, domain.User{
		ID:        s.newID(),
		Email:     email,
		Name:      strings.TrimSpace(cmd.Name),
		IsGuest:   true,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.User{}, mapRepositoryError(err, "user", email)
	}
	return user, nil
}

// saveAddresses stores the shipping address and the billing address. A billing address that is
// absent or equal to the shipping one reuses the shipping row.
func (s *checkoutService) saveAddresses(ctx context.Context, userID string, cmd CreateOrderCommand) (string, string, error) {
	now := s.now()
	shipping := cmd.ShippingAddress
	shipping.ID = s.newID()
	shipping.UserID = userID
	shipping.CreatedAt = now
	if shipping.Email == "" {
		shipping.Email = strings.TrimSpace(cmd.Email)
	}
	if err := s.addresses.Insert(ctx, shipping); err != nil {
		return "", "", mapRepositoryError(err, "address", shipping.ID)
	}
	if cmd.BillingAddress == nil || cmd.BillingAddress.SamePostal(cmd.ShippingAddress) {
		return shipping.ID, shipping.ID, nil
	}
	billing := *cmd.BillingAddress
	billing.ID = s.newID()
	billing.UserID = userID
	billing.CreatedAt = now
	if err := s.addresses.Insert(ctx, billing); err != nil {
		return "", "", mapRepositoryError(err, "address", billing.ID)
	}
	return shipping.ID, billing.ID, nil
}

func (s *checkoutService) buildOrder(cart domain.Cart, cmd CreateOrderCommand, userID, methodID, shippingID, billingID string) domain.Order {
	now := s.now()
	status := domain.OrderStatusPending
	if cmd.PaymentMethod.Manual() {
		status = domain.OrderStatusAwaitingPayment
	}
	order := domain.Order{
		ID:                s.newID(),
		OrderNumber:       s.orderNumber(now),
		UserID:            userID,
		Status:            status,
		Subtotal:          cart.Subtotal,
		ShippingCost:      cart.EstimatedShipping,
		DiscountAmount:    cart.DiscountAmount,
		TaxAmount:         cart.EstimatedTax,
		TotalAmount:       cart.Total,
		DiscountCode:      cart.DiscountCode,
		ShippingMethod:    methodID,
		ShippingAddressID: shippingID,
		BillingAddressID:  billingID,
		PaymentMethod:     cmd.PaymentMethod,
		Notes:             strings.TrimSpace(cmd.Notes),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.Items = make([]domain.OrderItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:          s.newID(),
			OrderID:     order.ID,
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			ProductName: line.ProductName,
			VariantName: line.VariantName,
			SKU:         line.SKU,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			LineTotal:   line.LineTotal,
		})
	}
	return order
}

func (s *checkoutService) orderCreatedAudit(order domain.Order, customer domain.User, cmd CreateOrderCommand) AuditLogRecord {
	actorType := "user"
	if customer.IsGuest {
		actorType = "guest"
	}
	metadata := map[string]any{
		"orderNumber":   order.OrderNumber,
		"total":         order.TotalAmount,
		"paymentMethod": string(order.PaymentMethod),
		"items":         len(order.Items),
	}
	if order.DiscountCode != nil {
		metadata["discountCode"] = *order.DiscountCode
	}
	return AuditLogRecord{
		Actor:      customer.ID,
		ActorType:  actorType,
		Action:     "order.create",
		TargetRef:  "orders/" + order.ID,
		RequestID:  cmd.RequestID,
		OccurredAt: order.CreatedAt,
		Metadata:   metadata,
		Diff:       map[string]AuditLogDiff{"status": {After: string(order.Status)}},
		IPAddress:  cmd.IPAddress,
		UserAgent:  cmd.UserAgent,
	}
}

// openPayment asks the provider for a payment and stores it.
func (s *checkoutService) openPayment(ctx context.Context, order domain.Order, email string) (domain.Payment, error) {
	res, err := s.creator.CreatePayment(ctx, payments.PaymentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Method:         order.PaymentMethod,
		Amount:         order.TotalAmount,
		CustomerEmail:  email,
		IdempotencyKey: "order-" + order.ID + "-payment",
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	now := s.now()
	payment := domain.Payment{
		ID:           s.newID(),
		OrderID:      order.ID,
		Method:       order.PaymentMethod,
		Amount:       order.TotalAmount,
		Status:       res.Status,
		Provider:     res.Provider,
		ExternalID:   res.ExternalID,
		ClientSecret: res.ClientSecret,
		Instructions: res.Instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if payment.Status == "" {
		payment.Status = domain.PaymentStatusPending
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		return domain.Payment{}, fmt.Errorf("store payment: %w", mapRepositoryError(err, "payment", payment.ID))
	}
	return payment, nil
}

func (s *checkoutService) notifyOrderCreated(ctx context.Context, order domain.Order, payment *domain.Payment, recipient string) {
	data := orderNotificationData(order)
	if payment != nil && len(payment.Instructions) > 0 {
		data["paymentInstructions"] = payment.Instructions
	}
	if recipient != "" {
		s.send(ctx, Notification{Template: TemplateOrderConfirmation, Recipient: recipient, Data: data})
	}
	admin, err := s.config.AdminNotificationEmail(ctx)
	if err != nil {
		s.logger(ctx, "checkout.notification_failed", map[string]any{"template": TemplateAdminNewOrder, "error": err})
		return
	}
	if admin != "" {
		adminData := orderNotificationData(order)
		adminData["customerEmail"] = recipient
		s.send(ctx, Notification{Template: TemplateAdminNewOrder, Recipient: admin, Data: adminData})
	}
}

func (s *checkoutService) send(ctx context.Context, n Notification) {
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger(ctx, "checkout.notification_failed", map[string]any{"template": n.Template, "error": err})
	}
}

func (s *checkoutService) recipient(cmd CreateOrderCommand, customer domain.User) string {
	if email := strings.TrimSpace(cmd.Email); email != "" {
		return email
	}
	if cmd.Identity != nil && cmd.Identity.Email != "" {
		return cmd.Identity.Email
	}
	return customer.Email
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	if len(cmd.Lines) == 0 {
		return newValidationError("items", "at least one item is required")
	}
	switch cmd.PaymentMethod {
	case domain.PaymentMethodCard, domain.PaymentMethodBankTransfer, domain.PaymentMethodCashApp:
	default:
		return newValidationError("paymentMethod", fmt.Sprintf("unsupported payment method %q", cmd.PaymentMethod))
	}
	if strings.TrimSpace(cmd.ShippingMethodID) == "" {
		return newValidationError("shippingMethodId", "is required")
	}
	if err := validateAddress("shippingAddress", cmd.ShippingAddress); err != nil {
		return err
	}
	if cmd.BillingAddress != nil {
		return validateAddress("billingAddress", *cmd.BillingAddress)
	}
	return nil
}

func validateAddress(field string, a domain.Address) error {
	required := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"line1", a.Line1},
		{"city", a.City},
		{"postalCode", a.PostalCode},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return newValidationError(field+"."+r.name, "is required")
		}
	}
	return nil
}

// checkCompliance reports every missing attestation at once.
func checkCompliance(c ComplianceInput) error {
	var missing []string
	if !c.ResearchUseOnly {
		missing = append(missing, "researchUseOnly")
	}
	if !c.NotForHumanConsumption {
		missing = append(missing, "notForHumanConsumption")
	}
	if !c.AgeVerified {
		missing = append(missing, "ageVerified")
	}
	if !c.TermsAccepted {
		missing = append(missing, "termsAccepted")
	}
	if !c.LiabilityAccepted {
		missing = append(missing, "liabilityAccepted")
	}
	if len(missing) > 0 {
		return &ComplianceError{Missing: missing}
	}
	return nil
}

type constraintError interface {
	Constraint() string
}

// translateOrderInsertError turns a unique violation on the order number into the fatal
// collision error; the existing order is never overwritten.
func translateOrderInsertError(err error, orderNumber string) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		var named constraintError
		if !errors.As(err, &named) || named.Constraint() == "" || strings.Contains(named.Constraint(), "order_number") {
			return fmt.Errorf("%w: %s", ErrOrderNumberCollision, orderNumber)
		}
	}
	return mapRepositoryError(err, "order", orderNumber)
}
