package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

// ErrNoShippingRates is reported when the carrier offers nothing for an order.
var ErrNoShippingRates = errors.New("no shipping rates available")

// FulfillmentServiceDeps wires the dependencies required by the fulfillment service.
type FulfillmentServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	Shipments  repositories.ShipmentRepository
	Addresses  repositories.AddressRepository
	Users      repositories.UserRepository
	Inventory  InventoryService
	Shipping   ShippingEstimator
	Labels     LabelProvider
	UnitOfWork repositories.UnitOfWork
	// Audit must write inside the caller's transaction.
	Audit       AuditSink
	Notifier    NotificationSender
	Metrics     FulfillmentMetrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	shipments repositories.ShipmentRepository
	addresses repositories.AddressRepository
	users     repositories.UserRepository
	inventory InventoryService
	shipping  ShippingEstimator
	labels    LabelProvider
	uow       repositories.UnitOfWork
	audit     AuditSink
	notifier  NotificationSender
	metrics   FulfillmentMetrics
	notes     *bluemonday.Policy
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewFulfillmentService constructs a FulfillmentService.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("fulfillment service: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("fulfillment service: payment repository is required")
	case deps.Shipments == nil:
		return nil, errors.New("fulfillment service: shipment repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("fulfillment service: address repository is required")
	case deps.Users == nil:
		return nil, errors.New("fulfillment service: user repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("fulfillment service: inventory service is required")
	case deps.Shipping == nil:
		return nil, errors.New("fulfillment service: shipping estimator is required")
	case deps.Labels == nil:
		return nil, errors.New("fulfillment service: label provider is required")
	case deps.Audit == nil:
		return nil, errors.New("fulfillment service: audit sink is required")
	case deps.Notifier == nil:
		return nil, errors.New("fulfillment service: notifier is required")
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
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &fulfillmentService{
		orders:    deps.Orders,
		payments:  deps.Payments,
		shipments: deps.Shipments,
		addresses: deps.Addresses,
		users:     deps.Users,
		inventory: deps.Inventory,
		shipping:  deps.Shipping,
		labels:    deps.Labels,
		uow:       uow,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		notes:     bluemonday.StrictPolicy(),
		now:       func() time.Time { return clock().UTC() },
		newID:     newID,
		logger:    logger,
	}, nil
}

// ApprovePayment verifies the latest payment of an order. Unless AutoShip is false it then buys
// a label; shipping failures are reported in the result and never undo the approval.
func (s *fulfillmentService) ApprovePayment(ctx context.Context, cmd ApprovePaymentCommand) (result ApprovePaymentResult, err error) {
	ctx, span := startSpan(ctx, "fulfillment.ApprovePayment", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	actor := strings.TrimSpace(cmd.ActorID)
	if orderID == "" {
		return ApprovePaymentResult{}, newValidationError("orderId", "is required")
	}
	if actor == "" {
		return ApprovePaymentResult{}, newValidationError("actorId", "is required")
	}
	notes := strings.TrimSpace(s.notes.Sanitize(cmd.Notes))

	var (
		order   domain.Order
		payment domain.Payment
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.loadOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		payment, err = s.payments.LatestForOrder(txCtx, orderID)
		if err != nil {
			if isNotFound(err) {
				return &NoPaymentFoundError{OrderID: orderID}
			}
			return mapRepositoryError(err, "payment", orderID)
		}
		if payment.Status == domain.PaymentStatusCompleted {
			return &AlreadyVerifiedError{OrderID: orderID, PaymentID: payment.ID}
		}

		now := s.now()
		if err := s.payments.MarkVerified(txCtx, repositories.PaymentVerification{
			PaymentID:  payment.ID,
			VerifiedBy: actor,
			VerifiedAt: now,
			Notes:      notes,
		}); err != nil {
			if isNotFound(err) {
				return &AlreadyVerifiedError{OrderID: orderID, PaymentID: payment.ID}
			}
			return mapRepositoryError(err, "payment", payment.ID)
		}
		previous := payment.Status
		payment.Status = domain.PaymentStatusCompleted
		payment.VerifiedBy = &actor
		payment.VerifiedAt = &now
		payment.UpdatedAt = now
		if notes != "" {
			payment.Notes = notes
		}

		if err := s.orders.Update(txCtx, orderID, repositories.OrderStatusUpdate{
			Status:    order.Status,
			PaidAt:    &now,
			UpdatedAt: now,
		}); err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		order.PaidAt = &now
		order.UpdatedAt = now

		return s.audit.Record(txCtx, AuditLogRecord{
			Actor:      actor,
			ActorType:  "staff",
			Action:     "payment.approve",
			TargetRef:  "orders/" + orderID + "/payments/" + payment.ID,
			OccurredAt: now,
			Metadata:   map[string]any{"amount": payment.Amount, "method": string(payment.Method), "notes": notes},
			Diff:       map[string]AuditLogDiff{"status": {Before: string(previous), After: string(payment.Status)}},
		})
	})
	if err != nil {
		return ApprovePaymentResult{}, err
	}

	data := orderNotificationData(order)
	data["amountPaid"] = FormatMoney(payment.Amount)
	s.notifyCustomer(ctx, order, TemplatePaymentConfirmed, data)
	s.logger(ctx, "fulfillment.payment_approved", map[string]any{"orderId": orderID, "paymentId": payment.ID})

	result = ApprovePaymentResult{Success: true, Order: order, Payment: payment}
	if cmd.AutoShip != nil && !*cmd.AutoShip {
		return result, nil
	}
	label, _, _, shipErr := s.shipCheapest(ctx, orderID, actor)
	if shipErr != nil {
		s.logger(ctx, "fulfillment.auto_ship_failed", map[string]any{"orderId": orderID, "error": shipErr})
		result.ShippingError = shipErr.Error()
		return result, nil
	}
	result.Shipping = &label
	result.Order = label.Order
	return result, nil
}

// GetShippingRates quotes the order's parcel and caches the carrier shipment id on the order's
// shipment for the later label purchase.
func (s *fulfillmentService) GetShippingRates(ctx context.Context, orderID string) (result ShippingRatesResult, err error) {
	ctx, span := startSpan(ctx, "fulfillment.GetShippingRates", attribute.String("order.id", orderID))
	defer func() { endSpan(span, err) }()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ShippingRatesResult{}, newValidationError("orderId", "is required")
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return ShippingRatesResult{}, err
	}
	if order.ShippingAddressID == "" {
		return ShippingRatesResult{}, newValidationError("shippingAddress", "order has no shipping address")
	}
	address, err := s.addresses.FindByID(ctx, order.ShippingAddressID)
	if err != nil {
		if isNotFound(err) {
			return ShippingRatesResult{}, newValidationError("shippingAddress", "order has no shipping address")
		}
		return ShippingRatesResult{}, mapRepositoryError(err, "address", order.ShippingAddressID)
	}

	parcel := s.shipping.ParcelForUnits(order.Units())
	quote, err := s.shipping.LiveRates(ctx, address, parcel)
	if err != nil {
		return ShippingRatesResult{}, fmt.Errorf("fetch shipping rates: %w", err)
	}
	if quote.ExternalShipmentID != "" {
		s.cacheExternalShipment(ctx, orderID, quote.ExternalShipmentID)
	}
	return ShippingRatesResult{
		OrderID:            orderID,
		ExternalShipmentID: quote.ExternalShipmentID,
		Parcel:             parcel,
		Rates:              quote.Rates,
	}, nil
}

// cacheExternalShipment records the carrier shipment id; failures only cost resilience.
func (s *fulfillmentService) cacheExternalShipment(ctx context.Context, orderID, externalID string) {
	now := s.now()
	shipment, err := s.shipments.FindByOrder(ctx, orderID)
	switch {
	case err == nil:
	case isNotFound(err):
		shipment = domain.Shipment{ID: s.newID(), OrderID: orderID, Status: domain.ShipmentStatusPending, CreatedAt: now}
	default:
		s.logger(ctx, "fulfillment.shipment_cache_failed", map[string]any{"orderId": orderID, "error": err})
		return
	}
	shipment.ExternalShipmentID = externalID
	shipment.UpdatedAt = now
	if _, err := s.shipments.Upsert(ctx, shipment); err != nil {
		s.logger(ctx, "fulfillment.shipment_cache_failed", map[string]any{"orderId": orderID, "error": err})
	}
}

// CreateShippingLabel buys the label for a quoted rate and marks the order shipped.
func (s *fulfillmentService) CreateShippingLabel(ctx context.Context, cmd CreateLabelCommand) (result ShippingLabelResult, err error) {
	ctx, span := startSpan(ctx, "fulfillment.CreateShippingLabel",
		attribute.String("order.id", cmd.OrderID), attribute.String("shipping.rate_id", cmd.RateID))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	rateID := strings.TrimSpace(cmd.RateID)
	actor := strings.TrimSpace(cmd.ActorID)
	if orderID == "" {
		return ShippingLabelResult{}, newValidationError("orderId", "is required")
	}
	if rateID == "" {
		return ShippingLabelResult{}, newValidationError("rateId", "is required")
	}
	if actor == "" {
		actor = "system"
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return ShippingLabelResult{}, err
	}
	if !canTransition(order.Status, domain.OrderStatusShipped) {
		return ShippingLabelResult{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, order.Status)
	}

	now := s.now()
	shipment, err := s.shipments.FindByOrder(ctx, orderID)
	switch {
	case err == nil:
	case isNotFound(err):
		shipment = domain.Shipment{ID: s.newID(), OrderID: orderID, CreatedAt: now}
	default:
		return ShippingLabelResult{}, mapRepositoryError(err, "shipment", orderID)
	}
	externalID := shipment.ExternalShipmentID
	if externalID == "" {
		externalID = strings.TrimSpace(cmd.ExternalShipmentID)
	}
	if externalID == "" {
		return ShippingLabelResult{}, newValidationError("externalShipmentId", "is required when no rates were fetched for the order")
	}

	label, err := s.labels.Purchase(ctx, LabelPurchase{RateID: rateID, ExternalShipmentID: externalID})
	if err != nil {
		return ShippingLabelResult{}, &LabelCreationError{OrderID: orderID, ProviderMessage: err.Error(), Err: err}
	}

	shipment.Status = domain.ShipmentStatusLabelCreated
	shipment.Carrier = label.Carrier
	shipment.Service = label.Service
	shipment.TrackingNumber = label.TrackingNumber
	shipment.TrackingURL = label.TrackingURL
	shipment.LabelURL = label.LabelURL
	shipment.ExternalShipmentID = externalID
	shipment.ExternalRateID = rateID
	shipment.ShippingCost = label.Amount
	shipment.UpdatedAt = now

	previous := order.Status
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		saved, err := s.shipments.Upsert(txCtx, shipment)
		if err != nil {
			return mapRepositoryError(err, "shipment", orderID)
		}
		shipment = saved
		if err := s.orders.Update(txCtx, orderID, repositories.OrderStatusUpdate{
			Status:    domain.OrderStatusShipped,
			ShippedAt: &now,
			UpdatedAt: now,
		}); err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		return s.audit.Record(txCtx, AuditLogRecord{
			Actor:      actor,
			ActorType:  "staff",
			Action:     "order.ship",
			TargetRef:  "orders/" + orderID,
			OccurredAt: now,
			Metadata: map[string]any{
				"carrier":        label.Carrier,
				"service":        label.Service,
				"trackingNumber": label.TrackingNumber,
				"cost":           label.Amount,
			},
			Diff: map[string]AuditLogDiff{"status": {Before: string(previous), After: string(domain.OrderStatusShipped)}},
		})
	})
	if err != nil {
		// The label is paid for; keep enough in the log to attach it by hand.
		s.logger(ctx, "fulfillment.label_record_failed", map[string]any{
			"orderId":        orderID,
			"trackingNumber": label.TrackingNumber,
			"labelUrl":       label.LabelURL,
			"error":          err,
		})
		return ShippingLabelResult{}, err
	}
	order.Status = domain.OrderStatusShipped
	order.ShippedAt = &now
	order.UpdatedAt = now

	if err := s.inventory.Commit(ctx, orderInventoryLines(order)); err != nil {
		s.logger(ctx, "fulfillment.inventory_commit_failed", map[string]any{"orderId": orderID, "error": err})
	}
	if s.metrics != nil {
		s.metrics.LabelPurchased(ctx, label.Carrier)
	}
	data := orderNotificationData(order)
	data["carrier"] = label.Carrier
	data["service"] = label.Service
	data["trackingNumber"] = label.TrackingNumber
	data["trackingUrl"] = label.TrackingURL
	s.notifyCustomer(ctx, order, TemplateOrderShipped, data)
	s.logger(ctx, "fulfillment.label_created", map[string]any{"orderId": orderID, "carrier": label.Carrier})

	return ShippingLabelResult{Order: order, Shipment: shipment}, nil
}

// FulfillOrder approves the payment, quotes rates and buys the preferred label. Only the
// approval can fail the call.
func (s *fulfillmentService) FulfillOrder(ctx context.Context, cmd FulfillOrderCommand) (result FulfillOrderResult, err error) {
	ctx, span := startSpan(ctx, "fulfillment.FulfillOrder", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	autoShip := false
	approved, err := s.ApprovePayment(ctx, ApprovePaymentCommand{
		OrderID:  cmd.OrderID,
		ActorID:  cmd.ActorID,
		Notes:    cmd.Notes,
		AutoShip: &autoShip,
	})
	if err != nil {
		return FulfillOrderResult{}, err
	}
	result.Payment = approved

	label, rates, selected, shipErr := s.shipCheapest(ctx, approved.Order.ID, cmd.ActorID)
	result.Rates = rates
	result.SelectedRate = selected
	if shipErr != nil {
		s.logger(ctx, "fulfillment.fulfill_shipping_failed", map[string]any{"orderId": approved.Order.ID, "error": shipErr})
		result.ShippingError = shipErr.Error()
		return result, nil
	}
	result.Label = &label
	return result, nil
}

// shipCheapest quotes rates, selects the preferred one and buys its label, returning whatever
// stages completed alongside the first error.
func (s *fulfillmentService) shipCheapest(ctx context.Context, orderID, actor string) (ShippingLabelResult, *ShippingRatesResult, *Rate, error) {
	rates, err := s.GetShippingRates(ctx, orderID)
	if err != nil {
		return ShippingLabelResult{}, nil, nil, err
	}
	rate, ok := s.shipping.SelectRate(rates.Rates)
	if !ok {
		return ShippingLabelResult{}, &rates, nil, ErrNoShippingRates
	}
	label, err := s.CreateShippingLabel(ctx, CreateLabelCommand{
		OrderID:            orderID,
		RateID:             rate.ID,
		ExternalShipmentID: rates.ExternalShipmentID,
		ActorID:            actor,
	})
	if err != nil {
		return ShippingLabelResult{}, &rates, &rate, err
	}
	return label, &rates, &rate, nil
}

func (s *fulfillmentService) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err, "order", orderID)
	}
	return order, nil
}

// notifyCustomer emails the address on the shipping record, falling back to the account email.
func (s *fulfillmentService) notifyCustomer(ctx context.Context, order domain.Order, template string, data map[string]any) {
	recipient := ""
	if order.ShippingAddressID != "" {
		if address, err := s.addresses.FindByID(ctx, order.ShippingAddressID); err == nil {
			recipient = strings.TrimSpace(address.Email)
		}
	}
	if recipient == "" && order.UserID != "" {
		if user, err := s.users.FindByID(ctx, order.UserID); err == nil {
			recipient = user.Email
		}
	}
	if recipient == "" {
		s.logger(ctx, "fulfillment.notification_failed", map[string]any{"orderId": order.ID, "template": template, "error": "no recipient"})
		return
	}
	if err := s.notifier.Send(ctx, Notification{Template: template, Recipient: recipient, Data: data}); err != nil {
		s.logger(ctx, "fulfillment.notification_failed", map[string]any{"orderId": order.ID, "template": template, "error": err})
	}
}
