package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

// Notification templates rendered by the email workers.
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateAdminNewOrder     = "admin_new_order"
	TemplatePaymentConfirmed  = "payment_confirmed"
	TemplateOrderShipped      = "order_shipped"
)

// OutboxWriterDeps bundles the collaborators of the outbox writer.
type OutboxWriterDeps struct {
	Outbox            repositories.OutboxRepository
	NotificationTopic string
	Clock             func() time.Time
	IDGenerator       func() string
}

// OutboxWriter records notifications and audit events as outbox rows. Called inside a
// transaction the rows commit or roll back with the business change; delivery happens later in
// the dispatcher.
type OutboxWriter struct {
	outbox repositories.OutboxRepository
	topic  string
	clock  func() time.Time
	newID  func() string
}

var (
	_ NotificationSender = (*OutboxWriter)(nil)
	_ AuditSink          = (*OutboxWriter)(nil)
)

// NewOutboxWriter constructs an OutboxWriter.
func NewOutboxWriter(deps OutboxWriterDeps) (*OutboxWriter, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox writer: outbox repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &OutboxWriter{
		outbox: deps.Outbox,
		topic:  strings.TrimSpace(deps.NotificationTopic),
		clock:  func() time.Time { return clock().UTC() },
		newID:  newID,
	}, nil
}

// Send queues a notification for delivery.
func (w *OutboxWriter) Send(ctx context.Context, notification Notification) error {
	if strings.TrimSpace(notification.Recipient) == "" {
		return newValidationError("recipient", "is required")
	}
	return w.enqueue(ctx, domain.OutboxKindNotification, w.topic, notification)
}

// Record queues an audit event. The record id is fixed here so redelivery appends it once.
func (w *OutboxWriter) Record(ctx context.Context, record AuditLogRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = w.newID()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = w.clock()
	}
	return w.enqueue(ctx, domain.OutboxKindAudit, "", record)
}

func (w *OutboxWriter) enqueue(ctx context.Context, kind domain.OutboxKind, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox writer: encode %s: %w", kind, err)
	}
	now := w.clock()
	msg := domain.OutboxMessage{
		ID:          w.newID(),
		Kind:        kind,
		Topic:       topic,
		Payload:     body,
		AvailableAt: now,
		CreatedAt:   now,
	}
	if err := w.outbox.Enqueue(ctx, msg); err != nil {
		return mapRepositoryError(err, "outbox", msg.ID)
	}
	return nil
}

var moneyPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatMoney renders cents as US dollars for notification payloads, e.g. "$1,234.50".
func FormatMoney(cents int64) string {
	amount := decimal.NewFromInt(cents).Shift(-2)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	return sign + moneyPrinter.Sprintf("$%.2f", amount.InexactFloat64())
}

// orderNotificationData is the template payload shared by every order email.
func orderNotificationData(order domain.Order) map[string]any {
	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"name":      strings.TrimSpace(item.ProductName + " " + item.VariantName),
			"sku":       item.SKU,
			"quantity":  item.Quantity,
			"unitPrice": FormatMoney(item.UnitPrice),
			"lineTotal": FormatMoney(item.LineTotal),
		})
	}
	data := map[string]any{
		"orderId":        order.ID,
		"orderNumber":    order.OrderNumber,
		"status":         string(order.Status),
		"paymentMethod":  string(order.PaymentMethod),
		"shippingMethod": order.ShippingMethod,
		"items":          items,
		"subtotal":       FormatMoney(order.Subtotal),
		"discount":       FormatMoney(order.DiscountAmount),
		"shipping":       FormatMoney(order.ShippingCost),
		"tax":            FormatMoney(order.TaxAmount),
		"total":          FormatMoney(order.TotalAmount),
	}
	if order.DiscountCode != nil {
		data["discountCode"] = *order.DiscountCode
	}
	return data
}
