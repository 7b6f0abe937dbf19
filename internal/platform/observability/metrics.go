package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the business counters recorded by the order pipeline.
type Metrics struct {
	ordersCreated    metric.Int64Counter
	orderValue       metric.Int64Counter
	labelsPurchased  metric.Int64Counter
	outboxDeliveries metric.Int64Counter
}

// NewMetrics registers counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("github.com/labvial/api"))
}

// NewMetricsWithMeter registers counters on the supplied meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.ordersCreated, err = meter.Int64Counter("orders.created",
		metric.WithDescription("Orders committed by checkout")); err != nil {
		return nil, err
	}
	if m.orderValue, err = meter.Int64Counter("orders.value",
		metric.WithDescription("Order totals committed by checkout"), metric.WithUnit("{cent}")); err != nil {
		return nil, err
	}
	if m.labelsPurchased, err = meter.Int64Counter("shipping.labels_purchased"); err != nil {
		return nil, err
	}
	if m.outboxDeliveries, err = meter.Int64Counter("outbox.deliveries",
		metric.WithDescription("Outbox delivery attempts by kind and outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// OrderCreated records a committed order.
func (m *Metrics) OrderCreated(ctx context.Context, method string, total int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("payment_method", method))
	m.ordersCreated.Add(ctx, 1, attrs)
	m.orderValue.Add(ctx, total, attrs)
}

// LabelPurchased records a carrier label purchase.
func (m *Metrics) LabelPurchased(ctx context.Context, carrier string) {
	if m == nil {
		return
	}
	m.labelsPurchased.Add(ctx, 1, metric.WithAttributes(attribute.String("carrier", carrier)))
}

// OutboxDelivery records one delivery attempt.
func (m *Metrics) OutboxDelivery(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.outboxDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
