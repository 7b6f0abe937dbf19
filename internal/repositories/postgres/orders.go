package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

// OrderNumberConstraint names the unique index guarding order numbers.
const OrderNumberConstraint = "orders_order_number_key"

type orderRepository struct {
	baseRepository
}

// Insert writes the order header and every item snapshot. Callers run it inside a transaction.
func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := r.q(ctx)
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, order_number, user_id, status, subtotal, shipping_cost, discount_amount,
		                     tax_amount, total_amount, discount_code, shipping_method, shipping_address_id,
		                     billing_address_id, payment_method, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		order.ID, order.OrderNumber, order.UserID, string(order.Status), order.Subtotal, order.ShippingCost,
		order.DiscountAmount, order.TaxAmount, order.TotalAmount, order.DiscountCode, order.ShippingMethod,
		order.ShippingAddressID, order.BillingAddressID, string(order.PaymentMethod), order.Notes,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return WrapError("orders.insert", err)
	}

	batch := &pgx.Batch{}
	for _, item := range order.Items {
		batch.Queue(
			`INSERT INTO order_items (id, order_id, product_id, variant_id, product_name, variant_name, sku,
			                          unit_price, quantity, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, order.ID, item.ProductID, item.VariantID, item.ProductName, item.VariantName, item.SKU,
			item.UnitPrice, item.Quantity, item.LineTotal)
	}
	if batch.Len() == 0 {
		return nil
	}
	results := q.SendBatch(ctx, batch)
	defer results.Close()
	for range order.Items {
		if _, err := results.Exec(); err != nil {
			return WrapError("orders.insert_items", err)
		}
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var (
		o                     domain.Order
		status, method        string
		discountCode          pgtype.Text
		paid, shipped, cancel pgtype.Timestamptz
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, order_number, user_id, status, subtotal, shipping_cost, discount_amount, tax_amount,
		        total_amount, discount_code, shipping_method, shipping_address_id, billing_address_id,
		        payment_method, notes, paid_at, shipped_at, cancelled_at, created_at, updated_at
		   FROM orders WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.OrderNumber, &o.UserID, &status, &o.Subtotal, &o.ShippingCost, &o.DiscountAmount,
		&o.TaxAmount, &o.TotalAmount, &discountCode, &o.ShippingMethod, &o.ShippingAddressID,
		&o.BillingAddressID, &method, &o.Notes, &paid, &shipped, &cancel, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, WrapError("orders.find", err)
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentMethod = domain.PaymentMethod(method)
	if discountCode.Valid {
		code := discountCode.String
		o.DiscountCode = &code
	}
	o.PaidAt, o.ShippedAt, o.CancelledAt = timePtr(paid), timePtr(shipped), timePtr(cancel)

	rows, err := r.q(ctx).Query(ctx,
		`SELECT id, order_id, product_id, variant_id, product_name, variant_name, sku, unit_price, quantity, line_total
		   FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return domain.Order{}, WrapError("orders.items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderItem, error) {
		var (
			item      domain.OrderItem
			variantID pgtype.Text
		)
		if err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &variantID, &item.ProductName,
			&item.VariantName, &item.SKU, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return domain.OrderItem{}, err
		}
		if variantID.Valid {
			v := variantID.String
			item.VariantID = &v
		}
		return item, nil
	})
	if err != nil {
		return domain.Order{}, WrapError("orders.items", err)
	}
	o.Items = items
	return o, nil
}

// Update changes status and stamps the supplied timestamps; nil timestamps keep their stored value.
func (r *orderRepository) Update(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders
		    SET status = $2,
		        paid_at = COALESCE($3, paid_at),
		        shipped_at = COALESCE($4, shipped_at),
		        cancelled_at = COALESCE($5, cancelled_at),
		        updated_at = $6
		  WHERE id = $1`,
		orderID, string(update.Status), update.PaidAt, update.ShippedAt, update.CancelledAt, update.UpdatedAt)
	if err != nil {
		return WrapError("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return WrapError("orders.update", fmt.Errorf("order %s: %w", orderID, errNoRowsAffected))
	}
	return nil
}

// CountDiscountUsage counts the user's non-cancelled orders that carried the code.
func (r *orderRepository) CountDiscountUsage(ctx context.Context, userID string, code string) (int, error) {
	var count int
	err := r.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM orders
		  WHERE user_id = $1 AND upper(discount_code) = upper($2) AND status <> $3`,
		userID, code, string(domain.OrderStatusCancelled),
	).Scan(&count)
	if err != nil {
		return 0, WrapError("orders.count_discount_usage", err)
	}
	return count, nil
}

type complianceRepository struct {
	baseRepository
}

func (r *complianceRepository) Insert(ctx context.Context, ack domain.ComplianceAcknowledgment) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO compliance_acknowledgments (id, order_id, research_use_only, not_for_human_consumption,
		        age_verified, terms_accepted, liability_accepted, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ack.ID, ack.OrderID, ack.ResearchUseOnly, ack.NotForHumanConsumption, ack.AgeVerified,
		ack.TermsAccepted, ack.LiabilityAccepted, ack.IPAddress, ack.UserAgent, ack.CreatedAt)
	return WrapError("compliance.insert", err)
}
