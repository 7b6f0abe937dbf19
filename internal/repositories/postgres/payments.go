package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

type paymentRepository struct {
	baseRepository
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	instructions, err := json.Marshal(payment.Instructions)
	if err != nil {
		return WrapError("payments.insert", fmt.Errorf("encode instructions: %w", err))
	}
	if payment.Instructions == nil {
		instructions = []byte("{}")
	}
	_, err = r.q(ctx).Exec(ctx,
		`INSERT INTO payments (id, order_id, method, amount, status, provider, external_id, instructions,
		                       proof_file_id, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		payment.ID, payment.OrderID, string(payment.Method), payment.Amount, string(payment.Status),
		payment.Provider, payment.ExternalID, instructions, payment.ProofFileID, payment.Notes,
		payment.CreatedAt, payment.UpdatedAt)
	return WrapError("payments.insert", err)
}

// LatestForOrder returns the most recently created payment of the order.
func (r *paymentRepository) LatestForOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	var (
		p              domain.Payment
		method, status string
		instructions   []byte
		verifiedBy     pgtype.Text
		verifiedAt     pgtype.Timestamptz
		proofFileID    pgtype.Text
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, order_id, method, amount, status, provider, external_id, instructions, verified_by,
		        verified_at, proof_file_id, notes, created_at, updated_at
		   FROM payments WHERE order_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`, orderID,
	).Scan(&p.ID, &p.OrderID, &method, &p.Amount, &status, &p.Provider, &p.ExternalID, &instructions,
		&verifiedBy, &verifiedAt, &proofFileID, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Payment{}, WrapError("payments.latest", err)
	}
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	if len(instructions) > 0 {
		if err := json.Unmarshal(instructions, &p.Instructions); err != nil {
			return domain.Payment{}, WrapError("payments.latest", fmt.Errorf("decode instructions: %w", err))
		}
	}
	if verifiedBy.Valid {
		v := verifiedBy.String
		p.VerifiedBy = &v
	}
	p.VerifiedAt = timePtr(verifiedAt)
	if proofFileID.Valid {
		v := proofFileID.String
		p.ProofFileID = &v
	}
	return p, nil
}

// MarkVerified completes a payment unless it already is.
func (r *paymentRepository) MarkVerified(ctx context.Context, v repositories.PaymentVerification) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE payments
		    SET status = $2, verified_by = $3, verified_at = $4,
		        notes = CASE WHEN $5 = '' THEN notes ELSE $5 END, updated_at = $4
		  WHERE id = $1 AND status <> $2`,
		v.PaymentID, string(domain.PaymentStatusCompleted), v.VerifiedBy, v.VerifiedAt, v.Notes)
	if err != nil {
		return WrapError("payments.mark_verified", err)
	}
	if tag.RowsAffected() == 0 {
		return WrapError("payments.mark_verified", fmt.Errorf("payment %s: %w", v.PaymentID, errNoRowsAffected))
	}
	return nil
}

type shipmentRepository struct {
	baseRepository
}

const shipmentColumns = `id, order_id, status, carrier, service, tracking_number, tracking_url, label_url,
	external_shipment_id, external_rate_id, shipping_cost, created_at, updated_at`

func (r *shipmentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Shipment, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE order_id = $1`, orderID)
	shipment, err := scanShipment(row)
	if err != nil {
		return domain.Shipment{}, WrapError("shipments.find_by_order", err)
	}
	return shipment, nil
}

// Upsert inserts or replaces the single shipment of an order, keyed by order id.
func (r *shipmentRepository) Upsert(ctx context.Context, s domain.Shipment) (domain.Shipment, error) {
	row := r.q(ctx).QueryRow(ctx,
		`INSERT INTO shipments (id, order_id, status, carrier, service, tracking_number, tracking_url, label_url,
		                        external_shipment_id, external_rate_id, shipping_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (order_id) DO UPDATE
		    SET status = EXCLUDED.status,
		        carrier = EXCLUDED.carrier,
		        service = EXCLUDED.service,
		        tracking_number = EXCLUDED.tracking_number,
		        tracking_url = EXCLUDED.tracking_url,
		        label_url = EXCLUDED.label_url,
		        external_shipment_id = EXCLUDED.external_shipment_id,
		        external_rate_id = EXCLUDED.external_rate_id,
		        shipping_cost = EXCLUDED.shipping_cost,
		        updated_at = EXCLUDED.updated_at
		 RETURNING `+shipmentColumns,
		s.ID, s.OrderID, string(s.Status), s.Carrier, s.Service, s.TrackingNumber, s.TrackingURL, s.LabelURL,
		s.ExternalShipmentID, s.ExternalRateID, s.ShippingCost, s.CreatedAt, s.UpdatedAt)
	saved, err := scanShipment(row)
	if err != nil {
		return domain.Shipment{}, WrapError("shipments.upsert", err)
	}
	return saved, nil
}

func scanShipment(row interface{ Scan(...any) error }) (domain.Shipment, error) {
	var (
		s      domain.Shipment
		status string
	)
	if err := row.Scan(&s.ID, &s.OrderID, &status, &s.Carrier, &s.Service, &s.TrackingNumber, &s.TrackingURL,
		&s.LabelURL, &s.ExternalShipmentID, &s.ExternalRateID, &s.ShippingCost, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Shipment{}, err
	}
	s.Status = domain.ShipmentStatus(status)
	return s, nil
}
