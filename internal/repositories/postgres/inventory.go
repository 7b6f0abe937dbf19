package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

const defaultLowStockLimit = 100

type inventoryRepository struct {
	baseRepository
}

const inventoryColumns = `id, product_id, variant_id, quantity, reserved_quantity, low_stock_threshold, lead_time_days, updated_at`

// stockFilter selects the variant-level row when a variant is given, the product-level row otherwise.
const stockFilter = `((variant_id IS NULL AND $1::text IS NULL AND product_id = $2) OR (variant_id = $1::text))`

func (r *inventoryRepository) Find(ctx context.Context, productID string, variantID *string) (domain.InventoryRecord, error) {
	row := r.q(ctx).QueryRow(ctx,
		`SELECT `+inventoryColumns+` FROM inventory WHERE `+stockFilter,
		variantID, productID)
	record, err := scanInventory(row)
	if err != nil {
		return domain.InventoryRecord{}, WrapError("inventory.find", err)
	}
	return record, nil
}

// Reserve increments the reserved quantity only when stock covers it or the row is backorderable.
func (r *inventoryRepository) Reserve(ctx context.Context, line repositories.InventoryLine) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE inventory
		    SET reserved_quantity = reserved_quantity + $3, updated_at = now()
		  WHERE `+stockFilter+`
		    AND (lead_time_days IS NOT NULL OR quantity - reserved_quantity >= $3)`,
		line.VariantID, line.ProductID, line.Quantity)
	if err != nil {
		return WrapError("inventory.reserve", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.refusal(ctx, "inventory.reserve", repositories.InventoryErrorInsufficientStock, line)
}

// Release returns reserved units to availability.
func (r *inventoryRepository) Release(ctx context.Context, line repositories.InventoryLine) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE inventory
		    SET reserved_quantity = reserved_quantity - $3, updated_at = now()
		  WHERE `+stockFilter+`
		    AND reserved_quantity >= $3`,
		line.VariantID, line.ProductID, line.Quantity)
	if err != nil {
		return WrapError("inventory.release", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.refusal(ctx, "inventory.release", repositories.InventoryErrorReservationMismatch, line)
}

// Commit deducts shipped units from both on-hand and reserved quantities.
func (r *inventoryRepository) Commit(ctx context.Context, line repositories.InventoryLine) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE inventory
		    SET quantity = quantity - $3, reserved_quantity = reserved_quantity - $3, updated_at = now()
		  WHERE `+stockFilter+`
		    AND reserved_quantity >= $3`,
		line.VariantID, line.ProductID, line.Quantity)
	if err != nil {
		return WrapError("inventory.commit", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.refusal(ctx, "inventory.commit", repositories.InventoryErrorReservationMismatch, line)
}

func (r *inventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) ([]domain.InventoryRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLowStockLimit
	}
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+inventoryColumns+` FROM inventory
		  WHERE quantity - reserved_quantity <= low_stock_threshold
		  ORDER BY quantity - reserved_quantity, id
		  LIMIT $1`, limit)
	if err != nil {
		return nil, WrapError("inventory.list_low_stock", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryRecord, error) {
		return scanInventory(row)
	})
	if err != nil {
		return nil, WrapError("inventory.list_low_stock", err)
	}
	return records, nil
}

// refusal distinguishes a missing stock row from a row that could not cover the quantity.
func (r *inventoryRepository) refusal(ctx context.Context, op string, code repositories.InventoryErrorCode, line repositories.InventoryLine) error {
	record, err := r.Find(ctx, line.ProductID, line.VariantID)
	if err != nil {
		var repoErr *Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			invErr := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, line, "", nil)
			invErr.Op = op
			return invErr
		}
		return err
	}
	invErr := repositories.NewInventoryError(code, line, "", nil)
	invErr.Op = op
	invErr.Available = record.Available()
	return invErr
}

func scanInventory(row pgx.Row) (domain.InventoryRecord, error) {
	var (
		rec       domain.InventoryRecord
		variantID pgtype.Text
		leadTime  pgtype.Int4
	)
	if err := row.Scan(&rec.ID, &rec.ProductID, &variantID, &rec.Quantity, &rec.ReservedQuantity,
		&rec.LowStockThreshold, &leadTime, &rec.UpdatedAt); err != nil {
		return domain.InventoryRecord{}, err
	}
	if variantID.Valid {
		v := variantID.String
		rec.VariantID = &v
	}
	if leadTime.Valid {
		days := int(leadTime.Int32)
		rec.LeadTimeDays = &days
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
