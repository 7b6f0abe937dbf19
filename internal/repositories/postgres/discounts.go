package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
)

type discountRepository struct {
	baseRepository
}

type restrictionRecord struct {
	Kind string   `json:"kind"`
	IDs  []string `json:"ids"`
}

func (r *discountRepository) FindByCode(ctx context.Context, code string) (domain.Discount, error) {
	var (
		d            domain.Discount
		typ, status  string
		minOrder     pgtype.Int8
		maxDiscount  pgtype.Int8
		usageLimit   pgtype.Int4
		perUserLimit pgtype.Int4
		startsAt     pgtype.Timestamptz
		expiresAt    pgtype.Timestamptz
		restrictions []byte
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, code, type, value, min_order_amount, max_discount_amount, usage_limit,
		        per_user_limit, usage_count, starts_at, expires_at, status, restrictions,
		        created_at, updated_at
		   FROM discounts WHERE upper(code) = upper($1)`, strings.TrimSpace(code),
	).Scan(&d.ID, &d.Code, &typ, &d.Value, &minOrder, &maxDiscount, &usageLimit,
		&perUserLimit, &d.UsageCount, &startsAt, &expiresAt, &status, &restrictions,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return domain.Discount{}, WrapError("discounts.find_by_code", err)
	}

	d.Code = strings.ToUpper(d.Code)
	d.Type = domain.DiscountType(typ)
	d.Status = domain.DiscountStatus(status)
	if minOrder.Valid {
		v := minOrder.Int64
		d.MinOrderAmount = &v
	}
	if maxDiscount.Valid {
		v := maxDiscount.Int64
		d.MaxDiscountAmount = &v
	}
	if usageLimit.Valid {
		v := int(usageLimit.Int32)
		d.UsageLimit = &v
	}
	if perUserLimit.Valid {
		v := int(perUserLimit.Int32)
		d.PerUserLimit = &v
	}
	d.StartsAt = timePtr(startsAt)
	d.ExpiresAt = timePtr(expiresAt)

	parsed, err := decodeRestrictions(restrictions)
	if err != nil {
		return domain.Discount{}, WrapError("discounts.find_by_code", err)
	}
	d.Restrictions = parsed
	return d, nil
}

// MarkInactive writes through the pool, never the transaction on ctx, so a checkout that fails
// on the expired code does not roll the flip back.
func (r *discountRepository) MarkInactive(ctx context.Context, discountID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE discounts SET status = 'INACTIVE', updated_at = $2 WHERE id = $1 AND status = 'ACTIVE'`,
		discountID, at)
	return WrapError("discounts.mark_inactive", err)
}

func (r *discountRepository) IncrementUsage(ctx context.Context, discountID string) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE discounts SET usage_count = usage_count + 1, updated_at = now() WHERE id = $1`, discountID)
	if err != nil {
		return WrapError("discounts.increment_usage", err)
	}
	if tag.RowsAffected() == 0 {
		return WrapError("discounts.increment_usage", fmt.Errorf("discount %s: %w", discountID, errNoRowsAffected))
	}
	return nil
}

func (r *discountRepository) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE discounts SET status = 'INACTIVE', updated_at = $1
		  WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, WrapError("discounts.expire_stale", err)
	}
	return int(tag.RowsAffected()), nil
}

func decodeRestrictions(raw []byte) ([]domain.DiscountRestriction, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []restrictionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode restrictions: %w", err)
	}
	out := make([]domain.DiscountRestriction, 0, len(records))
	for _, rec := range records {
		kind := domain.RestrictionKind(strings.ToLower(strings.TrimSpace(rec.Kind)))
		switch kind {
		case domain.RestrictionProducts, domain.RestrictionCategories, domain.RestrictionUsers:
		default:
			return nil, fmt.Errorf("decode restrictions: unknown kind %q", rec.Kind)
		}
		if len(rec.IDs) == 0 {
			continue
		}
		out = append(out, domain.DiscountRestriction{Kind: kind, IDs: rec.IDs})
	}
	return out, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
