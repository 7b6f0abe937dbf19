package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
)

type catalogRepository struct {
	baseRepository
}

func (r *catalogRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	var (
		p          domain.Product
		categoryID pgtype.Text
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, name, sku, category_id, base_price, weight_grams, active
		   FROM products WHERE id = $1`, productID,
	).Scan(&p.ID, &p.Name, &p.SKU, &categoryID, &p.BasePrice, &p.WeightGrams, &p.Active)
	if err != nil {
		return domain.Product{}, WrapError("catalog.find_product", err)
	}
	p.CategoryID = categoryID.String
	return p, nil
}

func (r *catalogRepository) FindVariant(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	var (
		v      domain.ProductVariant
		weight pgtype.Int4
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, product_id, name, sku, price, weight_grams, active
		   FROM product_variants WHERE id = $1`, variantID,
	).Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.Price, &weight, &v.Active)
	if err != nil {
		return domain.ProductVariant{}, WrapError("catalog.find_variant", err)
	}
	if weight.Valid {
		grams := int(weight.Int32)
		v.WeightGrams = &grams
	}
	return v, nil
}

type priceListRepository struct {
	baseRepository
}

// FindActiveForUser returns the active price list of the user's organization, or nil.
func (r *priceListRepository) FindActiveForUser(ctx context.Context, userID string) (*domain.PriceList, error) {
	var (
		list    domain.PriceList
		percent decimal.NullDecimal
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT pl.id, pl.organization_id, pl.discount_percent, pl.is_active
		   FROM price_lists pl
		   JOIN users u ON u.organization_id = pl.organization_id
		  WHERE u.id = $1 AND pl.is_active
		  ORDER BY pl.id
		  LIMIT 1`, userID,
	).Scan(&list.ID, &list.OrganizationID, &percent, &list.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError("price_lists.find_active", err)
	}
	if percent.Valid {
		list.DiscountPercent = &percent.Decimal
	}

	rows, err := r.q(ctx).Query(ctx,
		`SELECT product_id, custom_price, discount_percent
		   FROM price_list_items WHERE price_list_id = $1`, list.ID)
	if err != nil {
		return nil, WrapError("price_lists.items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PriceListItem, error) {
		var (
			item        domain.PriceListItem
			customPrice pgtype.Int8
			itemPercent decimal.NullDecimal
		)
		if err := row.Scan(&item.ProductID, &customPrice, &itemPercent); err != nil {
			return domain.PriceListItem{}, err
		}
		if customPrice.Valid {
			price := customPrice.Int64
			item.CustomPrice = &price
		}
		if itemPercent.Valid {
			item.DiscountPercent = &itemPercent.Decimal
		}
		return item, nil
	})
	if err != nil {
		return nil, WrapError("price_lists.items", err)
	}
	list.Items = items
	return &list, nil
}
