package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

// DiscountEvaluatorDeps bundles the collaborators used to validate promo codes.
type DiscountEvaluatorDeps struct {
	Discounts repositories.DiscountRepository
	Orders    repositories.OrderRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type discountEvaluator struct {
	discounts repositories.DiscountRepository
	orders    repositories.OrderRepository
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewDiscountEvaluator constructs a DiscountEvaluator.
func NewDiscountEvaluator(deps DiscountEvaluatorDeps) (DiscountEvaluator, error) {
	if deps.Discounts == nil {
		return nil, errors.New("discount evaluator: discount repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("discount evaluator: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &discountEvaluator{
		discounts: deps.Discounts,
		orders:    deps.Orders,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// NormalizeDiscountCode returns the stored form of a promo code.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply validates code against the cart and returns the cart with the discount added on top of
// any volume discount already present. A blank code leaves the cart untouched.
func (e *discountEvaluator) Apply(ctx context.Context, cart domain.Cart, code string, identity *Identity) (domain.Cart, error) {
	code = NormalizeDiscountCode(code)
	if code == "" {
		return cart, nil
	}
	discount, err := e.discounts.FindByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return cart, &DiscountError{Code: code, Reason: DiscountNotFound}
		}
		return cart, mapRepositoryError(err, "discount", code)
	}

	if reason, err := e.validate(ctx, cart, discount, identity); err != nil {
		return cart, err
	} else if reason != "" {
		return cart, &DiscountError{Code: code, Reason: reason}
	}

	out := cart
	out.Items = append([]domain.PricedLine(nil), cart.Items...)
	switch discount.Type {
	case domain.DiscountTypeFreeShipping:
		out.EstimatedShipping = 0
		out.FreeShipping = true
	case domain.DiscountTypePercentage:
		amount := domain.ApplyPercent(cart.Subtotal, discount.Value)
		if discount.MaxDiscountAmount != nil && amount > *discount.MaxDiscountAmount {
			amount = *discount.MaxDiscountAmount
		}
		out.DiscountAmount += amount
	case domain.DiscountTypeFixedAmount:
		amount := discount.Value.Round(0).IntPart()
		if amount > cart.Subtotal {
			amount = cart.Subtotal
		}
		out.DiscountAmount += amount
	default:
		return cart, newValidationError("discountCode", "unsupported discount type "+string(discount.Type))
	}

	stored := discount.Code
	out.DiscountCode = &stored
	out.DiscountID = discount.ID
	out.Recalculate()
	return out, nil
}

// validate runs the checks in their fixed order and returns the first failing reason.
func (e *discountEvaluator) validate(ctx context.Context, cart domain.Cart, d domain.Discount, identity *Identity) (DiscountReason, error) {
	now := e.clock()
	if d.Status != domain.DiscountStatusActive {
		return DiscountInactive, nil
	}
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return DiscountNotStarted, nil
	}
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		if err := e.discounts.MarkInactive(ctx, d.ID, now); err != nil {
			e.logger(ctx, "discount.expire_failed", map[string]any{"discountId": d.ID, "error": err})
		}
		return DiscountExpired, nil
	}
	if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		return DiscountUsageLimitReached, nil
	}
	userID := identity.userID()
	if d.PerUserLimit != nil && userID != "" {
		used, err := e.orders.CountDiscountUsage(ctx, userID, d.Code)
		if err != nil {
			return "", mapRepositoryError(err, "discount usage", d.Code)
		}
		if used >= *d.PerUserLimit {
			return DiscountPerUserLimitReached, nil
		}
	}
	if d.MinOrderAmount != nil && cart.Subtotal < *d.MinOrderAmount {
		return DiscountMinimumNotMet, nil
	}
	if !restrictionsMatchCart(d.Restrictions, cart) {
		return DiscountNotApplicable, nil
	}
	for _, r := range d.Restrictions {
		if r.Kind == domain.RestrictionUsers && (userID == "" || !r.Contains(userID)) {
			return DiscountUserNotAllowed, nil
		}
	}
	return "", nil
}

// restrictionsMatchCart requires every product and category restriction to match at least one
// cart line.
func restrictionsMatchCart(restrictions []domain.DiscountRestriction, cart domain.Cart) bool {
	for _, r := range restrictions {
		var matched bool
		switch r.Kind {
		case domain.RestrictionProducts:
			for _, item := range cart.Items {
				if r.Contains(item.ProductID) {
					matched = true
					break
				}
			}
		case domain.RestrictionCategories:
			for _, item := range cart.Items {
				if item.CategoryID != "" && r.Contains(item.CategoryID) {
					matched = true
					break
				}
			}
		default:
			continue
		}
		if !matched {
			return false
		}
	}
	return true
}

// IncrementUsage bumps the usage counter once an order using the discount has committed.
func (e *discountEvaluator) IncrementUsage(ctx context.Context, discountID string) error {
	if strings.TrimSpace(discountID) == "" {
		return newValidationError("discountId", "is required")
	}
	if err := e.discounts.IncrementUsage(ctx, discountID); err != nil {
		return mapRepositoryError(err, "discount", discountID)
	}
	return nil
}

// ExpireStale deactivates every active discount past its expiry.
func (e *discountEvaluator) ExpireStale(ctx context.Context) (int, error) {
	count, err := e.discounts.ExpireStale(ctx, e.clock())
	if err != nil {
		return 0, mapRepositoryError(err, "discount", "")
	}
	e.logger(ctx, "discount.expire_sweep", map[string]any{"expired": count})
	return count, nil
}
