package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labvial/api/internal/repositories"
)

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing order, product or discount.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a concurrent modification or duplicate.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable marks a transient dependency outage.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrCompliance marks missing checkout attestations.
	ErrCompliance = errors.New("compliance acknowledgment incomplete")
	// ErrInvalidProduct marks an unknown or inactive product.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrInvalidVariant marks an unknown, foreign or inactive variant.
	ErrInvalidVariant = errors.New("invalid variant")
	// ErrInsufficientStock marks a quantity stock cannot cover.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDiscount marks a rejected promo code.
	ErrDiscount = errors.New("discount rejected")
	// ErrInvalidShippingMethod marks an unknown shipping method id.
	ErrInvalidShippingMethod = errors.New("invalid shipping method")
	// ErrNoPaymentFound marks an order without payments.
	ErrNoPaymentFound = errors.New("no payment found")
	// ErrAlreadyVerified marks a payment approved twice.
	ErrAlreadyVerified = errors.New("payment already verified")
	// ErrLabelCreation marks a carrier label failure.
	ErrLabelCreation = errors.New("label creation failed")
	// ErrInvalidTransition marks a disallowed order status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOrderNumberCollision marks a generated order number that already exists. It is never retried.
	ErrOrderNumberCollision = errors.New("order number collision")
)

// ValidationError describes bad request input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ComplianceError lists every attestation the customer did not give.
type ComplianceError struct {
	Missing []string
}

func (e *ComplianceError) Error() string {
	return "missing compliance acknowledgments: " + strings.Join(e.Missing, ", ")
}

func (e *ComplianceError) Is(target error) bool { return target == ErrCompliance }

// InvalidProductError reports a product that cannot be sold.
type InvalidProductError struct {
	ProductID string
	Reason    string
}

func (e *InvalidProductError) Error() string {
	return fmt.Sprintf("product %s %s", e.ProductID, e.Reason)
}

func (e *InvalidProductError) Is(target error) bool { return target == ErrInvalidProduct }

// InvalidVariantError reports a variant that cannot be sold with its product.
type InvalidVariantError struct {
	ProductID string
	VariantID string
	Reason    string
}

func (e *InvalidVariantError) Error() string {
	return fmt.Sprintf("variant %s of product %s %s", e.VariantID, e.ProductID, e.Reason)
}

func (e *InvalidVariantError) Is(target error) bool { return target == ErrInvalidVariant }

// InsufficientStockError reports a line stock cannot cover.
type InsufficientStockError struct {
	ProductID string
	VariantID *string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	item := e.ProductID
	if e.VariantID != nil {
		item += "/" + *e.VariantID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", item, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// DiscountReason identifies why a promo code was rejected.
type DiscountReason string

const (
	DiscountNotFound            DiscountReason = "not_found"
	DiscountInactive            DiscountReason = "inactive"
	DiscountNotStarted          DiscountReason = "not_started"
	DiscountExpired             DiscountReason = "expired"
	DiscountUsageLimitReached   DiscountReason = "usage_limit_reached"
	DiscountPerUserLimitReached DiscountReason = "per_user_limit_reached"
	DiscountMinimumNotMet       DiscountReason = "minimum_not_met"
	DiscountNotApplicable       DiscountReason = "not_applicable"
	DiscountUserNotAllowed      DiscountReason = "user_not_allowed"
)

var discountMessages = map[DiscountReason]string{
	DiscountNotFound:            "discount code not found",
	DiscountInactive:            "discount code is no longer active",
	DiscountNotStarted:          "discount code is not active yet",
	DiscountExpired:             "discount code has expired",
	DiscountUsageLimitReached:   "discount code usage limit reached",
	DiscountPerUserLimitReached: "discount code already used the maximum number of times",
	DiscountMinimumNotMet:       "order does not meet the discount minimum",
	DiscountNotApplicable:       "discount does not apply to items in the cart",
	DiscountUserNotAllowed:      "discount is not available for this account",
}

// DiscountError reports a rejected promo code.
type DiscountError struct {
	Code   string
	Reason DiscountReason
}

func (e *DiscountError) Error() string {
	if msg, ok := discountMessages[e.Reason]; ok {
		return msg
	}
	return string(e.Reason)
}

func (e *DiscountError) Is(target error) bool { return target == ErrDiscount }

// InvalidShippingMethodError reports an unknown shipping method.
type InvalidShippingMethodError struct {
	MethodID string
}

func (e *InvalidShippingMethodError) Error() string {
	return fmt.Sprintf("shipping method %q is not available", e.MethodID)
}

func (e *InvalidShippingMethodError) Is(target error) bool { return target == ErrInvalidShippingMethod }

// NoPaymentFoundError reports an order without any payment.
type NoPaymentFoundError struct {
	OrderID string
}

func (e *NoPaymentFoundError) Error() string {
	return fmt.Sprintf("order %s has no payment", e.OrderID)
}

func (e *NoPaymentFoundError) Is(target error) bool { return target == ErrNoPaymentFound }

// AlreadyVerifiedError reports a second approval of a completed payment.
type AlreadyVerifiedError struct {
	OrderID   string
	PaymentID string
}

func (e *AlreadyVerifiedError) Error() string {
	return fmt.Sprintf("payment %s of order %s is already verified", e.PaymentID, e.OrderID)
}

func (e *AlreadyVerifiedError) Is(target error) bool { return target == ErrAlreadyVerified }

// LabelCreationError carries the carrier's message for a failed label purchase.
type LabelCreationError struct {
	OrderID         string
	ProviderMessage string
	Err             error
}

func (e *LabelCreationError) Error() string {
	return fmt.Sprintf("label creation failed for order %s: %s", e.OrderID, e.ProviderMessage)
}

func (e *LabelCreationError) Unwrap() error { return e.Err }

func (e *LabelCreationError) Is(target error) bool { return target == ErrLabelCreation }

// NotFoundError reports a missing entity by id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// mapRepositoryError translates repository failures into service errors.
func mapRepositoryError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return &NotFoundError{Resource: resource, ID: id}
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s %s: %v", ErrConflict, resource, id, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
