package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labvial/api/internal/platform/httpx"
	"github.com/labvial/api/internal/services"
)

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

// writeServiceError maps service failures onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		validation *services.ValidationError
		compliance *services.ComplianceError
		product    *services.InvalidProductError
		variant    *services.InvalidVariantError
		stock      *services.InsufficientStockError
		discount   *services.DiscountError
		method     *services.InvalidShippingMethodError
		label      *services.LabelCreationError
		notFound   *services.NotFoundError
	)

	switch {
	case errors.As(err, &validation):
		details := map[string]any{}
		if validation.Field != "" {
			details["field"] = validation.Field
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", validation.Error(), http.StatusBadRequest).WithDetails(details))
	case errors.As(err, &compliance):
		httpx.WriteError(ctx, w, httpx.NewError("compliance_required", compliance.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"missing": compliance.Missing}))
	case errors.As(err, &product):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product", product.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"productId": product.ProductID}))
	case errors.As(err, &variant):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_variant", variant.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"productId": variant.ProductID, "variantId": variant.VariantID}))
	case errors.As(err, &stock):
		details := map[string]any{
			"productId": stock.ProductID,
			"requested": stock.Requested,
			"available": stock.Available,
		}
		if stock.VariantID != nil {
			details["variantId"] = *stock.VariantID
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", stock.Error(), http.StatusConflict).WithDetails(details))
	case errors.As(err, &discount):
		httpx.WriteError(ctx, w, httpx.NewError("discount_rejected", discount.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"code": discount.Code, "reason": string(discount.Reason)}))
	case errors.As(err, &method):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_shipping_method", method.Error(), http.StatusBadRequest))
	case errors.As(err, &label):
		httpx.WriteError(ctx, w, httpx.NewError("label_creation_failed", "carrier rejected the label purchase", http.StatusBadGateway).
			WithDetails(map[string]any{"providerMessage": label.ProviderMessage}))
	case errors.As(err, &notFound):
		httpx.WriteError(ctx, w, httpx.NewError(notFound.Resource+"_not_found", notFound.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrNoPaymentFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrAlreadyVerified):
		httpx.WriteError(ctx, w, httpx.NewError("payment_already_verified", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNumberCollision):
		httpx.WriteError(ctx, w, httpx.NewError("order_number_collision", "order could not be created, please retry", http.StatusConflict))
	case errors.Is(err, services.ErrNoShippingRates):
		httpx.WriteError(ctx, w, httpx.NewError("no_shipping_rates", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "a dependency is temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
