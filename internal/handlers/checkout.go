package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/platform/auth"
	"github.com/labvial/api/internal/platform/httpx"
	"github.com/labvial/api/internal/platform/requestctx"
	"github.com/labvial/api/internal/services"
)

const maxCheckoutBodySize = 64 * 1024

// CheckoutHandlers serve guest and member checkout.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers. A bearer token is optional.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, checkout: checkout}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalAuth)
	}
	r.Post("/init", h.initCheckout)
	r.Post("/orders", h.createOrder)
}

type initCheckoutRequest struct {
	Items        []cartLineRequest `json:"items"`
	DiscountCode string            `json:"discountCode,omitempty"`
}

type initCheckoutResponse struct {
	Cart            cartPayload             `json:"cart"`
	ShippingOptions []shippingOptionPayload `json:"shippingOptions"`
}

func (h *CheckoutHandlers) initCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req initCheckoutRequest
	if err := decodeBody(r, maxCheckoutBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	lines, err := toCartLines(req.Items)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	preview, err := h.checkout.InitCheckout(ctx, services.InitCheckoutCommand{
		Lines:        lines,
		DiscountCode: strings.TrimSpace(req.DiscountCode),
		Identity:     serviceIdentity(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, initCheckoutResponse{
		Cart:            buildCartPayload(preview.Cart),
		ShippingOptions: buildShippingOptions(preview.ShippingOptions),
	})
}

type complianceRequest struct {
	ResearchUseOnly        bool `json:"researchUseOnly"`
	NotForHumanConsumption bool `json:"notForHumanConsumption"`
	AgeVerified            bool `json:"ageVerified"`
	TermsAccepted          bool `json:"termsAccepted"`
	LiabilityAccepted      bool `json:"liabilityAccepted"`
}

type createOrderRequest struct {
	Items            []cartLineRequest `json:"items"`
	ShippingAddress  *addressRequest   `json:"shippingAddress"`
	BillingAddress   *addressRequest   `json:"billingAddress,omitempty"`
	ShippingMethodID string            `json:"shippingMethod"`
	PaymentMethod    string            `json:"paymentMethod"`
	Compliance       complianceRequest `json:"compliance"`
	DiscountCode     string            `json:"discountCode,omitempty"`
	Email            string            `json:"email,omitempty"`
	Name             string            `json:"name,omitempty"`
	Notes            string            `json:"notes,omitempty"`
}

type createOrderResponse struct {
	Order        orderPayload    `json:"order"`
	Payment      *paymentPayload `json:"payment,omitempty"`
	PaymentError string          `json:"paymentError,omitempty"`
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if err := decodeBody(r, maxCheckoutBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	lines, err := toCartLines(req.Items)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if req.ShippingAddress == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shippingAddress is required", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		Lines:            lines,
		ShippingAddress:  req.ShippingAddress.toDomain(),
		ShippingMethodID: strings.TrimSpace(req.ShippingMethodID),
		PaymentMethod:    domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Compliance: services.ComplianceInput{
			ResearchUseOnly:        req.Compliance.ResearchUseOnly,
			NotForHumanConsumption: req.Compliance.NotForHumanConsumption,
			AgeVerified:            req.Compliance.AgeVerified,
			TermsAccepted:          req.Compliance.TermsAccepted,
			LiabilityAccepted:      req.Compliance.LiabilityAccepted,
		},
		DiscountCode: strings.TrimSpace(req.DiscountCode),
		Email:        strings.TrimSpace(req.Email),
		Name:         strings.TrimSpace(req.Name),
		Notes:        req.Notes,
		RequestID:    middleware.GetReqID(ctx),
	}
	if req.BillingAddress != nil {
		billing := req.BillingAddress.toDomain()
		cmd.BillingAddress = &billing
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.Identity = serviceIdentity(identity)
	}
	client := requestctx.Client(ctx)
	cmd.IPAddress = client.IPAddress
	cmd.UserAgent = client.UserAgent
	if cmd.UserAgent == "" {
		cmd.UserAgent = r.UserAgent()
	}

	result, err := h.checkout.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createOrderResponse{
		Order:        buildOrderPayload(result.Order),
		Payment:      buildPaymentPayload(result.Payment),
		PaymentError: result.PaymentError,
	})
}
