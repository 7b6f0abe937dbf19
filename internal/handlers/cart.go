package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/labvial/api/internal/platform/auth"
	"github.com/labvial/api/internal/platform/httpx"
	"github.com/labvial/api/internal/services"
)

const maxCartBodySize = 32 * 1024

// CartHandlers price carts for the storefront without persisting anything.
type CartHandlers struct {
	authn     *auth.Authenticator
	pricing   services.PricingEngine
	discounts services.DiscountEvaluator
}

// NewCartHandlers constructs cart handlers. Callers may be anonymous.
func NewCartHandlers(authn *auth.Authenticator, pricing services.PricingEngine, discounts services.DiscountEvaluator) *CartHandlers {
	return &CartHandlers{authn: authn, pricing: pricing, discounts: discounts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalAuth)
	}
	r.Post("/validate", h.validateCart)
	r.Post("/discount", h.applyDiscount)
}

type cartRequest struct {
	Items []cartLineRequest `json:"items"`
	Code  string            `json:"code,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

func (h *CartHandlers) validateCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartRequest
	if err := decodeBody(r, maxCartBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	lines, err := toCartLines(req.Items)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	cart, err := h.pricing.Price(ctx, lines, serviceIdentity(identity))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) applyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil || h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartRequest
	if err := decodeBody(r, maxCartBodySize, false, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}
	lines, err := toCartLines(req.Items)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	authIdentity, _ := auth.IdentityFromContext(ctx)
	identity := serviceIdentity(authIdentity)
	cart, err := h.pricing.Price(ctx, lines, identity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	cart, err = h.discounts.Apply(ctx, cart, code, identity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}
