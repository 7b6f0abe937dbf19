// Package shipping talks to the carrier aggregator that quotes rates and sells labels.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/services"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	maxErrorBody      = 64 << 10
)

// Logger receives client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the carrier client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// From is the warehouse address printed on every label.
	From   domain.Address
	Logger Logger
	// RetryWaitMin overrides the first retry delay; tests shorten it.
	RetryWaitMin time.Duration
}

// Client quotes and buys labels through an EasyPost-style REST API: creating a shipment returns
// its rates, buying a rate returns the label.
type Client struct {
	baseURL string
	apiKey  string
	from    domain.Address
	quotes  *retryablehttp.Client
	buys    *retryablehttp.Client
	logger  Logger
}

var (
	_ services.RateQuoteProvider = (*Client)(nil)
	_ services.LabelProvider     = (*Client)(nil)
)

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("shipping: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("shipping: invalid base url: %w", err)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("shipping: api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	quotes := newHTTPClient(timeout, retries, cfg.RetryWaitMin)
	// A purchase whose response was lost may still have bought the label, so buys are never retried.
	buys := newHTTPClient(timeout, 0, cfg.RetryWaitMin)

	return &Client{
		baseURL: base,
		apiKey:  apiKey,
		from:    cfg.From,
		quotes:  quotes,
		buys:    buys,
		logger:  logger,
	}, nil
}

func newHTTPClient(timeout time.Duration, retries int, waitMin time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = timeout
	c.RetryMax = retries
	if waitMin > 0 {
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = 4 * waitMin
	}
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// Quote creates a carrier shipment for the parcel and returns its rates.
func (c *Client) Quote(ctx context.Context, destination domain.Address, parcel services.Parcel) (services.RateQuote, error) {
	body := shipmentRequest{Shipment: shipmentPayload{
		ToAddress:   toWireAddress(destination),
		FromAddress: toWireAddress(c.from),
		Parcel:      parcelPayload{Weight: parcel.WeightOz.InexactFloat64()},
	}}
	var resp shipmentResponse
	if err := c.do(ctx, c.quotes, http.MethodPost, "/shipments", body, &resp); err != nil {
		c.logger(ctx, "shipping.quote_failed", map[string]any{"error": err})
		return services.RateQuote{}, err
	}

	quote := services.RateQuote{ExternalShipmentID: resp.ID, Rates: make([]services.Rate, 0, len(resp.Rates))}
	for _, r := range resp.Rates {
		amount, err := toCents(r.Rate)
		if err != nil {
			c.logger(ctx, "shipping.rate_skipped", map[string]any{"rateId": r.ID, "rate": r.Rate, "error": err})
			continue
		}
		quote.Rates = append(quote.Rates, services.Rate{
			ID:            r.ID,
			Carrier:       r.Carrier,
			Service:       r.Service,
			Amount:        amount,
			Currency:      strings.ToUpper(r.Currency),
			EstimatedDays: r.DeliveryDays,
		})
	}
	c.logger(ctx, "shipping.quoted", map[string]any{"shipmentId": resp.ID, "rates": len(quote.Rates)})
	return quote, nil
}

// Purchase buys the label for a previously quoted rate.
func (c *Client) Purchase(ctx context.Context, purchase services.LabelPurchase) (services.Label, error) {
	shipmentID := strings.TrimSpace(purchase.ExternalShipmentID)
	rateID := strings.TrimSpace(purchase.RateID)
	if shipmentID == "" || rateID == "" {
		return services.Label{}, errors.New("shipping: shipment id and rate id are required")
	}

	var resp shipmentResponse
	path := "/shipments/" + url.PathEscape(shipmentID) + "/buy"
	if err := c.do(ctx, c.buys, http.MethodPost, path, buyRequest{Rate: rateRef{ID: rateID}}, &resp); err != nil {
		c.logger(ctx, "shipping.purchase_failed", map[string]any{"shipmentId": shipmentID, "rateId": rateID, "error": err})
		return services.Label{}, err
	}

	label := services.Label{
		Status:         resp.Status,
		TrackingNumber: resp.TrackingCode,
		Carrier:        resp.SelectedRate.Carrier,
		Service:        resp.SelectedRate.Service,
	}
	if resp.PostageLabel != nil {
		label.LabelURL = resp.PostageLabel.LabelURL
	}
	if resp.Tracker != nil {
		label.TrackingURL = resp.Tracker.PublicURL
	}
	if resp.SelectedRate.Rate != "" {
		amount, err := toCents(resp.SelectedRate.Rate)
		if err != nil {
			return services.Label{}, fmt.Errorf("shipping: label amount: %w", err)
		}
		label.Amount = amount
	}
	c.logger(ctx, "shipping.label_purchased", map[string]any{"shipmentId": shipmentID, "carrier": label.Carrier})
	return label, nil
}

func (c *Client) do(ctx context.Context, client *retryablehttp.Client, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("shipping: encode request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("shipping: build request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("shipping: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shipping: decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx carrier response. Message is the provider's own text.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = fmt.Sprintf("carrier returned status %d", resp.StatusCode)
	}
	return apiErr
}

// toCents parses a decimal dollar string such as "7.85" into cents.
func toCents(raw string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", raw)
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}
