package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/services"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:      server.URL + "/",
		APIKey:       "ek_test",
		MaxRetries:   2,
		RetryWaitMin: time.Millisecond,
		From:         domain.Address{Name: "Labvial Warehouse", Line1: "1 Dock Rd", City: "Reno", State: "NV", PostalCode: "89502", Country: "US"},
	})
	require.NoError(t, err)
	return client
}

func destination() domain.Address {
	return domain.Address{Name: "Dana Reyes", Line1: "100 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}
}

func TestQuote(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/shipments", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ek_test", user)

		var body shipmentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "78701", body.Shipment.ToAddress.Zip)
		assert.Equal(t, "Reno", body.Shipment.FromAddress.City)
		assert.InDelta(t, 4.6, body.Shipment.Parcel.Weight, 0.0001)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "shp_1",
			"rates": [
				{"id": "rate_a", "carrier": "USPS", "service": "Priority", "rate": "9.35", "currency": "usd", "delivery_days": 2},
				{"id": "rate_b", "carrier": "UPS", "service": "Ground", "rate": "7.005", "currency": "USD"},
				{"id": "rate_c", "carrier": "FedEx", "service": "Home", "rate": "n/a", "currency": "USD"}
			]
		}`))
	})

	parcel := services.Parcel{Units: 3, WeightOz: decimal.RequireFromString("4.6")}
	quote, err := client.Quote(context.Background(), destination(), parcel)
	require.NoError(t, err)

	assert.Equal(t, "shp_1", quote.ExternalShipmentID)
	require.Len(t, quote.Rates, 2, "unparseable rates are skipped")
	assert.Equal(t, services.Rate{ID: "rate_a", Carrier: "USPS", Service: "Priority", Amount: 935, Currency: "USD", EstimatedDays: quote.Rates[0].EstimatedDays}, quote.Rates[0])
	require.NotNil(t, quote.Rates[0].EstimatedDays)
	assert.Equal(t, 2, *quote.Rates[0].EstimatedDays)
	assert.Equal(t, int64(701), quote.Rates[1].Amount)
}

func TestQuoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id": "shp_2", "rates": []}`))
	})

	quote, err := client.Quote(context.Background(), destination(), services.Parcel{WeightOz: decimal.RequireFromString("3.6")})
	require.NoError(t, err)
	assert.Equal(t, "shp_2", quote.ExternalShipmentID)
	assert.Empty(t, quote.Rates)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuoteClientError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": {"code": "ADDRESS.VERIFY.FAILURE", "message": "Unable to verify address."}}`))
	})

	_, err := client.Quote(context.Background(), destination(), services.Parcel{WeightOz: decimal.RequireFromString("3.6")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "Unable to verify address.", apiErr.Message)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestPurchase(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shipments/shp_1/buy", r.URL.Path)
		var body buyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rate_b", body.Rate.ID)

		_, _ = w.Write([]byte(`{
			"id": "shp_1",
			"status": "purchased",
			"tracking_code": "1Z999",
			"selected_rate": {"id": "rate_b", "carrier": "UPS", "service": "Ground", "rate": "7.00"},
			"postage_label": {"label_url": "https://labels.test/1Z999.png"},
			"tracker": {"public_url": "https://track.test/1Z999"}
		}`))
	})

	label, err := client.Purchase(context.Background(), services.LabelPurchase{RateID: "rate_b", ExternalShipmentID: "shp_1"})
	require.NoError(t, err)
	assert.Equal(t, services.Label{
		Status:         "purchased",
		TrackingNumber: "1Z999",
		TrackingURL:    "https://track.test/1Z999",
		LabelURL:       "https://labels.test/1Z999.png",
		Carrier:        "UPS",
		Service:        "Ground",
		Amount:         700,
	}, label)
}

func TestPurchaseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": "SHIPMENT.POSTAGE.FAILURE", "message": "Carrier is unavailable."}}`))
	})

	_, err := client.Purchase(context.Background(), services.LabelPurchase{RateID: "rate_b", ExternalShipmentID: "shp_1"})
	require.Error(t, err)
	assert.Equal(t, "Carrier is unavailable. (SHIPMENT.POSTAGE.FAILURE)", err.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestPurchaseRequiresIdentifiers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	_, err := client.Purchase(context.Background(), services.LabelPurchase{RateID: "rate_b"})
	require.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "https://carrier.test"})
	require.Error(t, err)
}

func TestToCents(t *testing.T) {
	cases := map[string]int64{"0": 0, "7.5": 750, "12.345": 1235, " 1.00 ": 100}
	for raw, want := range cases {
		got, err := toCents(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := toCents("-1")
	require.Error(t, err)
}
