package shipping

import (
	domain "github.com/labvial/api/internal/domain"
)

type wireAddress struct {
	Name    string `json:"name,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

func toWireAddress(a domain.Address) wireAddress {
	return wireAddress{
		Name:    a.Name,
		Street1: a.Line1,
		Street2: a.Line2,
		City:    a.City,
		State:   a.State,
		Zip:     a.PostalCode,
		Country: a.Country,
		Phone:   a.Phone,
		Email:   a.Email,
	}
}

// parcelPayload weight is in ounces.
type parcelPayload struct {
	Weight float64 `json:"weight"`
}

type shipmentPayload struct {
	ToAddress   wireAddress   `json:"to_address"`
	FromAddress wireAddress   `json:"from_address"`
	Parcel      parcelPayload `json:"parcel"`
}

type shipmentRequest struct {
	Shipment shipmentPayload `json:"shipment"`
}

type rateRef struct {
	ID string `json:"id"`
}

type buyRequest struct {
	Rate rateRef `json:"rate"`
}

type wireRate struct {
	ID           string `json:"id"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	Rate         string `json:"rate"`
	Currency     string `json:"currency"`
	DeliveryDays *int   `json:"delivery_days"`
}

type shipmentResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	TrackingCode string     `json:"tracking_code"`
	Rates        []wireRate `json:"rates"`
	SelectedRate wireRate   `json:"selected_rate"`
	PostageLabel *struct {
		LabelURL string `json:"label_url"`
	} `json:"postage_label"`
	Tracker *struct {
		PublicURL string `json:"public_url"`
	} `json:"tracker"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
