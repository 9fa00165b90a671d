package command

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/pkg/money"
)

// editLinePayload is the wire shape for edit_line's payload; amounts travel
// as plain decimal strings and are parsed into money.Money/decimal.Decimal
// only once the target quote's currency is known (EditLine itself carries
// the currency context via the existing quote), so currency is supplied by
// the caller here explicitly.
type editLinePayload struct {
	LineID            string                 `json:"line_id"`
	SKU               string                 `json:"sku"`
	Quantity          int64                  `json:"quantity"`
	Currency          string                 `json:"currency"`
	UnitPriceOverride *string                `json:"unit_price_override"`
	RequestedDiscount *string                `json:"requested_discount"`
	Attributes        map[string]interface{} `json:"attributes"`
	BillingCountry    string                 `json:"billing_country"`
	Term              string                 `json:"term"`
	CustomLegalFields map[string]interface{} `json:"custom_legal_fields"`
}

func (p editLinePayload) toLineEdit() (quote.LineEdit, error) {
	edit := quote.LineEdit{
		LineID: p.LineID, SKU: p.SKU, Quantity: p.Quantity,
		Attributes: p.Attributes, BillingCountry: p.BillingCountry, Term: p.Term,
		CustomLegalFields: p.CustomLegalFields,
	}
	if p.UnitPriceOverride != nil {
		if p.Currency == "" {
			return quote.LineEdit{}, fmt.Errorf("unit_price_override requires currency")
		}
		m, err := money.New(*p.UnitPriceOverride, p.Currency)
		if err != nil {
			return quote.LineEdit{}, err
		}
		edit.UnitPriceOverride = &m
	}
	if p.RequestedDiscount != nil {
		d, err := decimal.NewFromString(*p.RequestedDiscount)
		if err != nil {
			return quote.LineEdit{}, err
		}
		edit.RequestedDiscount = &d
	}
	return edit, nil
}
