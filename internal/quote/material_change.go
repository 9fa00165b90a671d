package quote

import (
	"bytes"
	"encoding/json"
)

// customLegalFieldsKey is the reserved attribute key carrying custom legal
// terms, §4.5's material-change predicate names these explicitly alongside
// product/quantity/price/discount/term/currency/billing-country.
const customLegalFieldsKey = "custom_legal_fields"

// materialChange implements the predicate of §4.5: any change to product
// set, quantity, unit price input, discount, term/currency/billing country,
// or custom legal fields invalidates outstanding approvals and, if the
// quote is past priced, returns it to draft.
func materialChange(before, after []Line, currencyChanged bool) bool {
	if currencyChanged {
		return true
	}
	if len(before) != len(after) {
		return true // product set (line count) changed
	}

	byID := make(map[string]Line, len(before))
	for _, l := range before {
		byID[l.LineID] = l
	}
	for _, next := range after {
		prev, ok := byID[next.LineID]
		if !ok {
			return true // new line added
		}
		if prev.SKU != next.SKU {
			return true
		}
		if prev.Quantity != next.Quantity {
			return true
		}
		if !strPtrEqual(prev.UnitPriceOverride, next.UnitPriceOverride) {
			return true
		}
		if !strPtrEqual(prev.RequestedDiscount, next.RequestedDiscount) {
			return true
		}
		if prev.BillingCountry != next.BillingCountry {
			return true
		}
		if prev.Term != next.Term {
			return true
		}
		if customLegalFieldChanged(prev.Attributes, next.Attributes) {
			return true
		}
		delete(byID, next.LineID)
	}
	if len(byID) > 0 {
		return true // a line was removed
	}
	return false
}

func strPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func customLegalFieldChanged(before, after json.RawMessage) bool {
	var b, a map[string]interface{}
	_ = json.Unmarshal(before, &b)
	_ = json.Unmarshal(after, &a)
	bRaw, _ := json.Marshal(b[customLegalFieldsKey])
	aRaw, _ := json.Marshal(a[customLegalFieldsKey])
	return !bytes.Equal(bRaw, aRaw)
}
