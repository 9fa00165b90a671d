package quote

import "testing"

func line(id, sku string, qty int64) Line {
	return Line{LineID: id, SKU: sku, Quantity: qty}
}

func TestMaterialChangeDetectsQuantityChange(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1)}
	after := []Line{line("l1", "SKU-A", 2)}
	if !materialChange(before, after, false) {
		t.Fatal("expected quantity change to be material")
	}
}

func TestMaterialChangeDetectsLineAdded(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1)}
	after := []Line{line("l1", "SKU-A", 1), line("l2", "SKU-B", 1)}
	if !materialChange(before, after, false) {
		t.Fatal("expected added line to be material")
	}
}

func TestMaterialChangeDetectsLineRemoved(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1), line("l2", "SKU-B", 1)}
	after := []Line{line("l1", "SKU-A", 1)}
	if !materialChange(before, after, false) {
		t.Fatal("expected removed line to be material")
	}
}

func TestMaterialChangeDetectsCurrencyChange(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1)}
	after := []Line{line("l1", "SKU-A", 1)}
	if !materialChange(before, after, true) {
		t.Fatal("expected currency change to be material")
	}
}

func TestMaterialChangeDetectsUnitPriceOverrideChange(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1)}
	override := "99.00"
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, UnitPriceOverride: &override}}
	if !materialChange(before, after, false) {
		t.Fatal("expected unit price override to be material")
	}
}

func TestMaterialChangeDetectsRequestedDiscountChange(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 1)}
	discount := "0.10"
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, RequestedDiscount: &discount}}
	if !materialChange(before, after, false) {
		t.Fatal("expected requested discount to be material")
	}
}

func TestMaterialChangeDetectsBillingCountryChange(t *testing.T) {
	before := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, BillingCountry: "US"}}
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, BillingCountry: "CA"}}
	if !materialChange(before, after, false) {
		t.Fatal("expected billing country change to be material")
	}
}

func TestMaterialChangeDetectsTermChange(t *testing.T) {
	before := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Term: "annual"}}
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Term: "monthly"}}
	if !materialChange(before, after, false) {
		t.Fatal("expected term change to be material")
	}
}

func TestMaterialChangeDetectsCustomLegalFieldChange(t *testing.T) {
	before := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Attributes: []byte(`{"custom_legal_fields":{"cap":"10k"}}`)}}
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Attributes: []byte(`{"custom_legal_fields":{"cap":"20k"}}`)}}
	if !materialChange(before, after, false) {
		t.Fatal("expected custom legal field change to be material")
	}
}

func TestMaterialChangeIgnoresUnrelatedAttributeChange(t *testing.T) {
	before := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Attributes: []byte(`{"note":"a"}`)}}
	after := []Line{{LineID: "l1", SKU: "SKU-A", Quantity: 1, Attributes: []byte(`{"note":"b"}`)}}
	if materialChange(before, after, false) {
		t.Fatal("expected unrelated attribute change to be non-material")
	}
}

func TestMaterialChangeFalseWhenNothingChanged(t *testing.T) {
	before := []Line{line("l1", "SKU-A", 2)}
	after := []Line{line("l1", "SKU-A", 2)}
	if materialChange(before, after, false) {
		t.Fatal("expected no change to be non-material")
	}
}
