// Package rules implements the staged rule evaluation engine of spec.md
// §4.4: S10 context normalization through S80 trace finalization, executed
// against an immutable (ruleset, catalog) snapshot pair with a replay
// contract guaranteeing byte-identical output for identical inputs.
package rules

import (
	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/pkg/money"
)

// LineInput is one requested quote line, the unit the pipeline prices.
type LineInput struct {
	LineID             string
	SKU                string
	Quantity           int64
	UnitPriceOverride  *money.Money
	RequestedDiscount  *decimal.Decimal // fraction, e.g. 0.10 for 10%
	Attributes         map[string]interface{}
}

// EvalContext is the S10 output: the normalized context every later stage
// evaluates conditions and formulas against.
type EvalContext struct {
	Account            string
	Segment            string
	Region             string
	Currency           string
	Term               string
	CatalogSnapshotID  string
	RulesetSnapshotID  string
	Lines              []LineInput
}

// ToMap flattens ctx plus one line into a plain map for jsonpath/gval
// evaluation against rule conditions. Each line is evaluated independently
// against the shared account-level context.
func (ctx EvalContext) ToMap(line LineInput) map[string]interface{} {
	m := map[string]interface{}{
		"account":  ctx.Account,
		"segment":  ctx.Segment,
		"region":   ctx.Region,
		"currency": ctx.Currency,
		"term":     ctx.Term,
		"sku":      line.SKU,
		"quantity": line.Quantity,
		"line_id":  line.LineID,
	}
	for k, v := range line.Attributes {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}
