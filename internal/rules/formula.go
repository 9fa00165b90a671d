package rules

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
)

// evalFormula runs src as a JavaScript expression in a fresh, isolated goja
// runtime (one per call, matching the teacher's per-request vm := goja.New()
// pattern so evaluation of one rule can never leak state into another) with
// the line's numeric context injected, and returns the resulting multiplier
// or delta as a decimal. The expression must evaluate to a number.
func evalFormula(src string, vars map[string]interface{}) (decimal.Decimal, error) {
	vm := goja.New()
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return decimal.Zero, fmt.Errorf("rules: binding formula variable %s: %w", k, err)
		}
	}
	val, err := vm.RunString(src)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rules: evaluating formula %q: %w", src, err)
	}
	f := val.ToFloat()
	d := decimal.NewFromFloat(f)
	return d, nil
}
