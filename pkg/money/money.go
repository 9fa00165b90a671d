// Package money implements fixed-scale decimal arithmetic for monetary
// values, currency-tagged so that cross-currency operations fail loudly
// instead of silently producing nonsense totals.
//
// Floating point never appears on a money path. All arithmetic goes through
// github.com/shopspring/decimal, and rounding is half-even (banker's
// rounding) unless a caller explicitly asks for something else.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundingMode controls how a Money value is rounded to its currency's scale.
type RoundingMode int

const (
	// RoundHalfEven is the default rounding policy: ties round to the
	// nearest even digit. This is the policy constant referenced by §4.1;
	// changing it is a deliberate, reviewed decision, not a per-call knob.
	RoundHalfEven RoundingMode = iota
	RoundHalfUp
	RoundDown
)

var (
	// ErrArithmeticOverflow indicates a money operation would lose precision
	// beyond what the currency's scale can represent.
	ErrArithmeticOverflow = errors.New("money: arithmetic overflow")
	// ErrCurrencyMismatch indicates an operation was attempted between two
	// Money values carrying different currency tags.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrScaleViolation indicates a currency scale outside the supported
	// 0-8 range, or a value that cannot be represented at the requested scale.
	ErrScaleViolation = errors.New("money: scale violation")
)

// currencyScales holds the canonical minor-unit scale for ISO-4217 codes
// this system prices in. Unknown currencies default to scale 2 via
// DefaultScaleForCurrency, but pinning the common ones here keeps totals
// deterministic without a runtime currency-metadata lookup.
var currencyScales = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"JPY": 0,
	"BHD": 3,
	"KWD": 3,
}

// DefaultScaleForCurrency returns the canonical scale for a currency code,
// falling back to 2 (the ISO-4217 default minor-unit count) when unknown.
func DefaultScaleForCurrency(currency string) int32 {
	if scale, ok := currencyScales[currency]; ok {
		return scale
	}
	return 2
}

const maxScale = 8

// Money is a fixed-scale, currency-tagged decimal amount.
type Money struct {
	amount   decimal.Decimal
	currency string
	scale    int32
}

// New constructs a Money value from a decimal string, rounding to the
// currency's canonical scale with half-even rounding.
func New(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse amount %q: %w", amount, err)
	}
	return NewFromDecimal(d, currency)
}

// NewFromDecimal constructs a Money value from a decimal.Decimal, rounding
// to the currency's canonical scale.
func NewFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	if currency == "" {
		return Money{}, fmt.Errorf("%w: empty currency", ErrScaleViolation)
	}
	scale := DefaultScaleForCurrency(currency)
	return newScaled(d, currency, scale)
}

// NewWithScale constructs a Money value pinned to an explicit scale,
// overriding the currency default. Used for intermediate computations (e.g.
// per-unit prices carried at higher precision than the final total).
func NewWithScale(amount string, currency string, scale int32) (Money, error) {
	if scale < 0 || scale > maxScale {
		return Money{}, fmt.Errorf("%w: scale %d out of range [0,%d]", ErrScaleViolation, scale, maxScale)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse amount %q: %w", amount, err)
	}
	return newScaled(d, currency, scale)
}

// Zero returns the zero value for a currency at its canonical scale.
func Zero(currency string) Money {
	m, _ := NewFromDecimal(decimal.Zero, currency)
	return m
}

func newScaled(d decimal.Decimal, currency string, scale int32) (Money, error) {
	if currency == "" {
		return Money{}, fmt.Errorf("%w: empty currency", ErrScaleViolation)
	}
	if scale < 0 || scale > maxScale {
		return Money{}, fmt.Errorf("%w: scale %d out of range [0,%d]", ErrScaleViolation, scale, maxScale)
	}
	rounded := round(d, scale, RoundHalfEven)
	return Money{amount: rounded, currency: currency, scale: scale}, nil
}

// Currency returns the ISO-4217 currency code.
func (m Money) Currency() string { return m.currency }

// Scale returns the decimal scale this value is fixed to.
func (m Money) Scale() int32 { return m.scale }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// Sign returns -1, 0, or 1.
func (m Money) Sign() int { return m.amount.Sign() }

// String renders the amount at its fixed scale, e.g. "125.00".
func (m Money) String() string {
	return m.amount.StringFixed(m.scale)
}

// Decimal returns the underlying decimal.Decimal value.
func (m Money) Decimal() decimal.Decimal { return m.amount }

func (m Money) checkCompatible(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

// Add returns m+other. Fails if currencies differ.
func (m Money) Add(other Money) (Money, error) {
	if err := m.checkCompatible(other); err != nil {
		return Money{}, err
	}
	scale := maxOf(m.scale, other.scale)
	sum := m.amount.Add(other.amount)
	return newScaled(sum, m.currency, scale)
}

// Sub returns m-other. Fails if currencies differ.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.checkCompatible(other); err != nil {
		return Money{}, err
	}
	scale := maxOf(m.scale, other.scale)
	diff := m.amount.Sub(other.amount)
	return newScaled(diff, m.currency, scale)
}

// MulScalar returns m*factor, rounded to m's scale.
func (m Money) MulScalar(factor decimal.Decimal) (Money, error) {
	product := m.amount.Mul(factor)
	if product.Exponent() < -maxScale {
		return Money{}, fmt.Errorf("%w: product exponent %d", ErrArithmeticOverflow, product.Exponent())
	}
	return newScaled(product, m.currency, m.scale)
}

// DivScalar returns m/divisor using the given rounding mode, rounded to m's
// scale. Division by zero fails with ErrArithmeticOverflow.
func (m Money) DivScalar(divisor decimal.Decimal, mode RoundingMode) (Money, error) {
	if divisor.IsZero() {
		return Money{}, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	quotient := m.amount.DivRound(divisor, m.scale+4)
	rounded := round(quotient, m.scale, mode)
	return newScaled(rounded, m.currency, m.scale)
}

// AllocateEven splits m into n parts summing back exactly to m, distributing
// any remainder cent-by-cent to the first parts (largest-remainder method).
// Used for pro-rating a discount or tax total across line items.
func (m Money) AllocateEven(n int) ([]Money, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: allocate count must be positive", ErrScaleViolation)
	}
	unit := decimal.New(1, -m.scale)
	total := m.amount
	base := total.DivRound(decimal.NewFromInt(int64(n)), m.scale)
	base = base.Truncate(m.scale)

	parts := make([]Money, n)
	running := decimal.Zero
	for i := 0; i < n; i++ {
		parts[i] = Money{amount: base, currency: m.currency, scale: m.scale}
		running = running.Add(base)
	}
	remainder := total.Sub(running)
	steps := remainder.Div(unit).Round(0).IntPart()
	direction := unit
	if steps < 0 {
		direction = unit.Neg()
		steps = -steps
	}
	for i := int64(0); i < steps && int(i) < n; i++ {
		parts[i].amount = parts[i].amount.Add(direction)
	}
	return parts, nil
}

func maxOf(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func round(d decimal.Decimal, scale int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundHalfUp:
		return d.Round(scale)
	case RoundDown:
		return d.Truncate(scale)
	default:
		return d.RoundBank(scale)
	}
}

// MarshalJSON renders Money as a JSON object with explicit amount and
// currency fields, never as a bare float, so precision never round-trips
// through a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.amount.StringFixed(m.scale),
		Currency: m.currency,
	})
}

// UnmarshalJSON parses the object form produced by MarshalJSON.
func (m *Money) UnmarshalJSON(data []byte) error {
	var wire struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := New(wire.Amount, wire.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Equal reports whether two Money values have the same currency and amount.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}
