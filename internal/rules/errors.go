package rules

import "fmt"

// HardConstraintViolation collects every constraint failure for a line,
// per §4.4: S20 collects all violations before blocking progression.
type HardConstraintViolation struct {
	LineID     string
	Violations []string
}

func (e *HardConstraintViolation) Error() string {
	return fmt.Sprintf("rules: line %s violates %d hard constraint(s): %v", e.LineID, len(e.Violations), e.Violations)
}

// MissingPriceData is returned by S30 when zero base-price rules match a
// line. There is no fallback synthesis.
type MissingPriceData struct {
	LineID string
	SKU    string
}

func (e *MissingPriceData) Error() string {
	return fmt.Sprintf("rules: no base price rule matched line %s (sku %s)", e.LineID, e.SKU)
}

// AmbiguousBasePrice is returned by S30 when more than one base-price rule
// matches a line at the same ordering rank with no deterministic winner.
type AmbiguousBasePrice struct {
	LineID  string
	RuleIDs []string
}

func (e *AmbiguousBasePrice) Error() string {
	return fmt.Sprintf("rules: line %s matched ambiguous base price rules %v", e.LineID, e.RuleIDs)
}

// SnapshotNotFound describes a referenced ruleset or catalog snapshot id
// that cannot be resolved. Evaluate takes already-loaded snapshots, and no
// code path in this package returns it.
type SnapshotNotFound struct {
	Kind string
	ID   string
}

func (e *SnapshotNotFound) Error() string {
	return fmt.Sprintf("rules: %s snapshot %s not found", e.Kind, e.ID)
}

// CurrencyMismatch is returned when a line's resolved currency does not
// match the quote's declared currency.
type CurrencyMismatch struct {
	Expected string
	Actual   string
}

func (e *CurrencyMismatch) Error() string {
	return fmt.Sprintf("rules: currency mismatch: expected %s, got %s", e.Expected, e.Actual)
}
