// Package ids centralizes identifier minting and time-source access so that
// the rest of the domain never calls uuid.New() or time.Now() directly —
// both are seams that tests replace to get deterministic, reproducible
// fixtures (required by the replay contract in §4.4 of the spec).
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Prefix tags a minted id with its entity kind, e.g. "quote_7e5a...". This
// matches the teacher's convention of human-greppable ids in logs and audit
// payloads without needing a lookup to know what an id refers to.
type Prefix string

const (
	PrefixQuote       Prefix = "quote"
	PrefixLine        Prefix = "qline"
	PrefixPricing     Prefix = "pricing"
	PrefixRuleset     Prefix = "ruleset"
	PrefixCatalog     Prefix = "catalog"
	PrefixApproval    Prefix = "approval"
	PrefixTask        Prefix = "task"
	PrefixEvent       Prefix = "event"
	PrefixOperation   Prefix = "op"
	PrefixCorrelation Prefix = "corr"
)

// New mints a new identifier of the given kind.
func New(prefix Prefix) string {
	return string(prefix) + "_" + uuid.New().String()
}

// Clock is the seam for UTC time access. Production code uses SystemClock;
// tests use a FixedClock so that timestamps in audit events, SLA windows,
// and ledger expiry are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real wall clock, always in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a constant time, for deterministic tests.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed time.
func (f FixedClock) Now() time.Time { return f.At }
