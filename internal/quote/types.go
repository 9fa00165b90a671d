// Package quote implements the Quote Aggregate & Domain Services of spec.md
// §4.5: the lifecycle operations that create, price, route for approval,
// and finalize a quote, each incrementing version atomically with its
// mutation and always emitting at least one audit event carrying
// operation_id and correlation_id.
package quote

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/pkg/money"
)

// ErrNotFound is returned when a quote or line does not exist.
var ErrNotFound = errors.New("quote: not found")

// ErrStaleVersion is returned when a mutation targets a version that is no
// longer current, signalling the caller should re-read and reapply.
var ErrStaleVersion = errors.New("quote: stale version")

// ErrApprovalsOutstanding is returned by Finalize when the current
// version's required approvals are not all satisfied.
var ErrApprovalsOutstanding = errors.New("quote: required approvals not satisfied for current version")

// ErrDelegationNotPermitted is returned by RecordApprovalDecision when a
// decision's DelegatedTo actor does not dominate the decision's own role
// on the active ruleset's role ladder, per §8 scenario 3.
var ErrDelegationNotPermitted = errors.New("quote: delegate does not hold equal-or-higher authority for this role")

// Quote is the aggregate root, §3.
type Quote struct {
	QuoteID           string      `db:"quote_id"`
	Version           int64       `db:"version"`
	Status            flow.Status `db:"status"`
	Currency          string      `db:"currency"`
	AccountRef        string      `db:"account_ref"`
	DealRef           string      `db:"deal_ref"`
	RulesetSnapshotID *string     `db:"ruleset_snapshot_id"`
	CatalogSnapshotID *string     `db:"catalog_snapshot_id"`
	RevisionOf        *string     `db:"revision_of"`
	CreatedAt         time.Time   `db:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at"`
}

// Line is one quote_line row, §3. Not the audit truth: the pricing
// snapshot's trace is.
type Line struct {
	LineID            string          `db:"line_id"`
	QuoteID           string          `db:"quote_id"`
	SKU               string          `db:"sku"`
	Quantity          int64           `db:"quantity"`
	UnitPriceOverride *string         `db:"unit_price_override"`
	RequestedDiscount *string         `db:"requested_discount"`
	Attributes        json.RawMessage `db:"attributes"`
	BillingCountry    string          `db:"billing_country"`
	Term              string          `db:"term"`
}

// LineEdit is the caller-supplied shape for edit_line; nil fields leave the
// corresponding column unchanged on an existing line.
type LineEdit struct {
	LineID            string
	SKU               string
	Quantity          int64
	UnitPriceOverride *money.Money
	RequestedDiscount *decimal.Decimal
	Attributes        map[string]interface{}
	BillingCountry    string
	Term              string
	CustomLegalFields map[string]interface{}
}

// PricingSnapshot is one immutable pricing run, §3. `subtotal -
// discount_total + tax_total == total` holds exactly in fixed decimal; tax
// is out of scope for the engine itself (Non-goal) so TaxTotal is always
// zero here, carried as a field so a future tax integration has a home
// without changing the invariant's shape.
type PricingSnapshot struct {
	QuoteID       string          `db:"quote_id"`
	QuoteVersion  int64           `db:"quote_version"`
	Subtotal      money.Money     `db:"-"`
	DiscountTotal money.Money     `db:"-"`
	TaxTotal      money.Money     `db:"-"`
	Total         money.Money     `db:"-"`
	SubtotalRaw   string          `db:"subtotal"`
	DiscountRaw   string          `db:"discount_total"`
	TaxRaw        string          `db:"tax_total"`
	TotalRaw      string          `db:"total"`
	Currency      string          `db:"currency"`
	Trace         json.RawMessage `db:"pricing_trace"`
	RequiredRoles json.RawMessage `db:"required_approval_roles"`
	ApprovalMode  string          `db:"approval_mode"`
	CreatedAt     time.Time       `db:"created_at"`
}

// RequiresApproval reports whether this pricing run routed to an approval
// gate at S70.
func (p PricingSnapshot) RequiresApproval() bool {
	return string(p.RequiredRoles) != "" && string(p.RequiredRoles) != "null" && string(p.RequiredRoles) != "[]"
}
