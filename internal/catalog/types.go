// Package catalog implements spec.md §4.3: ruleset and catalog snapshots
// that are immutable once activated, an atomic activation path that emits
// an audit event, and a lint pass gating draft -> active promotion.
package catalog

import (
	"encoding/json"
	"time"
)

// Status is the snapshot lifecycle. Activation is one-way: active and
// retired snapshots are never mutated, only superseded by a newer version.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Product is one catalog line, identified by SKU within a snapshot.
type Product struct {
	SKU           string          `json:"sku" db:"sku"`
	Name          string          `json:"name" db:"name"`
	Currency      string          `json:"currency" db:"currency"`
	BasePrice     string          `json:"base_price" db:"base_price"`
	UnitOfMeasure string          `json:"unit_of_measure" db:"unit_of_measure"`
	Attributes    json.RawMessage `json:"attributes,omitempty" db:"attributes"`
}

// CatalogSnapshot is one immutable, versioned bundle of products.
type CatalogSnapshot struct {
	ID           string    `json:"id" db:"id"`
	Version      int64     `json:"version" db:"version"`
	Status       Status    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	ActivationTS *time.Time `json:"activation_ts,omitempty" db:"activation_ts"`
	Products     []Product `json:"products"`
}

// ConflictStrategy names how multiple matched rules in the same family are
// reconciled during evaluation, per spec.md §4.4.
type ConflictStrategy string

const (
	StrategyCollectAll            ConflictStrategy = "collect_all"
	StrategySingleWinnerRequired   ConflictStrategy = "single_winner_required"
	StrategyOrderedCompose         ConflictStrategy = "ordered_compose"
	StrategyMostRestrictiveWins    ConflictStrategy = "most_restrictive_wins"
	StrategyHighestAuthorityWins   ConflictStrategy = "highest_authority_wins"
)

// Family groups rules that share a conflict strategy and a pipeline stage
// family (constraints, base pricing, adjustments, discount policy, approval
// thresholds).
type Family string

const (
	FamilyConstraint       Family = "constraint"
	FamilyPricingBase      Family = "pricing_base"
	FamilyPricingAdjust    Family = "pricing_adjustment"
	FamilyDiscountPolicy   Family = "discount_policy"
	FamilyApprovalThresh   Family = "approval_threshold"
)

// DefaultStrategy returns the fixed conflict strategy for a rule family, as
// named in spec.md §4.4. Families are not configurable per ruleset.
func (f Family) DefaultStrategy() ConflictStrategy {
	switch f {
	case FamilyConstraint:
		return StrategyCollectAll
	case FamilyPricingBase:
		return StrategySingleWinnerRequired
	case FamilyPricingAdjust:
		return StrategyOrderedCompose
	case FamilyDiscountPolicy:
		return StrategyMostRestrictiveWins
	case FamilyApprovalThresh:
		return StrategyHighestAuthorityWins
	default:
		return ""
	}
}

// Stage is one of the fixed S10-S80 pipeline stages.
type Stage string

const (
	StageContextNormalization Stage = "S10"
	StageHardConstraints      Stage = "S20"
	StageBasePriceSelection   Stage = "S30"
	StagePricingAdjustments   Stage = "S40"
	StageRequestedDiscount    Stage = "S50"
	StagePolicyEnforcement    Stage = "S60"
	StageApprovalRouting      Stage = "S70"
	StageTraceFinalization    Stage = "S80"
)

// stageOrder gives each stage a numeric rank for the global ordering key.
var stageOrder = map[Stage]int{
	StageContextNormalization: 10,
	StageHardConstraints:      20,
	StageBasePriceSelection:   30,
	StagePricingAdjustments:   40,
	StageRequestedDiscount:    50,
	StagePolicyEnforcement:    60,
	StageApprovalRouting:      70,
	StageTraceFinalization:    80,
}

// Rank returns the stage's numeric sort position, or -1 if unknown.
func (s Stage) Rank() int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// Rule is one row of a RulesetSnapshot. Condition is a jsonpath expression
// evaluated against the normalized evaluation context (S10 output);
// FormulaSrc, when set, is a goja-evaluated adjustment expression consumed
// by the pricing-adjustment stage.
type Rule struct {
	RuleID      string          `json:"rule_id" db:"rule_id"`
	Stage       Stage           `json:"stage" db:"stage"`
	Family      Family          `json:"family" db:"family"`
	Priority    int             `json:"priority" db:"priority"`
	Specificity int             `json:"specificity" db:"specificity"`
	Condition   string          `json:"condition" db:"condition"`
	FormulaSrc  string          `json:"formula_src,omitempty" db:"formula_src"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	ProductSKUs []string        `json:"product_skus,omitempty" db:"-"`
}

// OrderKey returns the tuple used for the global ordering key:
// (stage ASC, priority DESC, specificity DESC, rule_id ASC).
func (r Rule) OrderKey() (stageRank, negPriority, negSpecificity int, ruleID string) {
	return r.Stage.Rank(), -r.Priority, -r.Specificity, r.RuleID
}

// RulesetSnapshot is one immutable, versioned bundle of rules.
type RulesetSnapshot struct {
	ID           string     `json:"id" db:"id"`
	Version      int64      `json:"version" db:"version"`
	Status       Status     `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ActivationTS *time.Time `json:"activation_ts,omitempty" db:"activation_ts"`
	Rules        []Rule     `json:"rules"`
}

// SortedRules returns a copy of Rules sorted by the global ordering key.
func (rs RulesetSnapshot) SortedRules() []Rule {
	out := make([]Rule, len(rs.Rules))
	copy(out, rs.Rules)
	sortRules(out)
	return out
}
