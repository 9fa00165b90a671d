package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/pkg/money"
)

// LineResult is the S80 output for one line.
type LineResult struct {
	LineID           string      `json:"line_id"`
	SKU              string      `json:"sku"`
	Quantity         int64       `json:"quantity"`
	BaseUnitPrice    money.Money `json:"base_unit_price"`
	AdjustedUnitPrice money.Money `json:"adjusted_unit_price"`
	DiscountFraction decimal.Decimal `json:"discount_fraction"`
	PolicyCapApplied bool        `json:"policy_cap_applied"`
	FinalUnitPrice   money.Money `json:"final_unit_price"`
	LineTotal        money.Money `json:"line_total"`
}

// PricingResult is the complete S80 output: line results, totals, required
// approval roles from S70, and the full trace.
type PricingResult struct {
	Currency            string        `json:"currency"`
	CatalogSnapshotID   string        `json:"catalog_snapshot_id"`
	RulesetSnapshotID   string        `json:"ruleset_snapshot_id"`
	Lines               []LineResult  `json:"lines"`
	Subtotal            money.Money   `json:"subtotal"`
	Total               money.Money   `json:"total"`
	RequiredApprovalRoles []string    `json:"required_approval_roles,omitempty"`
	ApprovalMode        string        `json:"approval_mode,omitempty"`
	Trace               []TraceStep   `json:"trace"`
}

// Engine runs the fixed S10-S80 pipeline. It holds no mutable state: every
// call to Evaluate is a pure function of its arguments, which is what the
// replay contract requires.
type Engine struct{}

// NewEngine returns a stateless Engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate runs the full pipeline for ctx against rs/cs, with an optional
// requested discount fraction (applied at S50). productsBySKU indexes cs's
// products for O(1) base-price lookups.
func (eng *Engine) Evaluate(ctx EvalContext, rs catalog.RulesetSnapshot, cs catalog.CatalogSnapshot, requestedDiscount *decimal.Decimal) (PricingResult, error) {
	if ctx.Currency == "" {
		return PricingResult{}, fmt.Errorf("rules: evaluation context missing currency")
	}

	productsBySKU := make(map[string]catalog.Product, len(cs.Products))
	for _, p := range cs.Products {
		productsBySKU[p.SKU] = p
	}

	sorted := rs.SortedRules()
	byStage := make(map[catalog.Stage][]catalog.Rule)
	for _, r := range sorted {
		byStage[r.Stage] = append(byStage[r.Stage], r)
	}

	result := PricingResult{
		Currency:          ctx.Currency,
		CatalogSnapshotID: ctx.CatalogSnapshotID,
		RulesetSnapshotID: ctx.RulesetSnapshotID,
	}
	result.Trace = append(result.Trace, TraceStep{Stage: catalog.StageContextNormalization, Outcome: "normalized"})

	// S20 hard constraints, collect-all.
	var blockingViolations []error
	for _, line := range ctx.Lines {
		m := ctx.ToMap(line)
		var lineViolations []string
		for _, rule := range byStage[catalog.StageHardConstraints] {
			ok, err := matches(rule, m)
			if err != nil {
				return PricingResult{}, err
			}
			if !ok {
				result.Trace = append(result.Trace, traceSkipped(rule, line.LineID))
				continue
			}
			payload, err := decodeConstraintPayload(rule.Payload)
			if err != nil {
				return PricingResult{}, err
			}
			result.Trace = append(result.Trace, traceMatched(rule, line.LineID, "violation", payload.Message))
			if payload.Blocking {
				lineViolations = append(lineViolations, payload.Message)
			}
		}
		if len(lineViolations) > 0 {
			blockingViolations = append(blockingViolations, &HardConstraintViolation{LineID: line.LineID, Violations: lineViolations})
		}
	}
	if len(blockingViolations) > 0 {
		return PricingResult{}, errors.Join(blockingViolations...)
	}

	// S30-S60 per line.
	lineResults := make([]LineResult, 0, len(ctx.Lines))
	subtotal := money.Zero(ctx.Currency)
	for _, line := range ctx.Lines {
		m := ctx.ToMap(line)

		base, err := eng.selectBasePrice(line, m, byStage[catalog.StageBasePriceSelection], productsBySKU, ctx.Currency, &result.Trace)
		if err != nil {
			return PricingResult{}, err
		}

		adjusted, err := eng.applyAdjustments(line, m, base, byStage[catalog.StagePricingAdjustments], &result.Trace)
		if err != nil {
			return PricingResult{}, err
		}

		discounted, discountFraction, err := eng.applyRequestedDiscount(line, adjusted, requestedDiscount, &result.Trace)
		if err != nil {
			return PricingResult{}, err
		}

		final, capApplied, err := eng.enforcePolicy(line, m, discounted, discountFraction, byStage[catalog.StagePolicyEnforcement], &result.Trace)
		if err != nil {
			return PricingResult{}, err
		}

		lineTotal, err := final.MulScalar(decimal.NewFromInt(line.Quantity))
		if err != nil {
			return PricingResult{}, fmt.Errorf("rules: computing line total for %s: %w", line.LineID, err)
		}
		subtotal, err = subtotal.Add(lineTotal)
		if err != nil {
			return PricingResult{}, fmt.Errorf("rules: accumulating subtotal: %w", err)
		}

		lineResults = append(lineResults, LineResult{
			LineID:            line.LineID,
			SKU:               line.SKU,
			Quantity:          line.Quantity,
			BaseUnitPrice:     base,
			AdjustedUnitPrice: adjusted,
			DiscountFraction:  discountFraction,
			PolicyCapApplied:  capApplied,
			FinalUnitPrice:    final,
			LineTotal:         lineTotal,
		})
	}
	result.Lines = lineResults
	result.Subtotal = subtotal
	result.Total = subtotal

	// S70 approval threshold routing, account-level (not per-line).
	roles, mode, err := eng.routeApproval(ctx, byStage[catalog.StageApprovalRouting], &result.Trace)
	if err != nil {
		return PricingResult{}, err
	}
	result.RequiredApprovalRoles = roles
	result.ApprovalMode = mode

	result.Trace = append(result.Trace, TraceStep{Stage: catalog.StageTraceFinalization, Outcome: "finalized"})
	return result, nil
}

type constraintPayload struct {
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
}

func decodeConstraintPayload(raw json.RawMessage) (constraintPayload, error) {
	var p constraintPayload
	if len(raw) == 0 {
		return constraintPayload{Blocking: true}, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return constraintPayload{}, fmt.Errorf("rules: decoding constraint payload: %w", err)
	}
	return p, nil
}

func (eng *Engine) selectBasePrice(line LineInput, ctxMap map[string]interface{}, candidates []catalog.Rule, products map[string]catalog.Product, currency string, trace *[]TraceStep) (money.Money, error) {
	type hit struct {
		rule  catalog.Rule
		price string
	}
	var hits []hit
	for _, rule := range candidates {
		ok, err := matches(rule, ctxMap)
		if err != nil {
			return money.Money{}, err
		}
		if !ok {
			*trace = append(*trace, traceSkipped(rule, line.LineID))
			continue
		}
		var p struct {
			UnitPrice string `json:"unit_price"`
		}
		if err := json.Unmarshal(rule.Payload, &p); err != nil {
			return money.Money{}, fmt.Errorf("rules: decoding base price payload for %s: %w", rule.RuleID, err)
		}
		*trace = append(*trace, traceMatched(rule, line.LineID, "base_price_candidate", p.UnitPrice))
		hits = append(hits, hit{rule: rule, price: p.UnitPrice})
	}

	if line.UnitPriceOverride != nil {
		return *line.UnitPriceOverride, nil
	}

	if len(hits) == 0 {
		if prod, ok := products[line.SKU]; ok {
			if prod.Currency != "" && prod.Currency != currency {
				return money.Money{}, &CurrencyMismatch{Expected: currency, Actual: prod.Currency}
			}
			m, err := money.New(prod.BasePrice, currency)
			if err != nil {
				return money.Money{}, fmt.Errorf("rules: catalog base price for %s: %w", line.SKU, err)
			}
			return m, nil
		}
		return money.Money{}, &MissingPriceData{LineID: line.LineID, SKU: line.SKU}
	}

	top := hits[0].rule
	var tied []string
	for _, h := range hits {
		sr, pr, spr, _ := h.rule.OrderKey()
		st, pt, spt, _ := top.OrderKey()
		if sr == st && pr == pt && spr == spt {
			tied = append(tied, h.rule.RuleID)
		}
	}
	if len(tied) > 1 {
		return money.Money{}, &AmbiguousBasePrice{LineID: line.LineID, RuleIDs: tied}
	}

	m, err := money.New(hits[0].price, currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("rules: base price for %s: %w", line.LineID, err)
	}
	return m, nil
}

func (eng *Engine) applyAdjustments(line LineInput, ctxMap map[string]interface{}, base money.Money, candidates []catalog.Rule, trace *[]TraceStep) (money.Money, error) {
	running := base
	for _, rule := range candidates {
		ok, err := matches(rule, ctxMap)
		if err != nil {
			return money.Money{}, err
		}
		if !ok {
			*trace = append(*trace, traceSkipped(rule, line.LineID))
			continue
		}

		var delta decimal.Decimal
		if rule.FormulaSrc != "" {
			vars := map[string]interface{}{
				"qty":       float64(line.Quantity),
				"basePrice": running.Decimal().InexactFloat64(),
			}
			delta, err = evalFormula(rule.FormulaSrc, vars)
			if err != nil {
				return money.Money{}, fmt.Errorf("rules: rule %s: %w", rule.RuleID, err)
			}
		} else {
			var p struct {
				Percent string `json:"percent"`
			}
			if err := json.Unmarshal(rule.Payload, &p); err != nil {
				return money.Money{}, fmt.Errorf("rules: decoding adjustment payload for %s: %w", rule.RuleID, err)
			}
			pct, err := decimal.NewFromString(p.Percent)
			if err != nil {
				return money.Money{}, fmt.Errorf("rules: invalid percent in rule %s: %w", rule.RuleID, err)
			}
			delta = running.Decimal().Mul(pct)
		}

		adjustment, err := money.NewFromDecimal(delta, running.Currency())
		if err != nil {
			return money.Money{}, err
		}
		running, err = running.Add(adjustment)
		if err != nil {
			return money.Money{}, fmt.Errorf("rules: applying adjustment %s: %w", rule.RuleID, err)
		}
		*trace = append(*trace, traceMatched(rule, line.LineID, "adjustment_applied", delta.String()))
	}
	return running, nil
}

func (eng *Engine) applyRequestedDiscount(line LineInput, unitPrice money.Money, requestedDiscount *decimal.Decimal, trace *[]TraceStep) (money.Money, decimal.Decimal, error) {
	fraction := decimal.Zero
	if line.RequestedDiscount != nil {
		fraction = *line.RequestedDiscount
	} else if requestedDiscount != nil {
		fraction = *requestedDiscount
	}
	if fraction.IsZero() {
		return unitPrice, fraction, nil
	}
	delta := unitPrice.Decimal().Mul(fraction.Neg())
	adjustment, err := money.NewFromDecimal(delta, unitPrice.Currency())
	if err != nil {
		return money.Money{}, decimal.Zero, err
	}
	discounted, err := unitPrice.Add(adjustment)
	if err != nil {
		return money.Money{}, decimal.Zero, fmt.Errorf("rules: applying requested discount: %w", err)
	}
	return discounted, fraction, nil
}

func (eng *Engine) enforcePolicy(line LineInput, ctxMap map[string]interface{}, unitPrice money.Money, discountFraction decimal.Decimal, candidates []catalog.Rule, trace *[]TraceStep) (money.Money, bool, error) {
	capFraction := decimal.NewFromInt(1) // 100% = uncapped
	capApplied := false
	for _, rule := range candidates {
		ok, err := matches(rule, ctxMap)
		if err != nil {
			return money.Money{}, false, err
		}
		if !ok {
			*trace = append(*trace, traceSkipped(rule, line.LineID))
			continue
		}
		var p struct {
			MaxDiscountFraction string `json:"max_discount_fraction"`
		}
		if err := json.Unmarshal(rule.Payload, &p); err != nil {
			return money.Money{}, false, fmt.Errorf("rules: decoding policy payload for %s: %w", rule.RuleID, err)
		}
		cap, err := decimal.NewFromString(p.MaxDiscountFraction)
		if err != nil {
			return money.Money{}, false, fmt.Errorf("rules: invalid cap in rule %s: %w", rule.RuleID, err)
		}
		// most_restrictive_wins: the smallest allowed discount fraction governs.
		if cap.LessThan(capFraction) {
			capFraction = cap
		}
		*trace = append(*trace, traceMatched(rule, line.LineID, "policy_candidate", cap.String()))
	}

	if discountFraction.LessThanOrEqual(capFraction) {
		return unitPrice, capApplied, nil
	}

	// Re-derive the pre-discount unit price and re-apply the capped fraction.
	if discountFraction.Equal(decimal.NewFromInt(1)) {
		return unitPrice, capApplied, nil
	}
	preDiscount := unitPrice.Decimal().Div(decimal.NewFromInt(1).Sub(discountFraction))
	cappedUnit := preDiscount.Mul(decimal.NewFromInt(1).Sub(capFraction))
	capped, err := money.NewFromDecimal(cappedUnit, unitPrice.Currency())
	if err != nil {
		return money.Money{}, false, err
	}
	return capped, true, nil
}

func (eng *Engine) routeApproval(ctx EvalContext, candidates []catalog.Rule, trace *[]TraceStep) ([]string, string, error) {
	type authorityHit struct {
		role          string
		authorityRank int
		orthogonal    bool
		parallel      bool
	}
	var primary *authorityHit
	orthogonalRoles := map[string]bool{}
	anyParallel := false

	for _, rule := range candidates {
		// Approval threshold routing is evaluated once per quote (not per
		// line); use the account-level context only.
		m := map[string]interface{}{
			"account": ctx.Account, "segment": ctx.Segment, "region": ctx.Region,
			"currency": ctx.Currency, "term": ctx.Term,
		}
		ok, err := matches(rule, m)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			*trace = append(*trace, traceSkipped(rule, ""))
			continue
		}
		var p struct {
			Role          string `json:"role"`
			AuthorityRank int    `json:"authority_rank"`
			Orthogonal    bool   `json:"orthogonal"`
			Parallel      bool   `json:"parallel"`
		}
		if err := json.Unmarshal(rule.Payload, &p); err != nil {
			return nil, "", fmt.Errorf("rules: decoding approval payload for %s: %w", rule.RuleID, err)
		}
		*trace = append(*trace, traceMatched(rule, "", "approval_candidate", p.Role))

		if p.Orthogonal {
			orthogonalRoles[p.Role] = true
			continue
		}
		if p.Parallel {
			anyParallel = true
		}
		if primary == nil || p.AuthorityRank > primary.authorityRank {
			primary = &authorityHit{role: p.Role, authorityRank: p.AuthorityRank, parallel: p.Parallel}
		}
	}

	var roles []string
	if primary != nil {
		roles = append(roles, primary.role)
	}
	for role := range orthogonalRoles {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	mode := "sequential"
	if anyParallel {
		mode = "parallel"
	}
	return roles, mode, nil
}
