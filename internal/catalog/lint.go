package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// LintError collects every problem found during a draft -> active
// promotion lint pass, per spec.md §4.3. Promotion is all-or-nothing: a
// single violation blocks activation of the whole snapshot.
type LintError struct {
	Problems []string
}

func (e *LintError) Error() string {
	return fmt.Sprintf("catalog: lint failed with %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *LintError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// LintRuleset validates a RulesetSnapshot before promotion: no duplicate
// (stage, priority, specificity) collisions without a deterministic
// tie-break (i.e. distinct rule_id values), and every required field
// populated. knownSKUs is the product universe from the paired catalog
// snapshot, used to check referenced products exist.
func LintRuleset(rs RulesetSnapshot, knownSKUs map[string]bool) error {
	lint := &LintError{}

	for _, r := range rs.Rules {
		if r.RuleID == "" {
			lint.add("rule missing rule_id")
			continue
		}
		if r.Stage.Rank() < 0 {
			lint.add("rule %s: unknown stage %q", r.RuleID, r.Stage)
		}
		if r.Family.DefaultStrategy() == "" {
			lint.add("rule %s: unknown family %q", r.RuleID, r.Family)
		}
		if r.Condition == "" && r.Stage != StageTraceFinalization {
			lint.add("rule %s: missing condition", r.RuleID)
		}
		if len(r.Payload) == 0 {
			lint.add("rule %s: missing payload", r.RuleID)
		}
		for _, sku := range r.ProductSKUs {
			if knownSKUs != nil && !knownSKUs[sku] {
				lint.add("rule %s: references unknown product %q", r.RuleID, sku)
			}
		}
	}

	// A collision is only a tie-break problem when two rules at the same
	// (stage, priority, specificity) also share the same rule_id sort key,
	// which cannot happen for distinct ids since rule_id is itself the
	// final ordering tie-break. What the lint pass actually protects
	// against is accidental duplicate rule_id entries in the same ruleset.
	idCounts := make(map[string]int)
	for _, r := range rs.Rules {
		idCounts[r.RuleID]++
	}
	var dupIDs []string
	for id, count := range idCounts {
		if count > 1 {
			dupIDs = append(dupIDs, id)
		}
	}
	sort.Strings(dupIDs)
	for _, id := range dupIDs {
		lint.add("duplicate rule_id %q", id)
	}

	if len(lint.Problems) > 0 {
		return lint
	}
	return nil
}

// LintCatalog validates a CatalogSnapshot before promotion: every product
// has a SKU, currency, and base price populated.
func LintCatalog(cs CatalogSnapshot) error {
	lint := &LintError{}
	seen := make(map[string]bool)
	for _, p := range cs.Products {
		if p.SKU == "" {
			lint.add("product missing sku")
			continue
		}
		if seen[p.SKU] {
			lint.add("duplicate sku %q", p.SKU)
		}
		seen[p.SKU] = true
		if p.Currency == "" {
			lint.add("product %s: missing currency", p.SKU)
		}
		if p.BasePrice == "" {
			lint.add("product %s: missing base_price", p.SKU)
		}
	}
	if len(lint.Problems) > 0 {
		return lint
	}
	return nil
}
