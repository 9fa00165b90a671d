package catalog

import "sort"

// sortRules applies the global ordering key of spec.md §4.4 in place. This
// exact comparator is shared by the runtime evaluator, the lint tool, and
// the replay verifier (internal/rules imports it rather than re-deriving
// its own order) so the three can never silently diverge.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		si, pi, spi, ri := rules[i].OrderKey()
		sj, pj, spj, rj := rules[j].OrderKey()
		if si != sj {
			return si < sj
		}
		if pi != pj {
			return pi < pj
		}
		if spi != spj {
			return spi < spj
		}
		return ri < rj
	})
}
