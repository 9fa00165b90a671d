package rules

import (
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/junlov/quotey/internal/catalog"
)

// matches reports whether rule's condition is satisfied by ctxMap. A rule
// with an empty condition always matches.
// The condition is a JSONPath filter expression evaluated against a
// single-element array wrapping ctxMap, e.g.
// "$[?(@.segment=='enterprise' && @.quantity>=10)]" — a non-empty filter
// result means the rule fires.
func matches(rule catalog.Rule, ctxMap map[string]interface{}) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}
	wrapped := []interface{}{ctxMap}
	result, err := jsonpath.Get(rule.Condition, wrapped)
	if err != nil {
		return false, fmt.Errorf("rules: evaluating condition for rule %s: %w", rule.RuleID, err)
	}
	switch v := result.(type) {
	case []interface{}:
		return len(v) > 0, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}
