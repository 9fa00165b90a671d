package rules

import "github.com/junlov/quotey/internal/catalog"

// TraceStep is one evaluated rule's recorded outcome, persisted verbatim by
// S80 so that a replay can be compared step-for-step against the original
// (§4.4's replay contract: identical sequence of trace steps).
type TraceStep struct {
	Stage     catalog.Stage   `json:"stage"`
	RuleID    string          `json:"rule_id"`
	Family    catalog.Family  `json:"family"`
	LineID    string          `json:"line_id,omitempty"`
	Matched   bool            `json:"matched"`
	Outcome   string          `json:"outcome"`
	Detail    string          `json:"detail,omitempty"`
}

func traceMatched(rule catalog.Rule, lineID, outcome, detail string) TraceStep {
	return TraceStep{
		Stage: rule.Stage, RuleID: rule.RuleID, Family: rule.Family,
		LineID: lineID, Matched: true, Outcome: outcome, Detail: detail,
	}
}

func traceSkipped(rule catalog.Rule, lineID string) TraceStep {
	return TraceStep{
		Stage: rule.Stage, RuleID: rule.RuleID, Family: rule.Family,
		LineID: lineID, Matched: false, Outcome: "not_matched",
	}
}
