// Package flow owns the quote lifecycle transition table as a single
// compile-time map, per spec.md §4.6: the Flow Engine is the only legal
// mutation path, rejecting illegal transitions before any domain mutation
// happens.
package flow

import "fmt"

// Status is quote.status, §3.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusValidated Status = "validated"
	StatusPriced    Status = "priced"
	StatusApproval  Status = "approval"
	StatusApproved  Status = "approved"
	StatusFinalized Status = "finalized"
	StatusSent      Status = "sent"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRevised   Status = "revised"
)

// terminal statuses never re-enter a non-terminal status; revisions create
// a new quote lineage instead (§3 invariant).
var terminal = map[Status]bool{
	StatusSent:      true,
	StatusRejected:  true,
	StatusExpired:   true,
	StatusCancelled: true,
	StatusRevised:   true,
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool { return terminal[s] }

// Trigger names the reason a transition is attempted, used only for the
// transition table's self-documentation and audit payloads.
type Trigger string

const (
	TriggerFieldsComplete     Trigger = "fields_complete"
	TriggerPricingSuccess     Trigger = "pricing_success"
	TriggerMaterialEdit       Trigger = "material_edit"
	TriggerNoApprovalRequired Trigger = "no_approval_required"
	TriggerPolicyRequires     Trigger = "policy_requires_approval"
	TriggerApprovalGranted    Trigger = "approval_granted"
	TriggerApprovalDenied     Trigger = "approval_denied"
	TriggerVersionStillBound  Trigger = "version_still_bound_to_approval"
	TriggerSendCompleted      Trigger = "send_completed"
	TriggerValidityTimeout    Trigger = "validity_timeout"
	TriggerUserCancel         Trigger = "user_cancel"
	TriggerClonedAsRevision   Trigger = "cloned_as_revision"
)

type edge struct {
	to      Status
	trigger Trigger
}

// table is the compile-time, authoritative transition map of §4.6. It is
// never mutated at runtime; every allowed (from, to) pair is listed here
// with the trigger that justifies it.
var table = map[Status][]edge{
	StatusDraft:     {{StatusValidated, TriggerFieldsComplete}},
	StatusValidated: {{StatusPriced, TriggerPricingSuccess}},
	StatusPriced: {
		{StatusDraft, TriggerMaterialEdit},
		{StatusFinalized, TriggerNoApprovalRequired},
		{StatusApproval, TriggerPolicyRequires},
	},
	StatusApproval: {
		{StatusApproved, TriggerApprovalGranted},
		{StatusRejected, TriggerApprovalDenied},
		{StatusDraft, TriggerMaterialEdit},
	},
	StatusApproved: {
		{StatusFinalized, TriggerVersionStillBound},
		{StatusDraft, TriggerMaterialEdit},
	},
	StatusFinalized: {{StatusSent, TriggerSendCompleted}},
}

// extraExpired, extraCancelled and extraRevised cover "any active -> expired", "any non-terminal ->
// cancelled", and "any non-terminal -> revised", which apply regardless of
// the specific current status.
const (
	extraExpired   Status = StatusExpired
	extraCancelled Status = StatusCancelled
	extraRevised   Status = StatusRevised
)

// IllegalTransition is returned when (from, to) is not in the transition
// table.
type IllegalTransition struct {
	From   Status
	To     Status
	Reason string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("flow: illegal transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// Allowed reports whether from -> to is a legal transition, and if so, the
// trigger that justifies it.
func Allowed(from, to Status) (Trigger, bool) {
	if to == extraCancelled && !IsTerminal(from) {
		return TriggerUserCancel, true
	}
	if to == extraRevised && !IsTerminal(from) {
		return TriggerClonedAsRevision, true
	}
	if to == extraExpired {
		// "any active" excludes quotes already terminal.
		if !IsTerminal(from) {
			return TriggerValidityTimeout, true
		}
		return "", false
	}
	for _, e := range table[from] {
		if e.to == to {
			return e.trigger, true
		}
	}
	return "", false
}

// Validate rejects (from, to) if it is not a legal transition, before any
// mutation is applied.
func Validate(from, to Status) error {
	if from == to {
		return &IllegalTransition{From: from, To: to, Reason: "no-op transition"}
	}
	if IsTerminal(from) {
		return &IllegalTransition{From: from, To: to, Reason: "quote is in a terminal state"}
	}
	if _, ok := Allowed(from, to); !ok {
		return &IllegalTransition{From: from, To: to, Reason: "not present in transition table"}
	}
	return nil
}

// Step is one flow_state.current_step value, tracked in parallel with
// quote.status so the two can be validated for coherence.
type Step string

// statusToStep is the expected flow_state.current_step for each status,
// used by the coherence validator.
var statusToStep = map[Status]Step{
	StatusDraft:     "intake",
	StatusValidated: "validation",
	StatusPriced:    "pricing",
	StatusApproval:  "approval_pending",
	StatusApproved:  "approval_complete",
	StatusFinalized: "finalized",
	StatusSent:      "sent",
	StatusRejected:  "closed",
	StatusExpired:   "closed",
	StatusCancelled: "closed",
	StatusRevised:   "closed",
}

// ExpectedStep returns the flow_state.current_step value that coheres with
// status.
func ExpectedStep(status Status) Step {
	return statusToStep[status]
}

// ValidateCoherence enforces quote.status <-> flow_state.current_step
// coherence, run transactionally with every mutation per §4.6.
func ValidateCoherence(status Status, step Step) error {
	want := ExpectedStep(status)
	if want != step {
		return fmt.Errorf("flow: status %s requires step %s, got %s", status, want, step)
	}
	return nil
}
