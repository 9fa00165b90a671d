// Package command implements the command boundary of spec.md §6: the only
// ingress into the core. Every external collaborator (chat ingress, agent
// tool servers, CLI, HTTP) submits a normalized Command; the boundary
// derives an operation_key, reserves it in the idempotency ledger, then
// delegates to the Flow Engine via internal/quote.Service.
package command

import "encoding/json"

// Source names the external collaborator submitting a command.
type Source string

const (
	SourceHTTP  Source = "http"
	SourceSlack Source = "slack"
	SourceAgent Source = "agent"
	SourceCLI   Source = "cli"
)

// ActionKind names one of the lifecycle operations of §4.5, plus the
// approval decision action, that a Command may invoke.
type ActionKind string

const (
	ActionCreateDraft            ActionKind = "create_draft"
	ActionEditLine               ActionKind = "edit_line"
	ActionValidate               ActionKind = "validate"
	ActionPrice                  ActionKind = "price"
	ActionRequestApproval        ActionKind = "request_approval"
	ActionRecordApprovalDecision ActionKind = "record_approval_decision"
	ActionFinalize               ActionKind = "finalize"
	ActionSend                   ActionKind = "send"
	ActionCancel                 ActionKind = "cancel"
	ActionCloneAsRevision        ActionKind = "clone_as_revision"
)

// Actor identifies who/what submitted the command, carried into
// quote.Actor and every audit event the operation emits.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Command is the single normalized ingress shape of §6.
type Command struct {
	Source            Source          `json:"source"`
	SourceRequestID    string          `json:"source_request_id"`
	ActionKind         ActionKind      `json:"action_kind"`
	AggregateID        string          `json:"aggregate_id,omitempty"`
	AggregateVersion   *int64          `json:"aggregate_version,omitempty"`
	Payload            json.RawMessage `json:"payload"`
	Actor              Actor           `json:"actor"`
	CorrelationID      string          `json:"correlation_id"`
}

// Status is Response.Status, §6.
type Status string

const (
	StatusOK       Status = "ok"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// ErrorClass enumerates the fixed error taxonomy surfaced at the command
// boundary, §6/§7. Domain errors are re-classified into one of these at the
// boundary; they never leak their internal Go type to the caller.
type ErrorClass string

const (
	ErrorValidation      ErrorClass = "validation"
	ErrorNotFound        ErrorClass = "not_found"
	ErrorConflict        ErrorClass = "conflict"
	ErrorCurrencyMismatch ErrorClass = "currency_mismatch"
	ErrorPolicyViolation ErrorClass = "policy_violation"
	ErrorMissingData     ErrorClass = "missing_data"
	ErrorAuth            ErrorClass = "auth"
	ErrorRateLimit       ErrorClass = "rate_limit"
	ErrorTimeout         ErrorClass = "timeout"
	ErrorInternal        ErrorClass = "internal"
)

// ErrorDetail is Response.Error, §6.
type ErrorDetail struct {
	Class       ErrorClass `json:"class"`
	Code        string     `json:"code"`
	Message     string     `json:"message"`
	Remediation string     `json:"remediation,omitempty"`
}

// Response is the single normalized egress shape of §6. ResultSnapshot is
// exactly what gets persisted to the idempotency ledger on success, so a
// replayed command returns byte-identical JSON.
type Response struct {
	Status         Status          `json:"status"`
	ResultSnapshot json.RawMessage `json:"result_snapshot,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	OperationID    string          `json:"operation_id"`
	CorrelationID  string          `json:"correlation_id"`
}
