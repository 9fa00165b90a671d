package command

import (
	"errors"
	"fmt"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/internal/ledger"
	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/internal/rules"
	"github.com/junlov/quotey/pkg/money"
)

// classify re-classifies a domain/application error into the fixed
// interface taxonomy of §6/§7. Domain packages never import this package;
// the command boundary is the only place a Go error type crosses into a
// stable, user-safe error code.
func classify(err error) ErrorDetail {
	var illegal *flow.IllegalTransition
	var missing *rules.MissingPriceData
	var ambiguous *rules.AmbiguousBasePrice
	var constraint *rules.HardConstraintViolation

	switch {
	case errors.Is(err, quote.ErrNotFound):
		return ErrorDetail{Class: ErrorNotFound, Code: "quote_not_found", Message: err.Error()}
	case errors.Is(err, quote.ErrStaleVersion):
		return ErrorDetail{Class: ErrorConflict, Code: "stale_version", Message: err.Error(),
			Remediation: "re-read the quote and reapply the change"}
	case errors.Is(err, quote.ErrApprovalsOutstanding):
		return ErrorDetail{Class: ErrorConflict, Code: "approvals_outstanding", Message: err.Error()}
	case errors.As(err, &illegal):
		return ErrorDetail{Class: ErrorConflict, Code: "illegal_transition", Message: err.Error()}
	case errors.Is(err, approval.ErrStaleApproval):
		return ErrorDetail{Class: ErrorConflict, Code: "stale_approval", Message: err.Error()}
	case errors.Is(err, approval.ErrAlreadyDecided):
		return ErrorDetail{Class: ErrorConflict, Code: "decision_already_recorded", Message: err.Error()}
	case errors.Is(err, money.ErrCurrencyMismatch):
		return ErrorDetail{Class: ErrorCurrencyMismatch, Code: "currency_mismatch", Message: err.Error()}
	case errors.Is(err, money.ErrScaleViolation), errors.Is(err, money.ErrArithmeticOverflow):
		return ErrorDetail{Class: ErrorValidation, Code: "invalid_amount", Message: err.Error()}
	case errors.As(err, &missing):
		return ErrorDetail{Class: ErrorMissingData, Code: "missing_price_data", Message: err.Error()}
	case errors.As(err, &ambiguous):
		return ErrorDetail{Class: ErrorMissingData, Code: "ambiguous_base_price", Message: err.Error()}
	case errors.As(err, &constraint):
		return ErrorDetail{Class: ErrorPolicyViolation, Code: "hard_constraint_violation", Message: err.Error()}
	case errors.Is(err, ledger.ErrNotFound):
		return ErrorDetail{Class: ErrorNotFound, Code: "operation_not_found", Message: err.Error()}
	case errors.Is(err, ErrUnknownAction):
		return ErrorDetail{Class: ErrorValidation, Code: "unknown_action_kind", Message: err.Error()}
	case errors.Is(err, ErrInvalidPayload):
		return ErrorDetail{Class: ErrorValidation, Code: "invalid_payload", Message: err.Error()}
	default:
		return ErrorDetail{Class: ErrorInternal, Code: "internal_error", Message: "an internal error occurred"}
	}
}

// ErrUnknownAction is returned when a Command names an action_kind with no
// registered handler.
var ErrUnknownAction = fmt.Errorf("command: unknown action_kind")

// ErrInvalidPayload is returned when a Command's payload cannot be decoded
// into the shape its action_kind expects.
var ErrInvalidPayload = fmt.Errorf("command: invalid payload")
