package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/ledger"
	"github.com/junlov/quotey/internal/quote"
)

// Handler is the command boundary: it normalizes a Command, reserves its
// operation_key in the idempotency ledger, and delegates to quote.Service.
// Grounded on internal/gasbank's external-request-to-domain-mutation shape,
// with the idempotency reservation from internal/ledger layered in front of
// it per §4.2/§6.
type Handler struct {
	ledger *ledger.Ledger
	quotes *quote.Service
	auditW audit.Writer
	clock  ids.Clock
}

// NewHandler builds a Handler.
func NewHandler(l *ledger.Ledger, quotes *quote.Service, auditW audit.Writer, clock ids.Clock) *Handler {
	return &Handler{ledger: l, quotes: quotes, auditW: auditW, clock: clock}
}

// Handle implements the flow of §2: normalize, derive operation_key,
// reserve, delegate, record response, emit reliability audit events.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	opKey, err := operationKey(cmd)
	if err != nil {
		return h.errorResponse(cmd, ErrorDetail{Class: ErrorValidation, Code: "invalid_payload", Message: err.Error()})
	}
	pHash, err := payloadHash(cmd.Payload)
	if err != nil {
		return h.errorResponse(cmd, ErrorDetail{Class: ErrorValidation, Code: "invalid_payload", Message: err.Error()})
	}

	outcome, err := h.ledger.Reserve(ctx, opKey, cmd.CorrelationID, pHash)
	if err != nil {
		return h.errorResponse(cmd, ErrorDetail{Class: ErrorInternal, Code: "ledger_reserve_failed", Message: err.Error()})
	}

	switch outcome.Status {
	case ledger.Completed:
		h.emitReliability(ctx, audit.EventIdempotencyHit, cmd, opKey)
		return Response{Status: StatusOK, ResultSnapshot: outcome.ResultSnapshot, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	case ledger.InProgress:
		return Response{Status: StatusPending, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	case ledger.FailedRetryable:
		var detail ErrorDetail
		_ = json.Unmarshal(outcome.ErrorSnapshot, &detail)
		return Response{Status: StatusError, Error: &detail, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	case ledger.FailedTerminal:
		var detail ErrorDetail
		_ = json.Unmarshal(outcome.ErrorSnapshot, &detail)
		return Response{Status: StatusRejected, Error: &detail, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	}

	h.emitReliability(ctx, audit.EventIdempotencyReserved, cmd, opKey)
	_ = h.ledger.MarkRunning(ctx, opKey)

	result, dispatchErr := h.dispatch(ctx, cmd, opKey)
	if dispatchErr != nil {
		detail := classify(dispatchErr)
		errSnapshot, _ := json.Marshal(detail)
		retryable := detail.Class == ErrorInternal || detail.Class == ErrorTimeout || detail.Class == ErrorRateLimit
		_ = h.ledger.Fail(ctx, opKey, errSnapshot, retryable)
		status := StatusRejected
		if retryable {
			status = StatusError
		}
		return Response{Status: status, Error: &detail, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	}

	resultSnapshot, err := json.Marshal(result)
	if err != nil {
		detail := ErrorDetail{Class: ErrorInternal, Code: "result_marshal_failed", Message: err.Error()}
		errSnapshot, _ := json.Marshal(detail)
		_ = h.ledger.Fail(ctx, opKey, errSnapshot, true)
		return Response{Status: StatusError, Error: &detail, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	}
	if err := h.ledger.Complete(ctx, opKey, resultSnapshot); err != nil {
		detail := ErrorDetail{Class: ErrorInternal, Code: "ledger_complete_failed", Message: err.Error()}
		return Response{Status: StatusError, Error: &detail, OperationID: opKey, CorrelationID: cmd.CorrelationID}
	}

	return Response{Status: StatusOK, ResultSnapshot: resultSnapshot, OperationID: opKey, CorrelationID: cmd.CorrelationID}
}

func (h *Handler) emitReliability(ctx context.Context, name string, cmd Command, opKey string) {
	e := audit.NewEvent(name, h.clock.Now())
	e.OperationID = opKey
	e.CorrelationID = cmd.CorrelationID
	e.Component = "command"
	e.ActorID = cmd.Actor.ID
	e.ActorType = audit.ActorType(cmd.Actor.Type)
	if cmd.AggregateID != "" {
		id := cmd.AggregateID
		e.QuoteID = &id
	}
	e.IdempotentHit = name == audit.EventIdempotencyHit
	_, _ = h.auditW.Append(ctx, e)
}

func (h *Handler) errorResponse(cmd Command, detail ErrorDetail) Response {
	return Response{Status: StatusError, Error: &detail, CorrelationID: cmd.CorrelationID}
}

func actorFrom(cmd Command) quote.Actor {
	return quote.Actor{ID: cmd.Actor.ID, Type: audit.ActorType(cmd.Actor.Type)}
}

// dispatch routes cmd to the quote.Service method named by its action_kind,
// decoding the action-specific payload shape.
func (h *Handler) dispatch(ctx context.Context, cmd Command, opKey string) (interface{}, error) {
	actor := actorFrom(cmd)

	switch cmd.ActionKind {
	case ActionCreateDraft:
		var p struct {
			AccountRef string `json:"account_ref"`
			DealRef    string `json:"deal_ref"`
			Currency   string `json:"currency"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			return nil, err
		}
		q, err := h.quotes.CreateDraft(ctx, p.AccountRef, p.DealRef, p.Currency, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionEditLine:
		var p editLinePayload
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			return nil, err
		}
		edit, err := p.toLineEdit()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
		q, err := h.quotes.EditLine(ctx, cmd.AggregateID, edit, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionValidate:
		q, err := h.quotes.Validate(ctx, cmd.AggregateID, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionPrice:
		var p struct {
			RequestedDiscount *string `json:"requested_discount"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			return nil, err
		}
		var discount *decimal.Decimal
		if p.RequestedDiscount != nil {
			d, err := decimal.NewFromString(*p.RequestedDiscount)
			if err != nil {
				return nil, fmt.Errorf("%w: requested_discount: %s", ErrInvalidPayload, err)
			}
			discount = &d
		}
		q, ps, err := h.quotes.Price(ctx, cmd.AggregateID, discount, actor, opKey, cmd.CorrelationID)
		if err != nil {
			return nil, err
		}
		return struct {
			Quote           quote.Quote           `json:"quote"`
			PricingSnapshot quote.PricingSnapshot `json:"pricing_snapshot"`
		}{q, ps}, nil

	case ActionRequestApproval:
		q, req, err := h.quotes.RequestApproval(ctx, cmd.AggregateID, actor, opKey, cmd.CorrelationID)
		if err != nil {
			return nil, err
		}
		return struct {
			Quote   quote.Quote      `json:"quote"`
			Request approval.Request `json:"approval_request"`
		}{q, req}, nil

	case ActionRecordApprovalDecision:
		var p struct {
			ApprovalID   string `json:"approval_id"`
			ActorID      string `json:"actor_id"`
			Role         string `json:"role"`
			DecisionType string `json:"decision_type"`
			DelegatedTo  string `json:"delegated_to"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			return nil, err
		}
		dec := approval.Decision{
			ApprovalID: p.ApprovalID, ActorID: p.ActorID, Role: p.Role,
			DecisionType: approval.DecisionType(p.DecisionType), DelegatedTo: p.DelegatedTo,
		}
		q, err := h.quotes.RecordApprovalDecision(ctx, cmd.AggregateID, p.ApprovalID, dec, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionFinalize:
		q, err := h.quotes.Finalize(ctx, cmd.AggregateID, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionSend:
		q, err := h.quotes.Send(ctx, cmd.AggregateID, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionCancel:
		var p struct {
			Reason string `json:"reason"`
		}
		if err := unmarshalPayload(cmd.Payload, &p); err != nil {
			return nil, err
		}
		q, err := h.quotes.Cancel(ctx, cmd.AggregateID, p.Reason, actor, opKey, cmd.CorrelationID)
		return q, err

	case ActionCloneAsRevision:
		q, err := h.quotes.CloneAsRevision(ctx, cmd.AggregateID, actor, opKey, cmd.CorrelationID)
		return q, err

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, cmd.ActionKind)
	}
}

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	return nil
}
