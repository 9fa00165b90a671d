package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/rules"
	"github.com/junlov/quotey/pkg/money"
)

// defaultApprovalSLAHours and defaultApprovalEscalationHours seed the
// approval.Resolution this service builds from a PricingResult's S70
// output, which (unlike approval.Resolve's ThresholdMatch-based path)
// carries no SLA/escalation fields of its own. §8 scenario 3 pins
// sla_hours=4 for the worked discount-exception example.
const (
	defaultApprovalSLAHours        = 4
	defaultApprovalEscalationHours = 8
	// discountExceptionRole is required whenever a line's policy cap was
	// exceeded and clamped at S60: the clamp is silent to the requester,
	// but a human still has to sign off on having requested more than
	// policy allows in the first place.
	discountExceptionRole = "sales_manager"
)

// Actor identifies who/what invoked an operation, carried into every audit
// event this service emits.
type Actor struct {
	ID   string
	Type audit.ActorType
}

// Service implements the ten operations of spec.md §4.5, each wired through
// the Flow Engine for legality, the Rule Evaluation Engine for pricing, the
// Approval Engine for governance, the Execution Queue for side effects, and
// the Audit Event Stream for observability. Grounded on internal/gasbank's
// mutex-free, DB-is-the-lock repository style (state lives in Postgres;
// the struct itself holds only collaborators).
type Service struct {
	store     *Store
	snapshots catalog.ActiveSnapshotLoader
	engine    *rules.Engine
	approvals *approval.Store
	queue     *queue.Store
	auditW    audit.Appender
	clock     ids.Clock
}

// NewService builds a Service.
func NewService(store *Store, snapshots catalog.ActiveSnapshotLoader, engine *rules.Engine, approvals *approval.Store, q *queue.Store, auditW audit.Appender, clock ids.Clock) *Service {
	return &Service{store: store, snapshots: snapshots, engine: engine, approvals: approvals, queue: q, auditW: auditW, clock: clock}
}

// emit appends an audit event outside of any transaction, for the cases
// that have no mutation to be atomic with: a rejected transition, or a
// stale/invalid action that never touched the aggregate.
func (s *Service) emit(ctx context.Context, name string, actor Actor, opID, corrID string, quoteID string, version int64, payload interface{}) {
	raw, _ := json.Marshal(payload)
	e := audit.NewEvent(name, s.clock.Now())
	e.OperationID = opID
	e.CorrelationID = corrID
	e.Component = "quote"
	e.ActorID = actor.ID
	e.ActorType = actor.Type
	e.QuoteID = &quoteID
	e.QuoteVersion = &version
	e.Payload = raw
	_, _ = s.auditW.Append(ctx, e)
}

// emitTx is emit, but appends through tx: every operation that mutates the
// aggregate uses this from inside its ApplyTransition/CreateQuote hook, so
// the audit row commits in the same transaction as the mutation it
// describes rather than racing a crash between the two.
func (s *Service) emitTx(ctx context.Context, tx *sqlx.Tx, name string, actor Actor, opID, corrID string, quoteID string, version int64, payload interface{}) error {
	raw, _ := json.Marshal(payload)
	e := audit.NewEvent(name, s.clock.Now())
	e.OperationID = opID
	e.CorrelationID = corrID
	e.Component = "quote"
	e.ActorID = actor.ID
	e.ActorType = actor.Type
	e.QuoteID = &quoteID
	e.QuoteVersion = &version
	e.Payload = raw
	_, err := s.auditW.AppendTx(ctx, tx, e)
	return err
}

// CreateDraft implements create_draft.
func (s *Service) CreateDraft(ctx context.Context, accountRef, dealRef, currency string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.CreateQuote(ctx, Quote{AccountRef: accountRef, DealRef: dealRef, Currency: currency},
		func(tx *sqlx.Tx, created Quote) error {
			return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, created.QuoteID, created.Version,
				map[string]interface{}{"to": created.Status, "trigger": "create_draft"})
		})
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}

// EditLine implements edit_line: upserts lines, applies the material-change
// predicate, and if material, returns a priced, approval or approved quote
// to draft and invalidates its outstanding approval request.
func (s *Service) EditLine(ctx context.Context, quoteID string, edit LineEdit, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if flow.IsTerminal(q.Status) {
		return Quote{}, &flow.IllegalTransition{From: q.Status, To: q.Status, Reason: "quote is in a terminal state"}
	}
	before, err := s.store.GetLines(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	if edit.LineID == "" {
		edit.LineID = ids.New(ids.PrefixLine)
	}
	newLine, err := buildLine(quoteID, edit)
	if err != nil {
		return Quote{}, err
	}
	after := upsertLine(before, newLine)

	material := materialChange(before, after, false)
	newStatus := q.Status
	invalidates := false
	if material && q.Status != flow.StatusDraft && q.Status != flow.StatusValidated {
		if err := flow.Validate(q.Status, flow.StatusDraft); err != nil {
			return Quote{}, err
		}
		newStatus = flow.StatusDraft
		invalidates = q.Status == flow.StatusApproval || q.Status == flow.StatusApproved
	}

	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: newStatus,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		if err := s.store.ReplaceLine(ctx, tx, newLine); err != nil {
			return err
		}
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"line_id": newLine.LineID, "material_change": material, "to": newStatus})
	})
	if err != nil {
		return Quote{}, err
	}

	if invalidates {
		if req, gerr := s.approvals.GetLatestForQuoteVersion(ctx, quoteID, q.Version); gerr == nil {
			_ = s.approvals.Invalidate(ctx, req.ApprovalID)
		}
	}

	return updated, nil
}

func buildLine(quoteID string, e LineEdit) (Line, error) {
	l := Line{LineID: e.LineID, QuoteID: quoteID, SKU: e.SKU, Quantity: e.Quantity, BillingCountry: e.BillingCountry, Term: e.Term}
	if e.UnitPriceOverride != nil {
		v := e.UnitPriceOverride.Decimal().String()
		l.UnitPriceOverride = &v
	}
	if e.RequestedDiscount != nil {
		v := e.RequestedDiscount.String()
		l.RequestedDiscount = &v
	}
	attrs := map[string]interface{}{}
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	if e.CustomLegalFields != nil {
		attrs[customLegalFieldsKey] = e.CustomLegalFields
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return Line{}, fmt.Errorf("quote: marshal line attributes: %w", err)
	}
	l.Attributes = raw
	return l, nil
}

func upsertLine(lines []Line, l Line) []Line {
	out := make([]Line, 0, len(lines)+1)
	found := false
	for _, existing := range lines {
		if existing.LineID == l.LineID {
			out = append(out, l)
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, l)
	}
	return out
}

// Validate implements validate: draft -> validated once required fields are
// present (currency set, at least one line, every line has a positive
// quantity and a SKU).
func (s *Service) Validate(ctx context.Context, quoteID string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	lines, err := s.store.GetLines(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if q.Currency == "" {
		return Quote{}, fmt.Errorf("quote: validate: currency not set")
	}
	if len(lines) == 0 {
		return Quote{}, fmt.Errorf("quote: validate: no lines")
	}
	for _, l := range lines {
		if l.SKU == "" || l.Quantity <= 0 {
			return Quote{}, fmt.Errorf("quote: validate: line %s missing sku or non-positive quantity", l.LineID)
		}
	}

	if err := flow.Validate(q.Status, flow.StatusValidated); err != nil {
		s.emit(ctx, audit.EventLifecycleTransitionRejected, actor, opID, corrID, quoteID, q.Version,
			map[string]interface{}{"from": q.Status, "to": flow.StatusValidated, "reason": err.Error()})
		return Quote{}, err
	}

	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusValidated,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"from": q.Status, "to": flow.StatusValidated})
	})
	if err != nil {
		return Quote{}, err
	}
	return updated, nil
}

// Price implements price(requested_discount?): runs the S10-S80 pipeline
// against the active catalog/ruleset snapshots, writes an immutable pricing
// snapshot, and transitions validated -> priced.
func (s *Service) Price(ctx context.Context, quoteID string, requestedDiscount *decimal.Decimal, actor Actor, opID, corrID string) (Quote, PricingSnapshot, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, PricingSnapshot{}, err
	}
	if err := flow.Validate(q.Status, flow.StatusPriced); err != nil {
		return Quote{}, PricingSnapshot{}, err
	}
	lines, err := s.store.GetLines(ctx, quoteID)
	if err != nil {
		return Quote{}, PricingSnapshot{}, err
	}

	cs, err := s.snapshots.GetActiveCatalog(ctx)
	if err != nil {
		return Quote{}, PricingSnapshot{}, fmt.Errorf("quote: price: load catalog snapshot: %w", err)
	}
	rs, err := s.snapshots.GetActiveRuleset(ctx)
	if err != nil {
		return Quote{}, PricingSnapshot{}, fmt.Errorf("quote: price: load ruleset snapshot: %w", err)
	}

	evalCtx := rules.EvalContext{
		Account: q.AccountRef, Currency: q.Currency,
		CatalogSnapshotID: cs.ID, RulesetSnapshotID: rs.ID,
	}
	for _, l := range lines {
		li := rules.LineInput{LineID: l.LineID, SKU: l.SKU, Quantity: l.Quantity}
		if l.UnitPriceOverride != nil {
			m, err := money.New(*l.UnitPriceOverride, q.Currency)
			if err != nil {
				return Quote{}, PricingSnapshot{}, err
			}
			li.UnitPriceOverride = &m
		}
		if l.RequestedDiscount != nil {
			d, err := decimal.NewFromString(*l.RequestedDiscount)
			if err != nil {
				return Quote{}, PricingSnapshot{}, err
			}
			li.RequestedDiscount = &d
		}
		var attrs map[string]interface{}
		_ = json.Unmarshal(l.Attributes, &attrs)
		li.Attributes = attrs
		evalCtx.Lines = append(evalCtx.Lines, li)
	}

	result, err := s.engine.Evaluate(evalCtx, rs, cs, requestedDiscount)
	if err != nil {
		return Quote{}, PricingSnapshot{}, err
	}

	ps, err := buildPricingSnapshot(quoteID, q.Version+1, q.Currency, result, s.clock.Now())
	if err != nil {
		return Quote{}, PricingSnapshot{}, err
	}

	csID, rsID := cs.ID, rs.ID
	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusPriced,
		SetCatalogID: &csID, SetRulesetID: &rsID,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		ps.QuoteVersion = newVersion
		if err := s.store.InsertPricingSnapshot(ctx, tx, ps); err != nil {
			return err
		}
		return s.emitTx(ctx, tx, audit.EventPricingEvaluateCompleted, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"total": ps.TotalRaw, "requires_approval": ps.RequiresApproval()})
	})
	if err != nil {
		return Quote{}, PricingSnapshot{}, err
	}

	return updated, ps, nil
}

func buildPricingSnapshot(quoteID string, version int64, currency string, result rules.PricingResult, now time.Time) (PricingSnapshot, error) {
	subtotal := money.Zero(currency)
	finalTotal := money.Zero(currency)
	var err error
	for _, lr := range result.Lines {
		preDiscount, mErr := lr.AdjustedUnitPrice.MulScalar(decimal.NewFromInt(lr.Quantity))
		if mErr != nil {
			return PricingSnapshot{}, mErr
		}
		subtotal, err = subtotal.Add(preDiscount)
		if err != nil {
			return PricingSnapshot{}, err
		}
		finalTotal, err = finalTotal.Add(lr.LineTotal)
		if err != nil {
			return PricingSnapshot{}, err
		}
	}
	discountTotal, err := subtotal.Sub(finalTotal)
	if err != nil {
		return PricingSnapshot{}, err
	}
	taxTotal := money.Zero(currency) // tax integration out of scope, §"Non-goals"

	roles := result.RequiredApprovalRoles
	for _, lr := range result.Lines {
		if lr.PolicyCapApplied {
			roles = appendIfMissing(roles, discountExceptionRole)
		}
	}

	traceRaw, err := json.Marshal(result.Trace)
	if err != nil {
		return PricingSnapshot{}, err
	}

	return PricingSnapshot{
		QuoteID: quoteID, QuoteVersion: version, Currency: currency,
		Subtotal: subtotal, DiscountTotal: discountTotal, TaxTotal: taxTotal, Total: finalTotal,
		SubtotalRaw: subtotal.String(), DiscountRaw: discountTotal.String(),
		TaxRaw: taxTotal.String(), TotalRaw: finalTotal.String(),
		Trace: traceRaw, RequiredRoles: marshalRoles(roles), ApprovalMode: result.ApprovalMode,
		CreatedAt: now,
	}, nil
}

func appendIfMissing(roles []string, role string) []string {
	for _, r := range roles {
		if r == role {
			return roles
		}
	}
	return append(roles, role)
}

// RequestApproval implements request_approval: priced -> approval, creating
// an ApprovalRequest bound to (quote_id, quote_version, policy_snapshot_id)
// from the latest pricing run's S70 output.
func (s *Service) RequestApproval(ctx context.Context, quoteID string, actor Actor, opID, corrID string) (Quote, approval.Request, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, approval.Request{}, err
	}
	ps, err := s.store.GetLatestPricingSnapshot(ctx, quoteID)
	if err != nil {
		return Quote{}, approval.Request{}, err
	}
	if ps.QuoteVersion != q.Version {
		return Quote{}, approval.Request{}, ErrStaleVersion
	}
	if !ps.RequiresApproval() {
		return Quote{}, approval.Request{}, fmt.Errorf("quote: request_approval: no approval required for current pricing")
	}

	var roles []string
	_ = json.Unmarshal(ps.RequiredRoles, &roles)
	res := approval.Resolution{
		RequiredRoleSet: roles, Mode: approval.Mode(ps.ApprovalMode),
		SLAHours: defaultApprovalSLAHours, EscalationHours: defaultApprovalEscalationHours,
	}

	if err := flow.Validate(q.Status, flow.StatusApproval); err != nil {
		return Quote{}, approval.Request{}, err
	}

	policySnapshotID := ""
	if q.RulesetSnapshotID != nil {
		policySnapshotID = *q.RulesetSnapshotID
	}
	req, err := s.approvals.Create(ctx, quoteID, q.Version, policySnapshotID, res)
	if err != nil {
		return Quote{}, approval.Request{}, err
	}

	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusApproval,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		return s.emitTx(ctx, tx, audit.EventApprovalRequestCreated, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"approval_id": req.ApprovalID, "required_role_set": roles, "mode": req.Mode})
	})
	if err != nil {
		return Quote{}, approval.Request{}, err
	}

	return updated, req, nil
}

// RecordApprovalDecision implements record_approval_decision. A decision
// that names a DelegatedTo actor is only honored when the delegate's role
// dominates the role the decision is recorded against, per §8 scenario 3;
// the role ladder is read off the active ruleset's approval_threshold
// rules, the same source the S70 pricing stage resolves roles from.
func (s *Service) RecordApprovalDecision(ctx context.Context, quoteID, approvalID string, dec approval.Decision, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	req, err := s.approvals.Get(ctx, approvalID)
	if err != nil {
		return Quote{}, err
	}
	dec.QuoteVersion = q.Version

	if dec.DelegatedTo != "" {
		rs, rerr := s.snapshots.GetActiveRuleset(ctx)
		if rerr != nil {
			return Quote{}, fmt.Errorf("quote: record_approval_decision: load ruleset for delegation check: %w", rerr)
		}
		if !approval.CanDelegate(buildRoleLadder(rs), dec.Role, dec.DelegatedTo) {
			s.emit(ctx, audit.EventApprovalStaleRejected, actor, opID, corrID, quoteID, q.Version,
				map[string]interface{}{"approval_id": approvalID, "role": dec.Role, "delegated_to": dec.DelegatedTo,
					"error": ErrDelegationNotPermitted.Error()})
			return Quote{}, ErrDelegationNotPermitted
		}
	}

	if err := s.approvals.RecordDecision(ctx, req, dec, q.Version); err != nil {
		s.emit(ctx, audit.EventApprovalStaleRejected, actor, opID, corrID, quoteID, q.Version,
			map[string]interface{}{"approval_id": approvalID, "error": err.Error()})
		return Quote{}, err
	}
	s.emit(ctx, audit.EventApprovalDecisionRecorded, actor, opID, corrID, quoteID, q.Version,
		map[string]interface{}{"approval_id": approvalID, "decision": dec.DecisionType, "role": dec.Role})

	switch dec.DecisionType {
	case approval.DecisionReject:
		updated, err := s.store.ApplyTransition(ctx, TransitionInput{
			QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusRejected,
		}, func(tx *sqlx.Tx, newVersion int64) error {
			return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
				map[string]interface{}{"from": q.Status, "to": flow.StatusRejected, "approval_id": approvalID})
		})
		if err != nil {
			return Quote{}, err
		}
		return updated, nil
	case approval.DecisionApprove:
		completed, err := s.approvals.Complete(ctx, req)
		if err != nil {
			return Quote{}, err
		}
		if !completed {
			return q, nil
		}
		updated, err := s.store.ApplyTransition(ctx, TransitionInput{
			QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusApproved,
		}, func(tx *sqlx.Tx, newVersion int64) error {
			return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
				map[string]interface{}{"from": q.Status, "to": flow.StatusApproved, "approval_id": approvalID})
		})
		if err != nil {
			return Quote{}, err
		}
		return updated, nil
	default:
		return q, nil
	}
}

// buildRoleLadder scans rs's approval_threshold rules for their (role,
// authority_rank) payload fields, the same shape internal/rules.Engine
// decodes at S70, and folds them into a RoleLadder. A role that appears in
// more than one rule keeps its highest-seen rank.
func buildRoleLadder(rs catalog.RulesetSnapshot) approval.RoleLadder {
	ladder := approval.RoleLadder{}
	for _, r := range rs.Rules {
		if r.Family != catalog.FamilyApprovalThresh {
			continue
		}
		var p struct {
			Role          string `json:"role"`
			AuthorityRank int    `json:"authority_rank"`
		}
		if err := json.Unmarshal(r.Payload, &p); err != nil || p.Role == "" {
			continue
		}
		if existing, ok := ladder[p.Role]; !ok || p.AuthorityRank > existing {
			ladder[p.Role] = p.AuthorityRank
		}
	}
	return ladder
}

// Finalize implements finalize: priced -> finalized (no approval required)
// or approved -> finalized (version still bound to the approval), then
// enqueues the CRM writeback and document render side effects.
func (s *Service) Finalize(ctx context.Context, quoteID string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	if q.Status == flow.StatusPriced {
		ps, err := s.store.GetLatestPricingSnapshot(ctx, quoteID)
		if err != nil {
			return Quote{}, err
		}
		if ps.QuoteVersion == q.Version && ps.RequiresApproval() {
			return Quote{}, ErrApprovalsOutstanding
		}
	}

	if err := flow.Validate(q.Status, flow.StatusFinalized); err != nil {
		return Quote{}, err
	}
	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusFinalized,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		if err := s.enqueueSideEffectTx(ctx, tx, quoteID, newVersion, queue.OpCRMWriteback,
			map[string]interface{}{"reason": "finalized"}); err != nil {
			return err
		}
		if err := s.enqueueSideEffectTx(ctx, tx, quoteID, newVersion, queue.OpPDFRender,
			map[string]interface{}{"template": "standard_quote"}); err != nil {
			return err
		}
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"from": q.Status, "to": flow.StatusFinalized})
	})
	if err != nil {
		return Quote{}, err
	}
	return updated, nil
}

// Send implements send: finalized -> sent, notifying via the adapter
// boundary.
func (s *Service) Send(ctx context.Context, quoteID string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if err := flow.Validate(q.Status, flow.StatusSent); err != nil {
		return Quote{}, err
	}
	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusSent,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		if err := s.enqueueSideEffectTx(ctx, tx, quoteID, newVersion, queue.OpSlackMessage,
			map[string]interface{}{"event": "quote_sent"}); err != nil {
			return err
		}
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"from": q.Status, "to": flow.StatusSent})
	})
	if err != nil {
		return Quote{}, err
	}
	return updated, nil
}

// Cancel implements cancel: any non-terminal -> cancelled.
func (s *Service) Cancel(ctx context.Context, quoteID, reason string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if err := flow.Validate(q.Status, flow.StatusCancelled); err != nil {
		return Quote{}, err
	}
	updated, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusCancelled,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"from": q.Status, "to": flow.StatusCancelled, "reason": reason})
	})
	if err != nil {
		return Quote{}, err
	}
	return updated, nil
}

// CloneAsRevision implements clone_as_revision: the source quote moves to
// revised (a terminal status; revisions create a new lineage per §3's
// invariant), and a new quote is created in draft referencing it via
// RevisionOf, with its lines copied.
func (s *Service) CloneAsRevision(ctx context.Context, quoteID string, actor Actor, opID, corrID string) (Quote, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if err := flow.Validate(q.Status, flow.StatusRevised); err != nil {
		return Quote{}, err
	}
	lines, err := s.store.GetLines(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	revisionOf := q.QuoteID
	next, err := s.store.CreateQuote(ctx, Quote{
		AccountRef: q.AccountRef, DealRef: q.DealRef, Currency: q.Currency, RevisionOf: &revisionOf,
	}, func(tx *sqlx.Tx, created Quote) error {
		for _, l := range lines {
			l.QuoteID = created.QuoteID
			if err := s.store.InsertLine(ctx, tx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	if _, err := s.store.ApplyTransition(ctx, TransitionInput{
		QuoteID: quoteID, ExpectedVersion: q.Version, NewStatus: flow.StatusRevised,
	}, func(tx *sqlx.Tx, newVersion int64) error {
		return s.emitTx(ctx, tx, audit.EventLifecycleTransitionApplied, actor, opID, corrID, quoteID, newVersion,
			map[string]interface{}{"from": q.Status, "to": flow.StatusRevised, "revision_quote_id": next.QuoteID})
	}); err != nil {
		return Quote{}, err
	}

	return next, nil
}

// enqueueSideEffectTx enqueues a task inside tx, so it commits atomically
// with the mutation that produced it, per §4.8.
func (s *Service) enqueueSideEffectTx(ctx context.Context, tx *sqlx.Tx, quoteID string, version int64, kind queue.OperationKind, payload map[string]interface{}) error {
	raw, _ := json.Marshal(payload)
	idemKey := fmt.Sprintf("%s:%s:v%d", quoteID, kind, version)
	_, err := s.queue.EnqueueTx(ctx, tx, queue.Task{
		QuoteID: quoteID, QuoteVersion: version, OperationKind: kind,
		Payload: raw, IdempotencyKey: idemKey, MaxRetries: queue.DefaultMatrix()[kind].MaxRetries,
	})
	return err
}
