package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/ids"
)

// State is approval_request.state, §3.
type State string

const (
	StatePending    State = "pending"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
	StateEscalated   State = "escalated"
	StateDelegated   State = "delegated"
	StateExpired     State = "expired"
	StateInvalidated State = "invalidated_version_change"
)

// DecisionType is what an actor recorded.
type DecisionType string

const (
	DecisionApprove  DecisionType = "approve"
	DecisionReject   DecisionType = "reject"
	DecisionDelegate DecisionType = "delegate"
)

// Request is one approval_request row, bound to (quote_id, quote_version,
// policy_snapshot_id) per §3.
type Request struct {
	ApprovalID        string    `db:"approval_id"`
	QuoteID           string    `db:"quote_id"`
	QuoteVersion      int64     `db:"quote_version"`
	PolicySnapshotID  string    `db:"policy_snapshot_id"`
	RequiredRoleSet   []string  `db:"-"`
	Mode              Mode      `db:"mode"`
	SLAHours          int       `db:"sla_hours"`
	EscalationHours   int       `db:"escalation_hours"`
	State             State     `db:"state"`
	CreatedAt         time.Time `db:"created_at"`
	RemindAt          time.Time `db:"remind_at"`
	EscalateAt        time.Time `db:"escalate_at"`
}

// Decision is one immutable recorded decision.
type Decision struct {
	ApprovalID   string       `db:"approval_id"`
	QuoteVersion int64        `db:"quote_version"`
	ActorID      string       `db:"actor_id"`
	Role         string       `db:"role"`
	DecisionType DecisionType `db:"decision_type"`
	DecidedAt    time.Time    `db:"decided_at"`
	DelegatedTo  string       `db:"delegated_to,omitempty"`
}

// ErrStaleApproval is returned when a decision targets a quote_version
// older than the quote's current version, or when the request has been
// invalidated or has expired.
var ErrStaleApproval = errors.New("approval: stale action rejected")

// ErrAlreadyDecided is returned when the same (approval_request_id,
// quote_version, actor_id, decision_type) tuple was already recorded,
// making the decision idempotent rather than duplicated.
var ErrAlreadyDecided = errors.New("approval: decision already recorded")

// Store persists approval requests and decisions.
type Store struct {
	db    *sqlx.DB
	clock ids.Clock
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB, clock ids.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Create inserts a new pending approval request for res, bound to
// (quoteID, quoteVersion, policySnapshotID).
func (s *Store) Create(ctx context.Context, quoteID string, quoteVersion int64, policySnapshotID string, res Resolution) (Request, error) {
	now := s.clock.Now()
	req := Request{
		ApprovalID:       ids.New(ids.PrefixApproval),
		QuoteID:          quoteID,
		QuoteVersion:     quoteVersion,
		PolicySnapshotID: policySnapshotID,
		RequiredRoleSet:  res.RequiredRoleSet,
		Mode:             res.Mode,
		SLAHours:         res.SLAHours,
		EscalationHours:  res.EscalationHours,
		State:            StatePending,
		CreatedAt:        now,
		RemindAt:         now.Add(time.Duration(res.SLAHours) * time.Hour),
		EscalateAt:       now.Add(time.Duration(res.EscalationHours) * time.Hour),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_request (
			approval_id, quote_id, quote_version, policy_snapshot_id, required_role_set,
			mode, sla_hours, escalation_hours, state, created_at, remind_at, escalate_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.ApprovalID, req.QuoteID, req.QuoteVersion, req.PolicySnapshotID, rolesToPG(req.RequiredRoleSet),
		req.Mode, req.SLAHours, req.EscalationHours, req.State, req.CreatedAt, req.RemindAt, req.EscalateAt)
	if err != nil {
		return Request{}, fmt.Errorf("approval: create request: %w", err)
	}
	return req, nil
}

// Get loads a request by id.
func (s *Store) Get(ctx context.Context, approvalID string) (Request, error) {
	var req Request
	err := s.db.GetContext(ctx, &req, `SELECT * FROM approval_request WHERE approval_id = $1`, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("approval: request %s not found", approvalID)
	}
	if err != nil {
		return Request{}, fmt.Errorf("approval: get: %w", err)
	}
	return req, nil
}

// RecordDecision validates staleness and idempotency, then records dec. It
// does not change req.state; Complete applies the completion rule and
// advances the request. currentQuoteVersion
// is read from the quote aggregate at call time (not the request's pinned
// version) so a decision against a superseded version is rejected.
func (s *Store) RecordDecision(ctx context.Context, req Request, dec Decision, currentQuoteVersion int64) error {
	if dec.QuoteVersion < currentQuoteVersion || req.State == StateInvalidated || req.State == StateExpired {
		return ErrStaleApproval
	}

	var exists int
	err := s.db.GetContext(ctx, &exists, `
		SELECT COUNT(*) FROM approval_decision
		WHERE approval_id = $1 AND quote_version = $2 AND actor_id = $3 AND decision_type = $4`,
		dec.ApprovalID, dec.QuoteVersion, dec.ActorID, dec.DecisionType)
	if err != nil {
		return fmt.Errorf("approval: checking idempotency: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyDecided
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_decision (approval_id, quote_version, actor_id, role, decision_type, decided_at, delegated_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		dec.ApprovalID, dec.QuoteVersion, dec.ActorID, dec.Role, dec.DecisionType, s.clock.Now(), dec.DelegatedTo); err != nil {
		return fmt.Errorf("approval: record decision: %w", err)
	}

	return nil
}

// Complete evaluates whether every required role in req now has an
// approved decision for req.QuoteVersion, per the completion rule of §4.7,
// and if so transitions req to approved.
func (s *Store) Complete(ctx context.Context, req Request) (bool, error) {
	var approvedRoles []string
	err := s.db.SelectContext(ctx, &approvedRoles, `
		SELECT DISTINCT role FROM approval_decision
		WHERE approval_id = $1 AND quote_version = $2 AND decision_type = $3`,
		req.ApprovalID, req.QuoteVersion, DecisionApprove)
	if err != nil {
		return false, fmt.Errorf("approval: checking completion: %w", err)
	}
	have := make(map[string]bool, len(approvedRoles))
	for _, r := range approvedRoles {
		have[r] = true
	}
	for _, required := range req.RequiredRoleSet {
		if !have[required] {
			return false, nil
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE approval_request SET state = $1 WHERE approval_id = $2`,
		StateApproved, req.ApprovalID); err != nil {
		return false, fmt.Errorf("approval: marking approved: %w", err)
	}
	return true, nil
}

// Invalidate marks a request invalidated_version_change unconditionally,
// per §8's material-change scenario: a material edit after approval
// invalidates the prior version's ApprovalRequest even if it was already
// approved — the approval was bound to a version that no longer exists.
func (s *Store) Invalidate(ctx context.Context, approvalID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approval_request SET state = $1 WHERE approval_id = $2`,
		StateInvalidated, approvalID)
	if err != nil {
		return fmt.Errorf("approval: invalidate: %w", err)
	}
	return nil
}

// GetLatestForQuoteVersion returns the most recent approval request bound
// to (quoteID, quoteVersion), regardless of state, for the material-change
// invalidation path.
func (s *Store) GetLatestForQuoteVersion(ctx context.Context, quoteID string, quoteVersion int64) (Request, error) {
	var req Request
	err := s.db.GetContext(ctx, &req, `
		SELECT * FROM approval_request WHERE quote_id = $1 AND quote_version = $2
		ORDER BY created_at DESC LIMIT 1`, quoteID, quoteVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("approval: no request for quote %s version %d", quoteID, quoteVersion)
	}
	if err != nil {
		return Request{}, fmt.Errorf("approval: get latest for quote version: %w", err)
	}
	return req, nil
}

func rolesToPG(roles []string) string {
	out := "{"
	for i, r := range roles {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out + "}"
}
