package quote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/internal/ids"
)

// Store persists quotes, lines, flow state, and pricing snapshots. Grounded
// on the teacher's sqlx repository shape already established in
// internal/ledger and internal/catalog, rather than the teacher's Supabase
// REST repository (infrastructure/database/generic_repository.go), which
// has no role here: this module talks to Postgres directly via sqlx/lib/pq.
type Store struct {
	db    *sqlx.DB
	clock ids.Clock
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB, clock ids.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// CreateQuote inserts a new quote in status draft at version 1, and its
// matching flow_state row. fn, if non-nil, runs inside the same
// transaction after both inserts succeed and before commit — the hook
// callers use to seed lines and emit the creation audit event atomically
// with the insert, the same pattern ApplyTransition uses for its own
// side effects.
func (s *Store) CreateQuote(ctx context.Context, q Quote, fn func(tx *sqlx.Tx, q Quote) error) (Quote, error) {
	now := s.clock.Now()
	if q.QuoteID == "" {
		q.QuoteID = ids.New(ids.PrefixQuote)
	}
	q.Version = 1
	q.Status = flow.StatusDraft
	q.CreatedAt = now
	q.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: create: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quote (quote_id, version, status, currency, account_ref, deal_ref, revision_of, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		q.QuoteID, q.Version, q.Status, q.Currency, q.AccountRef, q.DealRef, q.RevisionOf, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: insert quote: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_state (quote_id, current_step) VALUES ($1,$2)`,
		q.QuoteID, flow.ExpectedStep(q.Status))
	if err != nil {
		return Quote{}, fmt.Errorf("quote: insert flow state: %w", err)
	}

	if fn != nil {
		if err := fn(tx, q); err != nil {
			return Quote{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Quote{}, fmt.Errorf("quote: create: commit: %w", err)
	}
	return q, nil
}

// GetQuote loads a quote by id.
func (s *Store) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	var q Quote
	err := s.db.GetContext(ctx, &q, `SELECT * FROM quote WHERE quote_id = $1`, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("quote: get: %w", err)
	}
	return q, nil
}

// GetLines returns a quote's current lines.
func (s *Store) GetLines(ctx context.Context, quoteID string) ([]Line, error) {
	var lines []Line
	err := s.db.SelectContext(ctx, &lines, `SELECT * FROM quote_line WHERE quote_id = $1 ORDER BY line_id`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("quote: get lines: %w", err)
	}
	return lines, nil
}

// ReplaceLine upserts a single line by (quote_id, line_id).
func (s *Store) ReplaceLine(ctx context.Context, tx *sqlx.Tx, l Line) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quote_line (line_id, quote_id, sku, quantity, unit_price_override, requested_discount, attributes, billing_country, term)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (quote_id, line_id) DO UPDATE SET
			sku = EXCLUDED.sku, quantity = EXCLUDED.quantity,
			unit_price_override = EXCLUDED.unit_price_override,
			requested_discount = EXCLUDED.requested_discount,
			attributes = EXCLUDED.attributes,
			billing_country = EXCLUDED.billing_country,
			term = EXCLUDED.term`,
		l.LineID, l.QuoteID, l.SKU, l.Quantity, l.UnitPriceOverride, l.RequestedDiscount, l.Attributes, l.BillingCountry, l.Term)
	if err != nil {
		return fmt.Errorf("quote: replace line: %w", err)
	}
	return nil
}

// InsertLine inserts a line within tx, used by clone_as_revision's
// CreateQuote hook to seed a brand-new quote's lines atomically with its
// creation, before it has any concurrent writers.
func (s *Store) InsertLine(ctx context.Context, tx *sqlx.Tx, l Line) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quote_line (line_id, quote_id, sku, quantity, unit_price_override, requested_discount, attributes, billing_country, term)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.LineID, l.QuoteID, l.SKU, l.Quantity, l.UnitPriceOverride, l.RequestedDiscount, l.Attributes, l.BillingCountry, l.Term)
	if err != nil {
		return fmt.Errorf("quote: insert line: %w", err)
	}
	return nil
}

// TransitionInput bundles a version-bumping mutation applied transactionally
// with its flow-state coherence update.
type TransitionInput struct {
	QuoteID         string
	ExpectedVersion int64
	NewStatus       flow.Status
	SetCurrency     *string
	SetCatalogID    *string
	SetRulesetID    *string
	SetRevisionOf   *string
}

// ApplyTransition performs a version-bumping, flow-state-coherent mutation
// inside one transaction: UPDATE quote SET version = version+1, status =
// ... WHERE quote_id = $1 AND version = $2 (optimistic concurrency per §5's
// "loser retries by re-reading" policy), then syncs flow_state.current_step.
// Returns ErrStaleVersion if another writer already advanced the row.
func (s *Store) ApplyTransition(ctx context.Context, in TransitionInput, fn func(tx *sqlx.Tx, newVersion int64) error) (Quote, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: transition: begin tx: %w", err)
	}
	defer tx.Rollback()

	newVersion := in.ExpectedVersion + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE quote SET
			version = $1, status = $2, updated_at = $3,
			currency = COALESCE($4, currency),
			catalog_snapshot_id = COALESCE($5, catalog_snapshot_id),
			ruleset_snapshot_id = COALESCE($6, ruleset_snapshot_id)
		WHERE quote_id = $7 AND version = $8`,
		newVersion, in.NewStatus, s.clock.Now(), in.SetCurrency, in.SetCatalogID, in.SetRulesetID,
		in.QuoteID, in.ExpectedVersion)
	if err != nil {
		return Quote{}, fmt.Errorf("quote: transition: update quote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Quote{}, fmt.Errorf("quote: transition: rows affected: %w", err)
	}
	if n == 0 {
		return Quote{}, ErrStaleVersion
	}

	if _, err := tx.ExecContext(ctx, `UPDATE flow_state SET current_step = $1 WHERE quote_id = $2`,
		flow.ExpectedStep(in.NewStatus), in.QuoteID); err != nil {
		return Quote{}, fmt.Errorf("quote: transition: update flow state: %w", err)
	}

	if fn != nil {
		if err := fn(tx, newVersion); err != nil {
			return Quote{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Quote{}, fmt.Errorf("quote: transition: commit: %w", err)
	}
	return s.GetQuote(ctx, in.QuoteID)
}

// InsertPricingSnapshot writes an immutable pricing snapshot row within tx.
func (s *Store) InsertPricingSnapshot(ctx context.Context, tx *sqlx.Tx, ps PricingSnapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quote_pricing_snapshot (
			quote_id, quote_version, subtotal, discount_total, tax_total, total, currency,
			pricing_trace, required_approval_roles, approval_mode, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ps.QuoteID, ps.QuoteVersion, ps.SubtotalRaw, ps.DiscountRaw, ps.TaxRaw, ps.TotalRaw, ps.Currency,
		ps.Trace, ps.RequiredRoles, ps.ApprovalMode, ps.CreatedAt)
	if err != nil {
		return fmt.Errorf("quote: insert pricing snapshot: %w", err)
	}
	return nil
}

// GetLatestPricingSnapshot returns the most recent pricing snapshot for a
// quote (any version), used by request_approval to recover S70's routing
// decision from the last accepted pricing run.
func (s *Store) GetLatestPricingSnapshot(ctx context.Context, quoteID string) (PricingSnapshot, error) {
	var ps PricingSnapshot
	err := s.db.GetContext(ctx, &ps, `
		SELECT * FROM quote_pricing_snapshot WHERE quote_id = $1 ORDER BY quote_version DESC LIMIT 1`, quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return PricingSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PricingSnapshot{}, fmt.Errorf("quote: get latest pricing snapshot: %w", err)
	}
	return ps, nil
}

// marshalRoles is a small helper so callers don't each repeat the
// json.Marshal/must-not-fail dance for a []string field.
func marshalRoles(roles []string) json.RawMessage {
	if roles == nil {
		roles = []string{}
	}
	raw, _ := json.Marshal(roles)
	return raw
}
