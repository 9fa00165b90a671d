package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/ids"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("catalog: snapshot not found")

// ActivationInput carries the actor/correlation context required to emit
// the activation audit event, per spec.md §4.3 ("activation... writes an
// audit event").
type ActivationInput struct {
	ActorID       string
	ActorType     audit.ActorType
	OperationID   string
	CorrelationID string
}

// invalidator is satisfied by *Cache; declared narrowly here so Store
// depends on nothing but the one method it needs.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Store persists catalog and ruleset snapshots. Grounded on the teacher's
// generic repository pattern (infrastructure/database/generic_repository.go):
// plain CRUD plus one domain-specific atomic transition (Activate) layered
// on top, rather than a generic "update" escape hatch.
type Store struct {
	db    *sqlx.DB
	clock ids.Clock
	audit audit.Appender
	cache invalidator
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB, clock ids.Clock, auditWriter audit.Appender) *Store {
	return &Store{db: db, clock: clock, audit: auditWriter}
}

// SetCache wires a read-through cache in front of this store so
// ActivateCatalog/ActivateRuleset evict it the moment a new snapshot goes
// active, instead of waiting out the cache's TTL. A Store with no cache
// attached just skips invalidation.
func (s *Store) SetCache(c invalidator) {
	s.cache = c
}

func (s *Store) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	// Redis isn't covered by the Postgres transaction above; invalidation
	// is best-effort and self-heals via the cache's own TTL on failure.
	_ = s.cache.Invalidate(ctx)
}

// CreateCatalogDraft inserts a new draft catalog snapshot.
func (s *Store) CreateCatalogDraft(ctx context.Context, products []Product) (CatalogSnapshot, error) {
	cs := CatalogSnapshot{
		ID:        ids.New(ids.PrefixCatalog),
		Version:   1,
		Status:    StatusDraft,
		CreatedAt: s.clock.Now(),
		Products:  products,
	}
	payload, err := json.Marshal(products)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: marshal products: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_snapshot (id, version, status, created_at, products)
		VALUES ($1, $2, $3, $4, $5)`,
		cs.ID, cs.Version, cs.Status, cs.CreatedAt, payload)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: insert draft: %w", err)
	}
	return cs, nil
}

// CreateRulesetDraft inserts a new draft ruleset snapshot.
func (s *Store) CreateRulesetDraft(ctx context.Context, rules []Rule) (RulesetSnapshot, error) {
	rs := RulesetSnapshot{
		ID:        ids.New(ids.PrefixRuleset),
		Version:   1,
		Status:    StatusDraft,
		CreatedAt: s.clock.Now(),
		Rules:     rules,
	}
	payload, err := json.Marshal(rules)
	if err != nil {
		return RulesetSnapshot{}, fmt.Errorf("catalog: marshal rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ruleset_snapshot (id, version, status, created_at, rules)
		VALUES ($1, $2, $3, $4, $5)`,
		rs.ID, rs.Version, rs.Status, rs.CreatedAt, payload)
	if err != nil {
		return RulesetSnapshot{}, fmt.Errorf("catalog: insert draft: %w", err)
	}
	return rs, nil
}

// GetCatalog loads a catalog snapshot by id.
func (s *Store) GetCatalog(ctx context.Context, id string) (CatalogSnapshot, error) {
	var row struct {
		CatalogSnapshot
		ProductsRaw json.RawMessage `db:"products"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM catalog_snapshot WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogSnapshot{}, ErrNotFound
	}
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: get: %w", err)
	}
	cs := row.CatalogSnapshot
	if err := json.Unmarshal(row.ProductsRaw, &cs.Products); err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: decode products: %w", err)
	}
	return cs, nil
}

// GetRuleset loads a ruleset snapshot by id.
func (s *Store) GetRuleset(ctx context.Context, id string) (RulesetSnapshot, error) {
	var row struct {
		RulesetSnapshot
		RulesRaw json.RawMessage `db:"rules"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM ruleset_snapshot WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return RulesetSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RulesetSnapshot{}, fmt.Errorf("catalog: get: %w", err)
	}
	rs := row.RulesetSnapshot
	if err := json.Unmarshal(row.RulesRaw, &rs.Rules); err != nil {
		return RulesetSnapshot{}, fmt.Errorf("catalog: decode rules: %w", err)
	}
	return rs, nil
}

// GetActiveCatalog returns the current active catalog snapshot.
func (s *Store) GetActiveCatalog(ctx context.Context) (CatalogSnapshot, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT id FROM catalog_snapshot WHERE status = $1 LIMIT 1`, StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogSnapshot{}, ErrNotFound
	}
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("catalog: get active: %w", err)
	}
	return s.GetCatalog(ctx, id)
}

// GetActiveRuleset returns the current active ruleset snapshot.
func (s *Store) GetActiveRuleset(ctx context.Context) (RulesetSnapshot, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT id FROM ruleset_snapshot WHERE status = $1 LIMIT 1`, StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return RulesetSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RulesetSnapshot{}, fmt.Errorf("catalog: get active: %w", err)
	}
	return s.GetRuleset(ctx, id)
}

// ActivateCatalog lints cs, and if clean, atomically retires the current
// active catalog (if any) and promotes cs to active, writing an audit
// event inside the same transaction.
func (s *Store) ActivateCatalog(ctx context.Context, id string, in ActivationInput) error {
	cs, err := s.GetCatalog(ctx, id)
	if err != nil {
		return err
	}
	if cs.Status != StatusDraft {
		return fmt.Errorf("catalog: snapshot %s is not a draft (status=%s)", id, cs.Status)
	}
	if err := LintCatalog(cs); err != nil {
		return err
	}

	now := s.clock.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_snapshot SET status = $1 WHERE status = $2`,
		StatusRetired, StatusActive); err != nil {
		return fmt.Errorf("catalog: retire previous active: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_snapshot SET status = $1, activation_ts = $2 WHERE id = $3`,
		StatusActive, now, id); err != nil {
		return fmt.Errorf("catalog: activate: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{"catalog_snapshot_id": id, "version": cs.Version})
	e := audit.NewEvent("catalog.snapshot.activated", now)
	e.OperationID = in.OperationID
	e.CorrelationID = in.CorrelationID
	e.Component = "catalog"
	e.ActorID = in.ActorID
	e.ActorType = in.ActorType
	e.Payload = payload
	if _, err := s.audit.AppendTx(ctx, tx, e); err != nil {
		return fmt.Errorf("catalog: append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidateCache(ctx)
	return nil
}

// ActivateRuleset lints rs against the given catalog's known SKUs, and if
// clean, atomically retires the current active ruleset (if any) and
// promotes rs to active, writing an audit event inside the same
// transaction.
func (s *Store) ActivateRuleset(ctx context.Context, id string, catalogSnapshotID string, in ActivationInput) error {
	rs, err := s.GetRuleset(ctx, id)
	if err != nil {
		return err
	}
	if rs.Status != StatusDraft {
		return fmt.Errorf("catalog: snapshot %s is not a draft (status=%s)", id, rs.Status)
	}

	cs, err := s.GetCatalog(ctx, catalogSnapshotID)
	if err != nil {
		return fmt.Errorf("catalog: loading paired catalog for lint: %w", err)
	}
	knownSKUs := make(map[string]bool, len(cs.Products))
	for _, p := range cs.Products {
		knownSKUs[p.SKU] = true
	}
	if err := LintRuleset(rs, knownSKUs); err != nil {
		return err
	}

	now := s.clock.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ruleset_snapshot SET status = $1 WHERE status = $2`,
		StatusRetired, StatusActive); err != nil {
		return fmt.Errorf("catalog: retire previous active: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ruleset_snapshot SET status = $1, activation_ts = $2 WHERE id = $3`,
		StatusActive, now, id); err != nil {
		return fmt.Errorf("catalog: activate: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{"ruleset_snapshot_id": id, "version": rs.Version})
	e := audit.NewEvent("catalog.ruleset.activated", now)
	e.OperationID = in.OperationID
	e.CorrelationID = in.CorrelationID
	e.Component = "catalog"
	e.ActorID = in.ActorID
	e.ActorType = in.ActorType
	e.Payload = payload
	if _, err := s.audit.AppendTx(ctx, tx, e); err != nil {
		return fmt.Errorf("catalog: append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidateCache(ctx)
	return nil
}
