package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/ids"
)

// Writer appends events to the stream. Append never mutates or deletes —
// the store is append-only by construction, matching §4.9's requirement
// that audit events outlive the quote aggregate they describe.
type Writer interface {
	Append(ctx context.Context, e Event) (Event, error)
}

// Appender is a Writer that can also append within an already-open
// transaction, so the audit row commits atomically with whatever domain
// mutation it describes instead of depending on a second, independent
// write. Callers holding a *sqlx.Tx from a domain store's own transition
// use AppendTx in place of Append.
type Appender interface {
	Writer
	AppendTx(ctx context.Context, tx *sqlx.Tx, e Event) (Event, error)
}

// Reader queries previously-appended events for replay/verification.
type Reader interface {
	ListByQuote(ctx context.Context, quoteID string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Store is the Postgres-backed implementation of Writer/Reader. When
// tamperEvidence is true, Append chains each event to the previous one
// written for the same quote_id (or the global stream for quote-less
// events) using blake3, per DESIGN.md's resolution of the hash-chain open
// question: off by default, opt-in via AuditConfig.TamperEvidence.
type Store struct {
	db             *sqlx.DB
	clock          ids.Clock
	tamperEvidence bool

	mu       sync.Mutex
	lastHash map[string]string
}

// NewStore builds a Store. tamperEvidence gates the blake3 chaining mode.
func NewStore(db *sqlx.DB, clock ids.Clock, tamperEvidence bool) *Store {
	return &Store{
		db:             db,
		clock:          clock,
		tamperEvidence: tamperEvidence,
		lastHash:       make(map[string]string),
	}
}

func chainKey(e Event) string {
	if e.QuoteID != nil {
		return *e.QuoteID
	}
	return "__global__"
}

const insertEventSQL = `
INSERT INTO audit_event (
	id, event_name, schema_version, timestamp_utc, trace_id, operation_id,
	correlation_id, component, actor_id, actor_type, severity,
	quote_id, quote_version, payload, idempotency_hit,
	prev_event_hash, event_hash
) VALUES (
	:id, :event_name, :schema_version, :timestamp_utc, :trace_id, :operation_id,
	:correlation_id, :component, :actor_id, :actor_type, :severity,
	:quote_id, :quote_version, :payload, :idempotency_hit,
	:prev_event_hash, :event_hash
)`

// namedExecer is satisfied by both *sqlx.DB and *sqlx.Tx, letting append
// write through whichever the caller holds open.
type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

// Append validates e, assigns an id/timestamp if unset, optionally computes
// the next hash-chain link, and persists it. The in-process lastHash cache
// is an optimization only: VerifyChain against the stored rows is always
// the source of truth, since multiple processes may append concurrently.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	return s.append(ctx, s.db, e)
}

// AppendTx is Append, but writes through tx instead of s.db, so the event
// row commits atomically with whatever the caller is doing inside tx.
func (s *Store) AppendTx(ctx context.Context, tx *sqlx.Tx, e Event) (Event, error) {
	return s.append(ctx, tx, e)
}

func (s *Store) append(ctx context.Context, ex namedExecer, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = ids.New(ids.PrefixEvent)
	}
	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = s.clock.Now()
	}
	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("audit: invalid event: %w", err)
	}

	if s.tamperEvidence {
		key := chainKey(e)
		s.mu.Lock()
		prev := s.lastHash[key]
		s.mu.Unlock()

		if prev == "" {
			prev = s.loadLastHash(ctx, key)
		}
		e.PrevEventHash = prev

		hash, err := linkHash(e, prev)
		if err != nil {
			return Event{}, fmt.Errorf("audit: computing chain hash: %w", err)
		}
		e.EventHash = hash

		s.mu.Lock()
		s.lastHash[key] = hash
		s.mu.Unlock()
	}

	if _, err := ex.NamedExecContext(ctx, insertEventSQL, e); err != nil {
		return Event{}, fmt.Errorf("audit: insert event: %w", err)
	}
	return e, nil
}

// loadLastHash recovers the tail hash for key from storage, used on first
// Append after process restart when the in-memory cache is cold.
func (s *Store) loadLastHash(ctx context.Context, key string) string {
	var row struct {
		EventHash string `db:"event_hash"`
	}
	var err error
	if key == "__global__" {
		err = s.db.GetContext(ctx, &row, `
			SELECT event_hash FROM audit_event
			WHERE quote_id IS NULL AND event_hash <> ''
			ORDER BY timestamp_utc DESC LIMIT 1`)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT event_hash FROM audit_event
			WHERE quote_id = $1 AND event_hash <> ''
			ORDER BY timestamp_utc DESC LIMIT 1`, key)
	}
	if err != nil {
		return ""
	}
	return row.EventHash
}

// ListByQuote returns every event for quoteID, oldest first.
func (s *Store) ListByQuote(ctx context.Context, quoteID string) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM audit_event WHERE quote_id = $1 ORDER BY timestamp_utc ASC`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("audit: list by quote: %w", err)
	}
	return events, nil
}

// ListRecent returns the most recent limit events across all streams,
// oldest first, for use by the periodic integrity-anchor job.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM (
			SELECT * FROM audit_event ORDER BY timestamp_utc DESC LIMIT $1
		) recent ORDER BY timestamp_utc ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list recent: %w", err)
	}
	return events, nil
}
