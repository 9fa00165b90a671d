package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/ids"
)

// State is the idempotency entry lifecycle, §3. Transitions are append-only:
// a row is inserted reserved and only ever moves forward.
type State string

const (
	StateReserved        State = "reserved"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

// Entry is one idempotency_ledger row.
type Entry struct {
	OperationKey   string          `db:"operation_key"`
	State          State           `db:"state"`
	AttemptCount   int             `db:"attempt_count"`
	FirstSeenAt    time.Time       `db:"first_seen_at"`
	LastSeenAt     time.Time       `db:"last_seen_at"`
	ResultSnapshot json.RawMessage `db:"result_snapshot"`
	ErrorSnapshot  json.RawMessage `db:"error_snapshot"`
	CorrelationID  string          `db:"correlation_id"`
	ExpiresAt      time.Time       `db:"expires_at"`
}

// Outcome is the result of Reserve, discriminated by Status.
type Outcome struct {
	Status         OutcomeStatus
	ResultSnapshot json.RawMessage
	ErrorSnapshot  json.RawMessage
	CorrelationID  string
}

// OutcomeStatus enumerates the reserve() results of spec.md §4.2: Fresh for
// a newly reserved key, or one of four dispositions of an existing entry.
type OutcomeStatus string

const (
	Fresh           OutcomeStatus = "fresh"
	Completed       OutcomeStatus = "completed"
	InProgress      OutcomeStatus = "in_progress"
	FailedRetryable OutcomeStatus = "failed_retryable"
	FailedTerminal  OutcomeStatus = "failed_terminal"
)

// ErrNotFound is returned by Lookup when no entry exists for the key.
var ErrNotFound = errors.New("ledger: entry not found")

// Ledger is the public API named in spec.md §4.2.
type Ledger struct {
	db    *sqlx.DB
	clock ids.Clock
	ttl   time.Duration
}

// New builds a Ledger. ttl controls how long a completed/terminal entry is
// retained before GC eligibility (DESIGN.md resolves the open question of
// exactly how long at 72h by default, configurable via LedgerConfig).
func New(db *sqlx.DB, clock ids.Clock, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Ledger{db: db, clock: clock, ttl: ttl}
}

// Reserve atomically inserts a reserved row if absent, or returns the
// existing entry's disposition. This is the only synchronization point: no
// business side effect may persist before Reserve's INSERT commits.
func (l *Ledger) Reserve(ctx context.Context, key, correlationID, payloadHash string) (Outcome, error) {
	now := l.clock.Now()
	expiresAt := now.Add(l.ttl)

	var existing Entry
	err := l.db.GetContext(ctx, &existing, `
		INSERT INTO idempotency_ledger (
			operation_key, state, attempt_count, first_seen_at, last_seen_at,
			correlation_id, expires_at
		) VALUES ($1, $2, 1, $3, $3, $4, $5)
		ON CONFLICT (operation_key) DO UPDATE SET
			attempt_count = idempotency_ledger.attempt_count + 1,
			last_seen_at = $3
		RETURNING *`,
		key, StateReserved, now, correlationID, expiresAt)
	if err != nil {
		return Outcome{}, fmt.Errorf("ledger: reserve: %w", err)
	}
	existing.OperationKey = key

	// A fresh row's RETURNING reflects attempt_count=1 and state=reserved
	// exactly as inserted; ON CONFLICT path returns the prior row's state
	// (now with attempt_count incremented), which tells us this is a replay.
	if existing.State == StateReserved && existing.AttemptCount == 1 {
		return Outcome{Status: Fresh}, nil
	}

	switch existing.State {
	case StateCompleted:
		return Outcome{Status: Completed, ResultSnapshot: existing.ResultSnapshot, CorrelationID: existing.CorrelationID}, nil
	case StateReserved, StateRunning:
		return Outcome{Status: InProgress, CorrelationID: existing.CorrelationID}, nil
	case StateFailedRetryable:
		return Outcome{Status: FailedRetryable, ErrorSnapshot: existing.ErrorSnapshot, CorrelationID: existing.CorrelationID}, nil
	case StateFailedTerminal:
		return Outcome{Status: FailedTerminal, ErrorSnapshot: existing.ErrorSnapshot, CorrelationID: existing.CorrelationID}, nil
	default:
		return Outcome{}, fmt.Errorf("ledger: unexpected state %q on replay", existing.State)
	}
}

// MarkRunning transitions a reserved entry to running, recording that
// domain-service work is underway (as opposed to merely queued).
func (l *Ledger) MarkRunning(ctx context.Context, key string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_ledger SET state = $1, last_seen_at = $2
		WHERE operation_key = $3 AND state = $4`,
		StateRunning, l.clock.Now(), key, StateReserved)
	if err != nil {
		return fmt.Errorf("ledger: mark running: %w", err)
	}
	return requireRowsAffected(res, "mark running")
}

// Complete records the terminal success state with its response snapshot.
func (l *Ledger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_ledger SET state = $1, result_snapshot = $2, last_seen_at = $3
		WHERE operation_key = $4 AND state IN ($5, $6)`,
		StateCompleted, result, l.clock.Now(), key, StateReserved, StateRunning)
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	return requireRowsAffected(res, "complete")
}

// Fail records a failed outcome, retryable or terminal.
func (l *Ledger) Fail(ctx context.Context, key string, errSnapshot json.RawMessage, retryable bool) error {
	state := StateFailedTerminal
	if retryable {
		state = StateFailedRetryable
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_ledger SET state = $1, error_snapshot = $2, last_seen_at = $3
		WHERE operation_key = $4 AND state IN ($5, $6)`,
		state, errSnapshot, l.clock.Now(), key, StateReserved, StateRunning)
	if err != nil {
		return fmt.Errorf("ledger: fail: %w", err)
	}
	return requireRowsAffected(res, "fail")
}

// Lookup returns the current entry for key, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, key string) (Entry, error) {
	var e Entry
	err := l.db.GetContext(ctx, &e, `SELECT * FROM idempotency_ledger WHERE operation_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: lookup: %w", err)
	}
	return e, nil
}

// GarbageCollect deletes entries whose expires_at has passed. Only entries
// in a terminal state (completed, failed_terminal) are ever eligible: a
// reserved/running/failed_retryable row past its expiry is a stuck
// operation, not a GC candidate, and is left in place.
func (l *Ledger) GarbageCollect(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM idempotency_ledger
		WHERE expires_at < $1 AND state IN ($2, $3)`,
		l.clock.Now(), StateCompleted, StateFailedTerminal)
	if err != nil {
		return 0, fmt.Errorf("ledger: gc: %w", err)
	}
	return res.RowsAffected()
}

func requireRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ledger: %s affected no row (stale state or unknown key)", op)
	}
	return nil
}
