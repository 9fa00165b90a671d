package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/ids"
)

// Store persists execution tasks. Grounded on the teacher's
// infrastructure/execution/{service,types}.go task-claim shape, adapted
// from blockchain tx execution to CPQ side-effect dispatch.
type Store struct {
	db    *sqlx.DB
	clock ids.Clock
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB, clock ids.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Enqueue inserts a new queued task, bound to (quote_id, quote_version),
// through s.db directly. Per §4.8, a task enqueue that follows from a
// domain mutation must happen inside that mutation's own transaction;
// such callers use EnqueueTx instead.
func (s *Store) Enqueue(ctx context.Context, t Task) (Task, error) {
	return s.enqueue(ctx, s.db, t)
}

// EnqueueTx is Enqueue, but writes through tx instead of s.db, so the task
// row commits atomically with the mutation that produced it.
func (s *Store) EnqueueTx(ctx context.Context, tx *sqlx.Tx, t Task) (Task, error) {
	return s.enqueue(ctx, tx, t)
}

func (s *Store) enqueue(ctx context.Context, ex execer, t Task) (Task, error) {
	if t.TaskID == "" {
		t.TaskID = ids.New(ids.PrefixTask)
	}
	t.State = StateQueued
	if t.AvailableAt.IsZero() {
		t.AvailableAt = s.clock.Now()
	}
	t.StateVersion = 1

	_, err := ex.ExecContext(ctx, `
		INSERT INTO execution_task (
			task_id, quote_id, quote_version, operation_kind, payload, idempotency_key,
			state, retry_count, max_retries, available_at, state_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TaskID, t.QuoteID, t.QuoteVersion, t.OperationKind, t.Payload, t.IdempotencyKey,
		t.State, t.RetryCount, t.MaxRetries, t.AvailableAt, t.StateVersion)
	if err != nil {
		return Task{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	return t, nil
}

// ClaimNext atomically claims one claimable task (queued and available, or
// retryable_failed and available) for workerID, using an optimistic-lock
// compare-and-swap on state_version.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (Task, bool, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM execution_task
		WHERE state IN ($1, $2) AND available_at <= $3
		ORDER BY available_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		StateQueued, StateRetryableFailed, s.clock.Now())
	if err != nil {
		return Task{}, false, nil
	}

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_task
		SET state = $1, claimed_by = $2, claimed_at = $3, state_version = state_version + 1
		WHERE task_id = $4 AND state_version = $5`,
		StateRunning, workerID, now, t.TaskID, t.StateVersion)
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: claim rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race to another worker; caller should try again.
		return Task{}, false, nil
	}
	t.State = StateRunning
	t.ClaimedBy = workerID
	t.ClaimedAt = &now
	t.StateVersion++
	return t, true, nil
}

// Complete marks a task completed, recording its result fingerprint.
func (s *Store) Complete(ctx context.Context, t Task, resultFingerprint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_task SET state = $1, result_fingerprint = $2, state_version = state_version + 1
		WHERE task_id = $3 AND state_version = $4`,
		StateCompleted, resultFingerprint, t.TaskID, t.StateVersion)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return requireRowsAffected(res, "complete")
}

// Retry transitions a running task back to retryable_failed with a
// computed available_at, or to failed_terminal (dead-letter) if retries
// are exhausted or the error is terminally classified.
func (s *Store) Retry(ctx context.Context, t Task, errMsg string, terminal bool, delay time.Duration) error {
	nextRetry := t.RetryCount + 1
	if terminal || nextRetry > t.MaxRetries {
		return s.deadLetter(ctx, t, errMsg)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_task
		SET state = $1, retry_count = $2, available_at = $3, last_error = $4, state_version = state_version + 1
		WHERE task_id = $5 AND state_version = $6`,
		StateRetryableFailed, nextRetry, s.clock.Now().Add(delay), errMsg, t.TaskID, t.StateVersion)
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	return requireRowsAffected(res, "retry")
}

func (s *Store) deadLetter(ctx context.Context, t Task, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_task SET state = $1, last_error = $2, state_version = state_version + 1
		WHERE task_id = $3 AND state_version = $4`,
		StateFailedTerminal, errMsg, t.TaskID, t.StateVersion)
	if err != nil {
		return fmt.Errorf("queue: dead letter: %w", err)
	}
	return requireRowsAffected(res, "dead_letter")
}

// ReclaimStuck resets running tasks whose claim has expired (stuck-worker
// recovery) back to queued, for every operation kind's per-class timeout.
func (s *Store) ReclaimStuck(ctx context.Context) (int64, error) {
	var total int64
	for kind, timeout := range allClaimTimeouts() {
		cutoff := s.clock.Now().Add(-timeout)
		res, err := s.db.ExecContext(ctx, `
			UPDATE execution_task
			SET state = $1, claimed_by = '', claimed_at = NULL, state_version = state_version + 1
			WHERE state = $2 AND operation_kind = $3 AND claimed_at < $4`,
			StateQueued, StateRunning, kind, cutoff)
		if err != nil {
			return total, fmt.Errorf("queue: reclaim stuck (%s): %w", kind, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func allClaimTimeouts() map[OperationKind]time.Duration {
	return map[OperationKind]time.Duration{
		OpSlackAck:     ClaimTimeout(OpSlackAck),
		OpSlackMessage: ClaimTimeout(OpSlackMessage),
		OpCRMWriteback: ClaimTimeout(OpCRMWriteback),
		OpPDFRender:    ClaimTimeout(OpPDFRender),
		OpLLMExtraction: ClaimTimeout(OpLLMExtraction),
	}
}

// ListByState returns tasks in a given state, for the operator CLI's
// `queue list --state` and dead-letter replay.
func (s *Store) ListByState(ctx context.Context, state State) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `SELECT * FROM execution_task WHERE state = $1 ORDER BY available_at ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("queue: list by state: %w", err)
	}
	return tasks, nil
}

// Get loads a task by id, for `queue replay <task_id>`.
func (s *Store) Get(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM execution_task WHERE task_id = $1`, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("queue: get: %w", err)
	}
	return t, nil
}

// Replay requeues a failed_terminal task, reusing its original
// idempotency_key so the underlying operation dedupes even if a prior
// attempt partially succeeded (§4.8: "Operator-initiated replay is safe
// because the underlying operation key dedupes").
func (s *Store) Replay(ctx context.Context, taskID string) error {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != StateFailedTerminal {
		return fmt.Errorf("queue: task %s is not in failed_terminal state (state=%s)", taskID, t.State)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_task
		SET state = $1, retry_count = 0, available_at = $2, state_version = state_version + 1
		WHERE task_id = $3 AND state_version = $4`,
		StateQueued, s.clock.Now(), taskID, t.StateVersion)
	if err != nil {
		return fmt.Errorf("queue: replay: %w", err)
	}
	return requireRowsAffected(res, "replay")
}

func requireRowsAffected(res interface{ RowsAffected() (int64, error) }, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue: %s affected no row (stale state_version or unknown task)", op)
	}
	return nil
}
