// Package queue implements the Execution Queue / side-effect dispatcher of
// spec.md §4.8: a durable task queue with optimistic-lock claiming, a
// per-operation-class retry/backoff matrix, circuit breaking, and a
// dead-letter path for exhausted or terminally-classified tasks.
package queue

import (
	"encoding/json"
	"time"
)

// State is execution_task.state, §3.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateRetryableFailed State = "retryable_failed"
	StateFailedTerminal  State = "failed_terminal"
	StateCompleted       State = "completed"
)

// OperationKind names the adapter call a task dispatches to, which
// determines its retry/backoff policy via the matrix in policy.go.
type OperationKind string

const (
	OpSlackAck        OperationKind = "slack_ack"
	OpSlackMessage     OperationKind = "slack_message"
	OpCRMWriteback     OperationKind = "crm_writeback"
	OpPDFRender        OperationKind = "pdf_render"
	OpLLMExtraction    OperationKind = "llm_extraction"
)

// Task is one durable execution_task row.
type Task struct {
	TaskID           string          `db:"task_id"`
	QuoteID          string          `db:"quote_id"`
	QuoteVersion     int64           `db:"quote_version"`
	OperationKind    OperationKind   `db:"operation_kind"`
	Payload          json.RawMessage `db:"payload"`
	IdempotencyKey   string          `db:"idempotency_key"`
	State            State           `db:"state"`
	RetryCount       int             `db:"retry_count"`
	MaxRetries       int             `db:"max_retries"`
	AvailableAt      time.Time       `db:"available_at"`
	ClaimedBy        string          `db:"claimed_by"`
	ClaimedAt        *time.Time      `db:"claimed_at"`
	LastError        string          `db:"last_error"`
	ResultFingerprint string         `db:"result_fingerprint"`
	StateVersion     int64           `db:"state_version"`
}

// ErrorClass discriminates retryable from terminal adapter failures, per
// the terminal-condition column of spec.md §4.8's matrix.
type ErrorClass string

const (
	ErrorClassRetryable ErrorClass = "retryable"
	ErrorClassTerminal  ErrorClass = "terminal"
)

// AdapterError is what an Adapter returns to classify a failure.
type AdapterError struct {
	Class   ErrorClass
	Message string
}

func (e *AdapterError) Error() string { return e.Message }
