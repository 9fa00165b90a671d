package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/pkg/logger"
)

// Dispatcher runs N worker goroutines polling for claimable tasks,
// executing them against registered adapters with per-operation-class
// circuit breaking and egress rate limiting, and updating task state
// through Store. Grounded on the teacher's bounded-worker-pool dispatch
// loop (infrastructure/execution/service.go) and infrastructure/resilience
// for the breaker/backoff wiring.
type Dispatcher struct {
	store    *Store
	audit    audit.Writer
	log      *logger.Logger
	matrix   map[OperationKind]Policy
	breakers map[OperationKind]*CircuitBreaker
	limiters map[OperationKind]*rate.Limiter
	adapters map[OperationKind]Adapter

	workers        int
	pollInterval   time.Duration
	workerIDPrefix string
}

// NewDispatcher builds a Dispatcher. ratesPerSecond gives each operation
// class its own egress rate limit (golang.org/x/time/rate), protecting
// downstream adapters (Slack, CRM) from being hammered by a burst of
// simultaneously-claimable tasks.
func NewDispatcher(store *Store, auditWriter audit.Writer, log *logger.Logger, workers int, pollInterval time.Duration, ratesPerSecond map[OperationKind]float64) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	matrix := DefaultMatrix()
	breakers := make(map[OperationKind]*CircuitBreaker, len(matrix))
	limiters := make(map[OperationKind]*rate.Limiter, len(matrix))
	for kind, policy := range matrix {
		bc := policy.Breaker
		bc.Log = log
		breakers[kind] = NewCircuitBreaker(string(kind), bc)

		rps := ratesPerSecond[kind]
		if rps <= 0 {
			rps = 10
		}
		limiters[kind] = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return &Dispatcher{
		store: store, audit: auditWriter, log: log, matrix: matrix,
		breakers: breakers, limiters: limiters,
		adapters: make(map[OperationKind]Adapter),
		workers: workers, pollInterval: pollInterval, workerIDPrefix: "worker",
	}
}

// RegisterAdapter binds an Adapter implementation to an operation kind.
func (d *Dispatcher) RegisterAdapter(kind OperationKind, a Adapter) {
	d.adapters[kind] = a
}

// Run starts d.workers goroutines that poll until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", d.workerIDPrefix, i)
		go func() {
			defer wg.Done()
			d.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx, workerID)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context, workerID string) {
	task, ok, err := d.store.ClaimNext(ctx, workerID)
	if err != nil {
		d.log.WithContext(ctx).WithError(err).Error("queue: claim failed")
		return
	}
	if !ok {
		return
	}
	d.execute(ctx, task)
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	limiter := d.limiters[task.OperationKind]
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	adapter, ok := d.adapters[task.OperationKind]
	if !ok {
		msg := fmt.Sprintf("no adapter registered for %s", task.OperationKind)
		d.fail(ctx, task, msg, true)
		if err := d.store.Retry(ctx, task, msg, true, 0); err != nil {
			d.log.WithContext(ctx).WithError(err).Error("queue: dead-letter transition failed")
		}
		return
	}

	breaker := d.breakers[task.OperationKind]
	var outcome Outcome
	execErr := breaker.Execute(func() error {
		var innerErr error
		outcome, innerErr = adapter.Execute(ctx, task)
		return innerErr
	})

	if execErr == nil {
		if err := d.store.Complete(ctx, task, outcome.ResultFingerprint); err != nil {
			d.log.WithContext(ctx).WithError(err).Error("queue: marking task completed failed")
		}
		return
	}

	classifiedTerminal := false
	if adapterErr, ok := execErr.(*AdapterError); ok {
		classifiedTerminal = adapterErr.Class == ErrorClassTerminal
	}
	if execErr == ErrCircuitOpen || execErr == ErrTooManyRequests {
		classifiedTerminal = false // breaker-open is always retryable once it recovers
	}
	exhausted := task.RetryCount+1 > task.MaxRetries
	terminal := classifiedTerminal || exhausted

	policy := d.matrix[task.OperationKind]
	delay := policy.Backoff.NextDelay(task.RetryCount + 1)

	d.fail(ctx, task, execErr.Error(), terminal)
	if err := d.store.Retry(ctx, task, execErr.Error(), classifiedTerminal, delay); err != nil {
		d.log.WithContext(ctx).WithError(err).Error("queue: retry/dead-letter transition failed")
	}
}

func (d *Dispatcher) fail(ctx context.Context, task Task, errMsg string, terminal bool) {
	if !terminal {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"task_id": task.TaskID, "operation_kind": task.OperationKind, "error": errMsg,
	})
	e := audit.NewEvent(audit.EventDeadLetterQueued, time.Now().UTC())
	e.OperationID = task.TaskID
	e.CorrelationID = task.IdempotencyKey
	e.Component = "queue"
	e.ActorID = "system"
	e.ActorType = audit.ActorTypeSystem
	e.Severity = audit.SeverityWarning
	e.QuoteID = &task.QuoteID
	e.QuoteVersion = &task.QuoteVersion
	e.Payload = payload
	if _, err := d.audit.Append(ctx, e); err != nil {
		d.log.WithContext(ctx).WithError(err).Error("queue: failed to append dead-letter audit event")
	}
}
