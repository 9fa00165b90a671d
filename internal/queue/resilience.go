package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/junlov/quotey/pkg/logger"
)

// BreakerState mirrors gobreaker's three states under our own naming, so
// callers never import gobreaker directly.
type BreakerState int

const (
	BreakerClosed   BreakerState = BreakerState(gobreaker.StateClosed)
	BreakerHalfOpen BreakerState = BreakerState(gobreaker.StateHalfOpen)
	BreakerOpen     BreakerState = BreakerState(gobreaker.StateOpen)
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker
	// has tripped for an operation class's adapter.
	ErrCircuitOpen = errors.New("queue: adapter circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe budget for an
	// operation class is exhausted.
	ErrTooManyRequests = errors.New("queue: too many requests while adapter circuit breaker is half-open")
)

// BreakerConfig configures one operation class's circuit breaker.
type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
	Log         *logger.Logger
}

// CircuitBreaker wraps sony/gobreaker per operation class: a stuck adapter
// (CRM down, PDF renderer wedged) stops burning worker slots retrying a
// call that will keep failing, instead of merely bounding retries per task.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreaker builds a CircuitBreaker for one operation class.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.Log != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.Log.WithFields(map[string]interface{}{
				"operation_class": name,
				"from_state":      BreakerState(from).String(),
				"to_state":        BreakerState(to).String(),
			}).Warn("execution queue circuit breaker state changed")
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState { return BreakerState(cb.gb.State()) }

// Execute runs fn under circuit-breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) { return nil, fn() })
	if err != nil {
		return mapBreakerError(err)
	}
	return nil
}

func mapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// BackoffSpec is one operation class's row in the retry/backoff matrix of
// spec.md §4.8.
type BackoffSpec struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0 = none, 1 = full
	Fixed        bool    // true for PDF render's fixed 1s,3s schedule
	FixedDelays  []time.Duration
}

// NextDelay returns the delay before attempt number retryCount (1-based),
// per spec's per-class backoff shape.
func (b BackoffSpec) NextDelay(retryCount int) time.Duration {
	if b.Fixed {
		if retryCount-1 < len(b.FixedDelays) {
			return b.FixedDelays[retryCount-1]
		}
		return b.FixedDelays[len(b.FixedDelays)-1]
	}

	bo := backoff.NewExponentialBackOff()
	if b.InitialDelay > 0 {
		bo.InitialInterval = b.InitialDelay
	}
	if b.MaxDelay > 0 {
		bo.MaxInterval = b.MaxDelay
	}
	if b.Multiplier > 0 {
		bo.Multiplier = b.Multiplier
	}
	bo.RandomizationFactor = b.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Retry runs fn under cenkalti/backoff using spec's retry matrix, stopping
// early if ctx is cancelled. Used by adapter calls that want in-process
// retry in addition to the queue's own requeue-with-delay mechanism (e.g.
// transient network blips within a single claim).
func Retry(ctx context.Context, spec BackoffSpec, fn func() error) error {
	if spec.MaxRetries <= 0 {
		return fn()
	}
	bo := backoff.NewExponentialBackOff()
	if spec.InitialDelay > 0 {
		bo.InitialInterval = spec.InitialDelay
	}
	if spec.MaxDelay > 0 {
		bo.MaxInterval = spec.MaxDelay
	}
	if spec.Multiplier > 0 {
		bo.Multiplier = spec.Multiplier
	}
	bo.RandomizationFactor = spec.Jitter
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, uint64(spec.MaxRetries))
	withCtx := backoff.WithContext(withMax, ctx)
	return backoff.Retry(fn, withCtx)
}
