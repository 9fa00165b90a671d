package queue

import "time"

// Policy is one operation class's complete retry/backoff/breaker
// configuration, per the matrix in spec.md §4.8.
type Policy struct {
	MaxRetries int
	Backoff    BackoffSpec
	Breaker    BreakerConfig
}

// DefaultMatrix returns the retry/backoff matrix named in spec.md §4.8,
// keyed by operation class. Slack ack has MaxRetries=0: "must ack-fast",
// so a failed ack goes straight to failed_terminal rather than retrying.
func DefaultMatrix() map[OperationKind]Policy {
	return map[OperationKind]Policy{
		OpSlackAck: {
			MaxRetries: 0,
			Backoff:    BackoffSpec{MaxRetries: 0},
			Breaker:    BreakerConfig{MaxFailures: 3, Timeout: 10 * time.Second},
		},
		OpSlackMessage: {
			MaxRetries: 5,
			Backoff: BackoffSpec{
				MaxRetries: 5, InitialDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second,
				Multiplier: 2.0, Jitter: 1.0,
			},
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		},
		OpCRMWriteback: {
			MaxRetries: 6,
			Backoff: BackoffSpec{
				MaxRetries: 6, InitialDelay: 500 * time.Millisecond, MaxDelay: 60 * time.Second,
				Multiplier: 2.0, Jitter: 1.0,
			},
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 60 * time.Second},
		},
		OpPDFRender: {
			MaxRetries: 2,
			Backoff: BackoffSpec{
				MaxRetries: 2, Fixed: true,
				FixedDelays: []time.Duration{1 * time.Second, 3 * time.Second},
			},
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		},
		OpLLMExtraction: {
			MaxRetries: 3,
			Backoff: BackoffSpec{
				MaxRetries: 3, InitialDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second,
				Multiplier: 2.0, Jitter: 0.5,
			},
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 20 * time.Second},
		},
	}
}

// ClaimTimeout is how long a running task may hold its claim before it is
// eligible for stuck-worker reclamation, per operation class. Slack ack
// must be near-instant; CRM writeback and LLM extraction can legitimately
// run longer.
func ClaimTimeout(kind OperationKind) time.Duration {
	switch kind {
	case OpSlackAck:
		return 5 * time.Second
	case OpPDFRender:
		return 30 * time.Second
	case OpLLMExtraction:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}
