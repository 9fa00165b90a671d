package queue

import "context"

// CrmWriteRequest is the typed egress effect for writing quote state back
// to the CRM, per spec.md §6's adapter boundary.
type CrmWriteRequest struct {
	QuoteID        string
	QuoteVersion   int64
	IdempotencyKey string
	Fields         map[string]interface{}
}

// DocumentRenderRequest renders a quote document (PDF) for a given
// version.
type DocumentRenderRequest struct {
	QuoteID        string
	QuoteVersion   int64
	IdempotencyKey string
	TemplateName   string
}

// NotificationRequest posts or updates a Slack message/ack.
type NotificationRequest struct {
	QuoteID        string
	QuoteVersion   int64
	IdempotencyKey string
	Channel        string
	Text           string
}

// LlmExtractionRequest asks an LLM provider to extract structured fields
// from a free-form sales request.
type LlmExtractionRequest struct {
	QuoteID        string
	QuoteVersion   int64
	IdempotencyKey string
	RawText        string
}

// Outcome is an adapter's normalized successful result.
type Outcome struct {
	ResultFingerprint string
	Detail            map[string]interface{}
}

// Adapter executes one operation class's side effect against an external
// system. Implementations return *AdapterError to classify a failure as
// retryable or terminal; any other error is treated as retryable.
type Adapter interface {
	Execute(ctx context.Context, task Task) (Outcome, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, task Task) (Outcome, error)

// Execute calls f.
func (f AdapterFunc) Execute(ctx context.Context, task Task) (Outcome, error) { return f(ctx, task) }
