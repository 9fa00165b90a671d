package queue

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"
)

// HTTPAdapterConfig configures the webhook endpoint one httpAdapter calls.
// None of the systems these adapters talk to (CRM, Slack, a document
// renderer, an LLM extraction service) have a client SDK anywhere in the
// module's dependency set, so each is a plain JSON-over-HTTP POST built on
// net/http rather than a generated client. Shape grounded on
// infrastructure/httputil.ClientConfig's base-URL-plus-timeout client,
// trimmed to what a single fixed endpoint needs.
type HTTPAdapterConfig struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (c HTTPAdapterConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// httpAdapter posts a task's payload, merged with its queue identity
// fields, to a fixed webhook URL. A 5xx response is a retryable AdapterError
// and a 4xx response a terminal one; any other status counts as success (the
// matrix in policy.go still bounds total retries regardless).
type httpAdapter struct {
	name string
	cfg  HTTPAdapterConfig
}

func newHTTPAdapter(name string, cfg HTTPAdapterConfig) httpAdapter {
	return httpAdapter{name: name, cfg: cfg}
}

func (a httpAdapter) post(ctx context.Context, task Task) (Outcome, error) {
	if a.cfg.BaseURL == "" {
		return Outcome{}, &AdapterError{Class: ErrorClassTerminal, Message: fmt.Sprintf("%s: no base URL configured", a.name)}
	}

	body := map[string]interface{}{
		"task_id":         task.TaskID,
		"quote_id":        task.QuoteID,
		"quote_version":   task.QuoteVersion,
		"operation_kind":  task.OperationKind,
		"idempotency_key": task.IdempotencyKey,
	}
	if len(task.Payload) > 0 {
		var extra map[string]interface{}
		if err := json.Unmarshal(task.Payload, &extra); err != nil {
			return Outcome{}, &AdapterError{Class: ErrorClassTerminal, Message: fmt.Sprintf("%s: malformed payload: %v", a.name, err)}
		}
		for k, v := range extra {
			body[k] = v
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return Outcome{}, &AdapterError{Class: ErrorClassTerminal, Message: fmt.Sprintf("%s: encode payload: %v", a.name, err)}
	}

	var resp *http.Response
	var respBody []byte
	var adapterErr *AdapterError

	// transportRetry absorbs a transient dial/TLS/connection-reset failure
	// within this single claim, separate from the queue's own
	// requeue-with-delay retry across claims.
	transportRetry := BackoffSpec{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err = Retry(ctx, transportRetry, func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(encoded))
		if rerr != nil {
			adapterErr = &AdapterError{Class: ErrorClassTerminal, Message: fmt.Sprintf("%s: build request: %v", a.name, rerr)}
			return backoff.Permanent(adapterErr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", task.IdempotencyKey)
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}

		r, derr := a.cfg.client().Do(req)
		if derr != nil {
			adapterErr = &AdapterError{Class: ErrorClassRetryable, Message: fmt.Sprintf("%s: request failed: %v", a.name, derr)}
			return adapterErr
		}
		resp = r
		return nil
	})
	if err != nil {
		if adapterErr != nil {
			return Outcome{}, adapterErr
		}
		return Outcome{}, &AdapterError{Class: ErrorClassRetryable, Message: fmt.Sprintf("%s: request failed: %v", a.name, err)}
	}
	defer resp.Body.Close()

	respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return Outcome{}, &AdapterError{Class: ErrorClassRetryable, Message: fmt.Sprintf("%s: server error %d", a.name, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Outcome{}, &AdapterError{Class: ErrorClassTerminal, Message: fmt.Sprintf("%s: rejected with %d: %s", a.name, resp.StatusCode, string(respBody))}
	}

	return Outcome{
		ResultFingerprint: fingerprint(task.IdempotencyKey, respBody),
		Detail:            map[string]interface{}{"status_code": resp.StatusCode},
	}, nil
}

// fingerprint derives a stable result fingerprint for execution_task.
// result_fingerprint from the idempotency key and the adapter's raw
// response body, so replays of the same task hitting the same idempotent
// endpoint produce the same fingerprint.
func fingerprint(idempotencyKey string, body []byte) string {
	h := blake3.New()
	h.Write([]byte(idempotencyKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// NewCRMAdapter writes quote state back to the CRM via a webhook.
// Grounded on spec.md §4.8's crm_writeback operation kind.
func NewCRMAdapter(cfg HTTPAdapterConfig) Adapter {
	a := newHTTPAdapter("crm_writeback", cfg)
	return AdapterFunc(func(ctx context.Context, task Task) (Outcome, error) {
		return a.post(ctx, task)
	})
}

// NewDocumentAdapter renders a quote document (PDF) via an external
// rendering service.
func NewDocumentAdapter(cfg HTTPAdapterConfig) Adapter {
	a := newHTTPAdapter("pdf_render", cfg)
	return AdapterFunc(func(ctx context.Context, task Task) (Outcome, error) {
		return a.post(ctx, task)
	})
}

// NewNotificationAdapter posts Slack acks and messages. The same webhook
// serves both slack_ack and slack_message operation kinds; Slack
// distinguishes them by the payload's "event" field.
func NewNotificationAdapter(cfg HTTPAdapterConfig) Adapter {
	a := newHTTPAdapter("slack_notification", cfg)
	return AdapterFunc(func(ctx context.Context, task Task) (Outcome, error) {
		return a.post(ctx, task)
	})
}

// NewLLMExtractionAdapter asks an LLM provider to extract structured
// fields from a free-form sales request.
func NewLLMExtractionAdapter(cfg HTTPAdapterConfig) Adapter {
	a := newHTTPAdapter("llm_extraction", cfg)
	return AdapterFunc(func(ctx context.Context, task Task) (Outcome, error) {
		return a.post(ctx, task)
	})
}
