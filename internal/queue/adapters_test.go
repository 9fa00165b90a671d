package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRMAdapterSuccessReturnsFingerprint(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		require.Equal(t, "Bearer key_1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"crm_id":"opp_1"}`))
	}))
	defer srv.Close()

	adapter := NewCRMAdapter(HTTPAdapterConfig{BaseURL: srv.URL, APIKey: "key_1"})
	task := Task{
		TaskID: "task_1", QuoteID: "quote_1", QuoteVersion: 3,
		OperationKind: OpCRMWriteback, IdempotencyKey: "quote_1:crm_writeback:v3",
		Payload: json.RawMessage(`{"reason":"finalized"}`),
	}

	outcome, err := adapter.Execute(context.Background(), task)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.ResultFingerprint)
	require.Equal(t, "finalized", gotBody["reason"])
	require.Equal(t, "quote_1", gotBody["quote_id"])
}

func TestHTTPAdapterServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := NewDocumentAdapter(HTTPAdapterConfig{BaseURL: srv.URL})
	_, err := adapter.Execute(context.Background(), Task{TaskID: "t1", OperationKind: OpPDFRender, IdempotencyKey: "k1"})
	require.Error(t, err)
	adapterErr, ok := err.(*AdapterError)
	require.True(t, ok)
	require.Equal(t, ErrorClassRetryable, adapterErr.Class)
}

func TestHTTPAdapterClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	adapter := NewNotificationAdapter(HTTPAdapterConfig{BaseURL: srv.URL})
	_, err := adapter.Execute(context.Background(), Task{TaskID: "t1", OperationKind: OpSlackMessage, IdempotencyKey: "k1"})
	require.Error(t, err)
	adapterErr, ok := err.(*AdapterError)
	require.True(t, ok)
	require.Equal(t, ErrorClassTerminal, adapterErr.Class)
}

func TestHTTPAdapterMissingBaseURLIsTerminal(t *testing.T) {
	adapter := NewLLMExtractionAdapter(HTTPAdapterConfig{})
	_, err := adapter.Execute(context.Background(), Task{TaskID: "t1", OperationKind: OpLLMExtraction, IdempotencyKey: "k1"})
	require.Error(t, err)
	adapterErr, ok := err.(*AdapterError)
	require.True(t, ok)
	require.Equal(t, ErrorClassTerminal, adapterErr.Class)
}
