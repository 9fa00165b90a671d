package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPayloadHashIgnoresKeyOrder(t *testing.T) {
	a := []byte(`{"quote_id":"q1","amount":"10.00","currency":"USD"}`)
	b := []byte(`{"currency":"USD","amount":"10.00","quote_id":"q1"}`)

	ha, err := CanonicalPayloadHash(a)
	require.NoError(t, err)
	hb, err := CanonicalPayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalPayloadHashStripsTransportMetadata(t *testing.T) {
	withMeta := []byte(`{"quote_id":"q1","trace_id":"t-123","delivery_id":"d-1"}`)
	withoutMeta := []byte(`{"quote_id":"q1"}`)

	h1, err := CanonicalPayloadHash(withMeta)
	require.NoError(t, err)
	h2, err := CanonicalPayloadHash(withoutMeta)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalPayloadHashDiffersOnSemanticChange(t *testing.T) {
	a := []byte(`{"quote_id":"q1","amount":"10.00"}`)
	b := []byte(`{"quote_id":"q1","amount":"10.01"}`)

	ha, err := CanonicalPayloadHash(a)
	require.NoError(t, err)
	hb, err := CanonicalPayloadHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestDeriveKeyStableForSameInput(t *testing.T) {
	in := KeyInput{
		Source:           "chat",
		SourceRequestID:  "req-1",
		ActionKind:       "create_draft",
		AggregateID:      "quote_1",
		AggregateVersion: 1,
		SchemaVersion:    1,
	}
	k1 := DeriveKey(in, "hash-a")
	k2 := DeriveKey(in, "hash-a")
	assert.Equal(t, k1, k2)

	in.AggregateVersion = 2
	k3 := DeriveKey(in, "hash-a")
	assert.NotEqual(t, k1, k3)
}
