package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	prev := ""
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e := Event{
			EventName:     EventLifecycleTransitionApplied,
			SchemaVersion: schemaVersionCurrent,
			TimestampUTC:  base.Add(time.Duration(i) * time.Second),
			OperationID:   "op_1",
			CorrelationID: "corr_1",
			Component:     "quote",
			ActorID:       "user_1",
			ActorType:     ActorTypeUser,
			Severity:      SeverityInfo,
			Payload:       json.RawMessage(`{"n":` + itoa(i) + `}`),
			PrevEventHash: prev,
		}
		hash, err := linkHash(e, prev)
		require.NoError(t, err)
		e.EventHash = hash
		prev = hash
		events = append(events, e)
	}
	return events
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestVerifyChainIntact(t *testing.T) {
	events := buildChain(t, 5)
	brokenAt, err := VerifyChain(events)
	require.NoError(t, err)
	assert.Equal(t, -1, brokenAt)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	events := buildChain(t, 5)
	events[2].Payload = json.RawMessage(`{"n":"tampered"}`)
	brokenAt, err := VerifyChain(events)
	require.NoError(t, err)
	assert.Equal(t, 2, brokenAt)
}

func TestVerifyChainDetectsReordering(t *testing.T) {
	events := buildChain(t, 4)
	events[1], events[2] = events[2], events[1]
	brokenAt, err := VerifyChain(events)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, brokenAt, 1)
}

func TestVerifyChainSkipsUnchainedEvents(t *testing.T) {
	events := buildChain(t, 3)
	events[1].EventHash = ""
	events[1].PrevEventHash = ""
	brokenAt, err := VerifyChain(events)
	require.NoError(t, err)
	assert.Equal(t, -1, brokenAt, "unchained events opt the rest of the stream back in at the next hashed event's own prev linkage")
}
