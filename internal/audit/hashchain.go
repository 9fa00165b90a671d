package audit

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// genesisHash seeds the chain for the first event of a stream. That event is
// stored with an empty PrevEventHash; linkHash hashes genesisHash in its
// place, so the first link is still bound to a fixed value.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// chainLinkInput is the subset of an event's fields hashed into the chain.
// Deliberately excludes ID and EventHash itself: ID is storage-assigned and
// EventHash is what we're computing.
type chainLinkInput struct {
	EventName     string          `json:"event_name"`
	SchemaVersion int             `json:"schema_version"`
	TimestampUTC  string          `json:"timestamp_utc"`
	OperationID   string          `json:"operation_id"`
	CorrelationID string          `json:"correlation_id"`
	Component     string          `json:"component"`
	ActorID       string          `json:"actor_id"`
	Severity      Severity        `json:"severity"`
	QuoteID       *string         `json:"quote_id,omitempty"`
	QuoteVersion  *int64          `json:"quote_version,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PrevEventHash string          `json:"prev_event_hash"`
}

// linkHash computes the blake3 digest binding e to prev, hex-encoded.
func linkHash(e Event, prev string) (string, error) {
	if prev == "" {
		prev = genesisHash
	}
	link := chainLinkInput{
		EventName:     e.EventName,
		SchemaVersion: e.SchemaVersion,
		TimestampUTC:  e.TimestampUTC.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		OperationID:   e.OperationID,
		CorrelationID: e.CorrelationID,
		Component:     e.Component,
		ActorID:       e.ActorID,
		Severity:      e.Severity,
		QuoteID:       e.QuoteID,
		QuoteVersion:  e.QuoteVersion,
		Payload:       e.Payload,
		PrevEventHash: prev,
	}
	canonical, err := json.Marshal(link)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	if _, err := h.Write(canonical); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain recomputes hashes over events (assumed ordered oldest-first)
// and reports the index of the first break, or -1 if the chain is intact.
// events may interleave several streams; each is followed separately, keyed
// by chainKey as Store.Append links them. Events without EventHash set are
// skipped, which lets a stream transition from non-chained to chained
// mid-history.
func VerifyChain(events []Event) (brokenAt int, err error) {
	prevByStream := map[string]string{}
	for i, e := range events {
		key := chainKey(e)
		if e.EventHash == "" {
			delete(prevByStream, key)
			continue
		}
		prev := prevByStream[key]
		if e.PrevEventHash != prev && prev != "" {
			return i, nil
		}
		want, herr := linkHash(e, e.PrevEventHash)
		if herr != nil {
			return -1, herr
		}
		if want != e.EventHash {
			return i, nil
		}
		prevByStream[key] = e.EventHash
	}
	return -1, nil
}
