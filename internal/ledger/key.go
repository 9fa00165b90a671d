// Package ledger implements the idempotency ledger of spec.md §4.2: a
// durable reserve -> complete/fail record keyed by a normalized operation
// hash, the single synchronization point guaranteeing at-most-once business
// mutation over at-least-once command ingress.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// transportMetadataKeys are stripped from a payload before canonicalization
// because they vary per-delivery without changing operation semantics
// (retry headers, delivery ids, client-side tracing fields).
var transportMetadataKeys = map[string]bool{
	"_transport":        true,
	"delivery_id":       true,
	"trace_id":          true,
	"received_at":       true,
	"client_request_id": true,
}

// KeyInput is the tuple hashed into an operation_key, per spec.md §3:
// hash(source | source_request_id | action_kind | aggregate_id |
// aggregate_version | canonical_payload_hash | schema_version).
type KeyInput struct {
	Source           string
	SourceRequestID  string
	ActionKind       string
	AggregateID      string
	AggregateVersion int64
	CanonicalPayload []byte // raw JSON payload, pre-canonicalization
	SchemaVersion    int
}

// CanonicalPayloadHash strips transport metadata from raw JSON, sorts
// object keys recursively, and returns the sha256 hex digest of the result.
// Two semantically equal payloads that differ only in key order or
// transport metadata must produce the same hash (§4.8's replay invariant).
func CanonicalPayloadHash(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("ledger: payload is not valid JSON")
	}
	canonical, err := canonicalize(gjson.ParseBytes(raw))
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize walks a gjson.Result into plain Go values (map/slice/scalar)
// with transport metadata keys dropped at every object level, suitable for
// deterministic re-marshaling via encoding/json (which sorts map keys).
func canonicalize(v gjson.Result) (interface{}, error) {
	switch {
	case v.IsObject():
		out := make(map[string]interface{})
		var walkErr error
		v.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if transportMetadataKeys[k] {
				return true
			}
			c, err := canonicalize(value)
			if err != nil {
				walkErr = err
				return false
			}
			out[k] = c
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
		return out, nil
	case v.IsArray():
		var out []interface{}
		var walkErr error
		v.ForEach(func(_, value gjson.Result) bool {
			c, err := canonicalize(value)
			if err != nil {
				walkErr = err
				return false
			}
			out = append(out, c)
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
		return out, nil
	default:
		return v.Value(), nil
	}
}

// DeriveKey computes the operation_key string for in. SchemaVersion,
// AggregateVersion and the already-stripped payload hash are included so
// that a replayed command against a materially different aggregate state
// never collides with an older reservation by accident.
func DeriveKey(in KeyInput, payloadHash string) string {
	parts := []string{
		in.Source,
		in.SourceRequestID,
		in.ActionKind,
		in.AggregateID,
		fmt.Sprintf("%d", in.AggregateVersion),
		payloadHash,
		fmt.Sprintf("%d", in.SchemaVersion),
	}
	joined := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6])
	sum := sha256.Sum256([]byte(joined))
	return "op_" + hex.EncodeToString(sum[:])
}
