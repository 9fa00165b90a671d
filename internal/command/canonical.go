package command

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// transportMetadataKeys are stripped before hashing so that two
// semantically equal payloads differing only in transport-added fields
// (trace headers, envelope wrappers) still produce the same operation_key,
// per §8's canonical payload hashing law.
var transportMetadataKeys = map[string]bool{
	"_meta":     true,
	"trace_id":  true,
	"span_id":   true,
	"transport": true,
}

const schemaVersion = "1"

// canonicalizePayload builds a stable byte representation of payload: its
// top-level object keys sorted lexically with transport metadata removed,
// nested values left as their original raw JSON. Walked with gjson rather
// than a full json.Unmarshal/json.Marshal round trip, since only the
// top-level key set needs reordering for the hash to be stable across
// callers that happen to serialize map keys in a different order.
func canonicalizePayload(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}"), nil
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return payload, nil
	}

	fields := parsed.Map()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if transportMetadataKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("command: canonicalize: marshal key %q: %w", k, err)
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.WriteString(fields[k].Raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// payloadHash returns the hex-encoded sha256 of payload's canonical form.
func payloadHash(payload json.RawMessage) (string, error) {
	canon, err := canonicalizePayload(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// operationKey derives the idempotency_ledger primary key per §3:
// hash(source | source_request_id | action_kind | aggregate_id |
// aggregate_version | canonical_payload_hash | schema_version).
func operationKey(cmd Command) (string, error) {
	hash, err := payloadHash(cmd.Payload)
	if err != nil {
		return "", err
	}
	aggVersion := ""
	if cmd.AggregateVersion != nil {
		aggVersion = strconv.FormatInt(*cmd.AggregateVersion, 10)
	}
	parts := []string{
		string(cmd.Source), cmd.SourceRequestID, string(cmd.ActionKind),
		cmd.AggregateID, aggVersion, hash, schemaVersion,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
