package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentJobID derives the deterministic dedupe key for content-addressed
// publishes: sha256 over the topic and the canonical JSON rendering of the
// payload. Canonicalization re-marshals through a generic value so map keys
// sort and whitespace normalizes; payloads that fail to parse hash as-is.
func ContentJobID(topic string, payload json.RawMessage) string {
	canonical := payload
	var generic any
	if err := json.Unmarshal(payload, &generic); err == nil {
		if remarshaled, err := json.Marshal(generic); err == nil {
			canonical = remarshaled
		}
	}
	sum := sha256.Sum256(append([]byte(topic), canonical...))
	return hex.EncodeToString(sum[:])
}
