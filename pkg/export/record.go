package export

import (
	"encoding/json"
	"fmt"
)

// Record is one image-assessment result. The payload stays opaque; only the
// identity is extracted, as the dedup key for the combiner.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// MarshalJSON emits the original payload unchanged.
func (r Record) MarshalJSON() ([]byte, error) {
	return r.Payload, nil
}

// recordIdentity is the subset of payload fields that can identify a record.
type recordIdentity struct {
	ID          string `json:"id"`
	ImageDigest string `json:"image_digest"`
	CVEID       string `json:"cve_id"`
}

// ValidationError reports a structurally invalid record. It counts against
// its shard without failing it.
type ValidationError struct {
	Shard  ShardKey
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record in shard %s: %s", e.Shard, e.Reason)
}

// ParseRecord extracts the identity of one raw export record. The expanded
// vulnerability resource sometimes omits the id field; the digest/CVE pair
// identifies those records. A record with neither is invalid.
func ParseRecord(shard ShardKey, raw json.RawMessage) (Record, error) {
	var ident recordIdentity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return Record{}, &ValidationError{Shard: shard, Reason: "payload is not a JSON object"}
	}

	id := ident.ID
	if id == "" && ident.ImageDigest != "" && ident.CVEID != "" {
		id = ident.ImageDigest + ":" + ident.CVEID
	}
	if id == "" {
		return Record{}, &ValidationError{Shard: shard, Reason: "missing record identifier"}
	}

	return Record{ID: id, Payload: raw}, nil
}
