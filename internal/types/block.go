// Package types defines the wire and domain types shared across the
// indexer: blocks and operations as the upstream node serializes them,
// plus the content records consumed by the post cache.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used by the chain: UTC, no zone suffix.
const TimeLayout = "2006-01-02T15:04:05"

// Time wraps time.Time with the chain's JSON timestamp encoding.
type Time struct {
	time.Time
}

// NewTime builds a chain timestamp from a time.Time, normalized to UTC.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC()}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(TimeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Block is a single block as returned by the upstream node.
type Block struct {
	ID           string        `json:"block_id"`
	Previous     string        `json:"previous"`
	Timestamp    Time          `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// Num decodes the block height from the first four bytes of the block id.
func (b *Block) Num() (uint32, error) {
	if len(b.ID) < 8 {
		return 0, fmt.Errorf("block id %q too short", b.ID)
	}
	n, err := strconv.ParseUint(b.ID[:8], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block id %q: %w", b.ID, err)
	}
	return uint32(n), nil
}

// Transaction carries an ordered list of operations.
type Transaction struct {
	Operations []Operation `json:"operations"`
}

// Operation is one (type, body) pair. The chain serializes operations as
// two-element arrays: ["vote", {...}]. The body is kept raw; callers decode
// it into the payload type matching Type.
type Operation struct {
	Type string
	Body json.RawMessage
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("failed to decode operation: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("operation has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &o.Type); err != nil {
		return fmt.Errorf("failed to decode operation type: %w", err)
	}
	o.Body = pair[1]
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	body := o.Body
	if body == nil {
		body = json.RawMessage("{}")
	}
	return json.Marshal([]any{o.Type, body})
}
