// Package protocol defines the two wire message sets this server speaks:
// the host channel (§4.3) and the browser channel (§4.4). Both transports
// carry frames that are JSON arrays whose first element is a string tag
// and whose remaining elements are the payload fields in declaration
// order (§6). Byte fields are always JSON arrays of integers, never
// base64 — §9 calls this out explicitly as a historical footgun, so
// RawBytes's UnmarshalJSON rejects anything that isn't an array.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RawBytes is a byte slice that marshals as a JSON array of integers
// (one per byte, 0-255) rather than the default base64 string encoding
// encoding/json would otherwise produce (§6, §9 "Byte transport on
// WebSocket").
type RawBytes []byte

// MarshalJSON renders b as a JSON array of integers.
func (b RawBytes) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON requires data to be a JSON array of integers in [0,255].
// A base64-encoded JSON string is rejected rather than silently accepted,
// since json.Unmarshal into []int fails on a string value.
func (b *RawBytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("byte field must be a JSON array of integers, not %s: %w", string(data), err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte field element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
