package protocol

import (
	"encoding/json"
	"fmt"
)

// encodeArray renders a tagged message as a JSON array: [tag, field...].
func encodeArray(tag string, fields ...any) ([]byte, error) {
	arr := make([]any, 0, len(fields)+1)
	arr = append(arr, tag)
	arr = append(arr, fields...)
	return json.Marshal(arr)
}

// peekTag reads the first element of a JSON array frame as the message
// tag, returning the remaining raw elements for per-tag decoding.
func peekTag(data []byte) (tag string, rest []json.RawMessage, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("decoding frame as JSON array: %w", err)
	}
	if len(raw) == 0 {
		return "", nil, fmt.Errorf("empty frame")
	}
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return "", nil, fmt.Errorf("frame tag must be a string: %w", err)
	}
	return tag, raw[1:], nil
}

// field unmarshals rest[i] into dst, with a clear error identifying which
// positional field of which tag failed to decode.
func field(tag string, rest []json.RawMessage, i int, dst any) error {
	if i >= len(rest) {
		return fmt.Errorf("%s: missing field at position %d", tag, i)
	}
	if err := json.Unmarshal(rest[i], dst); err != nil {
		return fmt.Errorf("%s: field %d: %w", tag, i, err)
	}
	return nil
}

// optionalField unmarshals rest[i] into dst if present and non-null,
// leaving dst untouched otherwise. Used for fields like shell_id? that
// may be absent (e.g. "no shell focused").
func optionalField(rest []json.RawMessage, i int, dst any) error {
	if i >= len(rest) {
		return nil
	}
	raw := rest[i]
	if string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
