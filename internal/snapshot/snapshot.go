// Package snapshot serializes session state for the storage adapter.
// The wire protocol (internal/protocol) is JSON by spec; the durable
// snapshot format is a separate concern and is explicitly left opaque
// by the spec beyond "deterministic and round-trippable" (§4.2). CBOR
// gives a compact, self-describing binary encoding without hand-rolled
// length-prefixing, and round-trips the same struct tree JSON would,
// so a corrupt or truncated snapshot fails to decode rather than
// silently misparsing.
package snapshot

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ShellState is one shell's persisted fields, the scrollback's retained
// tail rather than its full history (§4.2 "Persisted state layout").
type ShellState struct {
	ID       uint32  `cbor:"id"`
	Seqnum   uint64  `cbor:"seqnum"`
	Rows     uint16  `cbor:"rows"`
	Cols     uint16  `cbor:"cols"`
	X        float64 `cbor:"x"`
	Y        float64 `cbor:"y"`
	Zoom     float64 `cbor:"zoom"`
	Closed   bool    `cbor:"closed"`
	DataTail []byte  `cbor:"data_tail"`
}

// ChatEntry is one persisted chat message.
type ChatEntry struct {
	UserID    uint32    `cbor:"user_id"`
	Name      string    `cbor:"name"`
	Body      string    `cbor:"body"`
	Timestamp time.Time `cbor:"timestamp"`
}

// Session is the full persisted state for one session, matching the
// key `session:<name>` snapshot value (§4.2).
type Session struct {
	EncryptedZeros    [16]byte     `cbor:"encrypted_zeros"`
	WritePasswordHash []byte       `cbor:"write_password_hash,omitempty"`
	Shells            []ShellState `cbor:"shells"`
	Chat              []ChatEntry  `cbor:"chat"`
	CreatedAt         time.Time    `cbor:"created_at"`
	LastAccessed      time.Time    `cbor:"last_accessed"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: building canonical cbor encoder: %v", err))
	}
	return mode
}()

// Encode renders s as canonical CBOR: deterministic field ordering, so
// two identical Sessions always produce identical bytes (useful for
// the CAS version check not to fire spuriously).
func Encode(s Session) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot previously produced by Encode.
func Decode(data []byte) (Session, error) {
	var s Session
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decoding session snapshot: %w", err)
	}
	return s, nil
}
