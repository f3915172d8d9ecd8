package snapshot

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := Session{
		EncryptedZeros:    [16]byte{1, 2, 3},
		WritePasswordHash: []byte("hashbytes"),
		Shells: []ShellState{
			{ID: 1, Seqnum: 42, Rows: 24, Cols: 80, X: 1, Y: 2, Zoom: 1, DataTail: []byte("hello")},
		},
		Chat: []ChatEntry{
			{UserID: 3, Name: "ada", Body: "hi", Timestamp: now},
		},
		CreatedAt:    now,
		LastAccessed: now,
	}

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.EncryptedZeros != s.EncryptedZeros {
		t.Fatalf("EncryptedZeros mismatch")
	}
	if !bytes.Equal(got.WritePasswordHash, s.WritePasswordHash) {
		t.Fatalf("WritePasswordHash mismatch")
	}
	if len(got.Shells) != 1 || got.Shells[0].ID != 1 || string(got.Shells[0].DataTail) != "hello" {
		t.Fatalf("Shells mismatch: %+v", got.Shells)
	}
	if len(got.Chat) != 1 || got.Chat[0].Body != "hi" {
		t.Fatalf("Chat mismatch: %+v", got.Chat)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := Session{EncryptedZeros: [16]byte{9, 9, 9}}
	a, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical bytes for identical input")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not cbor")); err == nil {
		t.Fatal("expected an error decoding garbage bytes")
	}
}
