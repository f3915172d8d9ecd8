package protocol

import (
	"encoding/json"
	"testing"
)

func TestRawBytesRoundTrip(t *testing.T) {
	want := RawBytes{0, 1, 2, 255, 128, 7}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[0,1,2,255,128,7]" {
		t.Fatalf("expected a JSON array of integers, got %s", data)
	}

	var got RawBytes
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestRawBytesRejectsBase64 is the explicit test §9 calls for: a
// base64-encoded string must not be silently accepted as a byte field.
func TestRawBytesRejectsBase64(t *testing.T) {
	b64 := `"AAECA/+AAAc="` // base64 for the same bytes as above
	var got RawBytes
	if err := json.Unmarshal([]byte(b64), &got); err == nil {
		t.Fatalf("expected an error decoding a base64 string as a byte field, got %v", got)
	}
}

func TestRawBytesRejectsOutOfRangeElements(t *testing.T) {
	var got RawBytes
	if err := json.Unmarshal([]byte("[0,1,256]"), &got); err == nil {
		t.Fatal("expected an error decoding an out-of-range byte element")
	}
	if err := json.Unmarshal([]byte("[0,-1,2]"), &got); err == nil {
		t.Fatal("expected an error decoding a negative byte element")
	}
}

func TestRawBytesEmpty(t *testing.T) {
	var b RawBytes
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected empty array, got %s", data)
	}
}
