package session

import (
	"testing"
	"time"
)

func TestScrollbackAppendAndRead(t *testing.T) {
	b := NewScrollbackBuffer(1024)
	s1 := b.Append([]byte("hello "))
	s2 := b.Append([]byte("world"))

	if s1 != 0 {
		t.Fatalf("first append start seq = %d, want 0", s1)
	}
	if s2 != 6 {
		t.Fatalf("second append start seq = %d, want 6", s2)
	}

	data, truncated := b.Read(0, b.Seqnum())
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if string(data) != "hello world" {
		t.Fatalf("Read(0, end) = %q, want %q", data, "hello world")
	}
}

func TestScrollbackReadSlice(t *testing.T) {
	b := NewScrollbackBuffer(1024)
	b.Append([]byte("0123456789"))

	data, truncated := b.Read(3, 7)
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if string(data) != "3456" {
		t.Fatalf("Read(3,7) = %q, want %q", data, "3456")
	}
}

func TestScrollbackReadBelowEarliestTruncates(t *testing.T) {
	b := NewScrollbackBuffer(4) // tiny cap to force a trim
	b.Append([]byte("aaaa"))
	b.Append([]byte("bbbb"))

	data, truncated := b.Read(0, 4)
	if truncated {
		t.Fatalf("no trim has happened yet, should not be truncated")
	}
	if string(data) != "aaaa" {
		t.Fatalf("Read(0,4) = %q, want %q", data, "aaaa")
	}

	// Trim is gated on minTrimAge, so age the first chunk directly (this
	// test is inside the package) and pretend every viewer acked past
	// seqnum 8. Dropping "aaaa" brings the size back to the cap of 4.
	b.chunks[0].at = time.Now().Add(-2 * minTrimAge)
	b.Trim(8)
	if b.Earliest() != 4 {
		t.Fatalf("Earliest() after trim = %d, want 4", b.Earliest())
	}

	data, truncated = b.Read(0, 8)
	if !truncated {
		t.Fatalf("Read starting below Earliest() should report truncation")
	}
	if string(data) != "bbbb" {
		t.Fatalf("Read(0,8) = %q, want %q", data, "bbbb")
	}
}

func TestScrollbackTrimNeverDropsUnackedOrRecent(t *testing.T) {
	b := NewScrollbackBuffer(1)
	b.Append([]byte("aaaa"))
	b.Append([]byte("bbbb"))

	// No viewer has acked anything: Trim must be a no-op regardless of
	// the soft cap being exceeded.
	b.Trim(0)
	if b.Earliest() != 0 {
		t.Fatalf("Trim with minAckedSeq=0 trimmed bytes nobody acked: earliest=%d", b.Earliest())
	}

	// Even if a viewer acked past everything, the 5s tie-break keeps
	// fresh bytes around — this buffer was just written, so Trim must
	// still be a no-op.
	b.Trim(b.Seqnum())
	if b.Earliest() != 0 {
		t.Fatalf("Trim dropped bytes newer than the minimum trim age: earliest=%d", b.Earliest())
	}
}
