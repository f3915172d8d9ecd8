package session

import (
	"sync"
	"time"
)

// DefaultReplayWindow is the minimum number of recent bytes retained per
// shell so a reconnecting viewer can resynchronize (§4.5, Open Questions:
// "default to at least 64 KiB per shell").
const DefaultReplayWindow = 64 * 1024

// minTrimAge is the tie-break in §4.5: never trim bytes newer than 5s,
// even if every viewer has acknowledged past them.
const minTrimAge = 5 * time.Second

// chunk is one append to the scrollback log: the raw bytes plus the
// seqnum at which they started.
type chunk struct {
	startSeq uint64
	data     []byte
	at       time.Time
}

// ScrollbackBuffer is a per-shell append-only byte log with a soft cap.
// Appends record both the raw bytes and the seqnum they start at; reads
// slice by [start, end) on seqnums. It is the concrete form of §3's
// `data` + `chunk_offsets` fields and implements the read/trim semantics
// of §4.5.
type ScrollbackBuffer struct {
	mu sync.Mutex

	softCap  int
	chunks   []chunk // ordered by startSeq, contiguous
	seqnum   uint64  // total bytes ever appended (current seqnum)
	earliest uint64  // lowest seqnum still retained
}

// NewScrollbackBuffer creates a buffer with the given soft cap in bytes.
// A cap of 0 uses DefaultReplayWindow.
func NewScrollbackBuffer(softCap int) *ScrollbackBuffer {
	if softCap <= 0 {
		softCap = DefaultReplayWindow
	}
	return &ScrollbackBuffer{softCap: softCap}
}

// Seqnum returns the total bytes ever produced (the shell's current
// seqnum), matching §3's monotonic `seqnum` field.
func (b *ScrollbackBuffer) Seqnum() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqnum
}

// Earliest returns the lowest seqnum still retained in the buffer.
func (b *ScrollbackBuffer) Earliest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earliest
}

// Append records data as having arrived at the buffer's current seqnum
// and advances it. Returns the seqnum the data started at.
func (b *ScrollbackBuffer) Append(data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.seqnum
	cp := make([]byte, len(data))
	copy(cp, data)
	b.chunks = append(b.chunks, chunk{startSeq: start, data: cp, at: time.Now()})
	b.seqnum += uint64(len(data))
	return start
}

// Read returns the bytes in [start, end) along with whether the result
// was truncated because start was below the earliest retained seqnum
// (§4.5: "if start is below the earliest retained seqnum, the read
// returns the earliest available range and a truncated: true flag").
func (b *ScrollbackBuffer) Read(start, end uint64) (data []byte, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end > b.seqnum {
		end = b.seqnum
	}
	if start < b.earliest {
		start = b.earliest
		truncated = true
	}
	if start >= end {
		return nil, truncated
	}

	out := make([]byte, 0, end-start)
	for _, c := range b.chunks {
		cEnd := c.startSeq + uint64(len(c.data))
		if cEnd <= start || c.startSeq >= end {
			continue
		}
		lo := uint64(0)
		if start > c.startSeq {
			lo = start - c.startSeq
		}
		hi := uint64(len(c.data))
		if cEnd > end {
			hi = hi - (cEnd - end)
		}
		out = append(out, c.data[lo:hi]...)
	}
	return out, truncated
}

// Trim drops chunks from the front of the buffer that are (a) older than
// minTrimAge, (b) entirely below minAckedSeq, and (c) needed to bring the
// buffer back under softCap. It is opportunistic: called whenever the
// caller observes the buffer has grown, typically after an Append.
func (b *ScrollbackBuffer) Trim(minAckedSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := 0
	for _, c := range b.chunks {
		size += len(c.data)
	}
	if size <= b.softCap {
		return
	}

	cutoff := time.Now().Add(-minTrimAge)
	i := 0
	for i < len(b.chunks) {
		c := b.chunks[i]
		cEnd := c.startSeq + uint64(len(c.data))
		if size <= b.softCap {
			break
		}
		if cEnd > minAckedSeq {
			break // would trim bytes a live viewer hasn't acked past
		}
		if c.at.After(cutoff) {
			break // too recent to trim regardless of acks
		}
		size -= len(c.data)
		b.earliest = cEnd
		i++
	}
	if i > 0 {
		b.chunks = append([]chunk(nil), b.chunks[i:]...)
	}
}
