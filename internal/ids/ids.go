// Package ids provides the monotonic identifiers and opaque tokens used
// throughout a session: shell IDs, user IDs, session names, and host
// authentication tokens.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// namePattern matches URL-safe session names, 10+ characters.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{10,}$`)

// ValidateName checks that name is a legal session name: URL-safe and at
// least 10 characters, per the data model's session-name invariant.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must be 10+ URL-safe characters", name)
	}
	return nil
}

var nameAlphabet = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// GenerateName mints a random, URL-safe session name when the caller does
// not supply one to Open. 12 raw bytes yields a 20-character name, well
// above the 10-character floor.
func GenerateName() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating session name: %w", err)
	}
	return nameAlphabet.EncodeToString(raw), nil
}

// tokenBytes is the byte length of a minted host token (128 bits).
const tokenBytes = 16

// GenerateToken mints an opaque 128-bit token, base64url-encoded for
// transport, required for subsequent host operations on a session.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Allocator mints strictly increasing IDs starting at 1, never reusing a
// value once handed out — the shape required for shell_id and user_id
// within a single session (§3 invariants: "closed ids are never reused").
// Safe for concurrent use: viewer connections authenticate from
// independent goroutines and each needs a unique user_id before the
// session supervisor's mailbox ever sees them.
type Allocator struct {
	next atomic.Uint32
}

// NewAllocator returns an Allocator that starts at 1.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.next.Store(1)
	return a
}

// Next returns the next unused ID and advances the allocator.
func (a *Allocator) Next() uint32 {
	return a.next.Add(1) - 1
}

// Peek returns the next ID that Next would return, without consuming it.
func (a *Allocator) Peek() uint32 {
	return a.next.Load()
}

// Observe advances the allocator so that subsequent IDs are strictly
// greater than id, used when the host announces a shell_id out of band
// (e.g. restored from a snapshot) and the allocator must not reissue it.
func (a *Allocator) Observe(id uint32) {
	for {
		cur := a.next.Load()
		if id < cur {
			return
		}
		if a.next.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// cursorPalette is the fixed set of colors a viewer's cursor may render
// in. CursorColor hashes user_id rather than indexing it directly so
// that adjacent IDs don't land on adjacent, easily-confused hues.
var cursorPalette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef",
	"#c678dd", "#56b6c2", "#d19a66", "#be5046",
}

// CursorColor derives a deterministic, stable color for a user_id so that
// a viewer's shared cursor always renders in the same hue across
// reconnects. Uses blake2b rather than a raw modulus so the mapping
// isn't visibly sequential for consecutive IDs.
func CursorColor(userID uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], userID)
	sum := blake2b.Sum256(buf[:])
	return cursorPalette[int(sum[0])%len(cursorPalette)]
}

// SanitizeDisplayName trims a viewer-supplied display name to something
// safe for broadcast: no surrounding whitespace, capped length.
func SanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	const maxLen = 64
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
