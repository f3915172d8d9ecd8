// Package session holds the in-memory state machine for a single
// collaborative terminal session: its shells, viewers, chat log, and the
// broadcast primitives the supervisor uses to fan events out to
// subscribers (§3, §4.2).
package session

import (
	"sync"
	"time"

	"github.com/sshxd/sshxd/internal/ids"
)

// ---------------------------------------------------------------------------
// Broadcaster — fans out values to multiple subscribers with a bounded
// queue per subscriber. A subscriber whose queue overflows is flagged
// for disconnection with SlowConsumer rather than having its data
// silently dropped (§5 ordering guarantees, §8 scenario 6).
// ---------------------------------------------------------------------------

// Broadcaster fans out values of type T to multiple subscribers.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]chan T
	overflow  map[uint64]bool
	nextID    uint64
}

// NewBroadcaster creates a ready-to-use Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		listeners: make(map[uint64]chan T),
		overflow:  make(map[uint64]bool),
	}
}

// Subscribe registers a new listener with the given bounded buffer depth.
func (b *Broadcaster[T]) Subscribe(bufSize int) (uint64, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan T, bufSize)
	b.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a listener by ID.
func (b *Broadcaster[T]) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		close(ch)
		delete(b.listeners, id)
		delete(b.overflow, id)
	}
}

// Send broadcasts a value to every listener. Non-blocking: if a
// listener's channel is full, the subscriber is flagged as overflowing
// instead of the value being dropped silently, so the supervisor can
// disconnect it with SlowConsumer (§5).
func (b *Broadcaster[T]) Send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.listeners {
		select {
		case ch <- v:
		default:
			b.overflow[id] = true
		}
	}
}

// Overflowed returns the IDs of subscribers whose queue has overflowed.
func (b *Broadcaster[T]) Overflowed() []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint64, 0, len(b.overflow))
	for id := range b.overflow {
		out = append(out, id)
	}
	return out
}

// ---------------------------------------------------------------------------
// StatusWatcher — a small watch-channel primitive used to let
// goroutines block until a session's degraded/closed status changes,
// without polling.
// ---------------------------------------------------------------------------

// Status represents a session's coarse lifecycle state.
type Status struct {
	Closed   bool
	Degraded bool
}

// StatusWatcher holds a Status and notifies waiters on change.
type StatusWatcher struct {
	mu     sync.Mutex
	status Status
	waitCh chan struct{}
}

// NewStatusWatcher creates a watcher with the given initial status.
func NewStatusWatcher(initial Status) *StatusWatcher {
	return &StatusWatcher{status: initial, waitCh: make(chan struct{})}
}

// Set updates the status and wakes all current waiters.
func (w *StatusWatcher) Set(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	close(w.waitCh)
	w.waitCh = make(chan struct{})
}

// Get returns the current status.
func (w *StatusWatcher) Get() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Changed returns a channel that closes when the status next changes.
func (w *StatusWatcher) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitCh
}

// ---------------------------------------------------------------------------
// Session, Shell, Viewer, ChatMessage — the data model of §3.
// ---------------------------------------------------------------------------

// WinPos is a window's position on the shared canvas.
type WinPos struct {
	X float64
	Y float64
}

// OutputChunk is one broadcast unit of shell output, carrying its
// starting seqnum so subscribers can maintain contiguity (§4.4 Chunks,
// §8 Ordering).
type OutputChunk struct {
	ShellID  uint32
	StartSeq uint64
	Data     []byte
}

// Shell is a single pseudo-terminal within a session (§3 Shell).
type Shell struct {
	ID   uint32
	Pos  WinPos
	Zoom float64

	Scrollback *ScrollbackBuffer
	Output     *Broadcaster[OutputChunk]

	mu     sync.Mutex // protects Rows/Cols/Pos/Zoom/Closed
	rows   uint16
	cols   uint16
	closed bool
}

// NewShell creates a shell with the given ID and initial position, ready
// to receive output.
func NewShell(id uint32, pos WinPos, replayWindow int) *Shell {
	return &Shell{
		ID:         id,
		Pos:        pos,
		Zoom:       1.0,
		rows:       24,
		cols:       80,
		Scrollback: NewScrollbackBuffer(replayWindow),
		Output:     NewBroadcaster[OutputChunk](),
	}
}

// AppendOutput records bytes in the shell's scrollback and sends them to
// the Output broadcaster's subscribers. Viewers are not subscribed to
// Output: the supervisor delivers output to them through its own
// per-viewer outboxes.
func (s *Shell) AppendOutput(data []byte) {
	start := s.Scrollback.Append(data)
	s.Output.Send(OutputChunk{ShellID: s.ID, StartSeq: start, Data: data})
}

// Resize updates the shell's terminal dimensions.
func (s *Shell) Resize(rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
}

// Move updates the shell's window position and zoom on the shared canvas
// (§4.6: window moves are authoritative and applied immediately).
func (s *Shell) Move(pos WinPos, zoom float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pos, s.Zoom = pos, zoom
}

// Close marks the shell closed. Idempotent: returns false if the shell
// was already closed (§4.3 ClosedShell, §8 "Idempotent close").
func (s *Shell) Close() (wasOpen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasOpen = !s.closed
	s.closed = true
	return wasOpen
}

// ShellMeta is the serializable view of a shell's metadata (§4.4 Shells).
type ShellMeta struct {
	ID     uint32
	Rows   uint16
	Cols   uint16
	Pos    WinPos
	Zoom   float64
	Closed bool
	Seqnum uint64
}

// Snapshot returns a read-only copy of the shell's metadata fields.
func (s *Shell) Snapshot() ShellMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShellMeta{
		ID:     s.ID,
		Rows:   s.rows,
		Cols:   s.cols,
		Pos:    s.Pos,
		Zoom:   s.Zoom,
		Closed: s.closed,
		Seqnum: s.Scrollback.Seqnum(),
	}
}

// Cursor is a viewer's pointer position within a shell (§3, §4.6).
type Cursor struct {
	ShellID *uint32
	X, Y    float64
}

// Viewer is one connected browser's presence state (§3 Viewer).
type Viewer struct {
	UserID   uint32
	Color    string
	CanWrite bool

	mu           sync.Mutex
	name         string
	focusShellID *uint32
	cursor       *Cursor
	lastActivity time.Time
}

// NewViewer creates a viewer with a deterministic cursor color.
func NewViewer(userID uint32, canWrite bool) *Viewer {
	return &Viewer{
		UserID:       userID,
		Color:        ids.CursorColor(userID),
		CanWrite:     canWrite,
		lastActivity: time.Now(),
	}
}

// Touch updates the viewer's last-activity timestamp, keeping the
// session's idle sweep accurate (§3 Lifecycle).
func (v *Viewer) Touch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastActivity = time.Now()
}

// LastActivity returns when the viewer last sent anything.
func (v *Viewer) LastActivity() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastActivity
}

// SetName updates the viewer's display name.
func (v *Viewer) SetName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = ids.SanitizeDisplayName(name)
}

// SetFocus updates which shell the viewer is focused on.
func (v *Viewer) SetFocus(shellID *uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.focusShellID = shellID
}

// SetCursor updates the viewer's cursor position.
func (v *Viewer) SetCursor(c *Cursor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = c
}

// ViewerMeta is the serializable view of a viewer's presence (§4.4 Users).
type ViewerMeta struct {
	UserID       uint32
	Name         string
	Color        string
	FocusShellID *uint32
	Cursor       *Cursor
	CanWrite     bool
}

// Snapshot returns a read-only copy of the viewer's presence fields.
func (v *Viewer) Snapshot() ViewerMeta {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ViewerMeta{
		UserID:       v.UserID,
		Name:         v.name,
		Color:        v.Color,
		FocusShellID: v.focusShellID,
		Cursor:       v.cursor,
		CanWrite:     v.CanWrite,
	}
}

// ChatMessage is one entry in a session's chat log (§3 ChatMessage).
type ChatMessage struct {
	UserID    uint32
	Name      string
	Body      string
	Timestamp time.Time
}

// Metadata tracks session creation/access times for the idle sweep.
type Metadata struct {
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Session is the full in-memory state of one collaborative workspace
// (§3 Session). All mutation is expected to happen on the owning
// supervisor's goroutine; Session adds its own locking only for fields
// the HTTP listing endpoint reads concurrently (§6 GET /api/sessions).
type Session struct {
	Name              string
	EncryptedZeros    [16]byte
	WritePasswordHash []byte // nil ⇒ everyone may write
	Token             string
	ReplayWindow      int

	ShellIDs *ids.Allocator
	UserIDs  *ids.Allocator
	Status   *StatusWatcher

	mu      sync.RWMutex
	meta    Metadata
	shells  map[uint32]*Shell
	order   []uint32 // shell creation order, for stable Shells listings
	viewers map[uint32]*Viewer
	chat    []ChatMessage
}

// New creates an empty session ready to accept its first shell or viewer.
func New(name string, encryptedZeros [16]byte, writePasswordHash []byte, token string, replayWindow int) *Session {
	now := time.Now()
	return &Session{
		Name:              name,
		EncryptedZeros:    encryptedZeros,
		WritePasswordHash: writePasswordHash,
		Token:             token,
		ReplayWindow:      replayWindow,
		ShellIDs:          ids.NewAllocator(),
		UserIDs:           ids.NewAllocator(),
		Status:            NewStatusWatcher(Status{}),
		meta:              Metadata{CreatedAt: now, LastAccessed: now},
		shells:            make(map[uint32]*Shell),
		viewers:           make(map[uint32]*Viewer),
	}
}

// Touch bumps last-accessed to now, keeping it ≥ any observed event
// timestamp (§3 invariant).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.LastAccessed = time.Now()
}

// Metadata returns a copy of the session's creation/access timestamps.
func (s *Session) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// AddShell registers a new shell. id must be strictly greater than any
// previously created shell in this session (§3 invariant, §4.3
// CreatedShell); callers obtain id from s.ShellIDs.
func (s *Session) AddShell(sh *Shell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shells[sh.ID] = sh
	s.order = append(s.order, sh.ID)
}

// Shell looks up a shell by ID.
func (s *Session) Shell(id uint32) (*Shell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shells[id]
	return sh, ok
}

// Shells returns all shells in creation order.
func (s *Session) Shells() []*Shell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Shell, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.shells[id])
	}
	return out
}

// ShellCount returns the number of shells ever created (open or closed).
func (s *Session) ShellCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shells)
}

// AddViewer registers a newly authenticated viewer.
func (s *Session) AddViewer(v *Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers[v.UserID] = v
}

// RemoveViewer drops a viewer, e.g. on channel disconnect.
func (s *Session) RemoveViewer(userID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers, userID)
}

// Viewer looks up a viewer by user ID.
func (s *Session) Viewer(userID uint32) (*Viewer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.viewers[userID]
	return v, ok
}

// Viewers returns a snapshot slice of all connected viewers.
func (s *Session) Viewers() []*Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// ViewerCount returns the number of currently connected viewers.
func (s *Session) ViewerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// AppendChat appends a chat message to the log.
func (s *Session) AppendChat(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, msg)
}

// Chat returns a copy of the chat log.
func (s *Session) Chat() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out
}

// CanWrite reports whether the given presented write-password hash
// grants write access to this session (§3 invariant: can_write is true
// iff no write_password_hash is set, or the viewer's hash matches).
func (s *Session) CanWrite(presented []byte) bool {
	if len(s.WritePasswordHash) == 0 {
		return true
	}
	return constantTimeEqual(s.WritePasswordHash, presented)
}

// MatchesEncryptedZeros reports whether candidate matches the session's
// stored encrypted_zeros byte-for-byte (§4.4 Authentication handshake).
func (s *Session) MatchesEncryptedZeros(candidate [16]byte) bool {
	return constantTimeEqual(s.EncryptedZeros[:], candidate[:])
}

// IdleFor reports how long the session has had neither host activity
// (tracked by the supervisor) nor viewer activity, for the idle sweep
// (§3 Lifecycle, §5 "sessions with no host and no viewers for 300s").
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.Metadata().LastAccessed)
}
