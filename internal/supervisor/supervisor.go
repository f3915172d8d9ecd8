// Package supervisor implements the per-session task that owns all
// mutable session state (§4.2). Exactly one goroutine per session
// processes a single mailbox of events from the host stream, viewer
// streams, and timers, so every state mutation is linearized without
// per-field locking on the hot path.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sshxd/sshxd/internal/ids"
	"github.com/sshxd/sshxd/internal/protocol"
	"github.com/sshxd/sshxd/internal/session"
	"github.com/sshxd/sshxd/internal/snapshot"
	"github.com/sshxd/sshxd/internal/store"
)

// Config controls supervisor timing and limits, sourced from
// internal/config (§5 "Cancellation & timeouts").
type Config struct {
	ReplayWindowBytes int
	SnapshotInterval  time.Duration // default 2s, §4.2
	IdleWindow        time.Duration // default 300s, §5
	PingInterval      time.Duration // default 2s, §5
	MissedPongLimit   int           // default 3, §5
	StorageGrace      time.Duration // default 30s, §4.2
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ReplayWindowBytes: session.DefaultReplayWindow,
		SnapshotInterval:  2 * time.Second,
		IdleWindow:        300 * time.Second,
		PingInterval:      2 * time.Second,
		MissedPongLimit:   3,
		StorageGrace:      30 * time.Second,
	}
}

// outbox is a bounded per-subscriber send queue. A full outbox marks
// the subscriber for disconnection with SlowConsumer rather than
// dropping frames silently (§5 "Broadcasts use a bounded per-subscriber
// queue...").
type outbox struct {
	ch        chan []byte
	overflowed bool
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan []byte, size)}
}

// newViewerHandle builds a viewerHandle with its cursor rate limiter
// primed to allow one update immediately and then at most one per
// cursorCoalesceInterval thereafter (§4.6).
func newViewerHandle(userID uint32, canWrite bool, cancel context.CancelFunc) *viewerHandle {
	return &viewerHandle{
		userID:        userID,
		outbox:        newOutbox(outboxDepth),
		cancel:        cancel,
		canWrite:      canWrite,
		cursorLimiter: rate.NewLimiter(rate.Every(cursorCoalesceInterval), 1),
		ackedSeq:      make(map[uint32]uint64),
	}
}

func (o *outbox) send(data []byte) {
	if o.overflowed {
		return
	}
	select {
	case o.ch <- data:
	default:
		o.overflowed = true
	}
}

type hostHandle struct {
	token  string
	outbox *outbox
	cancel context.CancelFunc
	gen    uint64 // generation counter to detect stale disconnects

	missedPongs int // consecutive pings sent without a matching Pong
}

type viewerHandle struct {
	userID   uint32
	outbox   *outbox
	cancel   context.CancelFunc
	canWrite bool

	cursorLimiter *rate.Limiter

	// ackedSeq tracks, per shell, the highest scrollback seqnum this
	// viewer's outbox has been handed (sendChunk). It is the signal
	// ScrollbackBuffer.Trim uses to avoid trimming bytes a live viewer
	// hasn't been sent yet; it is not a delivery acknowledgement from
	// the browser itself.
	ackedSeq map[uint32]uint64
}

// eventKind tags a mailbox event.
type eventKind int

const (
	eventHostMessage eventKind = iota
	eventHostAttached
	eventHostDetached
	eventViewerMessage
	eventViewerAttached
	eventViewerDetached
	eventTick
	eventClose
)

type mailboxEvent struct {
	kind eventKind

	hostGen uint64
	hostMsg any

	viewerID  uint32
	viewerMsg any

	newHost   *hostHandle
	newViewer *viewerHandle
}

// ErrUnauthorized is returned from ServeHost when the presented token
// doesn't match the session that was opened with it.
var ErrUnauthorized = errors.New("supervisor: unauthorized host token")

// ErrInvalidAuth is returned from ServeViewer when Authenticate fails.
var ErrInvalidAuth = errors.New("supervisor: viewer authentication failed")

// Supervisor owns one session's mutable state and linearizes mutations
// through a single mailbox goroutine (§4.2).
type Supervisor struct {
	name  string
	token string
	cfg   Config
	store store.Store
	log   *slog.Logger

	mailbox chan mailboxEvent
	done    chan struct{}

	sess *session.Session

	host        *hostHandle
	hostGenNext uint64
	viewers     map[uint32]*viewerHandle
	userIDs     *ids.Allocator

	dirty        bool
	lastSnapshot time.Time
	degraded     bool
	storageFailSince time.Time

	events *session.EventLog // nil disables event logging entirely
}

// New constructs a Supervisor around freshly-created session state. The
// caller (dispatcher) is responsible for writing the initial snapshot
// before advertising the session as open. eventLogPath may be empty,
// which disables the observability event log for this session; a
// non-empty path that fails to open only logs a warning, since the
// event log is ambient tooling, not required for correctness.
func New(name, token string, sess *session.Session, st store.Store, cfg Config, log *slog.Logger, eventLogPath string) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", name)

	var events *session.EventLog
	if eventLogPath != "" {
		el, err := session.NewEventLog(eventLogPath)
		if err != nil {
			log.Warn("opening event log, continuing without one", "err", err)
		} else {
			events = el
		}
	}

	return &Supervisor{
		name:    name,
		token:   token,
		cfg:     cfg,
		store:   st,
		log:     log,
		mailbox: make(chan mailboxEvent, 256),
		done:    make(chan struct{}),
		sess:    sess,
		viewers: make(map[uint32]*viewerHandle),
		userIDs: sess.UserIDs,
		events:  events,
	}
}

// logEvent appends e to the session's event log, if one is open. It
// never blocks the mailbox on a write failure beyond logging a warning.
func (s *Supervisor) logEvent(e session.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(e); err != nil {
		s.log.Warn("writing event log entry", "err", err)
	}
}

// Run processes the mailbox until Close is called or ctx is cancelled.
// Exactly one goroutine must call Run.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.mailbox:
			if ev.kind == eventClose {
				s.shutdown()
				return
			}
			s.handle(ctx, ev)
		case <-ticker.C:
			s.handle(ctx, mailboxEvent{kind: eventTick})
		}
	}
}

// Done reports whether Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Info is a point-in-time summary for the /api/sessions listing
// endpoint (§6). Safe to call concurrently from outside the
// supervisor's own mailbox goroutine: every field it reads comes from
// session.Session accessors, which guard themselves with their own
// mutex independent of mailbox linearization.
type Info struct {
	UserCount        int
	ShellCount       int
	LastAccessed     time.Time
	Users            []string
	HasWritePassword bool
	Degraded         bool
}

// Info returns the current summary of this session.
func (s *Supervisor) Info() Info {
	viewers := s.sess.Viewers()
	users := make([]string, 0, len(viewers))
	for _, vw := range viewers {
		users = append(users, vw.Snapshot().Name)
	}
	return Info{
		UserCount:        len(viewers),
		ShellCount:       s.sess.ShellCount(),
		LastAccessed:     s.sess.Metadata().LastAccessed,
		Users:            users,
		HasWritePassword: len(s.sess.WritePasswordHash) > 0,
		Degraded:         s.degraded,
	}
}

// Close requests the supervisor drain and exit (§4.2 "Shutdown").
func (s *Supervisor) Close() {
	select {
	case s.mailbox <- mailboxEvent{kind: eventClose}:
	case <-s.done:
	}
}

func (s *Supervisor) handle(ctx context.Context, ev mailboxEvent) {
	switch ev.kind {
	case eventHostAttached:
		s.onHostAttached(ev.newHost)
	case eventHostDetached:
		s.onHostDetached(ev.hostGen)
	case eventHostMessage:
		s.onHostMessage(ev.hostMsg)
	case eventViewerAttached:
		s.onViewerAttached(ev.newViewer)
	case eventViewerDetached:
		s.onViewerDetached(ev.viewerID)
	case eventViewerMessage:
		s.onViewerMessage(ev.viewerID, ev.viewerMsg)
	case eventTick:
		s.onTick(ctx)
	}
}

func (s *Supervisor) shutdown() {
	s.log.Info("session supervisor shutting down")
	if s.host != nil {
		s.host.cancel()
		s.host = nil
	}
	for id, v := range s.viewers {
		v.cancel()
		delete(s.viewers, id)
	}
	s.sess.Status.Set(session.Status{Closed: true})
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.log.Warn("closing event log", "err", err)
		}
	}
}

func (s *Supervisor) markDirty() { s.dirty = true }

// persist writes the session's snapshot through the storage adapter,
// retrying with backoff and tracking the degraded grace window
// (§4.2 "Storage write failure").
func (s *Supervisor) persist(ctx context.Context) {
	if !s.dirty {
		return
	}
	snap := s.buildSnapshot()
	data, err := snapshot.Encode(snap)
	if err != nil {
		s.log.Error("encoding snapshot", "err", err)
		return
	}

	key := "session:" + s.name
	retryCfg := store.DefaultRetryConfig()
	err = store.WithRetry(ctx, retryCfg, s.cfg.StorageGrace, func(ctx context.Context) error {
		cur, getErr := s.store.Get(ctx, key)
		version := uint64(0)
		if getErr == nil {
			version = cur.Version
		} else if !errors.Is(getErr, store.ErrNotFound) {
			return getErr
		}
		_, casErr := s.store.CAS(ctx, key, version, data)
		return casErr
	})

	if err != nil {
		if s.storageFailSince.IsZero() {
			s.storageFailSince = time.Now()
		}
		if time.Since(s.storageFailSince) > s.cfg.StorageGrace && !s.degraded {
			s.degraded = true
			s.log.Warn("session marked degraded after sustained storage failures", "err", err)
		}
		return
	}

	s.storageFailSince = time.Time{}
	s.degraded = false
	s.dirty = false
	s.lastSnapshot = time.Now()
}

func (s *Supervisor) buildSnapshot() snapshot.Session {
	meta := s.sess.Metadata()
	shells := s.sess.Shells()
	out := snapshot.Session{
		CreatedAt:    meta.CreatedAt,
		LastAccessed: meta.LastAccessed,
	}
	out.EncryptedZeros = s.sess.EncryptedZeros
	out.WritePasswordHash = s.sess.WritePasswordHash
	for _, sh := range shells {
		snap := sh.Snapshot()
		tail, _ := sh.Scrollback.Read(sh.Scrollback.Earliest(), snap.Seqnum)
		out.Shells = append(out.Shells, snapshot.ShellState{
			ID: snap.ID, Seqnum: snap.Seqnum, Rows: snap.Rows, Cols: snap.Cols,
			X: snap.Pos.X, Y: snap.Pos.Y, Zoom: snap.Zoom, Closed: snap.Closed,
			DataTail: tail,
		})
	}
	for _, c := range s.sess.Chat() {
		out.Chat = append(out.Chat, snapshot.ChatEntry{UserID: c.UserID, Name: c.Name, Body: c.Body, Timestamp: c.Timestamp})
	}
	return out
}

func (s *Supervisor) onTick(ctx context.Context) {
	now := time.Now()
	if s.dirty || now.Sub(s.lastSnapshot) >= s.cfg.SnapshotInterval {
		s.persist(ctx)
	}
	if s.host == nil && len(s.viewers) == 0 {
		if s.sess.IdleFor(now) > s.cfg.IdleWindow {
			s.log.Info("idle session reaped")
			s.Close()
			return
		}
	}
	if s.host != nil {
		s.pingHost()
	}
	s.evictOverflowedViewers()
}

// pingHost sends a liveness probe down the host channel (§5 "ping every
// 2s; three missed pongs ⇒ drop"). Each call counts as one unanswered
// ping until onHostMessage's HostPong case resets the counter; once
// MissedPongLimit consecutive pings go unanswered the host channel is
// dropped as if it had disconnected.
func (s *Supervisor) pingHost() {
	s.host.missedPongs++
	if s.host.missedPongs > s.cfg.MissedPongLimit {
		s.log.Warn("host missed too many pongs, dropping", "missed", s.host.missedPongs)
		s.host.cancel()
		s.host = nil
		s.logEvent(session.NewHostDroppedEvent())
		s.broadcastHostDisconnected()
		return
	}
	ping := protocol.ServerPing{Nanos: uint64(time.Now().UnixNano())}
	data, err := ping.Encode()
	if err != nil {
		return
	}
	s.host.outbox.send(data)
}

func (s *Supervisor) evictOverflowedViewers() {
	for id, v := range s.viewers {
		if v.outbox.overflowed {
			s.log.Warn("disconnecting slow consumer", "user_id", id)
			v.cancel()
			delete(s.viewers, id)
			s.sess.RemoveViewer(id)
			s.broadcastUserDiff(id, false, "")
		}
	}
}
