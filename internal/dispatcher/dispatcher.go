// Package dispatcher implements the three entry points that sit in
// front of the session supervisors (§4.1): Open, Close, and Attach.
// It owns the name → *Supervisor registry and is the only place that
// spawns a supervisor goroutine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sshxd/sshxd/internal/ids"
	"github.com/sshxd/sshxd/internal/session"
	"github.com/sshxd/sshxd/internal/snapshot"
	"github.com/sshxd/sshxd/internal/store"
	"github.com/sshxd/sshxd/internal/supervisor"
	"github.com/sshxd/sshxd/internal/transport"
)

// Errors surfaced to the httpapi layer (§4.1).
var (
	ErrAlreadyExists     = errors.New("dispatcher: session already exists")
	ErrNotFound          = errors.New("dispatcher: session not found")
	ErrBadToken          = errors.New("dispatcher: bad token")
	ErrProtocolViolation = supervisor.ErrProtocolViolation
	// ErrUnavailable is returned when the initial snapshot write keeps
	// failing past the storage grace window (§4.2, §7 "Unavailable").
	ErrUnavailable = errors.New("dispatcher: storage unavailable")
)

// entry is one live, resident session: its supervisor plus the
// bookkeeping the dispatcher needs to validate Close and to tear the
// goroutine down.
type entry struct {
	sup    *supervisor.Supervisor
	token  string
	cancel context.CancelFunc
}

// Dispatcher routes connections to per-session supervisors, spawning
// one the first time a session is opened or (after this process
// restarts) the first time it is attached to again (§4.2 "Serve
// attaches from remote replicas via pub/sub" — this single-process
// implementation revives from the local store instead of proxying a
// remote replica's pub/sub channel; see DESIGN.md).
type Dispatcher struct {
	store       store.Store
	cfg         supervisor.Config
	log         *slog.Logger
	eventLogDir string

	mu       sync.Mutex
	sessions map[string]*entry
}

// New constructs a Dispatcher backed by st, using cfg for every
// supervisor it spawns. eventLogDir may be empty, which disables the
// per-session observability event log entirely.
func New(st store.Store, cfg supervisor.Config, log *slog.Logger, eventLogDir string) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		cfg:         cfg,
		log:         log,
		eventLogDir: eventLogDir,
		sessions:    make(map[string]*entry),
	}
}

// Opened is the result of a successful Open.
type Opened struct {
	Name  string
	Token string
	URL   string
}

// Open creates a new session (§4.1). If name is empty a random one is
// minted. Fails with ErrAlreadyExists if name is already present in
// storage.
func (d *Dispatcher) Open(ctx context.Context, encryptedZeros [16]byte, name string, writePasswordHash []byte) (Opened, error) {
	if name == "" {
		generated, err := ids.GenerateName()
		if err != nil {
			return Opened{}, fmt.Errorf("generating session name: %w", err)
		}
		name = generated
	} else if err := ids.ValidateName(name); err != nil {
		return Opened{}, err
	}

	token, err := ids.GenerateToken()
	if err != nil {
		return Opened{}, fmt.Errorf("generating host token: %w", err)
	}

	sess := session.New(name, encryptedZeros, writePasswordHash, token, d.cfg.ReplayWindowBytes)

	initial := snapshot.Session{
		EncryptedZeros:    encryptedZeros,
		WritePasswordHash: writePasswordHash,
		CreatedAt:         sess.Metadata().CreatedAt,
		LastAccessed:      sess.Metadata().LastAccessed,
	}
	data, err := snapshot.Encode(initial)
	if err != nil {
		return Opened{}, fmt.Errorf("encoding initial snapshot: %w", err)
	}

	key := "session:" + name
	var conflict error
	retryCfg := store.DefaultRetryConfig()
	err = store.WithRetry(ctx, retryCfg, d.cfg.StorageGrace, func(ctx context.Context) error {
		_, casErr := d.store.CAS(ctx, key, 0, data)
		if errors.Is(casErr, store.ErrVersionMismatch) {
			conflict = casErr
			return nil // terminal: not a transient storage failure, stop retrying
		}
		return casErr
	})
	if conflict != nil {
		return Opened{}, ErrAlreadyExists
	}
	if err != nil {
		return Opened{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d.spawn(name, token, sess)

	return Opened{Name: name, Token: token, URL: "/s/" + name}, nil
}

// Close validates token against the resident session and tells its
// supervisor to drain and exit (§4.1, §4.2 Shutdown).
func (d *Dispatcher) Close(ctx context.Context, name, token string) error {
	d.mu.Lock()
	e, ok := d.sessions[name]
	d.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.token != token {
		return ErrBadToken
	}

	e.sup.Close()
	<-e.sup.Done()
	e.cancel()

	d.mu.Lock()
	delete(d.sessions, name)
	d.mu.Unlock()

	_ = d.store.Delete(ctx, "session:"+name)
	return nil
}

// AttachHost hands a host-channel connection to the named session's
// supervisor, reviving it from storage first if this process has no
// resident supervisor for it (e.g. after a restart). Token validation
// itself happens inside ServeHost against the session's first frame.
func (d *Dispatcher) AttachHost(ctx context.Context, name string, conn *transport.Conn) error {
	sup, err := d.resolve(ctx, name)
	if err != nil {
		return err
	}
	return sup.ServeHost(ctx, conn)
}

// AttachViewer hands a browser-channel connection to the named
// session's supervisor, reviving it from storage first if needed.
func (d *Dispatcher) AttachViewer(ctx context.Context, name string, conn *transport.Conn) error {
	sup, err := d.resolve(ctx, name)
	if err != nil {
		return err
	}
	return sup.ServeViewer(ctx, conn)
}

// resolve returns the resident supervisor for name, reviving it from
// the last durable snapshot if this process hasn't seen it yet.
func (d *Dispatcher) resolve(ctx context.Context, name string) (*supervisor.Supervisor, error) {
	d.mu.Lock()
	e, ok := d.sessions[name]
	d.mu.Unlock()
	if ok {
		return e.sup, nil
	}
	return d.revive(ctx, name)
}

// revive reconstructs in-memory session state from the last durable
// snapshot. The host token is not part of the persisted snapshot (it
// is never written to storage in plaintext, matching §4.1's "never
// leaks token on the wire except to the caller"), so a session revived
// this way has no valid host token until a new Open mints one; it can
// still serve viewers against the shells/chat it had at last snapshot.
func (d *Dispatcher) revive(ctx context.Context, name string) (*supervisor.Supervisor, error) {
	snap, err := d.store.Get(ctx, "session:"+name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading snapshot for revival: %w", err)
	}
	persisted, err := snapshot.Decode(snap.Value)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot for revival: %w", err)
	}

	sess := session.New(name, persisted.EncryptedZeros, persisted.WritePasswordHash, "", d.cfg.ReplayWindowBytes)
	for _, sh := range persisted.Shells {
		shell := session.NewShell(sh.ID, session.WinPos{X: sh.X, Y: sh.Y}, d.cfg.ReplayWindowBytes)
		shell.Move(session.WinPos{X: sh.X, Y: sh.Y}, sh.Zoom)
		shell.Resize(sh.Rows, sh.Cols)
		if len(sh.DataTail) > 0 {
			shell.AppendOutput(sh.DataTail)
		}
		if sh.Closed {
			shell.Close()
		}
		sess.AddShell(shell)
		sess.ShellIDs.Observe(sh.ID)
	}
	for _, c := range persisted.Chat {
		sess.AppendChat(session.ChatMessage{UserID: c.UserID, Name: c.Name, Body: c.Body, Timestamp: c.Timestamp})
	}

	d.mu.Lock()
	if e, ok := d.sessions[name]; ok {
		d.mu.Unlock()
		return e.sup, nil
	}
	sup := d.spawnLocked(name, "", sess)
	d.mu.Unlock()
	return sup, nil
}

// spawn registers and starts a supervisor for a freshly-opened session.
func (d *Dispatcher) spawn(name, token string, sess *session.Session) *supervisor.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawnLocked(name, token, sess)
}

func (d *Dispatcher) spawnLocked(name, token string, sess *session.Session) *supervisor.Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	var eventLogPath string
	if d.eventLogDir != "" {
		eventLogPath = filepath.Join(d.eventLogDir, name+".jsonl")
	}
	sup := supervisor.New(name, token, sess, d.store, d.cfg, d.log, eventLogPath)
	d.sessions[name] = &entry{sup: sup, token: token, cancel: cancel}
	go sup.Run(ctx)
	return sup
}

// Sessions lists the names of every resident session, for the
// /api/sessions listing endpoint.
func (d *Dispatcher) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sessions))
	for name := range d.sessions {
		out = append(out, name)
	}
	return out
}

// SessionInfo returns the current summary for a resident session, or
// nil if no session by that name is resident.
func (d *Dispatcher) SessionInfo(name string) *supervisor.Info {
	d.mu.Lock()
	e, ok := d.sessions[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	info := e.sup.Info()
	return &info
}

// Shutdown closes every resident supervisor, for process shutdown.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.sessions))
	for _, e := range d.sessions {
		entries = append(entries, e)
	}
	d.sessions = make(map[string]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		e.sup.Close()
		<-e.sup.Done()
		e.cancel()
	}
}
