package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/sshxd/sshxd/internal/protocol"
	"github.com/sshxd/sshxd/internal/session"
	"github.com/sshxd/sshxd/internal/store"
)

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(func() { st.Close() })
	sess := session.New("test-session", [16]byte{}, nil, "tok", 0)
	return New("test-session", "tok", sess, st, cfg, nil, "")
}

// TestHostReconnectTriggersSync covers §8 scenario 3: a replacement host
// channel cancels the prior one and receives a Sync frame carrying every
// live shell's current seqnum, not a fresh snapshot from zero.
func TestHostReconnectTriggersSync(t *testing.T) {
	s := newTestSupervisor(t, DefaultConfig())

	shellID := s.sess.ShellIDs.Next()
	sh := session.NewShell(shellID, session.WinPos{}, 0)
	sh.AppendOutput([]byte("hello"))
	s.sess.AddShell(sh)

	var firstCancelled bool
	first := &hostHandle{token: "tok", outbox: newOutbox(outboxDepth), cancel: func() { firstCancelled = true }}
	s.hostGenNext++
	first.gen = s.hostGenNext
	s.onHostAttached(first)

	select {
	case <-first.outbox.ch:
	default:
		t.Fatal("expected an initial Sync frame on first attach")
	}

	second := &hostHandle{token: "tok", outbox: newOutbox(outboxDepth), cancel: func() {}}
	s.hostGenNext++
	second.gen = s.hostGenNext
	s.onHostAttached(second)

	if !firstCancelled {
		t.Fatal("reattaching a host must cancel the prior host handle")
	}
	if s.host != second {
		t.Fatal("supervisor must track the newly attached host handle")
	}

	select {
	case data := <-second.outbox.ch:
		msg, err := protocol.DecodeHostServerMessage(data)
		if err != nil {
			t.Fatalf("decoding sync frame: %v", err)
		}
		sync, ok := msg.(protocol.ServerSync)
		if !ok {
			t.Fatalf("expected ServerSync, got %T", msg)
		}
		if got, want := sync.Seqnums[shellID], sh.Scrollback.Seqnum(); got != want {
			t.Fatalf("sync seqnum for shell %d: got %d, want %d", shellID, got, want)
		}
	default:
		t.Fatal("expected a Sync frame on host reconnect")
	}
}

// TestIdleSessionReaped covers §8 scenario 5: a session with no host and
// no viewers for longer than IdleWindow enqueues its own close.
func TestIdleSessionReaped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleWindow = time.Millisecond
	s := newTestSupervisor(t, cfg)

	time.Sleep(2 * time.Millisecond)
	s.onTick(context.Background())

	select {
	case ev := <-s.mailbox:
		if ev.kind != eventClose {
			t.Fatalf("expected eventClose, got %v", ev.kind)
		}
	default:
		t.Fatal("expected the idle session to enqueue a close event")
	}
}

// TestSlowConsumerDisconnected covers §8 scenario 6: a viewer whose
// outbox overflowed is dropped from the session, its connection is
// cancelled, and surviving viewers see a departure UserDiff.
func TestSlowConsumerDisconnected(t *testing.T) {
	s := newTestSupervisor(t, DefaultConfig())

	var cancelled bool
	victim := newViewerHandle(1, true, func() { cancelled = true })
	victim.outbox.overflowed = true
	s.viewers[1] = victim
	s.sess.AddViewer(session.NewViewer(1, true))

	survivor := newViewerHandle(2, true, func() {})
	s.viewers[2] = survivor
	s.sess.AddViewer(session.NewViewer(2, true))

	s.evictOverflowedViewers()

	if !cancelled {
		t.Fatal("expected the overflowed viewer's connection to be cancelled")
	}
	if _, ok := s.viewers[1]; ok {
		t.Fatal("expected the overflowed viewer removed from the supervisor")
	}
	if _, ok := s.sess.Viewer(1); ok {
		t.Fatal("expected the overflowed viewer removed from session state")
	}

	select {
	case data := <-survivor.outbox.ch:
		msg, err := protocol.DecodeBrowserServerMessage(data)
		if err != nil {
			t.Fatalf("decoding diff frame: %v", err)
		}
		diff, ok := msg.(protocol.UserDiff)
		if !ok {
			t.Fatalf("expected UserDiff, got %T", msg)
		}
		if diff.Present {
			t.Fatal("expected a departure diff (Present=false)")
		}
		if diff.User.UserID != 1 {
			t.Fatalf("expected the diff to name user 1, got %d", diff.User.UserID)
		}
	default:
		t.Fatal("expected the surviving viewer to receive a departure UserDiff")
	}
}

// TestMissedPongLimitDropsHost covers §5's "three missed pongs ⇒ drop"
// for the host channel: consecutive unanswered pings eventually cancel
// the host handle rather than pinging forever.
func TestMissedPongLimitDropsHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MissedPongLimit = 2
	s := newTestSupervisor(t, cfg)

	var cancelled bool
	h := &hostHandle{token: "tok", outbox: newOutbox(outboxDepth), cancel: func() { cancelled = true }}
	s.host = h

	s.pingHost() // missed=1, within limit
	if cancelled {
		t.Fatal("host dropped too early")
	}
	s.pingHost() // missed=2, within limit
	if cancelled {
		t.Fatal("host dropped too early")
	}
	s.pingHost() // missed=3, exceeds limit of 2
	if !cancelled {
		t.Fatal("expected the host channel to be dropped after exceeding MissedPongLimit")
	}
	if s.host != nil {
		t.Fatal("expected s.host to be cleared after missed-pong eviction")
	}
}

// TestDegradedGatesNewShells covers §4.2: once a session is marked
// degraded it must refuse new shells but keep serving existing ones.
func TestDegradedGatesNewShells(t *testing.T) {
	s := newTestSupervisor(t, DefaultConfig())
	s.degraded = true

	s.onHostMessage(protocol.HostCreatedShell{ShellID: 1})
	if _, ok := s.sess.Shell(1); ok {
		t.Fatal("expected shell creation to be refused while degraded")
	}

	if !s.Info().Degraded {
		t.Fatal("expected Info().Degraded to reflect the supervisor's degraded state")
	}
}
