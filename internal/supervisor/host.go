package supervisor

import (
	"github.com/sshxd/sshxd/internal/protocol"
	"github.com/sshxd/sshxd/internal/session"
)

func (s *Supervisor) onHostAttached(h *hostHandle) {
	// A new host channel with matching (name, token) replaces the prior
	// one atomically (§4.2 "Host channel drops").
	resumed := s.host != nil
	if s.host != nil {
		s.host.cancel()
	}
	s.host = h
	s.sess.Status.Set(session.Status{})
	if resumed {
		s.logEvent(session.NewHostResumedEvent())
	}

	seqnums := make(map[uint32]uint64)
	for _, sh := range s.sess.Shells() {
		seqnums[sh.ID] = sh.Snapshot().Seqnum
	}
	msg := protocol.ServerSync{Seqnums: seqnums}
	if data, err := msg.Encode(); err == nil {
		h.outbox.send(data)
	}
}

func (s *Supervisor) onHostDetached(gen uint64) {
	if s.host == nil || s.host.gen != gen {
		return // stale disconnect notice from a host we already replaced
	}
	s.host = nil
	s.log.Info("host channel disconnected")
	s.logEvent(session.NewHostDroppedEvent())
	s.broadcastHostDisconnected()
}

func (s *Supervisor) onHostMessage(raw any) {
	switch m := raw.(type) {
	case protocol.HostCreatedShell:
		if s.degraded {
			errMsg, _ := (protocol.ServerError{Text: "session degraded: storage unavailable"}).Encode()
			if s.host != nil {
				s.host.outbox.send(errMsg)
			}
			return
		}
		if _, exists := s.sess.Shell(m.ShellID); exists {
			return
		}
		sh := session.NewShell(m.ShellID, session.WinPos{X: m.X, Y: m.Y}, s.cfg.ReplayWindowBytes)
		s.sess.AddShell(sh)
		s.sess.ShellIDs.Observe(m.ShellID)
		s.markDirty()
		s.broadcastShells()
		s.logEvent(session.NewShellOpenedEvent(m.ShellID, session.WinPos{X: m.X, Y: m.Y}))

	case protocol.HostClosedShell:
		sh, ok := s.sess.Shell(m.ShellID)
		if !ok {
			return // idempotent: duplicate ClosedShell ignored
		}
		if wasOpen := sh.Close(); !wasOpen {
			return
		}
		s.markDirty()
		s.broadcastShells()
		s.logEvent(session.NewShellClosedEvent(m.ShellID))

	case protocol.HostData:
		sh, ok := s.sess.Shell(m.ShellID)
		if !ok {
			return
		}
		current := sh.Scrollback.Seqnum()
		if m.Seq != current {
			// Out of alignment: ask the host to resync rather than
			// accept a gap (§4.3 "Re-synchronization").
			seqnums := map[uint32]uint64{m.ShellID: current}
			if data, err := (protocol.ServerSync{Seqnums: seqnums}).Encode(); err == nil && s.host != nil {
				s.host.outbox.send(data)
			}
			return
		}
		startSeq := current
		sh.AppendOutput(m.Bytes)
		s.broadcastChunk(sh.ID, startSeq, m.Bytes, false)
		sh.Scrollback.Trim(s.minAckedSeq(sh.ID, sh.Scrollback.Seqnum()))

	case protocol.HostPong:
		if s.host != nil {
			s.host.missedPongs = 0
		}

	case protocol.HostError:
		s.log.Warn("host reported error", "text", m.Text)
	}
}

// broadcastHostDisconnected notifies every viewer that the host channel
// dropped (§4.2 "viewers are notified host is disconnected"). Shells
// remain readable; this is advisory, not fatal.
func (s *Supervisor) broadcastHostDisconnected() {
	msg := protocol.ViewerError{Text: "host disconnected"}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	for _, v := range s.viewers {
		v.outbox.send(data)
	}
}
