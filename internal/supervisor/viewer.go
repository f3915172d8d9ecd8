package supervisor

import (
	"time"

	"github.com/sshxd/sshxd/internal/protocol"
	"github.com/sshxd/sshxd/internal/session"
)

// cursorCoalesceInterval bounds how often a viewer's cursor broadcasts,
// per §4.6 ("at most every 50 ms per viewer"). Enforced per-viewer by a
// golang.org/x/time/rate.Limiter (see newViewerHandle) rather than a
// hand-rolled "now minus last" comparison.
const cursorCoalesceInterval = 50 * time.Millisecond

func (s *Supervisor) onViewerAttached(v *viewerHandle) {
	s.viewers[v.userID] = v
	s.sess.Touch()

	// Full snapshot on join (§4.4: Hello already sent by ServeViewer
	// before the mailbox ever sees this event; Users/Shells follow).
	if data, err := s.usersSnapshot().Encode(); err == nil {
		v.outbox.send(data)
	}
	if data, err := s.shellsSnapshot().Encode(); err == nil {
		v.outbox.send(data)
	}

	vw, _ := s.sess.Viewer(v.userID)
	meta := vw.Snapshot()
	s.broadcastUserInfo(toUserInfo(meta), true, v.userID)
	s.logEvent(session.NewViewerJoinedEvent(v.userID, meta.Name))
}

func (s *Supervisor) onViewerDetached(userID uint32) {
	if _, ok := s.viewers[userID]; !ok {
		return
	}
	name := ""
	if vw, ok := s.sess.Viewer(userID); ok {
		name = vw.Snapshot().Name
	}
	delete(s.viewers, userID)
	s.sess.RemoveViewer(userID)
	s.broadcastUserDiff(userID, false, "")
	s.logEvent(session.NewViewerLeftEvent(userID, name))
}

func (s *Supervisor) onViewerMessage(userID uint32, raw any) {
	v, ok := s.viewers[userID]
	if !ok {
		return
	}
	vw, ok := s.sess.Viewer(userID)
	if !ok {
		return
	}
	vw.Touch()
	s.sess.Touch()

	switch m := raw.(type) {
	case protocol.ViewerSetName:
		vw.SetName(m.Name)
		s.broadcastUserInfo(toUserInfo(vw.Snapshot()), true, 0)

	case protocol.ViewerSetCursor:
		if !v.cursorLimiter.Allow() {
			return
		}
		vw.SetCursor(&session.Cursor{ShellID: m.ShellID, X: m.X, Y: m.Y})
		s.broadcastUserInfo(toUserInfo(vw.Snapshot()), true, 0)

	case protocol.ViewerSetFocus:
		vw.SetFocus(m.ShellID)
		s.broadcastUserInfo(toUserInfo(vw.Snapshot()), true, 0)

	case protocol.ViewerCreate:
		if !vw.CanWrite {
			return
		}
		if s.host == nil {
			return
		}
		if s.degraded {
			errMsg, _ := (protocol.ViewerError{Text: "session degraded: storage unavailable"}).Encode()
			v.outbox.send(errMsg)
			return
		}
		msg := protocol.ServerCreateShell{X: m.X, Y: m.Y}
		if data, err := msg.Encode(); err == nil {
			s.host.outbox.send(data)
		}

	case protocol.ViewerClose:
		if !vw.CanWrite || s.host == nil {
			return
		}
		msg := protocol.ServerCloseShell{ShellID: m.ShellID}
		if data, err := msg.Encode(); err == nil {
			s.host.outbox.send(data)
		}

	case protocol.ViewerMove:
		if !vw.CanWrite {
			return
		}
		sh, ok := s.sess.Shell(m.ShellID)
		if !ok {
			return
		}
		sh.Move(session.WinPos{X: m.X, Y: m.Y}, m.Zoom)
		sh.Resize(m.Rows, m.Cols)
		s.markDirty()
		s.broadcastShells()
		if s.host != nil {
			resize := protocol.ServerResize{ShellID: m.ShellID, Rows: m.Rows, Cols: m.Cols}
			if data, err := resize.Encode(); err == nil {
				s.host.outbox.send(data)
			}
		}

	case protocol.ViewerData:
		if !vw.CanWrite || s.host == nil {
			return
		}
		input := protocol.ServerInput{ShellID: m.ShellID, Bytes: m.Bytes}
		if data, err := input.Encode(); err == nil {
			s.host.outbox.send(data)
		}

	case protocol.ViewerSubscribe:
		s.replayTo(v, m.ShellID, m.Offset)

	case protocol.ViewerChat:
		msg := session.ChatMessage{UserID: userID, Name: vw.Snapshot().Name, Body: m.Body, Timestamp: time.Now()}
		s.sess.AppendChat(msg)
		s.markDirty()
		s.logEvent(session.NewChatSentEvent(msg.UserID, msg.Name, msg.Body))
		hear := protocol.Hear{UserID: msg.UserID, Name: msg.Name, Body: msg.Body, UnixNanos: msg.Timestamp.UnixNano()}
		if data, err := hear.Encode(); err == nil {
			for _, other := range s.viewers {
				other.outbox.send(data)
			}
		}

	case protocol.ViewerPing:
		pong := protocol.ViewerPong{Nanos: m.Nanos}
		if data, err := pong.Encode(); err == nil {
			v.outbox.send(data)
		}
	}
}

// replayTo sends scrollback covering [offset, current) for shellID to
// one viewer, honoring the replay window's truncation semantics
// (§4.4 "Subscription model").
func (s *Supervisor) replayTo(v *viewerHandle, shellID uint32, offset uint64) {
	sh, ok := s.sess.Shell(shellID)
	if !ok {
		return
	}
	current := sh.Scrollback.Seqnum()
	data, truncated := sh.Scrollback.Read(offset, current)
	start := offset
	if truncated {
		start = sh.Scrollback.Earliest()
	}
	s.sendChunk(v, shellID, start, data, truncated)
}

func (s *Supervisor) broadcastChunk(shellID uint32, start uint64, data []byte, truncated bool) {
	for _, v := range s.viewers {
		s.sendChunk(v, shellID, start, data, truncated)
	}
}

func (s *Supervisor) sendChunk(v *viewerHandle, shellID uint32, start uint64, data []byte, truncated bool) {
	msg := protocol.Chunks{ShellID: shellID, StartSeq: start, Bytes: data, Truncated: truncated}
	if encoded, err := msg.Encode(); err == nil {
		v.outbox.send(encoded)
	}
	if end := start + uint64(len(data)); end > v.ackedSeq[shellID] {
		v.ackedSeq[shellID] = end
	}
}

// minAckedSeq returns the lowest seqnum any attached viewer has been
// handed for shellID, used to bound ScrollbackBuffer.Trim so a slow
// viewer's not-yet-sent bytes are never trimmed out from under it. A
// viewer that has never been handed a chunk for shellID (live or
// replayed) doesn't constrain the trim at all.
func (s *Supervisor) minAckedSeq(shellID uint32, current uint64) uint64 {
	min := current
	for _, v := range s.viewers {
		if acked, ok := v.ackedSeq[shellID]; ok && acked < min {
			min = acked
		}
	}
	return min
}

func (s *Supervisor) usersSnapshot() protocol.Users {
	var out protocol.Users
	for _, vw := range s.sess.Viewers() {
		out.Users = append(out.Users, toUserInfo(vw.Snapshot()))
	}
	return out
}

func (s *Supervisor) shellsSnapshot() protocol.Shells {
	var out protocol.Shells
	for _, sh := range s.sess.Shells() {
		meta := sh.Snapshot()
		out.Shells = append(out.Shells, protocol.ShellInfo{
			ShellID: meta.ID, X: meta.Pos.X, Y: meta.Pos.Y, Rows: meta.Rows, Cols: meta.Cols,
			Zoom: meta.Zoom, Closed: meta.Closed,
		})
	}
	return out
}

func (s *Supervisor) broadcastShells() {
	msg := s.shellsSnapshot()
	data, err := msg.Encode()
	if err != nil {
		return
	}
	for _, v := range s.viewers {
		v.outbox.send(data)
	}
}

func (s *Supervisor) broadcastUserInfo(info protocol.UserInfo, present bool, skip uint32) {
	msg := protocol.UserDiff{User: info, Present: present}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	for id, v := range s.viewers {
		if id == skip {
			continue
		}
		v.outbox.send(data)
	}
}

func (s *Supervisor) broadcastUserDiff(userID uint32, present bool, name string) {
	s.broadcastUserInfo(protocol.UserInfo{UserID: userID, Name: name}, present, 0)
}

func toUserInfo(m session.ViewerMeta) protocol.UserInfo {
	info := protocol.UserInfo{
		UserID:   m.UserID,
		Name:     m.Name,
		Color:    m.Color,
		CanWrite: m.CanWrite,
		FocusID:  m.FocusShellID,
	}
	if m.Cursor != nil {
		x, y := m.Cursor.X, m.Cursor.Y
		info.CursorX, info.CursorY = &x, &y
		info.FocusID = m.Cursor.ShellID
	}
	return info
}
