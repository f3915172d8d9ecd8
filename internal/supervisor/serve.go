package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sshxd/sshxd/internal/protocol"
	"github.com/sshxd/sshxd/internal/session"
	"github.com/sshxd/sshxd/internal/transport"
)

const outboxDepth = 256

// ErrProtocolViolation is returned when the first frame on a channel
// doesn't decode as the expected handshake message (§4.1 dispatcher
// error surface).
var ErrProtocolViolation = errors.New("supervisor: protocol violation")

// ErrHandshakeTimeout is returned when the first frame on a channel
// doesn't arrive within transport.HandshakeTimeout (§5, §7 "Timeout
// (handshake / ping) → silent stream close").
var ErrHandshakeTimeout = errors.New("supervisor: handshake timeout")

// ServeHost runs the host channel protocol (§4.3) for one connection
// until it closes or ctx is cancelled. The caller (httpapi) has already
// upgraded the HTTP request to a WebSocket and resolved the session
// name from the URL; ServeHost validates the token carried in the
// client's first frame.
func (s *Supervisor) ServeHost(ctx context.Context, conn *transport.Conn) error {
	helloCtx, cancelHello := context.WithTimeout(ctx, transport.HandshakeTimeout)
	first, err := conn.ReadMessage(helloCtx)
	cancelHello()
	if errors.Is(helloCtx.Err(), context.DeadlineExceeded) {
		return ErrHandshakeTimeout
	}
	if err != nil {
		return fmt.Errorf("reading host hello: %w", err)
	}
	if first == nil {
		return nil
	}
	msg, err := protocol.DecodeHostClientMessage(first)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		return fmt.Errorf("%w: expected Hello, got %T", ErrProtocolViolation, msg)
	}
	if hello.Name != s.name || hello.Token != s.token {
		errMsg, _ := (protocol.ServerError{Text: "unauthorized"}).Encode()
		_ = conn.WriteMessage(ctx, errMsg)
		return ErrUnauthorized
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &hostHandle{token: hello.Token, outbox: newOutbox(outboxDepth), cancel: cancel}
	s.hostGenNext++
	handle.gen = s.hostGenNext
	s.submit(mailboxEvent{kind: eventHostAttached, newHost: handle})
	defer s.submit(mailboxEvent{kind: eventHostDetached, hostGen: handle.gen})

	errCh := make(chan error, 2)
	go s.writeLoop(ctx, conn, handle.outbox, errCh)
	go s.hostReadLoop(ctx, conn, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) hostReadLoop(ctx context.Context, conn *transport.Conn, errCh chan<- error) {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if data == nil {
			errCh <- nil
			return
		}
		msg, err := protocol.DecodeHostClientMessage(data)
		if err != nil {
			continue // malformed frame from an otherwise-authenticated host: log and skip
		}
		s.submit(mailboxEvent{kind: eventHostMessage, hostMsg: msg})
	}
}

// ServeViewer runs the browser channel protocol (§4.4) for one
// connection. The first frame must be Authenticate: a frame that does
// not decode as Authenticate ends the connection with
// ErrProtocolViolation and no reply, and an encrypted_zeros mismatch
// sends InvalidAuth and ends it with ErrInvalidAuth.
func (s *Supervisor) ServeViewer(ctx context.Context, conn *transport.Conn) error {
	authCtx, cancelAuth := context.WithTimeout(ctx, transport.HandshakeTimeout)
	first, err := conn.ReadMessage(authCtx)
	cancelAuth()
	if errors.Is(authCtx.Err(), context.DeadlineExceeded) {
		return ErrHandshakeTimeout
	}
	if err != nil {
		return fmt.Errorf("reading viewer authenticate: %w", err)
	}
	if first == nil {
		return nil
	}
	msg, err := protocol.DecodeBrowserClientMessage(first)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	auth, ok := msg.(protocol.Authenticate)
	if !ok {
		return fmt.Errorf("%w: expected Authenticate, got %T", ErrProtocolViolation, msg)
	}

	var zeros [16]byte
	copy(zeros[:], auth.EncryptedZeros)
	if !s.sess.MatchesEncryptedZeros(zeros) {
		denied, _ := (protocol.InvalidAuth{Reason: "encrypted_zeros mismatch"}).Encode()
		_ = conn.WriteMessage(ctx, denied)
		return ErrInvalidAuth
	}
	canWrite := s.sess.CanWrite([]byte(auth.WritePassword))

	userID := s.userIDs.Next()
	vw := session.NewViewer(userID, canWrite)
	s.sess.AddViewer(vw)

	hello := protocol.ViewerHello{UserID: userID, Color: vw.Color, Name: ""}
	helloData, err := hello.Encode()
	if err != nil {
		return fmt.Errorf("encoding viewer hello: %w", err)
	}
	if err := conn.WriteMessage(ctx, helloData); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := newViewerHandle(userID, canWrite, cancel)
	s.submit(mailboxEvent{kind: eventViewerAttached, newViewer: handle})
	defer s.submit(mailboxEvent{kind: eventViewerDetached, viewerID: userID})

	errCh := make(chan error, 2)
	go s.writeLoop(ctx, conn, handle.outbox, errCh)
	go s.viewerReadLoop(ctx, conn, userID, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) viewerReadLoop(ctx context.Context, conn *transport.Conn, userID uint32, errCh chan<- error) {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if data == nil {
			errCh <- nil
			return
		}
		msg, err := protocol.DecodeBrowserClientMessage(data)
		if err != nil {
			continue
		}
		s.submit(mailboxEvent{kind: eventViewerMessage, viewerID: userID, viewerMsg: msg})
	}
}

// writeLoop drains an outbox to the wire until ctx is cancelled.
func (s *Supervisor) writeLoop(ctx context.Context, conn *transport.Conn, ob *outbox, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ob.ch:
			if err := conn.WriteMessage(ctx, data); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

// submit enqueues an event, dropping it if the supervisor has already
// shut down rather than blocking forever.
func (s *Supervisor) submit(ev mailboxEvent) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

