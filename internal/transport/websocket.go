// Package transport wraps nhooyr.io/websocket connections into a plain
// message reader/writer, shared by the host channel (§4.3) and the
// browser channel (§4.4). Both channels speak newline-free JSON-array
// frames as WebSocket text messages (§6); this package doesn't know
// about message tags or codecs, only raw frame plumbing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// HandshakeTimeout bounds how long a caller waits for the first frame
// after upgrade (§5: "Attach handshake must complete within 5s or close
// with HandshakeTimeout"). Callers derive a context deadline from this;
// the package itself doesn't enforce it since Accept/NewConn happen
// before any frame has been read.
const HandshakeTimeout = 5 * time.Second

// MaxMessageBytes caps a single frame's size, generous enough for a
// Sync frame listing every shell's seqnum or a Chunks frame carrying a
// scrollback page, but well short of unbounded.
const MaxMessageBytes = 4 << 20 // 4 MiB

// Conn reads and writes whole JSON text frames over a WebSocket. It is
// safe for one concurrent reader and one concurrent writer (matching
// nhooyr.io/websocket's own concurrency contract).
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-accepted or already-dialed websocket.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxMessageBytes)
	return &Conn{ws: ws}
}

// ReadMessage reads one text frame. A clean WebSocket close is reported
// as (nil, nil), mirroring the teacher's EOF convention so callers don't
// need to special-case close codes.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, nil
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("transport: unexpected message type %d, want text", typ)
	}
	return data, nil
}

// WriteMessage sends data as a single text frame. Safe for concurrent
// callers; writes are serialized.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Ping sends a WebSocket ping and waits for the pong. The supervisor
// does not call it: its host liveness check uses application-level
// Ping/Pong frames instead.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// CloseNormal closes the connection with the normal-closure status.
func (c *Conn) CloseNormal() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseError closes the connection with the protocol-error status and
// the given reason, used when the application protocol is violated.
func (c *Conn) CloseError(reason string) error {
	return c.ws.Close(websocket.StatusProtocolError, reason)
}

// Accept upgrades an inbound HTTP request to a WebSocket with the
// caller's options. Origin checking follows opts: nil keeps
// nhooyr.io/websocket's same-origin check, while httpapi passes
// InsecureSkipVerify to accept any origin, matching the teacher's
// posture (this server is meant to sit behind a reverse proxy that
// enforces CORS policy).
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return NewConn(ws), nil
}
