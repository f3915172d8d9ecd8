package protocol

import "fmt"

// Browser channel message tags (§4.4).
const (
	TagAuthenticate = "Authenticate"
	TagSetName      = "SetName"
	TagSetCursor    = "SetCursor"
	TagSetFocus     = "SetFocus"
	TagCreate       = "Create"
	TagClose        = "Close"
	TagMove         = "Move"
	TagSubscribe    = "Subscribe"
	TagChat         = "Chat"

	TagViewerHello  = "Hello"
	TagInvalidAuth  = "InvalidAuth"
	TagUsers        = "Users"
	TagUserDiff     = "UserDiff"
	TagShells       = "Shells"
	TagChunks       = "Chunks"
	TagHear         = "Hear"
	TagShellLatency = "ShellLatency"
)

// --- viewer -> server ---

// Authenticate is the browser channel's required first frame, carrying
// the encrypted_zeros challenge value and optional write password hash
// (§4.4, §5 "Access control").
type Authenticate struct {
	EncryptedZeros RawBytes
	WritePassword  RawBytes // empty when the viewer has no write password
}

func (m Authenticate) Encode() ([]byte, error) {
	return encodeArray(TagAuthenticate, m.EncryptedZeros, m.WritePassword)
}

// ViewerSetName renames the caller. Server truncates/sanitizes via
// ids.SanitizeDisplayName.
type ViewerSetName struct {
	Name string
}

func (m ViewerSetName) Encode() ([]byte, error) {
	return encodeArray(TagSetName, m.Name)
}

// ViewerSetCursor reports the caller's live cursor position, optionally
// focused on a shell.
type ViewerSetCursor struct {
	ShellID *uint32
	X, Y    float64
}

func (m ViewerSetCursor) Encode() ([]byte, error) {
	return encodeArray(TagSetCursor, m.ShellID, m.X, m.Y)
}

// ViewerSetFocus changes which shell the caller is interacting with.
// A nil ShellID means "no shell focused".
type ViewerSetFocus struct {
	ShellID *uint32
}

func (m ViewerSetFocus) Encode() ([]byte, error) {
	return encodeArray(TagSetFocus, m.ShellID)
}

// ViewerCreate requests a new shell at (X, Y). Requires write access.
type ViewerCreate struct {
	X, Y float64
}

func (m ViewerCreate) Encode() ([]byte, error) {
	return encodeArray(TagCreate, m.X, m.Y)
}

// ViewerClose requests a shell be torn down. Requires write access.
type ViewerClose struct {
	ShellID uint32
}

func (m ViewerClose) Encode() ([]byte, error) {
	return encodeArray(TagClose, m.ShellID)
}

// ViewerMove repositions/resizes a shell window on the shared canvas.
// Requires write access.
type ViewerMove struct {
	ShellID uint32
	X, Y    float64
	Zoom    float64
	Rows    uint16
	Cols    uint16
}

func (m ViewerMove) Encode() ([]byte, error) {
	return encodeArray(TagMove, m.ShellID, m.X, m.Y, m.Zoom, m.Rows, m.Cols)
}

// ViewerData is keystroke input destined for a shell. Requires write
// access.
type ViewerData struct {
	ShellID uint32
	Bytes   RawBytes
}

func (m ViewerData) Encode() ([]byte, error) {
	return encodeArray(TagData, m.ShellID, m.Bytes)
}

// ViewerSubscribe requests scrollback replay for a shell starting at
// Offset (§5 "Replay / scrollback").
type ViewerSubscribe struct {
	ShellID uint32
	Offset  uint64
}

func (m ViewerSubscribe) Encode() ([]byte, error) {
	return encodeArray(TagSubscribe, m.ShellID, m.Offset)
}

// ViewerChat broadcasts a chat message to the session (§3 ChatMessage).
type ViewerChat struct {
	Body string
}

func (m ViewerChat) Encode() ([]byte, error) {
	return encodeArray(TagChat, m.Body)
}

// ViewerPing is a liveness probe, answered with a server Pong carrying
// the same nanosecond timestamp for RTT measurement.
type ViewerPing struct {
	Nanos uint64
}

func (m ViewerPing) Encode() ([]byte, error) {
	return encodeArray(TagPing, m.Nanos)
}

// DecodeBrowserClientMessage decodes one frame sent by a viewer.
func DecodeBrowserClientMessage(data []byte) (any, error) {
	tag, rest, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagAuthenticate:
		var m Authenticate
		if err := field(tag, rest, 0, &m.EncryptedZeros); err != nil {
			return nil, err
		}
		if err := optionalField(rest, 1, &m.WritePassword); err != nil {
			return nil, err
		}
		return m, nil
	case TagSetName:
		var m ViewerSetName
		if err := field(tag, rest, 0, &m.Name); err != nil {
			return nil, err
		}
		return m, nil
	case TagSetCursor:
		var m ViewerSetCursor
		if err := optionalField(rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.X); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Y); err != nil {
			return nil, err
		}
		return m, nil
	case TagSetFocus:
		var m ViewerSetFocus
		if err := optionalField(rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		return m, nil
	case TagCreate:
		var m ViewerCreate
		if err := field(tag, rest, 0, &m.X); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Y); err != nil {
			return nil, err
		}
		return m, nil
	case TagClose:
		var m ViewerClose
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		return m, nil
	case TagMove:
		var m ViewerMove
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.X); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Y); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 3, &m.Zoom); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 4, &m.Rows); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 5, &m.Cols); err != nil {
			return nil, err
		}
		return m, nil
	case TagData:
		var m ViewerData
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Bytes); err != nil {
			return nil, err
		}
		return m, nil
	case TagSubscribe:
		var m ViewerSubscribe
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Offset); err != nil {
			return nil, err
		}
		return m, nil
	case TagChat:
		var m ViewerChat
		if err := field(tag, rest, 0, &m.Body); err != nil {
			return nil, err
		}
		return m, nil
	case TagPing:
		var m ViewerPing
		if err := field(tag, rest, 0, &m.Nanos); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown browser client message tag: %q", tag)
	}
}

// --- server -> viewer ---

// ViewerHello is sent immediately after successful Authenticate,
// assigning the caller a UserID and color (§3 Viewer).
type ViewerHello struct {
	UserID uint32
	Color  string
	Name   string
}

func (m ViewerHello) Encode() ([]byte, error) {
	return encodeArray(TagViewerHello, m.UserID, m.Color, m.Name)
}

// InvalidAuth is sent (and the connection closed) when Authenticate's
// encrypted_zeros doesn't match the session (§5).
type InvalidAuth struct {
	Reason string
}

func (m InvalidAuth) Encode() ([]byte, error) {
	return encodeArray(TagInvalidAuth, m.Reason)
}

// UserInfo is one viewer's public state, used in both the full Users
// snapshot and per-user UserDiff updates.
type UserInfo struct {
	UserID   uint32
	Name     string
	Color    string
	CanWrite bool
	FocusID  *uint32
	CursorX  *float64
	CursorY  *float64
}

// Users is a full roster snapshot, sent to a viewer on join.
type Users struct {
	Users []UserInfo
}

func (m Users) Encode() ([]byte, error) {
	return encodeArray(TagUsers, m.Users)
}

// UserDiff is an incremental roster update: one user joined, left, or
// changed state. Present == false means the user left.
type UserDiff struct {
	User    UserInfo
	Present bool
}

func (m UserDiff) Encode() ([]byte, error) {
	return encodeArray(TagUserDiff, m.User, m.Present)
}

// ShellInfo is one shell's metadata as exposed to viewers (§4.4 Shells:
// "id, winpos, rows, cols, zoom, closed").
type ShellInfo struct {
	ShellID uint32
	X, Y    float64
	Rows    uint16
	Cols    uint16
	Zoom    float64
	Closed  bool
}

// Shells is a full snapshot of live shells, sent to a viewer on join
// and whenever shells are added/removed wholesale.
type Shells struct {
	Shells []ShellInfo
}

func (m Shells) Encode() ([]byte, error) {
	return encodeArray(TagShells, m.Shells)
}

// Chunks carries one contiguous range of scrollback/live output for a
// shell, starting at StartSeq; Truncated reports that the range starts
// later than the seqnum the viewer asked for (§5 "Replay / scrollback").
type Chunks struct {
	ShellID   uint32
	StartSeq  uint64
	Bytes     RawBytes
	Truncated bool
}

func (m Chunks) Encode() ([]byte, error) {
	return encodeArray(TagChunks, m.ShellID, m.StartSeq, m.Bytes, m.Truncated)
}

// Hear delivers a chat message to viewers (§3 ChatMessage).
type Hear struct {
	UserID    uint32
	Name      string
	Body      string
	UnixNanos int64
}

func (m Hear) Encode() ([]byte, error) {
	return encodeArray(TagHear, m.UserID, m.Name, m.Body, m.UnixNanos)
}

// ShellLatency reports host round-trip latency for a shell, sourced
// from the host channel's Ping/Pong exchange and forwarded for display.
type ShellLatency struct {
	ShellID uint32
	Nanos   uint64
}

func (m ShellLatency) Encode() ([]byte, error) {
	return encodeArray(TagShellLatency, m.ShellID, m.Nanos)
}

// ViewerPong answers a viewer Ping with the same timestamp.
type ViewerPong struct {
	Nanos uint64
}

func (m ViewerPong) Encode() ([]byte, error) {
	return encodeArray(TagPong, m.Nanos)
}

// ViewerError is fatal or a warning sent to a single viewer.
type ViewerError struct {
	Text string
}

func (m ViewerError) Encode() ([]byte, error) {
	return encodeArray(TagError, m.Text)
}

// DecodeBrowserServerMessage decodes one frame sent by the server to a
// viewer, primarily used by tests exercising the viewer side of the
// protocol.
func DecodeBrowserServerMessage(data []byte) (any, error) {
	tag, rest, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagViewerHello:
		var m ViewerHello
		if err := field(tag, rest, 0, &m.UserID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Color); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Name); err != nil {
			return nil, err
		}
		return m, nil
	case TagInvalidAuth:
		var m InvalidAuth
		if err := field(tag, rest, 0, &m.Reason); err != nil {
			return nil, err
		}
		return m, nil
	case TagUsers:
		var m Users
		if err := field(tag, rest, 0, &m.Users); err != nil {
			return nil, err
		}
		return m, nil
	case TagUserDiff:
		var m UserDiff
		if err := field(tag, rest, 0, &m.User); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Present); err != nil {
			return nil, err
		}
		return m, nil
	case TagShells:
		var m Shells
		if err := field(tag, rest, 0, &m.Shells); err != nil {
			return nil, err
		}
		return m, nil
	case TagChunks:
		var m Chunks
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.StartSeq); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Bytes); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 3, &m.Truncated); err != nil {
			return nil, err
		}
		return m, nil
	case TagHear:
		var m Hear
		if err := field(tag, rest, 0, &m.UserID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Name); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Body); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 3, &m.UnixNanos); err != nil {
			return nil, err
		}
		return m, nil
	case TagShellLatency:
		var m ShellLatency
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Nanos); err != nil {
			return nil, err
		}
		return m, nil
	case TagPong:
		var m ViewerPong
		if err := field(tag, rest, 0, &m.Nanos); err != nil {
			return nil, err
		}
		return m, nil
	case TagError:
		var m ViewerError
		if err := field(tag, rest, 0, &m.Text); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown browser server message tag: %q", tag)
	}
}
