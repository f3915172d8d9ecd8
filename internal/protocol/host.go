package protocol

import "fmt"

// Host channel message tags (§4.3).
const (
	TagHello        = "Hello"
	TagCreatedShell = "CreatedShell"
	TagClosedShell  = "ClosedShell"
	TagData         = "Data"
	TagPong         = "Pong"
	TagInput        = "Input"
	TagCreateShell  = "CreateShell"
	TagCloseShell   = "CloseShell"
	TagSync         = "Sync"
	TagResize       = "Resize"
	TagPing         = "Ping"
	TagError        = "Error"
)

// --- client (host) -> server ---

// Hello is the host channel's required first frame: "name,token".
type Hello struct {
	Name  string
	Token string
}

func (m Hello) Encode() ([]byte, error) {
	return encodeArray(TagHello, fmt.Sprintf("%s,%s", m.Name, m.Token))
}

// HostCreatedShell announces a new shell at canvas position (X, Y).
type HostCreatedShell struct {
	ShellID uint32
	X, Y    float64
}

func (m HostCreatedShell) Encode() ([]byte, error) {
	return encodeArray(TagCreatedShell, m.ShellID, m.X, m.Y)
}

// HostClosedShell marks a shell closed. Idempotent on the server side.
type HostClosedShell struct {
	ShellID uint32
}

func (m HostClosedShell) Encode() ([]byte, error) {
	return encodeArray(TagClosedShell, m.ShellID)
}

// HostData carries output bytes for a shell at a given starting seqnum.
type HostData struct {
	ShellID uint32
	Seq     uint64
	Bytes   RawBytes
}

func (m HostData) Encode() ([]byte, error) {
	return encodeArray(TagData, m.ShellID, m.Seq, m.Bytes)
}

// HostPong answers a server Ping.
type HostPong struct {
	Nanos uint64
}

func (m HostPong) Encode() ([]byte, error) {
	return encodeArray(TagPong, m.Nanos)
}

// HostError is a host-reported error; logged, does not tear down the
// session.
type HostError struct {
	Text string
}

func (m HostError) Encode() ([]byte, error) {
	return encodeArray(TagError, m.Text)
}

// DecodeHostClientMessage decodes one frame sent by the host process.
func DecodeHostClientMessage(data []byte) (any, error) {
	tag, rest, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagHello:
		var raw string
		if err := field(tag, rest, 0, &raw); err != nil {
			return nil, err
		}
		name, token, err := splitNameToken(raw)
		if err != nil {
			return nil, err
		}
		return Hello{Name: name, Token: token}, nil
	case TagCreatedShell:
		var m HostCreatedShell
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.X); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Y); err != nil {
			return nil, err
		}
		return m, nil
	case TagClosedShell:
		var m HostClosedShell
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		return m, nil
	case TagData:
		var m HostData
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Seq); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Bytes); err != nil {
			return nil, err
		}
		return m, nil
	case TagPong:
		var m HostPong
		if err := field(tag, rest, 0, &m.Nanos); err != nil {
			return nil, err
		}
		return m, nil
	case TagError:
		var m HostError
		if err := field(tag, rest, 0, &m.Text); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown host client message tag: %q", tag)
	}
}

func splitNameToken(raw string) (name, token string, err error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ',' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("Hello payload %q is not \"name,token\"", raw)
}

// --- server -> client (host) ---

// ServerInput is keyboard input from a viewer, addressed to a shell.
// Offset is advisory: the latest known server-side input seq.
type ServerInput struct {
	ShellID uint32
	Offset  uint64
	Bytes   RawBytes
}

func (m ServerInput) Encode() ([]byte, error) {
	return encodeArray(TagInput, m.ShellID, m.Offset, m.Bytes)
}

// ServerCreateShell requests the host spawn a new shell at (X, Y). The
// host chooses the shell_id.
type ServerCreateShell struct {
	X, Y float64
}

func (m ServerCreateShell) Encode() ([]byte, error) {
	return encodeArray(TagCreateShell, m.X, m.Y)
}

// ServerCloseShell requests the host terminate a shell.
type ServerCloseShell struct {
	ShellID uint32
}

func (m ServerCloseShell) Encode() ([]byte, error) {
	return encodeArray(TagCloseShell, m.ShellID)
}

// ServerSync enumerates, for every live shell, the highest seqnum the
// server has durably received, sent on host stream (re)start (§4.3
// re-synchronization).
type ServerSync struct {
	Seqnums map[uint32]uint64
}

func (m ServerSync) Encode() ([]byte, error) {
	return encodeArray(TagSync, m.Seqnums)
}

// ServerResize notifies the host that a viewer changed terminal size.
type ServerResize struct {
	ShellID    uint32
	Rows, Cols uint16
}

func (m ServerResize) Encode() ([]byte, error) {
	return encodeArray(TagResize, m.ShellID, m.Rows, m.Cols)
}

// ServerPing is a liveness probe.
type ServerPing struct {
	Nanos uint64
}

func (m ServerPing) Encode() ([]byte, error) {
	return encodeArray(TagPing, m.Nanos)
}

// ServerError is fatal or a warning, carrying a short diagnostic.
type ServerError struct {
	Text string
}

func (m ServerError) Encode() ([]byte, error) {
	return encodeArray(TagError, m.Text)
}

// DecodeHostServerMessage decodes one frame sent by the server to the
// host, primarily used by tests exercising the host side of the
// protocol.
func DecodeHostServerMessage(data []byte) (any, error) {
	tag, rest, err := peekTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagInput:
		var m ServerInput
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Offset); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Bytes); err != nil {
			return nil, err
		}
		return m, nil
	case TagCreateShell:
		var m ServerCreateShell
		if err := field(tag, rest, 0, &m.X); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Y); err != nil {
			return nil, err
		}
		return m, nil
	case TagCloseShell:
		var m ServerCloseShell
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		return m, nil
	case TagSync:
		var m ServerSync
		if err := field(tag, rest, 0, &m.Seqnums); err != nil {
			return nil, err
		}
		return m, nil
	case TagResize:
		var m ServerResize
		if err := field(tag, rest, 0, &m.ShellID); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 1, &m.Rows); err != nil {
			return nil, err
		}
		if err := field(tag, rest, 2, &m.Cols); err != nil {
			return nil, err
		}
		return m, nil
	case TagPing:
		var m ServerPing
		if err := field(tag, rest, 0, &m.Nanos); err != nil {
			return nil, err
		}
		return m, nil
	case TagError:
		var m ServerError
		if err := field(tag, rest, 0, &m.Text); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown host server message tag: %q", tag)
	}
}
