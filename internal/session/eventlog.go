package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType is the discriminator for session events written to the
// observability event log. These events are ambient tooling: they are
// independent of the replicated snapshot the storage adapter holds
// (§6) and exist purely for later auditing/debugging.
type EventType string

const (
	EventShellOpened  EventType = "shell.opened"
	EventShellClosed  EventType = "shell.closed"
	EventViewerJoined EventType = "viewer.joined"
	EventViewerLeft   EventType = "viewer.left"
	EventChatSent     EventType = "chat.sent"
	EventHostDropped  EventType = "host.dropped"
	EventHostResumed  EventType = "host.resumed"
)

// Event is a typed, timestamped session event.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
}

type shellOpenedData struct {
	ShellID uint32  `json:"shell_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type shellClosedData struct {
	ShellID uint32 `json:"shell_id"`
}

type viewerData struct {
	UserID uint32 `json:"user_id"`
	Name   string `json:"name"`
}

type chatData struct {
	UserID uint32 `json:"user_id"`
	Name   string `json:"name"`
	Body   string `json:"body"`
}

// NewShellOpenedEvent records a CreatedShell (§4.3).
func NewShellOpenedEvent(shellID uint32, pos WinPos) Event {
	data, _ := json.Marshal(shellOpenedData{ShellID: shellID, X: pos.X, Y: pos.Y})
	return Event{Timestamp: time.Now().UTC(), Type: EventShellOpened, Data: data}
}

// NewShellClosedEvent records a ClosedShell (§4.3).
func NewShellClosedEvent(shellID uint32) Event {
	data, _ := json.Marshal(shellClosedData{ShellID: shellID})
	return Event{Timestamp: time.Now().UTC(), Type: EventShellClosed, Data: data}
}

// NewViewerJoinedEvent records a viewer completing Authenticate (§4.4).
func NewViewerJoinedEvent(userID uint32, name string) Event {
	data, _ := json.Marshal(viewerData{UserID: userID, Name: name})
	return Event{Timestamp: time.Now().UTC(), Type: EventViewerJoined, Data: data}
}

// NewViewerLeftEvent records a viewer's channel disconnecting.
func NewViewerLeftEvent(userID uint32, name string) Event {
	data, _ := json.Marshal(viewerData{UserID: userID, Name: name})
	return Event{Timestamp: time.Now().UTC(), Type: EventViewerLeft, Data: data}
}

// NewChatSentEvent records a Chat message (§4.4).
func NewChatSentEvent(userID uint32, name, body string) Event {
	data, _ := json.Marshal(chatData{UserID: userID, Name: name, Body: body})
	return Event{Timestamp: time.Now().UTC(), Type: EventChatSent, Data: data}
}

// NewHostDroppedEvent records the host channel disconnecting (§4.2).
func NewHostDroppedEvent() Event {
	return Event{Timestamp: time.Now().UTC(), Type: EventHostDropped}
}

// NewHostResumedEvent records a replacement host channel taking over
// (§4.2, §4.3 re-synchronization).
func NewHostResumedEvent() Event {
	return Event{Timestamp: time.Now().UTC(), Type: EventHostResumed}
}

// EventLog is an append-only JSONL file of session events, one per
// session, used for later debugging rather than for session recovery
// (recovery goes through the storage adapter's snapshot instead).
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventLog opens or creates an event log at the given path.
func NewEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &EventLog{file: f}, nil
}

// Append writes an event to the log.
func (l *EventLog) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = l.file.Write(data)
	return err
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ReadEventLog reads all events from the log file at path. A missing
// file yields an empty slice, not an error.
func ReadEventLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip corrupt lines
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
