package transcription

import (
	"time"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// EventKind enumerates the normalized events a stream emits. Provider wire
// messages never leak past this package.
type EventKind int

const (
	EventOpen EventKind = iota
	EventPartial
	EventFinal
	EventError
	// EventDisconnected marks the loss of an established connection. The
	// stream keeps retrying; EventOpen follows on reconnect.
	EventDisconnected
	// EventClosed is terminal: the stream will emit nothing further.
	EventClosed
	EventSessionInfo
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	case EventSessionInfo:
		return "session_info"
	default:
		return "unknown"
	}
}

// Event is one normalized stream event. Only the fields relevant to its kind
// are populated.
type Event struct {
	Kind      EventKind
	Source    protocol.Source
	Timestamp time.Time

	// Partial, Final
	Text string

	// Error. Terminal means retries are exhausted and the stream is closing.
	Reason   string
	Terminal bool

	// SessionInfo
	SessionID string
	ExpiresAt time.Time
}
