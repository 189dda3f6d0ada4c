package events

import (
	"time"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// ContractVersion identifies the observer event contract. It is versioned
// independently of any consumer and bumped only on breaking payload changes.
const ContractVersion = 1

// Channel names of the event contract. Each channel carries exactly one
// payload shape.
const (
	ChannelRecordingStatus      = "recording.status"
	ChannelRecordingConnection  = "recording.connection"
	ChannelTranscriptionSegment = "transcription.segment"
	ChannelTranscriptionBuffer  = "transcription.buffer"
)

// Payload is the closed union of event payloads. Only the types in this
// package implement it.
type Payload interface {
	Channel() string
}

// Envelope wraps one payload for delivery to observers and external bridges.
type Envelope struct {
	Version   int       `json:"version"`
	Channel   string    `json:"channel"`
	EmittedAt time.Time `json:"emittedAt"`
	Payload   Payload   `json:"payload"`
}

// StatusPayload reports a recording lifecycle transition.
type StatusPayload struct {
	Status      string     `json:"status"`
	Dictation   bool       `json:"dictation,omitempty"`
	RecordingID string     `json:"recordingId,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (StatusPayload) Channel() string { return ChannelRecordingStatus }

// ConnectionPayload reports one stream's connection status.
type ConnectionPayload struct {
	Stream    protocol.Source `json:"stream"`
	Connected bool            `json:"connected"`
}

func (ConnectionPayload) Channel() string { return ChannelRecordingConnection }

// SegmentPayload carries one committed transcript fragment.
type SegmentPayload struct {
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
	IsFinal   bool            `json:"isFinal"`
	Source    protocol.Source `json:"source"`
}

func (SegmentPayload) Channel() string { return ChannelTranscriptionSegment }

// BufferPayload carries one source's live partial preview.
type BufferPayload struct {
	Source protocol.Source `json:"source"`
	Text   string          `json:"text"`
}

func (BufferPayload) Channel() string { return ChannelTranscriptionBuffer }
