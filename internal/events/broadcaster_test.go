package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingObserver struct {
	alive    bool
	received []Envelope
}

func (o *recordingObserver) Alive() bool        { return o.alive }
func (o *recordingObserver) Deliver(e Envelope) { o.received = append(o.received, e) }

func TestFanOut(t *testing.T) {
	b := NewBroadcaster(newLogger())
	first := &recordingObserver{alive: true}
	second := &recordingObserver{alive: true}
	b.Attach(first)
	b.Attach(second)

	b.Publish(ConnectionPayload{Stream: protocol.SourceMicrophone, Connected: true})

	for i, o := range []*recordingObserver{first, second} {
		if len(o.received) != 1 {
			t.Fatalf("observer %d: expected 1 envelope, got %d", i, len(o.received))
		}
		env := o.received[0]
		if env.Version != ContractVersion {
			t.Fatalf("expected contract version %d, got %d", ContractVersion, env.Version)
		}
		if env.Channel != ChannelRecordingConnection {
			t.Fatalf("unexpected channel %q", env.Channel)
		}
	}
}

func TestDeadObserverSkipped(t *testing.T) {
	b := NewBroadcaster(newLogger())
	dead := &recordingObserver{alive: false}
	live := &recordingObserver{alive: true}
	b.Attach(dead)
	b.Attach(live)

	b.Publish(BufferPayload{Source: protocol.SourceSystem, Text: "preview"})

	if len(dead.received) != 0 {
		t.Fatal("expected no delivery to dead observer")
	}
	if len(live.received) != 1 {
		t.Fatalf("expected delivery to live observer, got %d", len(live.received))
	}
}

func TestDetach(t *testing.T) {
	b := NewBroadcaster(newLogger())
	o := &recordingObserver{alive: true}
	detach := b.Attach(o)
	detach()

	b.Publish(StatusPayload{Status: "recording"})
	if len(o.received) != 0 {
		t.Fatal("expected no delivery after detach")
	}
}

func TestPanickingObserverDoesNotStopFanOut(t *testing.T) {
	b := NewBroadcaster(newLogger())
	b.Attach(ObserverFunc(func(Envelope) { panic("boom") }))
	o := &recordingObserver{alive: true}
	b.Attach(o)

	b.Publish(StatusPayload{Status: "idle"})
	if len(o.received) != 1 {
		t.Fatalf("expected delivery despite panicking peer, got %d", len(o.received))
	}
}

func TestPayloadChannels(t *testing.T) {
	cases := []struct {
		payload Payload
		channel string
	}{
		{StatusPayload{}, ChannelRecordingStatus},
		{ConnectionPayload{}, ChannelRecordingConnection},
		{SegmentPayload{}, ChannelTranscriptionSegment},
		{BufferPayload{}, ChannelTranscriptionBuffer},
	}
	for _, c := range cases {
		if got := c.payload.Channel(); got != c.channel {
			t.Fatalf("expected channel %q, got %q", c.channel, got)
		}
	}
}
