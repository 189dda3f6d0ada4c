package transcript

import (
	"strings"
	"sync"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// Merger assembles the two per-source fragment streams into one transcript.
// Committed text is append-only within a session; the partial preview is
// always replaced wholesale. Mutation is serialized per source.
type Merger struct {
	channels map[protocol.Source]*channelState
}

type channelState struct {
	mu        sync.Mutex
	committed strings.Builder
	partial   string
}

func NewMerger() *Merger {
	m := &Merger{channels: make(map[protocol.Source]*channelState, len(protocol.Sources))}
	for _, src := range protocol.Sources {
		m.channels[src] = &channelState{}
	}
	return m
}

func (m *Merger) channel(src protocol.Source) *channelState {
	if ch, ok := m.channels[src]; ok {
		return ch
	}
	// Unknown sources degrade to the microphone channel rather than panic;
	// the stream layer only ever emits valid sources.
	return m.channels[protocol.SourceMicrophone]
}

// CommitFinal appends a final fragment to the source's committed buffer with
// a single-space separator. Fragments that trim to nothing are skipped.
// Returns the trimmed text and whether anything was appended.
func (m *Merger) CommitFinal(src protocol.Source, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	ch := m.channel(src)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.committed.Len() > 0 {
		ch.committed.WriteByte(' ')
	}
	ch.committed.WriteString(trimmed)
	ch.partial = ""
	return trimmed, true
}

// SetPartial replaces the source's live preview buffer.
func (m *Merger) SetPartial(src protocol.Source, text string) {
	ch := m.channel(src)
	ch.mu.Lock()
	ch.partial = text
	ch.mu.Unlock()
}

func (m *Merger) Committed(src protocol.Source) string {
	ch := m.channel(src)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.committed.String()
}

func (m *Merger) Partial(src protocol.Source) string {
	ch := m.channel(src)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.partial
}

// Combined returns the concatenation of both committed buffers. Order across
// sources is not semantically meaningful; within a source it is strictly FIFO.
func (m *Merger) Combined() string {
	var parts []string
	for _, src := range protocol.Sources {
		if text := m.Committed(src); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// Snapshot returns the committed text per source.
func (m *Merger) Snapshot() map[protocol.Source]string {
	out := make(map[protocol.Source]string, len(protocol.Sources))
	for _, src := range protocol.Sources {
		out[src] = m.Committed(src)
	}
	return out
}

// Load replaces all buffers wholesale from previously saved transcript text
// and clears live previews. Unlike live append, this is overwrite semantics.
func (m *Merger) Load(committed map[protocol.Source]string) {
	for _, src := range protocol.Sources {
		ch := m.channel(src)
		ch.mu.Lock()
		ch.committed.Reset()
		ch.committed.WriteString(strings.TrimSpace(committed[src]))
		ch.partial = ""
		ch.mu.Unlock()
	}
}

// Reset clears every buffer, ready for a new session.
func (m *Merger) Reset() {
	m.Load(nil)
}
