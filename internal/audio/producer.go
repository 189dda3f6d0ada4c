package audio

import (
	"encoding/binary"
	"sync"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// DefaultFrameSamples is the accumulation threshold before a PCM16 frame is
// emitted downstream.
const DefaultFrameSamples = 4096

// FrameSink receives emitted PCM16 frames. Implementations must not block:
// the producer runs on the audio render path.
type FrameSink func(source protocol.Source, frame []byte)

// Producer converts float sample blocks from one capture source into
// fixed-threshold little-endian PCM16 frames. It is a pure transform:
// malformed input degrades to no emission, never an error.
type Producer struct {
	source       protocol.Source
	frameSamples int
	sink         FrameSink

	mu      sync.Mutex
	enabled bool
	pending []float32
}

func NewProducer(source protocol.Source, frameSamples int, sink FrameSink) *Producer {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Producer{
		source:       source,
		frameSamples: frameSamples,
		sink:         sink,
	}
}

// SetEnabled toggles frame production. Disabling discards any partially
// accumulated samples so they never leak into the next recording.
func (p *Producer) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	if !enabled {
		p.pending = nil
	}
}

// Write accumulates one block of samples in [-1, 1]. Once the accumulated
// count reaches the frame threshold, everything pending is converted and
// emitted as a single frame and the accumulator is cleared.
func (p *Producer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}

	var frame []byte
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, samples...)
	if len(p.pending) >= p.frameSamples {
		frame = encodePCM16(p.pending)
		p.pending = nil
	}
	p.mu.Unlock()

	if frame != nil && p.sink != nil {
		p.sink(p.source, frame)
	}
}

func encodePCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sampleToInt16(s)))
	}
	return out
}

func sampleToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	}
	if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
