package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Capture writes PCM16 frames into a WAV file alongside a recording. It is an
// optional debugging sink and never sits on the live transcription path.
type Capture struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	closed bool
}

func NewCapture(dir, recordingID string, sampleRate int) (*Capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, recordingID+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &Capture{
		file: file,
		enc:  wav.NewEncoder(file, sampleRate, 16, 1, 1),
	}, nil
}

func (c *Capture) Path() string {
	return c.file.Name()
}

// WriteFrame appends one little-endian PCM16 frame to the file.
func (c *Capture) WriteFrame(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("capture already closed")
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: c.enc.SampleRate},
		Data:   samples,
	}
	if err := c.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.enc.Close(); err != nil {
		c.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return c.file.Close()
}
