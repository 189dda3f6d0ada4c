package audio

import (
	"os"
	"testing"
)

func TestCaptureWritesWAV(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCapture(dir, "rec-1", 16000)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}

	frame := encodePCM16([]float32{0.1, -0.1, 0.5, -0.5})
	if err := c.WriteFrame(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(c.Path())
	if err != nil {
		t.Fatalf("stat capture file: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("expected payload beyond WAV header, got %d bytes", info.Size())
	}

	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCaptureRejectsUnalignedFrame(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCapture(dir, "rec-2", 16000)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.WriteFrame([]byte{0x01}); err == nil {
		t.Fatal("expected error for unaligned pcm payload")
	}
}
