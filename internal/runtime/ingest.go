package runtime

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alexkroman/assembly-notes/internal/audio"
	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	"github.com/alexkroman/assembly-notes/internal/recording"
)

// ingester accepts one websocket per capture source. Clients stream binary
// little-endian float32 sample blocks; the producer converts them into
// PCM16 frames for the controller and the optional WAV capture.
//
// It doubles as a lifecycle observer: producers are enabled only while a
// session is active, so partially accumulated samples are discarded instead
// of leaking into the next recording.
type ingester struct {
	cfg        config.AudioConfig
	controller *recording.Controller
	captures   *captureSink
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	producers map[*audio.Producer]struct{}
}

func newIngester(cfg config.AudioConfig, controller *recording.Controller, log *slog.Logger) *ingester {
	return &ingester{
		cfg:        cfg,
		controller: controller,
		captures: &captureSink{
			cfg:    cfg,
			status: controller.Status,
			log:    log,
		},
		log: log.With(slog.String("component", "ingest")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4 * 1024,
		},
		producers: make(map[*audio.Producer]struct{}),
	}
}

func sessionActive(status recording.Status) bool {
	return status == recording.StatusStarting ||
		status == recording.StatusRecording ||
		status == recording.StatusError
}

func (i *ingester) Alive() bool { return true }

// Deliver toggles every attached producer on lifecycle transitions.
func (i *ingester) Deliver(env events.Envelope) {
	status, ok := env.Payload.(events.StatusPayload)
	if !ok {
		return
	}
	enabled := sessionActive(recording.Status(status.Status))
	i.mu.Lock()
	for p := range i.producers {
		p.SetEnabled(enabled)
	}
	i.mu.Unlock()
}

func (i *ingester) track(p *audio.Producer) {
	p.SetEnabled(sessionActive(i.controller.Status().Status))
	i.mu.Lock()
	i.producers[p] = struct{}{}
	i.mu.Unlock()
}

func (i *ingester) untrack(p *audio.Producer) {
	p.SetEnabled(false)
	i.mu.Lock()
	delete(i.producers, p)
	i.mu.Unlock()
}

func (i *ingester) handle(w http.ResponseWriter, r *http.Request) {
	source := protocol.Source(r.PathValue("source"))
	if !source.Valid() {
		http.Error(w, "unknown audio source", http.StatusNotFound)
		return
	}

	conn, err := i.upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.log.Warn("audio ingest upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	i.log.Info("audio source attached", slog.String("source", string(source)))

	producer := audio.NewProducer(source, i.cfg.FrameSamples, func(src protocol.Source, frame []byte) {
		if err := i.controller.WriteAudio(src, frame); err != nil && !errors.Is(err, recording.ErrNotRecording) {
			i.log.Warn("audio frame dropped",
				slog.String("source", string(src)),
				slog.String("error", err.Error()))
		}
		i.captures.write(src, frame)
	})
	i.track(producer)
	defer i.untrack(producer)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			i.log.Info("audio source detached", slog.String("source", string(source)))
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		producer.Write(decodeFloat32LE(data))
	}
}

func decodeFloat32LE(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}

// captureSink routes frames into per-source WAV files for the recording
// that is currently active. Files roll over when the recording id changes.
type captureSink struct {
	cfg    config.AudioConfig
	status func() recording.StatusSnapshot
	log    *slog.Logger

	mu          sync.Mutex
	recordingID string
	open        map[protocol.Source]*audio.Capture
}

func (c *captureSink) write(source protocol.Source, frame []byte) {
	if !c.cfg.CaptureWAV {
		return
	}
	snap := c.status()

	c.mu.Lock()
	defer c.mu.Unlock()

	active := snap.Status == recording.StatusRecording || snap.Status == recording.StatusError
	if !active || recording.IsDictationID(snap.RecordingID) {
		c.closeAllLocked()
		return
	}
	if snap.RecordingID != c.recordingID {
		c.closeAllLocked()
		c.recordingID = snap.RecordingID
	}
	if c.open == nil {
		c.open = make(map[protocol.Source]*audio.Capture)
	}

	capture, ok := c.open[source]
	if !ok {
		var err error
		capture, err = audio.NewCapture(c.cfg.CaptureDir, snap.RecordingID+"-"+string(source), c.cfg.SampleRate)
		if err != nil {
			c.log.Warn("failed to open WAV capture", slog.String("error", err.Error()))
			return
		}
		c.open[source] = capture
	}
	if err := capture.WriteFrame(frame); err != nil {
		c.log.Warn("failed to write WAV capture frame", slog.String("error", err.Error()))
	}
}

func (c *captureSink) closeAllLocked() {
	for src, capture := range c.open {
		if err := capture.Close(); err != nil {
			c.log.Warn("failed to close WAV capture", slog.String("error", err.Error()))
		}
		delete(c.open, src)
	}
	c.recordingID = ""
}

func (c *captureSink) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAllLocked()
}
