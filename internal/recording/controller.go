package recording

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	"github.com/alexkroman/assembly-notes/internal/transcript"
	"github.com/alexkroman/assembly-notes/internal/transcription"
)

// Status is the recording lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRecording Status = "recording"
	StatusStopping  Status = "stopping"
	StatusError     Status = "error"
)

var (
	// ErrNoAPIKey is a configuration error; it is never retried.
	ErrNoAPIKey = errors.New("no transcription API key configured")
	// ErrNoSession is a state error: the caller must create the session.
	ErrNoSession = errors.New("no recording session exists")
	// ErrAlreadyRecording rejects dictation while a recording runs.
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNotDictating     = errors.New("no dictation in progress")
)

// UserMessage maps controller errors onto plain-language reasons for the
// control surface, distinct from the internal error values.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoAPIKey), errors.Is(err, transcription.ErrMissingAPIKey):
		return "Add your transcription API key in settings before recording."
	case errors.Is(err, ErrNoSession):
		return "No recording session exists. Create a recording first."
	case errors.Is(err, ErrAlreadyRecording):
		return "A recording is already in progress. Stop it before starting dictation."
	case errors.Is(err, ErrNotRecording):
		return "Nothing is being recorded right now."
	case errors.Is(err, ErrNotDictating):
		return "No dictation is in progress."
	default:
		return "Recording failed unexpectedly. Check the application logs."
	}
}

// Settings is the opaque configuration snapshot re-read on every start.
type Settings struct {
	APIKey            string
	KeepAliveEnabled  bool
	KeepAliveInterval time.Duration
}

// SettingsSource provides the current settings snapshot.
type SettingsSource interface {
	Snapshot() Settings
}

// SettingsSourceFunc adapts a function to a SettingsSource.
type SettingsSourceFunc func() Settings

func (f SettingsSourceFunc) Snapshot() Settings { return f() }

// Stream is the controller's view of one provider connection. Satisfied by
// *transcription.Stream.
type Stream interface {
	Source() protocol.Source
	Connect(ctx context.Context) error
	Send(frame []byte) error
	Close() error
	Ping() error
	ForceEndUtterance() error
	Events() <-chan transcription.Event
}

// StreamFactory builds one stream per source for a new session.
type StreamFactory func(source protocol.Source, settings Settings) Stream

// Finalizer persists a finished recording. Dictation sessions are never
// finalized.
type Finalizer interface {
	Finalize(ctx context.Context, session *Session, merged string, perSource map[protocol.Source]string) error
}

// Controller is the authoritative recording lifecycle state machine. It owns
// both streams for the lifetime of a session; nothing outside the controller
// may hold an open connection.
type Controller struct {
	cfg         config.RecordingConfig
	settings    SettingsSource
	sessions    SessionSource
	newStream   StreamFactory
	merger      *transcript.Merger
	broadcaster *events.Broadcaster
	finalizer   Finalizer
	logger      *slog.Logger
	clock       func() time.Time

	// opMu serializes start/stop so sessions never interleave.
	opMu sync.Mutex

	mu        sync.Mutex
	status    Status
	dictating bool
	lastErr   string
	session   *Session
	streams   []Stream

	keepalive  *supervisor
	pumpCancel context.CancelFunc
	pumpWG     sync.WaitGroup
}

func NewController(
	cfg config.RecordingConfig,
	settings SettingsSource,
	sessions SessionSource,
	newStream StreamFactory,
	merger *transcript.Merger,
	broadcaster *events.Broadcaster,
	finalizer Finalizer,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:         cfg,
		settings:    settings,
		sessions:    sessions,
		newStream:   newStream,
		merger:      merger,
		broadcaster: broadcaster,
		finalizer:   finalizer,
		logger:      logger.With(slog.String("component", "recording")),
		clock:       time.Now,
		status:      StatusIdle,
	}
}

// StatusSnapshot is a point-in-time view of the lifecycle.
type StatusSnapshot struct {
	Status      Status
	Dictating   bool
	RecordingID string
	StartTime   time.Time
	Err         string
}

func (c *Controller) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := StatusSnapshot{Status: c.status, Dictating: c.dictating, Err: c.lastErr}
	if c.session != nil {
		snap.RecordingID = c.session.ID
		snap.StartTime = c.session.StartedAt
	}
	return snap
}

// Start begins recording the caller-created current session. A session
// already in flight is fully stopped first; sessions never overlap.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx, nil)
}

func (c *Controller) startLocked(ctx context.Context, sess *Session) error {
	c.mu.Lock()
	active := c.status == StatusRecording || c.status == StatusStarting || c.status == StatusError
	c.mu.Unlock()
	if active {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
	}

	settings := c.settings.Snapshot()
	if strings.TrimSpace(settings.APIKey) == "" {
		return ErrNoAPIKey
	}
	if sess == nil {
		sess = c.sessions.Current()
		if sess == nil {
			return ErrNoSession
		}
	}
	sess.StartedAt = c.clock()

	c.mu.Lock()
	c.status = StatusStarting
	c.dictating = sess.Dictation
	c.session = sess
	c.lastErr = ""
	c.mu.Unlock()
	c.publishStatus()

	c.merger.Reset()

	streams := make([]Stream, 0, len(protocol.Sources))
	for _, src := range protocol.Sources {
		streams = append(streams, c.newStream(src, settings))
	}

	// The streams belong to the controller for the whole session, so their
	// lifetime context must not be the caller's: a start request's context
	// ends when the request does, long before the recording stops.
	sessionCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, len(streams))
	for _, st := range streams {
		wg.Add(1)
		go func(st Stream) {
			defer wg.Done()
			if err := st.Connect(sessionCtx); err != nil {
				errs <- err
			}
		}(st)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		for _, st := range streams {
			_ = st.Close()
		}
		cancel()
		c.mu.Lock()
		c.status = StatusIdle
		c.session = nil
		c.dictating = false
		c.mu.Unlock()
		c.publishStatus()
		return err
	}

	c.pumpCancel = cancel
	for _, st := range streams {
		c.pumpWG.Add(1)
		go c.pump(sessionCtx, st)
	}

	c.mu.Lock()
	c.streams = streams
	c.status = StatusRecording
	c.mu.Unlock()

	if settings.KeepAliveEnabled {
		c.keepalive = newSupervisor(settings.KeepAliveInterval, c.logger)
		c.keepalive.start(streams)
	}

	c.logger.Info("recording started",
		slog.String("recording_id", sess.ID),
		slog.Bool("dictation", sess.Dictation))
	c.publishStatus()
	return nil
}

// Stop winds the session down. Both streams are always asked to close; if
// they do not confirm within the stop timeout the controller proceeds
// anyway, as success-with-warning, rather than hang its caller.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusIdle {
		c.mu.Unlock()
		return nil
	}
	streams := c.streams
	sess := c.session
	c.status = StatusStopping
	c.mu.Unlock()
	c.publishStatus()

	if c.keepalive != nil {
		c.keepalive.stop()
		c.keepalive = nil
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, st := range streams {
			wg.Add(1)
			go func(st Stream) {
				defer wg.Done()
				if err := st.Close(); err != nil {
					c.logger.Warn("stream close failed", slog.String("error", err.Error()))
				}
			}(st)
		}
		wg.Wait()
		close(done)
	}()

	timeout := time.Duration(c.cfg.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("stop timed out waiting for streams to close, continuing")
	case <-ctx.Done():
		c.logger.Warn("stop cancelled by caller, continuing teardown")
	}

	if c.pumpCancel != nil {
		c.pumpCancel()
		c.pumpCancel = nil
	}
	c.pumpWG.Wait()

	if sess != nil && !sess.Dictation && c.finalizer != nil {
		fctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.finalizer.Finalize(fctx, sess, c.merger.Combined(), c.merger.Snapshot()); err != nil {
			c.logger.Error("failed to finalize recording",
				slog.String("recording_id", sess.ID),
				slog.String("error", err.Error()))
		}
		cancel()
	}

	c.mu.Lock()
	c.status = StatusIdle
	c.session = nil
	c.dictating = false
	c.streams = nil
	c.lastErr = ""
	c.mu.Unlock()

	if sess != nil {
		c.logger.Info("recording stopped", slog.String("recording_id", sess.ID))
	}
	c.publishStatus()
	return nil
}

// StartDictation begins the single-utterance sub-mode. Dictation and normal
// recording are mutually exclusive: while a recording runs this is rejected
// and no state changes.
func (c *Controller) StartDictation(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	busy := (c.status == StatusRecording || c.status == StatusStarting) && !c.dictating
	c.mu.Unlock()
	if busy {
		return ErrAlreadyRecording
	}

	return c.startLocked(ctx, newDictationSession(c.clock()))
}

// StopDictation flushes the in-flight utterance and stops.
func (c *Controller) StopDictation(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	dictating := c.dictating
	streams := c.streams
	c.mu.Unlock()
	if !dictating {
		return ErrNotDictating
	}

	for _, st := range streams {
		if err := st.ForceEndUtterance(); err != nil && !errors.Is(err, transcription.ErrNotConnected) {
			c.logger.Warn("force end utterance failed", slog.String("error", err.Error()))
		}
	}
	return c.stopLocked(ctx)
}

// WriteAudio forwards one PCM16 frame to the stream for its source. Frames
// are refused when no session is running; in the degraded Error state
// forwarding continues so surviving channels keep transcribing.
func (c *Controller) WriteAudio(source protocol.Source, frame []byte) error {
	c.mu.Lock()
	status := c.status
	streams := c.streams
	c.mu.Unlock()

	if status != StatusStarting && status != StatusRecording && status != StatusError {
		return ErrNotRecording
	}
	for _, st := range streams {
		if st.Source() == source {
			return st.Send(frame)
		}
	}
	return nil
}

func (c *Controller) pump(ctx context.Context, st Stream) {
	defer c.pumpWG.Done()
	for {
		select {
		case e, ok := <-st.Events():
			if !ok {
				return
			}
			c.handleStreamEvent(e)
		case <-ctx.Done():
			// Drain anything already buffered so finals racing a stop are
			// not lost, then give up on the stream.
			for {
				select {
				case e, ok := <-st.Events():
					if !ok {
						return
					}
					c.handleStreamEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) handleStreamEvent(e transcription.Event) {
	switch e.Kind {
	case transcription.EventOpen:
		c.broadcaster.Publish(events.ConnectionPayload{Stream: e.Source, Connected: true})
	case transcription.EventDisconnected, transcription.EventClosed:
		c.broadcaster.Publish(events.ConnectionPayload{Stream: e.Source, Connected: false})
	case transcription.EventPartial:
		c.merger.SetPartial(e.Source, e.Text)
		c.broadcaster.Publish(events.BufferPayload{Source: e.Source, Text: e.Text})
	case transcription.EventFinal:
		if text, ok := c.merger.CommitFinal(e.Source, e.Text); ok {
			c.broadcaster.Publish(events.SegmentPayload{
				Text:      text,
				Timestamp: e.Timestamp,
				IsFinal:   true,
				Source:    e.Source,
			})
		}
	case transcription.EventSessionInfo:
		c.logger.Info("provider session established",
			slog.String("source", string(e.Source)),
			slog.String("session_id", e.SessionID))
	case transcription.EventError:
		c.handleStreamError(e)
	}
}

// handleStreamError applies the failure policy. Retryable errors stay inside
// the stream layer; a terminal per-channel failure surfaces as the Error
// status while the surviving channel keeps going, unless configured to abort
// the whole session.
func (c *Controller) handleStreamError(e transcription.Event) {
	if !e.Terminal {
		c.logger.Warn("stream error, reconnecting",
			slog.String("source", string(e.Source)),
			slog.String("error", e.Reason))
		return
	}

	c.logger.Error("stream failed permanently",
		slog.String("source", string(e.Source)),
		slog.String("error", e.Reason))

	c.mu.Lock()
	if c.status == StatusRecording || c.status == StatusStarting {
		c.status = StatusError
		c.lastErr = e.Reason
	}
	abort := c.cfg.AbortOnStreamFailure
	c.mu.Unlock()
	c.publishStatus()

	if abort {
		go func() {
			if err := c.Stop(context.Background()); err != nil {
				c.logger.Error("abort stop failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (c *Controller) publishStatus() {
	snap := c.Status()
	payload := events.StatusPayload{
		Status:      string(snap.Status),
		Dictation:   snap.Dictating,
		RecordingID: snap.RecordingID,
		Error:       snap.Err,
	}
	if !snap.StartTime.IsZero() {
		t := snap.StartTime
		payload.StartTime = &t
	}
	c.broadcaster.Publish(payload)
}
