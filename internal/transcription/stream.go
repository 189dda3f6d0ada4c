package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// State is the connection lifecycle of one stream.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingAPIKey is a configuration error: connect fails fast and no
	// retry loop is started.
	ErrMissingAPIKey = errors.New("transcription API key is not configured")
	ErrClosed        = errors.New("stream is closed")
	ErrNotConnected  = errors.New("stream is not connected")
)

var errSessionTerminated = errors.New("session terminated by provider")

// Config carries everything one stream needs to reach the provider.
type Config struct {
	BaseURL            string
	APIKey             string
	SampleRate         int
	FormatTurns        bool
	SilenceThresholdMS int
	MaxRetries         int
	InitialBackoff     time.Duration
	MaxRetryElapsed    time.Duration
}

// Conn is the minimal websocket surface the stream uses. Satisfied by
// *websocket.Conn; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens one provider connection.
type Dialer func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

func defaultDialer(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial provider: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial provider: %w", err)
	}
	return conn, nil
}

// Snapshot is a point-in-time view of the connection state.
type Snapshot struct {
	State       State
	Attempt     int
	NextRetryAt time.Time
}

// Stream owns exactly one persistent connection to the transcription
// provider for one source channel, including reconnection with exponential
// backoff. Inbound provider messages are normalized into Events.
type Stream struct {
	cfg    Config
	source protocol.Source
	logger *slog.Logger
	dial   Dialer
	events chan Event

	mu          sync.Mutex
	state       State
	attempt     int
	nextRetryAt time.Time
	conn        Conn
	started     bool

	wmu sync.Mutex // serializes data writes on the socket

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	finish    sync.Once
}

// Option customizes a stream; used by tests to inject a dialer.
type Option func(*Stream)

func WithDialer(d Dialer) Option {
	return func(s *Stream) { s.dial = d }
}

func NewStream(source protocol.Source, cfg Config, logger *slog.Logger, opts ...Option) *Stream {
	s := &Stream{
		cfg:    cfg,
		source: source,
		logger: logger.With(
			slog.String("component", "stream"),
			slog.String("source", string(source)),
		),
		dial:   defaultDialer,
		events: make(chan Event, 64),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) Source() protocol.Source { return s.source }

// Events returns the normalized event channel. It is closed once the stream
// reaches Closed and will emit no further events.
func (s *Stream) Events() <-chan Event { return s.events }

// State returns the current connection snapshot.
func (s *Stream) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{State: s.state, Attempt: s.attempt, NextRetryAt: s.nextRetryAt}
}

// Connect validates configuration and starts the connection loop. A missing
// API key is rejected synchronously without entering the retry loop. The
// connection itself proceeds asynchronously; progress surfaces as events.
func (s *Stream) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return ErrMissingAPIKey
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run()
	return nil
}

func (s *Stream) run() {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		bo.InitialInterval = s.cfg.InitialBackoff
	}
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = s.cfg.MaxRetryElapsed
	bo.Reset()

	for {
		s.setState(StateConnecting)
		conn, err := s.dial(s.ctx, s.endpoint(), s.header())
		if err != nil {
			if s.ctx.Err() != nil {
				s.finishClosed()
				return
			}
			if !s.waitRetry(bo, err) {
				return
			}
			continue
		}

		// The cancellation check and the conn handoff share one critical
		// section: Close either observes the conn or cancels before this
		// runs, so a connection can never outlive its session unnoticed.
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			s.finishClosed()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.attempt = 0
		s.mu.Unlock()
		bo.Reset()

		s.emit(Event{Kind: EventOpen})
		readErr := s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if s.ctx.Err() != nil {
			s.finishClosed()
			return
		}
		// Observers must see the channel go down for the whole retry
		// window, not just at terminal shutdown.
		s.emit(Event{Kind: EventDisconnected})
		s.emit(Event{Kind: EventError, Reason: readErr.Error()})
		if !s.waitRetry(bo, readErr) {
			return
		}
	}
}

// waitRetry transitions to Retrying and sleeps out the backoff delay.
// Returns false once retries are exhausted or the stream is closing, after
// emitting the terminal error.
func (s *Stream) waitRetry(bo *backoff.ExponentialBackOff, cause error) bool {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	delay := bo.NextBackOff()
	if delay == backoff.Stop || (s.cfg.MaxRetries > 0 && attempt > s.cfg.MaxRetries) {
		s.emit(Event{
			Kind:     EventError,
			Reason:   fmt.Sprintf("connection lost and not recovered after %d attempts: %v", attempt, cause),
			Terminal: true,
		})
		s.finishClosed()
		return false
	}

	s.mu.Lock()
	s.state = StateRetrying
	s.nextRetryAt = time.Now().Add(delay)
	s.mu.Unlock()

	s.logger.Warn("stream disconnected, retrying",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))

	select {
	case <-time.After(delay):
		return true
	case <-s.ctx.Done():
		s.finishClosed()
		return false
	}
}

func (s *Stream) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(data); err != nil {
			return err
		}
	}
}

// providerMessage is the inbound wire shape. Unknown types are ignored.
type providerMessage struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	ExpiresAt  float64 `json:"expires_at"`
	Transcript string  `json:"transcript"`
	EndOfTurn  bool    `json:"end_of_turn"`
	Error      string  `json:"error"`
}

func (s *Stream) handleMessage(data []byte) error {
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("discarding malformed provider message", slog.String("error", err.Error()))
		return nil
	}

	switch msg.Type {
	case "Begin":
		s.emit(Event{
			Kind:      EventSessionInfo,
			SessionID: msg.ID,
			ExpiresAt: time.Unix(int64(msg.ExpiresAt), 0),
		})
	case "Turn":
		kind := EventPartial
		if msg.EndOfTurn {
			kind = EventFinal
		}
		s.emit(Event{Kind: kind, Text: msg.Transcript})
	case "Termination":
		return errSessionTerminated
	default:
		if msg.Error != "" {
			s.emit(Event{Kind: EventError, Reason: msg.Error})
		}
	}
	return nil
}

// Send forwards one PCM16 frame. Frames are dropped, not queued, while the
// stream is not connected: live audio over buffered audio.
func (s *Stream) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return nil
	}

	s.wmu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame)
	s.wmu.Unlock()
	if err != nil {
		// The read loop observes the broken socket and drives the retry.
		s.logger.Warn("audio frame write failed", slog.String("error", err.Error()))
		conn.Close()
	}
	return nil
}

// ForceEndUtterance asks the provider to finalize the current partial
// fragment immediately. Used to shorten dictation latency.
func (s *Stream) ForceEndUtterance() error {
	return s.writeControlJSON(map[string]string{"type": "ForceEndpoint"})
}

// Ping sends a websocket ping to keep an idle connection alive.
func (s *Stream) Ping() error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *Stream) writeControlJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close requests shutdown. It is idempotent, safe to call while a connect is
// still in flight, and never fails on a socket already torn down remotely.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		cancel := s.cancel
		if !started {
			// Claim the stream inside the same critical section Connect
			// uses, so a racing Connect observes Closed and never launches
			// a run loop that would write to the closed event channel.
			s.started = true
			s.state = StateClosed
		}
		s.mu.Unlock()

		// Cancel before looking at the conn: the run loop commits a dialed
		// conn and checks cancellation in one critical section, so either
		// it sees the cancel and tears down itself, or the conn is visible
		// here for us to tear down.
		if cancel != nil {
			cancel()
		}
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = s.writeControlJSON(map[string]string{"type": "Terminate"})
			_ = conn.Close()
		}

		if !started {
			// No run loop to wind things down.
			s.finish.Do(func() { close(s.events) })
		}
	})
	return nil
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

// finishClosed marks the stream Closed, emits the final event, and closes
// the event channel. Every run loop exit path funnels through here.
func (s *Stream) finishClosed() {
	s.finish.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.emit(Event{Kind: EventClosed})
		close(s.events)
	})
}

func (s *Stream) emit(e Event) {
	e.Source = s.source
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event channel full, dropping event", slog.String("kind", e.Kind.String()))
	}
}

func (s *Stream) endpoint() string {
	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	params.Set("encoding", "pcm_s16le")
	if s.cfg.FormatTurns {
		params.Set("format_turns", "true")
	}
	if s.cfg.SilenceThresholdMS > 0 {
		params.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(s.cfg.SilenceThresholdMS))
	}
	return s.cfg.BaseURL + "?" + params.Encode()
}

func (s *Stream) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", s.cfg.APIKey)
	return h
}
