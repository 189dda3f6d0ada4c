package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alexkroman/assembly-notes/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn is a scripted provider connection. Inbound messages are fed on a
// channel; writes are recorded.
type fakeConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection reset by peer")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) feed(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	c.inbound <- data
}

func testConfig() Config {
	return Config{
		BaseURL:         "wss://example.test/ws",
		APIKey:          "key",
		SampleRate:      16000,
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxRetryElapsed: time.Second,
	}
}

func singleConnDialer(conn *fakeConn) Dialer {
	return func(context.Context, string, http.Header) (Conn, error) {
		return conn, nil
	}
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestConnectRejectsEmptyAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "  "
	s := NewStream(protocol.SourceMicrophone, cfg, newLogger())

	if err := s.Connect(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if got := s.State().State; got != StateIdle {
		t.Fatalf("expected state idle after rejected connect, got %s", got)
	}
}

func TestTurnMessagesNormalized(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger(), WithDialer(singleConnDialer(conn)))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	waitEvent(t, s.Events(), EventOpen)
	conn.feed(t, map[string]any{"type": "Begin", "id": "sess-1", "expires_at": 1700000000})
	conn.feed(t, map[string]any{"type": "Turn", "transcript": "hel", "end_of_turn": false})
	conn.feed(t, map[string]any{"type": "Turn", "transcript": "hello", "end_of_turn": true})

	info := waitEvent(t, s.Events(), EventSessionInfo)
	if info.SessionID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", info.SessionID)
	}
	partial := waitEvent(t, s.Events(), EventPartial)
	if partial.Text != "hel" || partial.Source != protocol.SourceMicrophone {
		t.Fatalf("unexpected partial event: %+v", partial)
	}
	final := waitEvent(t, s.Events(), EventFinal)
	if final.Text != "hello" {
		t.Fatalf("unexpected final event: %+v", final)
	}
}

func TestSendDropsFramesWhileNotConnected(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(protocol.SourceSystem, testConfig(), newLogger(), WithDialer(singleConnDialer(conn)))

	// Not connected yet: frame silently dropped, no error.
	if err := s.Send([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("expected dropped frame without error, got %v", err)
	}
	if len(conn.writes()) != 0 {
		t.Fatal("expected no writes before connect")
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	waitEvent(t, s.Events(), EventOpen)

	if err := s.Send([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conn.writes()) != 1 {
		t.Fatalf("expected one frame written, got %d", len(conn.writes()))
	}
}

func TestIdempotentClose(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger(), WithDialer(singleConnDialer(conn)))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, s.Events(), EventOpen)

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	waitEvent(t, s.Events(), EventClosed)
	if got := s.State().State; got != StateClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := s.State().State; got != StateClosed {
		t.Fatalf("expected closed state after second close, got %s", got)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger())
	if err := s.Close(); err != nil {
		t.Fatalf("close before connect: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on connect after close, got %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("expected event channel closed after close without connect")
	}
}

func TestCloseRacingConnect(t *testing.T) {
	// Whichever order the two land in, the stream must wind down cleanly:
	// the event channel closes and no goroutine writes past it.
	for i := 0; i < 50; i++ {
		conn := newFakeConn()
		s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger(), WithDialer(singleConnDialer(conn)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("connect: %v", err)
			}
		}()
		wg.Wait()

		deadline := time.After(2 * time.Second)
		for open := true; open; {
			select {
			case _, ok := <-s.Events():
				open = ok
			case <-deadline:
				t.Fatal("event channel never closed after close")
			}
		}
		if got := s.State().State; got != StateClosed {
			t.Fatalf("expected closed state, got %s", got)
		}
	}
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := func(context.Context, string, http.Header) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	cfg := testConfig()
	cfg.MaxRetries = 2
	s := NewStream(protocol.SourceMicrophone, cfg, newLogger(), WithDialer(dialer))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var terminal Event
	deadline := time.After(3 * time.Second)
	for terminal.Kind != EventError || !terminal.Terminal {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatal("event channel closed before terminal error")
			}
			if e.Kind == EventError && e.Terminal {
				terminal = e
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal error")
		}
	}
	if terminal.Reason == "" {
		t.Fatal("expected non-empty terminal error reason")
	}

	waitEvent(t, s.Events(), EventClosed)
	if got := s.State().State; got != StateClosed {
		t.Fatalf("expected closed after exhaustion, got %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials < 3 {
		t.Fatalf("expected initial attempt plus retries, got %d dials", dials)
	}
}

func TestReconnectAfterTransportError(t *testing.T) {
	conns := make(chan *fakeConn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second
	dialer := func(context.Context, string, http.Header) (Conn, error) {
		return <-conns, nil
	}

	s := NewStream(protocol.SourceSystem, testConfig(), newLogger(), WithDialer(dialer))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	waitEvent(t, s.Events(), EventOpen)
	first.Close() // transport drop

	waitEvent(t, s.Events(), EventError)
	waitEvent(t, s.Events(), EventOpen) // reconnected on the second conn

	second.feed(t, map[string]any{"type": "Turn", "transcript": "back again", "end_of_turn": true})
	final := waitEvent(t, s.Events(), EventFinal)
	if final.Text != "back again" {
		t.Fatalf("unexpected final after reconnect: %+v", final)
	}
}

func TestTransportDropSurfacesDisconnect(t *testing.T) {
	conns := make(chan *fakeConn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second
	dialer := func(context.Context, string, http.Header) (Conn, error) {
		return <-conns, nil
	}

	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger(), WithDialer(dialer))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	waitEvent(t, s.Events(), EventOpen)
	first.Close() // transport drop

	// The drop must be announced before the retry succeeds, so observers
	// can show the channel as down for the whole retry window.
	var seen []EventKind
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != EventOpen {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatal("event channel closed before reconnect")
			}
			seen = append(seen, e.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for reconnect, saw %v", seen)
		}
	}
	if seen[0] != EventDisconnected {
		t.Fatalf("expected disconnect first after transport drop, got %v", seen)
	}
}

func TestForceEndUtterance(t *testing.T) {
	conn := newFakeConn()
	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger(), WithDialer(singleConnDialer(conn)))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	waitEvent(t, s.Events(), EventOpen)

	if err := s.ForceEndUtterance(); err != nil {
		t.Fatalf("force end utterance: %v", err)
	}
	writes := conn.writes()
	if len(writes) != 1 {
		t.Fatalf("expected one control message, got %d", len(writes))
	}
	var msg map[string]string
	if err := json.Unmarshal(writes[0], &msg); err != nil {
		t.Fatalf("unmarshal control message: %v", err)
	}
	if msg["type"] != "ForceEndpoint" {
		t.Fatalf("unexpected control message: %v", msg)
	}
}

func TestPingRequiresConnection(t *testing.T) {
	s := NewStream(protocol.SourceMicrophone, testConfig(), newLogger())
	if err := s.Ping(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEndpointCarriesSessionParameters(t *testing.T) {
	cfg := testConfig()
	cfg.FormatTurns = true
	cfg.SilenceThresholdMS = 400
	s := NewStream(protocol.SourceMicrophone, cfg, newLogger())

	endpoint := s.endpoint()
	for _, want := range []string{"sample_rate=16000", "encoding=pcm_s16le", "format_turns=true", "min_end_of_turn_silence_when_confident=400"} {
		if !containsParam(endpoint, want) {
			t.Fatalf("endpoint %q missing %q", endpoint, want)
		}
	}
}

func containsParam(endpoint, param string) bool {
	for i := 0; i+len(param) <= len(endpoint); i++ {
		if endpoint[i:i+len(param)] == param {
			return true
		}
	}
	return false
}
