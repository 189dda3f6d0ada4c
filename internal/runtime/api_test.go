package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	"github.com/alexkroman/assembly-notes/internal/recording"
	"github.com/alexkroman/assembly-notes/internal/store"
	"github.com/alexkroman/assembly-notes/internal/transcript"
	"github.com/alexkroman/assembly-notes/internal/transcription"
)

type stubStream struct {
	source protocol.Source
	events chan transcription.Event
}

func (s *stubStream) Source() protocol.Source { return s.source }

func (s *stubStream) Connect(context.Context) error {
	s.events <- transcription.Event{Kind: transcription.EventOpen, Source: s.source}
	return nil
}

func (s *stubStream) Send([]byte) error { return nil }
func (s *stubStream) Ping() error       { return nil }

func (s *stubStream) ForceEndUtterance() error { return nil }

func (s *stubStream) Close() error {
	close(s.events)
	return nil
}

func (s *stubStream) Events() <-chan transcription.Event { return s.events }

type apiFixture struct {
	server  *httptest.Server
	store   *store.Store
	streams map[protocol.Source]*stubStream
	apiKey  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), config.StoreConfig{
		Path: filepath.Join(t.TempDir(), "recordings.db"),
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &apiFixture{
		store:   st,
		streams: make(map[protocol.Source]*stubStream),
		apiKey:  "test-key",
	}
	factory := func(source protocol.Source, _ recording.Settings) recording.Stream {
		ss := &stubStream{source: source, events: make(chan transcription.Event, 16)}
		f.streams[source] = ss
		return ss
	}
	sessions := newSessionHolder(st)
	broadcaster := events.NewBroadcaster(logger)
	controller := recording.NewController(
		config.RecordingConfig{StopTimeoutMS: 2000},
		recording.SettingsSourceFunc(func() recording.Settings { return recording.Settings{APIKey: f.apiKey} }),
		sessions,
		factory,
		transcript.NewMerger(),
		broadcaster,
		&storeFinalizer{store: st},
		logger,
	)

	mux := http.NewServeMux()
	(&api{controller: controller, sessions: sessions, store: st, log: logger}).register(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	t.Cleanup(func() { _ = controller.Stop(context.Background()) })
	return f
}

func (f *apiFixture) post(t *testing.T, path, body string) (int, apiResponse) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

func (f *apiFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode
}

func TestRecordingLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	code, started := f.post(t, "/v1/recording/start", `{"title":"standup"}`)
	if code != http.StatusOK || !started.Success || started.RecordingID == "" {
		t.Fatalf("start: code=%d resp=%+v", code, started)
	}

	var status statusResponse
	if code := f.getJSON(t, "/v1/recording/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Status != string(recording.StatusRecording) || status.RecordingID != started.RecordingID {
		t.Fatalf("unexpected status: %+v", status)
	}

	f.streams[protocol.SourceMicrophone].events <- transcription.Event{
		Kind:      transcription.EventFinal,
		Source:    protocol.SourceMicrophone,
		Timestamp: time.Now(),
		Text:      "hello from the meeting",
	}

	if code, resp := f.post(t, "/v1/recording/stop", ""); code != http.StatusOK || !resp.Success {
		t.Fatalf("stop: code=%d resp=%+v", code, resp)
	}

	rec, err := f.store.GetRecording(context.Background(), started.RecordingID)
	if err != nil {
		t.Fatalf("get recording: %v", err)
	}
	if rec.Status != "completed" || !strings.Contains(rec.Transcript, "hello from the meeting") {
		t.Fatalf("recording not finalized: %+v", rec)
	}
}

func TestStartWithoutAPIKeyOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.apiKey = ""

	code, resp := f.post(t, "/v1/recording/start", "")
	if code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", code)
	}
	if !strings.Contains(resp.Error, "API key") {
		t.Fatalf("expected user-facing reason, got %q", resp.Error)
	}

	var status statusResponse
	f.getJSON(t, "/v1/recording/status", &status)
	if status.Status != string(recording.StatusIdle) {
		t.Fatalf("status = %q, want idle", status.Status)
	}

	// The row minted for the failed start must not linger as pending.
	recs, err := f.store.ListRecordings(context.Background(), 10)
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	for _, rec := range recs {
		if rec.Status == "pending" {
			t.Fatalf("failed start left a pending row: %+v", rec)
		}
	}
}

func TestDictationMutualExclusionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	if code, resp := f.post(t, "/v1/recording/start", ""); code != http.StatusOK {
		t.Fatalf("start: code=%d resp=%+v", code, resp)
	}
	code, resp := f.post(t, "/v1/dictation/start", "")
	if code != http.StatusConflict {
		t.Fatalf("dictation start code = %d, want 409", code)
	}
	if resp.Error == "" {
		t.Fatalf("conflict must carry a reason")
	}
	if code, _ := f.post(t, "/v1/recording/stop", ""); code != http.StatusOK {
		t.Fatalf("stop code = %d", code)
	}
}

func TestGetMissingRecordingOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	var out apiResponse
	if code := f.getJSON(t, "/v1/recordings/nope", &out); code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", code)
	}
}
