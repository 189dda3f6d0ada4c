package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alexkroman/assembly-notes/internal/recording"
	"github.com/alexkroman/assembly-notes/internal/store"
)

// api is the JSON control surface over the recording lifecycle and the
// archive.
type api struct {
	controller *recording.Controller
	sessions   *sessionHolder
	store      *store.Store
	log        *slog.Logger
}

type apiResponse struct {
	Success     bool   `json:"success"`
	RecordingID string `json:"recordingId,omitempty"`
	Error       string `json:"error,omitempty"`
}

type statusResponse struct {
	Status      string     `json:"status"`
	Dictating   bool       `json:"dictating"`
	RecordingID string     `json:"recordingId,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recording/start", a.handleRecordingStart)
	mux.HandleFunc("POST /v1/recording/stop", a.handleRecordingStop)
	mux.HandleFunc("POST /v1/dictation/start", a.handleDictationStart)
	mux.HandleFunc("POST /v1/dictation/stop", a.handleDictationStop)
	mux.HandleFunc("GET /v1/recording/status", a.handleStatus)
	mux.HandleFunc("GET /v1/recordings", a.handleListRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}", a.handleGetRecording)
}

func (a *api) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// An empty body is a valid untitled recording.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := a.sessions.Create(r.Context(), req.Title)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.controller.Start(r.Context()); err != nil {
		// Do not leave the freshly minted row stranded as pending.
		a.sessions.Discard(sess)
		if markErr := a.store.MarkFailed(r.Context(), sess.ID); markErr != nil {
			a.log.Warn("failed to mark recording failed",
				slog.String("recording_id", sess.ID),
				slog.String("error", markErr.Error()))
		}
		a.writeError(w, err)
		return
	}
	if err := a.store.MarkStarted(r.Context(), sess.ID, sess.StartedAt); err != nil {
		a.log.Warn("failed to mark recording started",
			slog.String("recording_id", sess.ID),
			slog.String("error", err.Error()))
	}
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true, RecordingID: sess.ID})
}

func (a *api) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Stop(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (a *api) handleDictationStart(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.StartDictation(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (a *api) handleDictationStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.StopDictation(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.controller.Status()
	resp := statusResponse{
		Status:      string(snap.Status),
		Dictating:   snap.Dictating,
		RecordingID: snap.RecordingID,
		Error:       snap.Err,
	}
	if !snap.StartTime.IsZero() {
		t := snap.StartTime
		resp.StartTime = &t
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	recs, err := a.store.ListRecordings(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []store.Recording{}
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *api) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := a.store.GetRecording(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		a.writeJSON(w, http.StatusNotFound, apiResponse{Error: "recording not found"})
		return
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	segments, err := a.store.ListSegments(r.Context(), id, 0)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		store.Recording
		Segments []store.Segment `json:"segments"`
	}{Recording: rec, Segments: segments})
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recording.ErrNoAPIKey), errors.Is(err, recording.ErrNoSession):
		status = http.StatusBadRequest
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrNotDictating):
		status = http.StatusConflict
	}
	a.log.Warn("control surface request failed", slog.String("error", err.Error()))
	a.writeJSON(w, status, apiResponse{Error: recording.UserMessage(err)})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
