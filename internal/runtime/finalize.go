package runtime

import (
	"context"
	"log/slog"

	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	"github.com/alexkroman/assembly-notes/internal/recording"
	"github.com/alexkroman/assembly-notes/internal/store"
)

// storeFinalizer writes the merged transcript when a recording stops.
type storeFinalizer struct {
	store *store.Store
}

func (f *storeFinalizer) Finalize(ctx context.Context, sess *recording.Session, merged string, perSource map[protocol.Source]string) error {
	return f.store.CompleteRecording(ctx, sess.ID, merged, perSource)
}

// segmentRecorder persists committed fragments as they are published, so a
// crash mid-recording loses at most the in-flight partials.
type segmentRecorder struct {
	store  *store.Store
	status func() recording.StatusSnapshot
	log    *slog.Logger
}

func (r *segmentRecorder) Alive() bool { return true }

func (r *segmentRecorder) Deliver(env events.Envelope) {
	seg, ok := env.Payload.(events.SegmentPayload)
	if !ok {
		return
	}
	snap := r.status()
	if snap.RecordingID == "" || recording.IsDictationID(snap.RecordingID) {
		return
	}
	if err := r.store.AppendSegment(context.Background(), snap.RecordingID, seg.Source, seg.Text); err != nil {
		r.log.Warn("failed to persist transcript segment",
			slog.String("recording_id", snap.RecordingID),
			slog.String("error", err.Error()))
	}
}
