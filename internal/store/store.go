package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	_ "modernc.org/sqlite"
)

// Recording is one persisted recording row. Transcript columns stay empty
// until the recording completes.
type Recording struct {
	ID               string
	Title            string
	Status           string
	Transcript       string
	MicTranscript    string
	SystemTranscript string
	StartedAt        time.Time
	CompletedAt      time.Time
	CreatedAt        time.Time
}

// Segment is one committed transcript fragment, kept for timeline replay.
type Segment struct {
	ID          int64
	RecordingID string
	Source      string
	Text        string
	CreatedAt   time.Time
}

// Store wraps the SQLite-backed recording archive.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    title TEXT,
    status TEXT NOT NULL,
    transcript TEXT,
    mic_transcript TEXT,
    system_transcript TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    source TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_recording_created ON segments(recording_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRecording inserts the pending row for a new recording.
func (s *Store) CreateRecording(ctx context.Context, id, title string) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, title, status, created_at)
		 VALUES(?, ?, 'pending', ?)
		 ON CONFLICT(recording_id) DO UPDATE SET title=excluded.title`,
		id, title, now)
	return err
}

// MarkStarted stamps the moment streaming actually began.
func (s *Store) MarkStarted(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status='recording', started_at=? WHERE recording_id=?`,
		startedAt.UTC(), id)
	return err
}

// MarkFailed parks a row whose session never got going, so the archive is
// not left holding a pending recording forever.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET status='failed', completed_at=? WHERE recording_id=?`,
		s.clock().UTC(), id)
	return err
}

// CompleteRecording stores the merged transcript and per-source texts.
func (s *Store) CompleteRecording(ctx context.Context, id, merged string, perSource map[protocol.Source]string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings
		 SET status='completed', transcript=?, mic_transcript=?, system_transcript=?, completed_at=?
		 WHERE recording_id=?`,
		merged,
		perSource[protocol.SourceMicrophone],
		perSource[protocol.SourceSystem],
		s.clock().UTC(), id)
	return err
}

// AppendSegment writes one committed fragment into the timeline.
func (s *Store) AppendSegment(ctx context.Context, recordingID string, source protocol.Source, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(recording_id, source, text, created_at) VALUES(?, ?, ?, ?)`,
		recordingID, string(source), text, s.clock().UTC())
	return err
}

// GetRecording fetches one row, or sql.ErrNoRows.
func (s *Store) GetRecording(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recording_id, title, status,
		        COALESCE(transcript, ''), COALESCE(mic_transcript, ''), COALESCE(system_transcript, ''),
		        started_at, completed_at, created_at
		 FROM recordings WHERE recording_id = ?`, id)
	return scanRecording(row.Scan)
}

// ListRecordings returns the newest recordings first, up to limit.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, title, status,
		        COALESCE(transcript, ''), COALESCE(mic_transcript, ''), COALESCE(system_transcript, ''),
		        started_at, completed_at, created_at
		 FROM recordings ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSegments retrieves a recording's fragments ordered ascending by time.
func (s *Store) ListSegments(ctx context.Context, recordingID string, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, source, text, created_at
		 FROM segments WHERE recording_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		var created string
		if err := rows.Scan(&seg.ID, &seg.RecordingID, &seg.Source, &seg.Text, &created); err != nil {
			return nil, err
		}
		seg.CreatedAt = parseTimestamp(created)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecordings > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id IN (
			SELECT recording_id FROM recordings ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func scanRecording(scan func(dest ...any) error) (Recording, error) {
	var rec Recording
	var started, completed sql.NullString
	var created string
	if err := scan(&rec.ID, &rec.Title, &rec.Status,
		&rec.Transcript, &rec.MicTranscript, &rec.SystemTranscript,
		&started, &completed, &created); err != nil {
		return Recording{}, err
	}
	rec.CreatedAt = parseTimestamp(created)
	if started.Valid {
		rec.StartedAt = parseTimestamp(started.String)
	}
	if completed.Valid {
		rec.CompletedAt = parseTimestamp(completed.String)
	}
	return rec, nil
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
