package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/posewire/internal/results"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection holding session history and
// per-frame detections.
type Store struct {
	conn *pgx.Conn
}

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID        string
	Remote    string
	Mode      string
	StartedAt time.Time
	EndedAt   *time.Time
	FramesIn  int64
	FramesOut int64
	Error     *string
	Objects   int64
}

// DetectionRow is one persisted detection.
type DetectionRow struct {
	FrameIndex  int
	ImageID     string
	Position    int
	Class       int32
	Translation []float64
	Rotation    []float64
	RotKind     string
	Box         []float64
	BoxFormat   string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			remote TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames_in BIGINT NOT NULL DEFAULT 0,
			frames_out BIGINT NOT NULL DEFAULT 0,
			error TEXT
		);
		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			image_id TEXT NOT NULL,
			position INT NOT NULL,
			class INT NOT NULL,
			translation DOUBLE PRECISION[] NOT NULL,
			rotation DOUBLE PRECISION[] NOT NULL,
			rotation_kind TEXT NOT NULL,
			box DOUBLE PRECISION[] NOT NULL,
			box_format TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS detections_session_idx ON detections (session_id, frame_index);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// BeginSession registers a session. Re-using an id restarts it and clears
// its previous detections.
func (s *Store) BeginSession(ctx context.Context, id, remote, mode string) error {
	if _, err := s.conn.Exec(ctx, "DELETE FROM detections WHERE session_id = $1", id); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, remote, mode, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET started_at = NOW(), ended_at = NULL, error = NULL,
			remote = EXCLUDED.remote, mode = EXCLUDED.mode
	`, id, remote, mode)
	return err
}

// EndSession stores the final counters. sessionErr may be nil.
func (s *Store) EndSession(ctx context.Context, id string, framesIn, framesOut uint64, sessionErr error) error {
	var msg *string
	if sessionErr != nil {
		m := sessionErr.Error()
		msg = &m
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE sessions SET ended_at = NOW(), frames_in = $2, frames_out = $3, error = $4
		WHERE id = $1
	`, id, int64(framesIn), int64(framesOut), msg)
	return err
}

// Record implements results.Sink. Every detection of the entry is inserted
// in one batch.
func (s *Store) Record(ctx context.Context, e results.Entry) error {
	if len(e.Detections) == 0 {
		return nil
	}
	if e.SessionID == "" {
		return fmt.Errorf("record frame %d: missing session id", e.Index)
	}

	batch := &pgx.Batch{}
	for i, d := range e.Detections {
		batch.Queue(`
			INSERT INTO detections (session_id, frame_index, image_id, position, class,
				translation, rotation, rotation_kind, box, box_format)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.SessionID, e.Index, e.Key(), i, d.Class,
			d.Translation[:], d.Rotation.Values, d.Rotation.Kind.String(), d.Box.Coords[:], d.Box.Format.String())
	}
	if err := s.conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert detections for frame %d: %w", e.Index, err)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.remote, s.mode, s.started_at, s.ended_at, s.frames_in, s.frames_out, s.error,
			(SELECT COUNT(*) FROM detections d WHERE d.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.ID, &si.Remote, &si.Mode, &si.StartedAt, &si.EndedAt,
			&si.FramesIn, &si.FramesOut, &si.Error, &si.Objects); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// DetectionsFor returns a session's detections in frame order.
func (s *Store) DetectionsFor(ctx context.Context, sessionID string) ([]DetectionRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, image_id, position, class, translation, rotation, rotation_kind, box, box_format
		FROM detections
		WHERE session_id = $1
		ORDER BY frame_index, position
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectionRow
	for rows.Next() {
		var r DetectionRow
		if err := rows.Scan(&r.FrameIndex, &r.ImageID, &r.Position, &r.Class,
			&r.Translation, &r.Rotation, &r.RotKind, &r.Box, &r.BoxFormat); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detections CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
