// Package journal keeps a durable record of sessions in SQLite.
//
// One row per session, written when the session starts and updated with the
// final counters when it ends. The sessions CLI command reads it back.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
)

// timeLayout is fixed-width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by Get for an unknown session id
var ErrNotFound = errors.New("journal: session not found")

// Record is one journaled session
type Record struct {
	ID              string
	Backend         string
	StartedAt       time.Time
	EndedAt         time.Time // zero while the session is live
	FramesReceived  uint64
	FramesProcessed uint64
	Meshes          uint64
	NoFace          uint64
	Failures        uint64
	Redetections    uint64
	DroppedFrames   uint64
	SkippedFrames   uint64
	AvgLatencyMS    float64
	FPS             float64
}

// Duration returns how long the session lasted (0 while live)
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Journal is a SQLite-backed session log. Safe for concurrent use.
type Journal struct {
	db      *sql.DB
	timeout time.Duration
}

var _ session.Observer = (*Journal)(nil)

// Open opens (creating if needed) the journal database at path
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between sessions
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, timeout: 2 * time.Second}
	if err := j.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  backend TEXT NOT NULL,
  started_at TEXT NOT NULL,
  ended_at TEXT,
  frames_received INTEGER NOT NULL DEFAULT 0,
  frames_processed INTEGER NOT NULL DEFAULT 0,
  meshes INTEGER NOT NULL DEFAULT 0,
  no_face INTEGER NOT NULL DEFAULT 0,
  failures INTEGER NOT NULL DEFAULT 0,
  redetections INTEGER NOT NULL DEFAULT 0,
  dropped_frames INTEGER NOT NULL DEFAULT 0,
  skipped_frames INTEGER NOT NULL DEFAULT 0,
  avg_latency_ms REAL NOT NULL DEFAULT 0,
  fps REAL NOT NULL DEFAULT 0
);
`
	if _, err := j.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("journal: create sessions table: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions(started_at)`); err != nil {
		return fmt.Errorf("journal: create sessions index: %w", err)
	}
	return nil
}

// Upsert writes the current state of a session
func (j *Journal) Upsert(ctx context.Context, info session.Info) error {
	const stmt = `
INSERT INTO sessions (id, backend, started_at, ended_at, frames_received, frames_processed, meshes, no_face, failures, redetections, dropped_frames, skipped_frames, avg_latency_ms, fps)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  backend=excluded.backend,
  ended_at=excluded.ended_at,
  frames_received=excluded.frames_received,
  frames_processed=excluded.frames_processed,
  meshes=excluded.meshes,
  no_face=excluded.no_face,
  failures=excluded.failures,
  redetections=excluded.redetections,
  dropped_frames=excluded.dropped_frames,
  skipped_frames=excluded.skipped_frames,
  avg_latency_ms=excluded.avg_latency_ms,
  fps=excluded.fps;
`
	var endedAt sql.NullString
	if !info.EndedAt.IsZero() {
		endedAt = sql.NullString{String: info.EndedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, stmt,
		info.ID,
		info.Backend,
		info.StartedAt.UTC().Format(timeLayout),
		endedAt,
		int64(info.FramesReceived),
		int64(info.FramesProcessed),
		int64(info.Meshes),
		int64(info.NoFace),
		int64(info.Failures),
		int64(info.Redetections),
		int64(info.Metrics.DroppedFrames),
		int64(info.Metrics.SkippedFrames),
		info.Metrics.AvgLatencyMS,
		info.Metrics.FPS,
	)
	if err != nil {
		return fmt.Errorf("journal: upsert session %s: %w", info.ID, err)
	}
	return nil
}

// SessionStarted implements session.Observer
func (j *Journal) SessionStarted(info session.Info) {
	j.observe(info)
}

// SessionEnded implements session.Observer
func (j *Journal) SessionEnded(info session.Info) {
	j.observe(info)
}

func (j *Journal) observe(info session.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.Upsert(ctx, info); err != nil {
		slog.Warn("journal: write failed", "session_id", info.ID, "error", err)
	}
}

const selectColumns = `id, backend, started_at, ended_at, frames_received, frames_processed, meshes, no_face, failures, redetections, dropped_frames, skipped_frames, avg_latency_ms, fps`

// List returns the most recent sessions, newest first (limit <= 0 = all)
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT ` + selectColumns + ` FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	return out, nil
}

// Get returns one session
func (j *Journal) Get(ctx context.Context, id string) (Record, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Totals summarizes the whole journal
type Totals struct {
	Sessions        int
	Live            int
	FramesProcessed uint64
	Meshes          uint64
	DroppedFrames   uint64
}

// Totals aggregates every journaled session
func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	const query = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(frames_processed), 0),
       COALESCE(SUM(meshes), 0),
       COALESCE(SUM(dropped_frames), 0)
FROM sessions`
	var t Totals
	var processed, meshes, drops int64
	if err := j.db.QueryRowContext(ctx, query).Scan(&t.Sessions, &t.Live, &processed, &meshes, &drops); err != nil {
		return Totals{}, fmt.Errorf("journal: totals: %w", err)
	}
	t.FramesProcessed, t.Meshes, t.DroppedFrames = uint64(processed), uint64(meshes), uint64(drops)
	return t, nil
}

// Prune deletes ended sessions that started before cutoff
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND started_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Record, error) {
	var rec Record
	var startedAt string
	var endedAt sql.NullString
	var received, processed, meshes, noFace, failures, redetect, dropped, skipped int64
	err := s.Scan(&rec.ID, &rec.Backend, &startedAt, &endedAt,
		&received, &processed, &meshes, &noFace, &failures, &redetect,
		&dropped, &skipped, &rec.AvgLatencyMS, &rec.FPS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("journal: scan session: %w", err)
	}

	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return Record{}, fmt.Errorf("journal: session %s started_at: %w", rec.ID, err)
	}
	if endedAt.Valid {
		if rec.EndedAt, err = time.Parse(timeLayout, endedAt.String); err != nil {
			return Record{}, fmt.Errorf("journal: session %s ended_at: %w", rec.ID, err)
		}
	}
	rec.FramesReceived = uint64(received)
	rec.FramesProcessed = uint64(processed)
	rec.Meshes = uint64(meshes)
	rec.NoFace = uint64(noFace)
	rec.Failures = uint64(failures)
	rec.Redetections = uint64(redetect)
	rec.DroppedFrames = uint64(dropped)
	rec.SkippedFrames = uint64(skipped)
	return rec, nil
}
