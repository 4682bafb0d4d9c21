// Package store persists Event, Recording, Region, Timeline and Export
// records (spec.md §3/§6 plus the Region/Timeline/Export supplements
// recovered from original_source/App/db/models) to a local SQLite
// database, opened pure-Go (no cgo) via modernc.org/sqlite, queried with
// github.com/jmoiron/sqlx, and versioned with
// github.com/golang-migrate/migrate/v4.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Event is the persisted record described by spec.md §3.
type Event struct {
	ID        string    `db:"id"`
	TrackerID int       `db:"tracker_id"`
	Label     string    `db:"label"`
	Camera    string    `db:"camera"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
	TopScore  float64   `db:"top_score"`
	Score     float64   `db:"score"`
	Data      string    `db:"data"` // serialized prediction history, JSON
}

// Recording is the persisted record described by spec.md §3.
type Recording struct {
	ID         string    `db:"id"`
	Camera     string    `db:"camera"`
	EventID    string    `db:"event_id"`
	VideoPath  string    `db:"video_path"`
	ThumbPath  string    `db:"thumb_path"`
	StartTime  time.Time `db:"start_time"`
	EndTime    time.Time `db:"end_time"`
	DurationMs int64     `db:"duration_ms"`
}

// Region is a named polygon/rectangle zone per camera (supplemental,
// from original_source/App/db/models/regions.h).
type Region struct {
	ID     string `db:"id"`
	Camera string `db:"camera"`
	Name   string `db:"name"`
	Points string `db:"points"` // JSON-encoded [[x,y],...]
}

// TimelineBucket is a coarse per-camera activity rollup written once per
// minute bucket (supplemental, from original_source/App/db/models/timeline.h).
type TimelineBucket struct {
	Camera        string    `db:"camera"`
	BucketStart   time.Time `db:"bucket_start"`
	EventCount    int       `db:"event_count"`
	MotionSeconds float64   `db:"motion_seconds"`
}

// Export is a requested clip export job (supplemental, from
// original_source/App/db/models/export.h). Only queueing is implemented
// here; transcoding is a Non-goal.
type Export struct {
	ID         string `db:"id"`
	EventID    string `db:"event_id"`
	Status     string `db:"status"`
	OutputPath string `db:"output_path"`
}

// Store wraps a sqlx connection to the APSS database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// all pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("store: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateEvent inserts a new Event row. Per spec.md §4.11, events are
// persisted exactly once, at finalization, so this is the only Event
// write path; there is no UpdateEvent.
func (s *Store) CreateEvent(ctx context.Context, e Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO events (id, tracker_id, label, camera, start_time, end_time, top_score, score, data)
		VALUES (:id, :tracker_id, :label, :camera, :start_time, :end_time, :top_score, :score, :data)
		ON CONFLICT(id) DO NOTHING`, e)
	if err != nil {
		return fmt.Errorf("store: create event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent fetches an Event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (Event, error) {
	var e Event
	err := s.db.GetContext(ctx, &e, `SELECT * FROM events WHERE id = ?`, id)
	if err != nil {
		return Event{}, fmt.Errorf("store: get event %s: %w", id, err)
	}
	return e, nil
}

// ListEventsByCamera returns events for camera ordered by start_time descending.
func (s *Store) ListEventsByCamera(ctx context.Context, camera string, limit int) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM events WHERE camera = ? ORDER BY start_time DESC LIMIT ?`, camera, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events for %s: %w", camera, err)
	}
	return events, nil
}

// CreateRecording inserts a new Recording row within a transaction; any
// error rolls the transaction back (spec.md §7 persistence failure policy).
func (s *Store) CreateRecording(ctx context.Context, r Recording) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO recordings (id, camera, event_id, video_path, thumb_path, start_time, end_time, duration_ms)
		VALUES (:id, :camera, :event_id, :video_path, :thumb_path, :start_time, :end_time, :duration_ms)`, r); err != nil {
		return fmt.Errorf("store: create recording %s: %w", r.ID, err)
	}
	return tx.Commit()
}

// ListRecordingsByEvent returns recordings tied to eventID.
func (s *Store) ListRecordingsByEvent(ctx context.Context, eventID string) ([]Recording, error) {
	var recs []Recording
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM recordings WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("store: list recordings for event %s: %w", eventID, err)
	}
	return recs, nil
}

// UpsertRegion creates or replaces a named region.
func (s *Store) UpsertRegion(ctx context.Context, r Region) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO regions (id, camera, name, points) VALUES (:id, :camera, :name, :points)
		ON CONFLICT(id) DO UPDATE SET camera=excluded.camera, name=excluded.name, points=excluded.points`, r)
	if err != nil {
		return fmt.Errorf("store: upsert region %s: %w", r.ID, err)
	}
	return nil
}

// RecordTimelineBucket increments the event_count/motion_seconds for the
// (camera, bucketStart) minute bucket, creating it if absent.
func (s *Store) RecordTimelineBucket(ctx context.Context, camera string, bucketStart time.Time, events int, motionSeconds float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_buckets (camera, bucket_start, event_count, motion_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(camera, bucket_start) DO UPDATE SET
			event_count = event_count + excluded.event_count,
			motion_seconds = motion_seconds + excluded.motion_seconds`,
		camera, bucketStart, events, motionSeconds)
	if err != nil {
		return fmt.Errorf("store: record timeline bucket %s/%s: %w", camera, bucketStart, err)
	}
	return nil
}

// CreateExport queues a clip export job.
func (s *Store) CreateExport(ctx context.Context, e Export) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO exports (id, event_id, status, output_path) VALUES (:id, :event_id, :status, :output_path)`, e)
	if err != nil {
		return fmt.Errorf("store: create export %s: %w", e.ID, err)
	}
	return nil
}
