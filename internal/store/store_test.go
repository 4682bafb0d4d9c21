package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apss.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetEvent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Truncate(time.Second)
	end := start.Add(10 * time.Second)
	e := Event{
		ID: "2026-01-01T00-00-00Z-abc123", TrackerID: 5, Label: "car", Camera: "front_door",
		StartTime: start, EndTime: end, TopScore: 0.95, Score: 0.8, Data: `[]`,
	}
	require.NoError(t, s.CreateEvent(ctx, e))

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.Label, got.Label)
	require.Equal(t, e.TrackerID, got.TrackerID)
}

// TestCreateEventIdempotent covers spec.md §8's round-trip property: finalizing
// (creating) the same event id twice persists exactly one row.
func TestCreateEventIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	e := Event{ID: "dup-id", Label: "person", Camera: "lobby", StartTime: time.Now(), EndTime: time.Now(), Data: `[]`}

	require.NoError(t, s.CreateEvent(ctx, e))
	require.NoError(t, s.CreateEvent(ctx, e))

	events, err := s.ListEventsByCamera(ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCreateRecording(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	event := Event{ID: "evt-1", Camera: "lobby", StartTime: time.Now(), EndTime: time.Now(), Data: `[]`}
	require.NoError(t, s.CreateEvent(ctx, event))

	rec := Recording{
		ID: "lobby_2026", Camera: "lobby", EventID: event.ID,
		VideoPath: "/rec/lobby/clip.mkv", ThumbPath: "/thumb/lobby/clip.jpg",
		StartTime: time.Now(), EndTime: time.Now().Add(5 * time.Second), DurationMs: 5000,
	}
	require.NoError(t, s.CreateRecording(ctx, rec))

	recs, err := s.ListRecordingsByEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, rec.VideoPath, recs[0].VideoPath)
}

func TestRecordTimelineBucketAccumulates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	bucket := time.Now().Truncate(time.Minute)

	require.NoError(t, s.RecordTimelineBucket(ctx, "lobby", bucket, 1, 12.5))
	require.NoError(t, s.RecordTimelineBucket(ctx, "lobby", bucket, 2, 7.5))

	var got TimelineBucket
	err := s.db.GetContext(ctx, &got, `SELECT * FROM timeline_buckets WHERE camera = ? AND bucket_start = ?`, "lobby", bucket)
	require.NoError(t, err)
	require.Equal(t, 3, got.EventCount)
	require.InDelta(t, 20.0, got.MotionSeconds, 1e-9)
}

func TestCreateExport(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	event := Event{ID: "evt-2", Camera: "lobby", StartTime: time.Now(), EndTime: time.Now(), Data: `[]`}
	require.NoError(t, s.CreateEvent(ctx, event))
	require.NoError(t, s.CreateExport(ctx, Export{ID: "exp-1", EventID: event.ID, Status: "queued", OutputPath: "/export/exp-1.mkv"}))
}
