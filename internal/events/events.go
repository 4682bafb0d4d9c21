// Package events implements TrackedObjectProcessor: it converts per-frame
// tracked predictions into discrete start/end Events and persists them
// exactly once, at finalization, per spec.md §4.11.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/store"
)

// DefaultTrackerObjectLossLimit is the Open Question decision for
// TRACKER_OBJECT_LOSS_LIMIT: 24 consecutive unseen frames (~1s at 24fps,
// the spec's documented floor).
const DefaultTrackerObjectLossLimit = 24

// historyEntry is one appended prediction for a tracked object.
type historyEntry struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	Box        frame.Box `json:"box"`
	Timestamp  time.Time `json:"timestamp"`
}

type activeEvent struct {
	id        string
	trackerID int
	camera    string
	startTime time.Time
	lastSeen  time.Time
	topScore  float64
	score     float64
	history   []historyEntry
}

// Store is the persistence port TrackedObjectProcessor depends on; it is
// satisfied by *store.Store, with a small interface here so tests can
// inject a fake instead of standing up a real database.
type Store interface {
	CreateEvent(ctx context.Context, e store.Event) error
}

// Processor holds per-camera tracked-object state. Not safe for
// concurrent use from multiple goroutines for the same camera; callers
// serialize access per camera (cmd/apss creates one Processor per camera,
// fed by that camera's trackedFrameQueue).
type Processor struct {
	camera    string
	lossLimit int
	store     Store
	log       *slog.Logger

	active    map[int]*activeEvent
	lostCount map[int]int
}

// New creates a Processor for one camera. If lossLimit is 0,
// DefaultTrackerObjectLossLimit is used. If log is nil, slog.Default() is used.
func New(camera string, lossLimit int, s Store, log *slog.Logger) *Processor {
	if lossLimit <= 0 {
		lossLimit = DefaultTrackerObjectLossLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		camera:    camera,
		lossLimit: lossLimit,
		store:     s,
		log:       log.With("component", "tracked-object-processor", "camera", camera),
		active:    make(map[int]*activeEvent),
		lostCount: make(map[int]int),
	}
}

// ActiveTrack pairs a currently active tracker id with the real Event id
// assigned to it, for RecordingsManager's frameChangedWithEvents (spec.md
// §4.12's Recording.event_id must reference an actual Event row, not an
// unrelated identifier).
type ActiveTrack struct {
	TrackerID int
	EventID   string
}

// Process consumes one frame's predictions, updating/creating/finalizing
// events as needed, and returns the set of currently active tracks
// (for RecordingsManager's frameChangedWithEvents).
func (p *Processor) Process(ctx context.Context, f *frame.Frame) []ActiveTrack {
	preds := f.Predictions()
	seen := make(map[int]bool, len(preds))
	for _, pred := range preds {
		if pred.TrackerID >= 0 {
			seen[pred.TrackerID] = true
		}
	}

	for id := range p.active {
		if seen[id] {
			p.lostCount[id] = 0
			continue
		}
		p.lostCount[id]++
		if p.lostCount[id] > p.lossLimit {
			p.finalize(ctx, id)
		}
	}

	for _, pred := range preds {
		if pred.TrackerID < 0 {
			continue
		}
		p.upsert(pred, f.Timestamp())
	}

	return p.activeTracks()
}

func (p *Processor) upsert(pred frame.Prediction, ts time.Time) {
	ev, ok := p.active[pred.TrackerID]
	entry := historyEntry{ClassName: pred.ClassName, Confidence: pred.Confidence, Box: pred.Box, Timestamp: ts}

	if !ok {
		ev = &activeEvent{
			id:        fmt.Sprintf("%s-%s", ts.UTC().Format("2006-01-02T15-04-05.000Z"), uuid.NewString()),
			trackerID: pred.TrackerID,
			camera:    p.camera,
			startTime: ts,
			topScore:  pred.Confidence,
		}
		p.active[pred.TrackerID] = ev
		p.lostCount[pred.TrackerID] = 0
	}

	ev.lastSeen = ts
	ev.score = pred.Confidence
	if pred.Confidence > ev.topScore {
		ev.topScore = pred.Confidence
	}
	ev.history = append(ev.history, entry)
}

func (p *Processor) finalize(ctx context.Context, id int) {
	ev := p.active[id]
	if ev == nil {
		return
	}
	delete(p.active, id)
	delete(p.lostCount, id)

	label := ""
	if len(ev.history) > 0 {
		label = ev.history[0].ClassName
	}
	data, err := json.Marshal(ev.history)
	if err != nil {
		p.log.Error("failed to serialize event history", "tracker_id", id, "error", err)
		data = []byte(`[]`)
	}

	record := store.Event{
		ID:        ev.id,
		TrackerID: ev.trackerID,
		Label:     label,
		Camera:    ev.camera,
		StartTime: ev.startTime,
		EndTime:   ev.lastSeen,
		TopScore:  ev.topScore,
		Score:     ev.score,
		Data:      string(data),
	}
	if err := p.store.CreateEvent(ctx, record); err != nil {
		p.log.Error("failed to persist finalized event", "tracker_id", id, "event_id", ev.id, "error", err)
	}
}

func (p *Processor) activeTracks() []ActiveTrack {
	tracks := make([]ActiveTrack, 0, len(p.active))
	for id, ev := range p.active {
		tracks = append(tracks, ActiveTrack{TrackerID: id, EventID: ev.id})
	}
	return tracks
}

// Flush finalizes every currently active event, e.g. on shutdown.
func (p *Processor) Flush(ctx context.Context) {
	for id := range p.active {
		p.finalize(ctx, id)
	}
}
