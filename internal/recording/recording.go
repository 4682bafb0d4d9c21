// Package recording implements RecordingsManager and its per-object
// remuxer pool (spec.md §4.12): on every frameChangedWithEvents signal it
// opens one Matroska output per newly active tracker id and closes the
// output for any id that dropped out of the active set, persisting a
// store.Recording on close. Remuxing never decodes nor re-encodes; it only
// rescales timestamps and copies packet bytes, per PerObjectRemuxer.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apss-video/apss/internal/mkv"
	"github.com/apss-video/apss/internal/ringbuffer"
	"github.com/apss-video/apss/internal/store"
)

// recordingIDTimeLayout matches the layout events.Processor stamps onto
// its own generated event ids, so Recording.ID ("camera_starttime" per
// spec.md §3) and Event.ID sort consistently on the wall-clock axis.
const recordingIDTimeLayout = "2006-01-02T15-04-05.000Z"

// PacketSource is the capture-side collaborator a Manager subscribes to
// for one camera's compressed packets; satisfied by *capture.Capture.
type PacketSource interface {
	SubscribePackets() (<-chan ringbuffer.Packet, func())
	TimeBase() time.Duration
	// Resolution returns the input stream's native decoded resolution and
	// whether it has been observed yet (an SPS NAL unit must have been
	// parsed first). ok is false until then.
	Resolution() (width, height int, ok bool)
}

// ActiveTrack pairs a currently active tracker id with the real Event id
// TrackedObjectProcessor assigned it (events.ActiveTrack mirrored here so
// this package does not import internal/events for one small struct).
type ActiveTrack struct {
	TrackerID int
	EventID   string
}

// RingSource is the GOP-rewind collaborator; satisfied by *ringbuffer.Ring.
type RingSource interface {
	ExtractAll() []ringbuffer.Packet
}

// Store is the persistence port Manager depends on for finalized
// recordings; satisfied by *store.Store.
type Store interface {
	CreateRecording(ctx context.Context, r store.Recording) error
}

// remuxer is one pool worker's state: one assigned tracker id, one open
// Matroska file, and the goroutine pumping packets from the camera's
// subscription channel into it.
type remuxer struct {
	trackerID   int
	id          string
	eventID     string
	path        string
	startTime   time.Time
	endTime     time.Time
	file        *os.File
	writer      *mkv.Writer
	ch          <-chan ringbuffer.Packet
	unsubscribe func()
	done        chan struct{}

	startPTS int64
	havePTS  bool
}

// Manager runs one camera's remuxer pool. A new remuxer is spawned (as a
// goroutine backed by a buffered channel from PacketSource.SubscribePackets)
// for every tracker id that becomes active; it is torn down, and its
// Recording persisted, once the id drops out of the active set.
type Manager struct {
	camera    string
	recordDir string
	track     mkv.VideoTrack
	capture   PacketSource
	ring      RingSource
	store     Store
	log       *slog.Logger

	mu       sync.Mutex
	remuxers map[int]*remuxer
}

// New creates a Manager for one camera. track describes the codec/
// resolution every remuxer's output copies verbatim from the camera's
// input stream. ring may be nil to disable GOP rewind.
func New(camera, recordDir string, track mkv.VideoTrack, capture PacketSource, ring RingSource, s Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		camera:    camera,
		recordDir: recordDir,
		track:     track,
		capture:   capture,
		ring:      ring,
		store:     s,
		log:       log.With("component", "recordings-manager", "camera", camera),
		remuxers:  make(map[int]*remuxer),
	}
}

// FrameChangedWithEvents implements spec.md §4.12's frameChangedWithEvents
// handler: assign remuxers to newly active tracks and close remuxers for
// ids that are no longer active, using ts as both the new remuxer's
// start_time and the closing remuxer's end_time.
func (m *Manager) FrameChangedWithEvents(ctx context.Context, ts time.Time, activeTracks []ActiveTrack) {
	active := make(map[int]bool, len(activeTracks))
	for _, t := range activeTracks {
		active[t.TrackerID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range activeTracks {
		if _, ok := m.remuxers[t.TrackerID]; ok {
			continue
		}
		rx, err := m.open(t.TrackerID, t.EventID, ts)
		if err != nil {
			m.log.Error("failed to open remuxer", "tracker_id", t.TrackerID, "error", err)
			continue
		}
		m.remuxers[t.TrackerID] = rx
		go m.pump(rx)
	}

	for id, rx := range m.remuxers {
		if active[id] {
			continue
		}
		rx.endTime = ts
		rx.unsubscribe()
		delete(m.remuxers, id)
	}
}

// open assigns a free remuxer to id: picks an output path per spec.md's
// {RECORD_DIR}/{yyyy-MM-dd}/{HH}/{camera}/{mm.ss.zzz}_{id}.mkv layout,
// writes the Matroska header, and optionally prepends the camera's
// PacketRingBuffer contents to cover the GOP leading up to event start.
// eventID is the real events.Processor-assigned id for trackerID.
func (m *Manager) open(trackerID int, eventID string, ts time.Time) (*remuxer, error) {
	path := m.outputPath(trackerID, ts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recording: create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create output file: %w", err)
	}

	writer := mkv.New(f, m.outputTrack())
	if err := writer.WriteHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("recording: write header: %w", err)
	}

	ch, unsubscribe := m.capture.SubscribePackets()
	rx := &remuxer{
		trackerID:   trackerID,
		id:          fmt.Sprintf("%s_%s", m.camera, ts.UTC().Format(recordingIDTimeLayout)),
		eventID:     eventID,
		path:        path,
		startTime:   ts,
		file:        f,
		writer:      writer,
		ch:          ch,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}

	if m.ring != nil {
		for _, pkt := range m.ring.ExtractAll() {
			if err := m.writePacket(rx, pkt); err != nil {
				m.log.Warn("failed to write GOP rewind packet", "tracker_id", trackerID, "error", err)
			}
		}
	}

	return rx, nil
}

// outputTrack returns the VideoTrack every new remuxer's Matroska header
// is written with: width/height come from the capture's SPS-derived
// resolution once observed, falling back to the camera's configured
// approximation (m.track) until the first SPS NAL unit has been parsed.
func (m *Manager) outputTrack() mkv.VideoTrack {
	track := m.track
	if w, h, ok := m.capture.Resolution(); ok {
		track.Width, track.Height = w, h
	}
	return track
}

func (m *Manager) outputPath(trackerID int, ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(
		m.recordDir,
		ts.Format("2006-01-02"),
		ts.Format("15"),
		m.camera,
		fmt.Sprintf("%s_%d.mkv", ts.Format("04.05.000"), trackerID),
	)
}

// pump drains rx's subscription channel into its Matroska writer until the
// channel is closed by unsubscribe, then finalizes the output and persists
// a Recording row.
func (m *Manager) pump(rx *remuxer) {
	defer close(rx.done)

	for pkt := range rx.ch {
		if err := m.writePacket(rx, pkt); err != nil {
			m.log.Error("failed to write packet", "tracker_id", rx.trackerID, "error", err)
		}
	}

	if err := rx.writer.Close(); err != nil {
		m.log.Error("failed to close remuxer", "tracker_id", rx.trackerID, "error", err)
	}
	if err := rx.file.Close(); err != nil {
		m.log.Error("failed to close output file", "tracker_id", rx.trackerID, "error", err)
	}

	rec := store.Recording{
		ID:         rx.id,
		Camera:     m.camera,
		EventID:    rx.eventID,
		VideoPath:  rx.path,
		StartTime:  rx.startTime,
		EndTime:    rx.endTime,
		DurationMs: rx.endTime.Sub(rx.startTime).Milliseconds(),
	}
	if err := m.store.CreateRecording(context.Background(), rec); err != nil {
		m.log.Error("failed to persist recording", "tracker_id", rx.trackerID, "path", rx.path, "error", err)
	}
}

// writePacket rescales pkt's PTS to the remuxer-local millisecond timeline
// (zero-based at the remuxer's first written packet) and writes it.
func (m *Manager) writePacket(rx *remuxer, pkt ringbuffer.Packet) error {
	if !rx.havePTS {
		rx.startPTS = pkt.PTS
		rx.havePTS = true
	}
	timeBase := m.capture.TimeBase()
	ptsMs := int64(time.Duration(pkt.PTS-rx.startPTS) * timeBase / time.Millisecond)
	return rx.writer.WritePacket(pkt.Data, ptsMs, pkt.Keyframe)
}

// Close finalizes every outstanding remuxer, e.g. on shutdown, and waits
// for each to finish flushing and persisting before returning.
func (m *Manager) Close(ts time.Time) {
	m.mu.Lock()
	pending := make([]*remuxer, 0, len(m.remuxers))
	for id, rx := range m.remuxers {
		rx.endTime = ts
		rx.unsubscribe()
		pending = append(pending, rx)
		delete(m.remuxers, id)
	}
	m.mu.Unlock()

	for _, rx := range pending {
		<-rx.done
	}
}
