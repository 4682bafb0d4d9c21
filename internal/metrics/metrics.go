// Package metrics implements EventsPerSecond (a rolling throughput meter)
// and CameraMetrics (per-camera shared observable state), both exposed as
// github.com/prometheus/client_golang collectors for scraping — collection
// only, per SPEC_FULL.md §9: no HTTP handler or dashboard is wired here.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventsPerSecond is a rolling throughput meter: callers call Tick() once
// per occurrence, and Rate() reports occurrences-per-second averaged over
// the trailing window.
type EventsPerSecond struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
	gauge  prometheus.Gauge
}

// NewEventsPerSecond creates a meter with the given rolling window and
// registers a gauge under name/help with registry (pass nil to skip
// registration, e.g. in tests).
func NewEventsPerSecond(window time.Duration, name, help string, registry prometheus.Registerer) *EventsPerSecond {
	e := &EventsPerSecond{
		window: window,
		gauge:  prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help}),
	}
	if registry != nil {
		registry.MustRegister(e.gauge)
	}
	return e
}

// Tick records one occurrence at now.
func (e *EventsPerSecond) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, now)
	e.prune(now)
	e.gauge.Set(e.rateLocked(now))
}

// Rate returns the current occurrences-per-second as of now.
func (e *EventsPerSecond) Rate(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now)
	return e.rateLocked(now)
}

func (e *EventsPerSecond) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	i := 0
	for ; i < len(e.events); i++ {
		if e.events[i].After(cutoff) {
			break
		}
	}
	e.events = e.events[i:]
}

func (e *EventsPerSecond) rateLocked(now time.Time) float64 {
	if len(e.events) == 0 {
		return 0
	}
	seconds := e.window.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(len(e.events)) / seconds
}

// CameraMetrics is the per-camera shared observable state: CAS-updated
// atomics in the original source, realized here with simple mutex-guarded
// fields since Go's atomics don't offer "notify on change" — listeners
// poll Snapshot instead (Design Notes option (b): observable struct plus
// atomics).
type CameraMetrics struct {
	mu             sync.Mutex
	fps            float64
	skippedFrames  int64
	droppedFrames  int64
	fpsGauge       prometheus.Gauge
	skippedCounter prometheus.Counter
	droppedCounter prometheus.Counter
}

// Snapshot is a point-in-time copy of a CameraMetrics' fields.
type Snapshot struct {
	FPS           float64
	SkippedFrames int64
	DroppedFrames int64
}

// NewCameraMetrics creates metrics for one camera, registering three
// collectors (fps gauge, skipped/dropped counters) labeled by camera.
func NewCameraMetrics(camera string, registry prometheus.Registerer) *CameraMetrics {
	m := &CameraMetrics{
		fpsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "apss_camera_fps",
			Help:        "Decoded frames per second for this camera.",
			ConstLabels: prometheus.Labels{"camera": camera},
		}),
		skippedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "apss_camera_skipped_frames_total",
			Help:        "Frames dropped at capture due to pull-based backpressure.",
			ConstLabels: prometheus.Labels{"camera": camera},
		}),
		droppedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "apss_camera_dropped_frames_total",
			Help:        "Frames dropped downstream due to expiry or a full trackedFrameQueue.",
			ConstLabels: prometheus.Labels{"camera": camera},
		}),
	}
	if registry != nil {
		registry.MustRegister(m.fpsGauge, m.skippedCounter, m.droppedCounter)
	}
	return m
}

// SetFPS updates the observed frame rate.
func (m *CameraMetrics) SetFPS(fps float64) {
	m.mu.Lock()
	changed := m.fps != fps
	m.fps = fps
	m.mu.Unlock()
	if changed {
		m.fpsGauge.Set(fps)
	}
}

// IncSkipped records one pull-based backpressure drop.
func (m *CameraMetrics) IncSkipped() {
	m.mu.Lock()
	m.skippedFrames++
	m.mu.Unlock()
	m.skippedCounter.Inc()
}

// IncDropped records one downstream drop (expired frame or full queue).
func (m *CameraMetrics) IncDropped() {
	m.mu.Lock()
	m.droppedFrames++
	m.mu.Unlock()
	m.droppedCounter.Inc()
}

// Snapshot returns a copy of the current counters.
func (m *CameraMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{FPS: m.fps, SkippedFrames: m.skippedFrames, DroppedFrames: m.droppedFrames}
}
