// Package processor implements CameraProcessor (spec.md §4.8): the
// per-camera orchestrator that pulls a frame from capture, dispatches it to
// the object detector, runs the tracker and delta policy, conditionally
// dispatches to the keypoint detector and OCR, and forwards the annotated
// frame to the shared trackedFrameQueue.
package processor

import (
	"context"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/apss-video/apss/internal/delta"
	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/geom"
	"github.com/apss-video/apss/internal/metrics"
	"github.com/apss-video/apss/internal/ocr"
	"github.com/apss-video/apss/internal/queue"
	"github.com/apss-video/apss/internal/track"
)

// DefaultPushBasedTimeout and DefaultPullBasedTimeout match spec.md §6's
// configuration defaults.
const (
	DefaultPushBasedTimeout = 100 * time.Millisecond
	DefaultPullBasedTimeout = 20 * time.Millisecond
)

// ObjectFilter narrows a frame's raw detector predictions before tracking:
// class-specific min/max area, aspect ratio and confidence threshold
// (spec.md §6's objects.filters schema). Returning false drops the
// prediction.
type ObjectFilter func(p frame.Prediction) bool

// ClassSet is a small membership-test helper for configured class lists
// (license_plate_classes, track-set membership is owned by track.Tracker
// itself).
type ClassSet map[string]struct{}

// NewClassSet builds a ClassSet from a class name list.
func NewClassSet(classes []string) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c] = struct{}{}
	}
	return s
}

// Has reports class membership.
func (s ClassSet) Has(class string) bool {
	_, ok := s[class]
	return ok
}

// Config configures one camera's CameraProcessor.
type Config struct {
	CameraID string

	PushBased        bool // false selects pull-based backpressure
	PushBasedTimeout time.Duration
	PullBasedTimeout time.Duration

	ObjectDetectorQueue   *queue.Bounded[*frame.Frame]
	KeypointDetectorQueue *queue.Bounded[*frame.Frame] // nil if lpr disabled
	TrackedFrameQueue     *queue.Bounded[*frame.Frame]

	ObjectFilter        ObjectFilter
	LicensePlateClasses ClassSet

	Tracker *track.Tracker
	Delta   *delta.Policy
	OCR     *ocr.Pipeline // nil if lpr disabled

	Metrics *metrics.CameraMetrics
	Log     *slog.Logger
}

// Processor runs one camera's per-frame orchestration loop.
type Processor struct {
	cfg          Config
	log          *slog.Logger
	frameCounter uint64
	objWait      *frameWait
	kptWait      *frameWait
}

// New creates a Processor from cfg, applying documented defaults for zero
// timeouts.
func New(cfg Config) *Processor {
	if cfg.PushBasedTimeout <= 0 {
		cfg.PushBasedTimeout = DefaultPushBasedTimeout
	}
	if cfg.PullBasedTimeout <= 0 {
		cfg.PullBasedTimeout = DefaultPullBasedTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		log:     log.With("component", "camera-processor", "camera", cfg.CameraID),
		objWait: newFrameWait(),
		kptWait: newFrameWait(),
	}
}

// ObjectNotifier returns the detect.Notifier the object-detector session
// should wake on completion.
func (p *Processor) ObjectNotifier() interface{ Notify(string) } { return p.objWait }

// KeypointNotifier returns the detect.Notifier the keypoint-detector
// session should wake on completion.
func (p *Processor) KeypointNotifier() interface{ Notify(string) } { return p.kptWait }

// ProcessFrame runs one frame through the full pipeline (spec.md §4.8). It
// returns false if the frame was dropped at any stage.
func (p *Processor) ProcessFrame(ctx context.Context, f *frame.Frame) bool {
	if f == nil || f.HasExpired() {
		return false
	}
	p.frameCounter++

	if ok := p.predict(f, p.cfg.ObjectDetectorQueue, p.objWait); !ok {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncDropped()
		}
		return false
	}

	p.applyObjectFilterAndTrack(f)

	if p.cfg.KeypointDetectorQueue != nil && p.hasDeltaCandidate(f) {
		if ok := p.predict(f, p.cfg.KeypointDetectorQueue, p.kptWait); !ok {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.IncDropped()
			}
			return false
		}
	}

	if p.cfg.OCR != nil {
		p.runOCR(ctx, f)
	}

	if !p.cfg.TrackedFrameQueue.TryPush(f) {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncDropped()
		}
		return false
	}
	return true
}

// predict implements spec.md §4.8's predict(frame, queue) contract: push
// (blocking or best-effort depending on backpressure mode), then wait for
// the detector's notification up to the mode's timeout.
func (p *Processor) predict(f *frame.Frame, q *queue.Bounded[*frame.Frame], wait *frameWait) bool {
	f.SetHasBeenProcessed(false)

	if p.cfg.PushBased {
		if err := q.Push(f); err != nil {
			return false // queue aborted (shutdown)
		}
		if !f.HasBeenProcessed() && !wait.WaitFor(p.cfg.PushBasedTimeout) {
			p.log.Error("detector wait timed out in push-based mode, continuing with partial state", "frame", f.ID())
		}
		f.SetHasBeenProcessed(false)
		return true
	}

	if !q.TryPush(f) {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncSkipped()
		}
		p.log.Warn("dropping frame: detector queue full in pull-based mode", "frame", f.ID())
		return false
	}
	if !f.HasBeenProcessed() && !wait.WaitFor(p.cfg.PullBasedTimeout) {
		f.SetHasExpired(true)
		p.log.Warn("frame expired waiting on detector in pull-based mode", "frame", f.ID())
		f.SetHasBeenProcessed(false)
		return false
	}
	f.SetHasBeenProcessed(false)
	return true
}

func (p *Processor) applyObjectFilterAndTrack(f *frame.Frame) {
	preds := f.Predictions()
	if p.cfg.ObjectFilter != nil {
		filtered := preds[:0:0]
		for _, pr := range preds {
			if p.cfg.ObjectFilter(pr) {
				filtered = append(filtered, pr)
			}
		}
		preds = filtered
	}

	ids := p.cfg.Tracker.Track(preds)
	for i := range preds {
		preds[i].TrackerID = ids[i]
	}
	if p.cfg.Delta != nil {
		p.cfg.Delta.Apply(preds, p.frameCounter)
	}
	f.SetPredictions(preds)
}

func (p *Processor) hasDeltaCandidate(f *frame.Frame) bool {
	for _, pr := range f.Predictions() {
		if pr.TrackerID >= 0 && pr.HasDeltas {
			return true
		}
	}
	return false
}

// runOCR implements spec.md §4.8 step 6: crop every license-plate-class
// prediction via its keypoints and run the OCR pipeline, assigning the
// aggregated results to the frame.
func (p *Processor) runOCR(ctx context.Context, f *frame.Frame) {
	preds := f.Predictions()
	var results []frame.OCRResult
	img := f.Image()

	for _, pr := range preds {
		if !p.cfg.LicensePlateClasses.Has(pr.ClassName) || len(pr.Keypoints) < 4 {
			continue
		}
		var quad [4]frame.Point
		for i := 0; i < 4; i++ {
			quad[i] = frame.Point{X: pr.Keypoints[i].X, Y: pr.Keypoints[i].Y}
		}
		crop := geom.RotateCropImage(img, quad)
		out, err := p.cfg.OCR.Run(crop)
		crop.Close()
		if err != nil {
			p.log.Warn("ocr pipeline failed for prediction crop", "frame", f.ID(), "error", err)
			continue
		}
		results = append(results, out...)
	}
	if len(results) > 0 {
		f.SetOCRResults(results)
	}
}
