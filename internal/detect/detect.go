// Package detect implements ObjectDetectorSession and
// KeypointDetectorSession (spec.md §4.5/§4.9): shared, per-model sessions
// that batch frames across cameras, run inference through the Model
// external collaborator, and wake the owning CameraProcessor when done.
package detect

import (
	"context"
	"log/slog"

	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/queue"
)

// Model is the external ONNX-runtime inference collaborator; its internals
// (allocator/memory context, tensor IO) are out of scope. Predict takes a
// batch of images and returns one Prediction list per input image, aligned
// by index.
type Model interface {
	Predict(ctx context.Context, images [][]byte) ([][]frame.Prediction, error)
}

// Notifier wakes the CameraProcessor blocked on a given camera's condition
// variable once its frame has been annotated. Modeled as an interface
// (Design Notes: "avoid implicit global access inside components") so
// tests can inject a stub instead of a real per-camera wait map.
type Notifier interface {
	Notify(cameraID string)
}

// ObjectKind annotates which prediction list field a session writes;
// ObjectDetectorSession replaces the frame's prediction list,
// KeypointDetectorSession appends to it.
type ObjectKind int

const (
	// Objects marks the primary object-detector session (replace).
	Objects ObjectKind = iota
	// Keypoints marks the keypoint-detector session (append/displace).
	Keypoints
)

// Session is one configured model's batching/dispatch loop, shared across
// every camera that feeds frames into its InQueue.
type Session struct {
	kind       ObjectKind
	model      Model
	notifier   Notifier
	inQueue    *queue.Bounded[*frame.Frame]
	maxBatch   int
	confThresh float64
	voi        map[string]struct{} // vehicles-of-interest, Keypoints-only filter
	log        *slog.Logger
}

// Config configures a Session.
type Config struct {
	Kind               ObjectKind
	Model              Model
	Notifier           Notifier
	InQueue            *queue.Bounded[*frame.Frame]
	MaxBatchSize       int
	ConfidenceThresh   float64  // Keypoints: post-filter on pred.Confidence
	VehiclesOfInterest []string // Keypoints: className + HasDeltas gate
	Log                *slog.Logger
}

// New creates a Session from cfg.
func New(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	voi := make(map[string]struct{}, len(cfg.VehiclesOfInterest))
	for _, c := range cfg.VehiclesOfInterest {
		voi[c] = struct{}{}
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Session{
		kind:       cfg.Kind,
		model:      cfg.Model,
		notifier:   cfg.Notifier,
		inQueue:    cfg.InQueue,
		maxBatch:   maxBatch,
		confThresh: cfg.ConfidenceThresh,
		voi:        voi,
		log:        log.With("component", "detector-session"),
	}
}

// Run blocks, draining InQueue until ctx is canceled or the queue is
// aborted: accumulate a batch until either max_batch_size is reached or the
// queue is momentarily empty (spec.md §4.5 step 1), then dispatch it.
// Canceling ctx aborts InQueue, so a blocked Pop returns.
func (s *Session) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.inQueue.Abort()
		case <-stop:
		}
	}()

	for {
		batch, ok := s.collectBatch(ctx)
		if !ok {
			return ctx.Err()
		}
		if len(batch) == 0 {
			continue
		}
		s.dispatch(ctx, batch)
	}
}

func (s *Session) collectBatch(ctx context.Context) ([]*frame.Frame, bool) {
	batch := make([]*frame.Frame, 0, s.maxBatch)

	f, err := s.inQueue.Pop()
	if err != nil {
		return nil, false
	}
	batch = append(batch, f)

	for len(batch) < s.maxBatch {
		select {
		case <-ctx.Done():
			return batch, true
		default:
		}
		next, ok := s.inQueue.TryPop()
		if !ok {
			break
		}
		batch = append(batch, next)
	}
	return batch, true
}

func (s *Session) dispatch(ctx context.Context, batch []*frame.Frame) {
	live := make([]*frame.Frame, 0, len(batch))
	images := make([][]byte, 0, len(batch))
	for _, f := range batch {
		if f.HasExpired() {
			continue
		}
		live = append(live, f)
		images = append(images, matBytes(f))
	}
	if len(live) == 0 {
		return
	}

	results, err := s.model.Predict(ctx, images)
	if err != nil {
		s.log.Error("inference failed, skipping batch", "count", len(live), "error", err)
		for _, f := range live {
			s.finish(f)
		}
		return
	}

	for i, f := range live {
		if i >= len(results) {
			s.finish(f)
			continue
		}
		preds := results[i]
		switch s.kind {
		case Objects:
			f.SetPredictions(preds)
		case Keypoints:
			s.applyKeypoints(f, preds)
		}
		s.finish(f)
	}
}

// applyKeypoints filters the keypoint model's predictions by confidence and
// appends the survivors to f. The model is run on the whole frame: no
// per-vehicle sub-image is cropped, and coordinates are appended as the
// model returned them, without any displacement.
func (s *Session) applyKeypoints(f *frame.Frame, preds []frame.Prediction) {
	accepted := make([]frame.Prediction, 0, len(preds))
	for _, p := range preds {
		if p.Confidence < s.confThresh {
			continue
		}
		accepted = append(accepted, p)
	}
	if len(accepted) > 0 {
		f.AppendPredictions(accepted...)
	}
}

func (s *Session) finish(f *frame.Frame) {
	f.SetHasBeenProcessed(true)
	if s.notifier != nil {
		s.notifier.Notify(f.CameraID())
	}
}

// Eligible reports whether pred should be submitted to a Keypoints session:
// className is a vehicle-of-interest and DeltaPolicy set HasDeltas.
func (s *Session) Eligible(pred frame.Prediction) bool {
	if s.kind != Keypoints {
		return true
	}
	if !pred.HasDeltas {
		return false
	}
	_, ok := s.voi[pred.ClassName]
	return ok
}

// matBytes is a placeholder image-serialization hook: real encoding
// (BGR planar bytes, letterboxing, normalization) belongs to the Model
// collaborator's own preprocessing, which is out of scope here; Session
// only needs a stable per-frame byte handle to pass through.
func matBytes(f *frame.Frame) []byte {
	img := f.Image()
	return img.ToBytes()
}
