// Package frame defines Frame, the immutable-identity carrier of decoded
// image data and mutable per-stage prediction state that flows through the
// capture -> detector -> processor -> tracked-object pipeline.
package frame

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Point is a single (x, y, visibility) keypoint, used for pose/license-plate
// corner predictions.
type Point struct {
	X, Y       float64
	Visibility float64
}

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X, Y, W, H float64
}

// Area returns the box's pixel area.
func (b Box) Area() float64 { return b.W * b.H }

// AspectRatio returns width/height, or 0 if height is 0.
func (b Box) AspectRatio() float64 {
	if b.H == 0 {
		return 0
	}
	return b.W / b.H
}

// Prediction is one detection or keypoint result attached to a Frame.
type Prediction struct {
	Box        Box
	ClassID    int
	ClassName  string
	Confidence float64
	Keypoints  []Point // optional, e.g. license-plate corners or pose joints
	Mask       []byte  // optional, raw mask bytes
	TrackerID  int     // >=0 when tracked this frame, -1 otherwise
	HasDeltas  bool    // DeltaPolicy's per-frame trigger signal
}

// OCRResult is one recognized text region produced by the OCR engine for a
// cropped prediction.
type OCRResult struct {
	Box        [4]Point // quadrilateral, in the source crop's coordinates
	Text       string
	Confidence float64
	ClsLabel   int
	ClsScore   float64
}

// Frame is the immutable-identity, mutable-annotation unit of work that
// flows through the pipeline. Identity (camera, index, image, timestamp) is
// set at construction and never changes; Predictions/OCRResults/flags are
// mutated in place by downstream stages under a reader-writer lock, per the
// "interior mutability" strategy in the Design Notes (chosen over an
// immutable-core-plus-side-table split because the pipeline is not
// fan-out-dominated: one Frame flows through one CameraProcessor).
type Frame struct {
	cameraID  string
	index     uint64
	timestamp time.Time

	mu          sync.RWMutex
	image       gocv.Mat
	predictions []Prediction
	ocrResults  []OCRResult

	hasExpired       atomic.Bool
	hasBeenProcessed atomic.Bool
}

// New constructs a Frame carrying image, owning it (the Frame is the only
// owning reference; callers must not use image after passing it in except
// via Frame's own accessors).
func New(cameraID string, index uint64, image gocv.Mat, timestamp time.Time) *Frame {
	return &Frame{
		cameraID:  cameraID,
		index:     index,
		image:     image,
		timestamp: timestamp,
	}
}

// ID returns this frame's deterministic identity string "camera_index".
func (f *Frame) ID() string { return MakeID(f.cameraID, f.index) }

// CameraID returns the owning camera's identifier.
func (f *Frame) CameraID() string { return f.cameraID }

// Index returns this frame's monotonic per-camera sequence number.
func (f *Frame) Index() uint64 { return f.index }

// Timestamp returns the wall-clock capture time.
func (f *Frame) Timestamp() time.Time { return f.timestamp }

// Image returns the decoded BGR image. Callers that need to mutate it
// independently must Clone the Frame first or clone the Mat themselves;
// Frame never exposes its image for in-place drawing (see Design Notes:
// "you aren't supposed to draw on its image").
func (f *Frame) Image() gocv.Mat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.image
}

// Predictions returns a snapshot copy of the current prediction list.
func (f *Frame) Predictions() []Prediction {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Prediction, len(f.predictions))
	copy(out, f.predictions)
	return out
}

// SetPredictions replaces the frame's prediction list.
func (f *Frame) SetPredictions(preds []Prediction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictions = preds
}

// AppendPredictions appends to the frame's prediction list, used by the
// keypoint detector stage which adds to, rather than replaces, the object
// detector's results.
func (f *Frame) AppendPredictions(preds ...Prediction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictions = append(f.predictions, preds...)
}

// OCRResults returns a snapshot copy of the current OCR results.
func (f *Frame) OCRResults() []OCRResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]OCRResult, len(f.ocrResults))
	copy(out, f.ocrResults)
	return out
}

// SetOCRResults replaces the frame's OCR result list.
func (f *Frame) SetOCRResults(results []OCRResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ocrResults = results
}

// HasExpired reports whether a downstream deadline caused this frame to be
// marked expired; subsequent stages should skip it without doing work.
func (f *Frame) HasExpired() bool { return f.hasExpired.Load() }

// SetHasExpired sets the expiry flag. Visible to any subsequent reader in
// any goroutine per atomic.Bool's release/acquire semantics.
func (f *Frame) SetHasExpired(v bool) { f.hasExpired.Store(v) }

// HasBeenProcessed reports whether the most recently dispatched detector
// stage has finished annotating this frame.
func (f *Frame) HasBeenProcessed() bool { return f.hasBeenProcessed.Load() }

// SetHasBeenProcessed sets the processed flag.
func (f *Frame) SetHasBeenProcessed(v bool) { f.hasBeenProcessed.Store(v) }

// Clone produces an independent Frame with a deep-copied image and a
// shallow copy of predictions/OCR results; mutating the clone never
// affects the original.
func (f *Frame) Clone() *Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()

	clone := &Frame{
		cameraID:  f.cameraID,
		index:     f.index,
		timestamp: f.timestamp,
		image:     f.image.Clone(),
	}
	clone.predictions = make([]Prediction, len(f.predictions))
	copy(clone.predictions, f.predictions)
	clone.ocrResults = make([]OCRResult, len(f.ocrResults))
	copy(clone.ocrResults, f.ocrResults)
	clone.hasExpired.Store(f.hasExpired.Load())
	clone.hasBeenProcessed.Store(f.hasBeenProcessed.Load())
	return clone
}

// Close releases the underlying image resources. Must be called exactly
// once, by whichever stage determines the frame is no longer needed.
func (f *Frame) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image.Close()
}

// MakeID deterministically renders a camera id and frame index to the
// canonical frame id string "camera_index".
func MakeID(cameraID string, index uint64) string {
	return fmt.Sprintf("%s_%d", cameraID, index)
}

// SplitID parses a frame id produced by MakeID. It fails iff exactly one
// underscore-delimited suffix is not present or is not an unsigned
// integer; the camera id itself may contain underscores, since the split
// point is anchored at the last underscore.
func SplitID(id string) (cameraID string, index uint64, ok bool) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 || i == len(id)-1 {
		return "", 0, false
	}
	idx, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], idx, true
}
