// Package ocr implements OCREngine: a 3-stage (detection -> classification
// -> recognition) pipeline over cropped license-plate regions, matching
// PaddleOCR's det/cls/rec convention (spec.md §4.10). The three models
// themselves are out-of-scope external collaborators (Engine); this
// package owns only region extraction, ordering, and orientation
// correction between stages.
package ocr

import (
	"sort"

	"gocv.io/x/gocv"

	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/geom"
)

// DefaultClsThreshold is the classification-confidence floor above which
// a detected 180-degree rotation is applied before recognition.
const DefaultClsThreshold = 0.9

// DetectedRegion is one detector-stage output: an axis-aligned-in-source
// quadrilateral plus its detection confidence.
type DetectedRegion struct {
	Quad       [4]frame.Point
	Confidence float64
}

// ClassResult is one classifier-stage output: the predicted rotation label
// (0 or 180) and its confidence.
type ClassResult struct {
	Label int
	Score float64
}

// RecResult is one recognizer-stage output: CTC-decoded text and its
// confidence.
type RecResult struct {
	Text       string
	Confidence float64
}

// Engine is the external collaborator wrapping the three PaddleOCR-style
// model sessions; its internals (CTC decoding, model IO) are out of scope.
type Engine interface {
	Detect(img gocv.Mat) ([]DetectedRegion, error)
	Classify(crop gocv.Mat) (ClassResult, error)
	Recognize(crop gocv.Mat) (RecResult, error)
}

// Pipeline drives an Engine's det/cls/rec stages; its clsThreshold sets when
// a classifier's "rotated 180" verdict is honored. The zero value is
// invalid; use New to get a populated Pipeline.
type Pipeline struct {
	engine       Engine
	clsThreshold float64
}

// New creates a Pipeline driving engine, applying 180-degree correction
// only when the classifier's score exceeds clsThreshold (0 selects
// DefaultClsThreshold).
func New(engine Engine, clsThreshold float64) *Pipeline {
	if clsThreshold <= 0 {
		clsThreshold = DefaultClsThreshold
	}
	return &Pipeline{engine: engine, clsThreshold: clsThreshold}
}

// Run executes the full det -> rotate-crop -> cls -> rec pipeline over img,
// returning results sorted top-left to bottom-right (spec.md §4.10 step 1).
func (p *Pipeline) Run(img gocv.Mat) ([]frame.OCRResult, error) {
	regions, err := p.engine.Detect(img)
	if err != nil {
		return nil, err
	}
	sortTopLeftToBottomRight(regions)

	out := make([]frame.OCRResult, 0, len(regions))
	for _, region := range regions {
		crop := geom.RotateCropImage(img, region.Quad)

		cls, err := p.engine.Classify(crop)
		if err != nil {
			crop.Close()
			return nil, err
		}
		if cls.Label == 180 && cls.Score > p.clsThreshold {
			rotated := gocv.NewMat()
			gocv.Rotate(crop, &rotated, gocv.Rotate180Clockwise)
			crop.Close()
			crop = rotated
		}

		rec, err := p.engine.Recognize(crop)
		crop.Close()
		if err != nil {
			return nil, err
		}

		out = append(out, frame.OCRResult{
			Box:        region.Quad,
			Text:       rec.Text,
			Confidence: rec.Confidence,
			ClsLabel:   cls.Label,
			ClsScore:   cls.Score,
		})
	}
	return out, nil
}

func sortTopLeftToBottomRight(regions []DetectedRegion) {
	sort.SliceStable(regions, func(i, j int) bool {
		ci, cj := centroid(regions[i].Quad), centroid(regions[j].Quad)
		if ci.Y != cj.Y {
			return ci.Y < cj.Y
		}
		return ci.X < cj.X
	})
}

func centroid(quad [4]frame.Point) frame.Point {
	var sum frame.Point
	for _, p := range quad {
		sum.X += p.X
		sum.Y += p.Y
	}
	return frame.Point{X: sum.X / 4, Y: sum.Y / 4}
}
