package main

import (
	"errors"
	"fmt"

	"github.com/apss-video/apss/internal/capture"
	"github.com/apss-video/apss/internal/config"
	"github.com/apss-video/apss/internal/detect"
	"github.com/apss-video/apss/internal/ocr"
)

// Model inference, H.264/H.265 pixel decode, and the PaddleOCR-style det/
// cls/rec engine are external collaborators specified only at their
// interface (spec.md's Out of scope list): this module owns the pipeline
// that drives them, not their implementations. newModel, newPixelDecoder
// and newOCREngine are the seams a deployment wires a concrete backend
// into. Left unset, a newModel or newOCREngine failure is logged and the
// detection or OCR stage it feeds stays inert while the rest runs; a
// newPixelDecoder failure makes startCamera return an error, so no camera
// pipeline starts.
var (
	errNoModelBackend        = errors.New("apss: no ONNX inference backend wired")
	errNoPixelDecoderBackend = errors.New("apss: no H.264/H.265 pixel decoder backend wired")
	errNoOCREngineBackend    = errors.New("apss: no OCR engine backend wired")
)

// newModel constructs the detect.Model collaborator for one configured
// predictor (its ONNX session, execution provider, tensor IO). Unset by
// default; a deployment overrides this in an init() or before calling
// main's wiring to plug in a real ONNX runtime.
var newModel = func(p config.Predictor) (detect.Model, error) {
	return nil, fmt.Errorf("%w: model %s", errNoModelBackend, p.Model.Path)
}

// newPixelDecoder constructs the capture.PixelDecoder collaborator that
// turns one compressed access unit into a decoded image. codecID is
// currently always "h264"; internal/capture/h264sps.go already parses
// SPS/keyframe boundaries, it just has nowhere to send pixels without a
// real decode backend.
var newPixelDecoder = func(codecID string) (capture.PixelDecoder, error) {
	return nil, fmt.Errorf("%w: codec %s", errNoPixelDecoderBackend, codecID)
}

// newOCREngine constructs the ocr.Engine collaborator (detection,
// classification, recognition models).
var newOCREngine = func() (ocr.Engine, error) {
	return nil, errNoOCREngineBackend
}
