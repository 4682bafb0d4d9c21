// Package geom implements pure geometry helpers (IoU, NMS, perspective
// crop) used by the tracker and OCR stages. These are deliberately free of
// any particular image library's object model beyond the minimal
// gocv.Mat crop/warp calls, so their numeric correctness is testable with
// synthetic inputs (Design Notes: "ship as pure functions over arrays").
package geom

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"github.com/apss-video/apss/internal/frame"
)

// IoU returns the intersection-over-union of two axis-aligned boxes in
// [0, 1].
func IoU(a, b frame.Box) float64 {
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H

	ix1, iy1 := max(a.X, b.X), max(a.Y, b.Y)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CostMatrix returns an NxM matrix of (1 - IoU) pairwise costs between
// tracks and detections, suitable as a Munkres/Hungarian assignment input:
// lower cost means better match, and pairs with zero IoU are assigned a
// cost of 1 (no association benefit).
func CostMatrix(tracks, detections []frame.Box) [][]float64 {
	cost := make([][]float64, len(tracks))
	for i, t := range tracks {
		row := make([]float64, len(detections))
		for j, d := range detections {
			row[j] = 1 - IoU(t, d)
		}
		cost[i] = row
	}
	return cost
}

// NMS runs greedy non-maximum suppression over boxes (already filtered to
// one class), sorted by descending confidence, removing any box whose IoU
// with a higher-scoring already-kept box exceeds iouThreshold. Returns the
// indices (into boxes/scores) that survive, in descending-score order.
func NMS(boxes []frame.Box, scores []float64, iouThreshold float64) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	kept := make([]int, 0, len(order))
	suppressed := make([]bool, len(boxes))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if IoU(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// CropBox crops img to box, clamping to the image bounds. The returned Mat
// is an independent copy (safe to use after img is released).
func CropBox(img gocv.Mat, box frame.Box) gocv.Mat {
	w, h := img.Cols(), img.Rows()
	x1 := clampInt(int(box.X), 0, w)
	y1 := clampInt(int(box.Y), 0, h)
	x2 := clampInt(int(box.X+box.W), x1, w)
	y2 := clampInt(int(box.Y+box.H), y1, h)

	rect := gocv.NewRect(x1, y1, x2-x1, y2-y1)
	region := img.Region(rect)
	defer region.Close()
	return region.Clone()
}

// RotateCropImage extracts a quadrilateral text region via a perspective
// warp into an axis-aligned crop, then rotates 90 degrees clockwise if the
// resulting crop's height is at least 1.5x its width — matching
// the PaddleOCR detector's "get_rotate_crop_image" convention of always
// producing landscape-oriented crops for the recognizer.
func RotateCropImage(img gocv.Mat, quad [4]frame.Point) gocv.Mat {
	width := math.Max(dist(quad[0], quad[1]), dist(quad[2], quad[3]))
	height := math.Max(dist(quad[0], quad[3]), dist(quad[1], quad[2]))
	w, h := int(width), int(height)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	src := gocv.NewPointVector2f([]gocv.Point2f{
		{X: float32(quad[0].X), Y: float32(quad[0].Y)},
		{X: float32(quad[1].X), Y: float32(quad[1].Y)},
		{X: float32(quad[2].X), Y: float32(quad[2].Y)},
		{X: float32(quad[3].X), Y: float32(quad[3].Y)},
	})
	defer src.Close()
	dst := gocv.NewPointVector2f([]gocv.Point2f{
		{X: 0, Y: 0}, {X: float32(w), Y: 0}, {X: float32(w), Y: float32(h)}, {X: 0, Y: float32(h)},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspective(img, &warped, m, image.Point{X: w, Y: h})

	if float64(h)/float64(w) >= 1.5 {
		rotated := gocv.NewMat()
		gocv.Rotate(warped, &rotated, gocv.Rotate90Clockwise)
		warped.Close()
		return rotated
	}
	return warped
}

func dist(a, b frame.Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
