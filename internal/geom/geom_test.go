package geom

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/apss-video/apss/internal/frame"
)

func TestIoUIdenticalBoxes(t *testing.T) {
	t.Parallel()
	b := frame.Box{X: 0, Y: 0, W: 10, H: 10}
	require.InDelta(t, 1.0, IoU(b, b), 1e-9)
}

func TestIoUDisjointBoxes(t *testing.T) {
	t.Parallel()
	a := frame.Box{X: 0, Y: 0, W: 10, H: 10}
	b := frame.Box{X: 100, Y: 100, W: 10, H: 10}
	require.Zero(t, IoU(a, b))
}

func TestIoUPartialOverlap(t *testing.T) {
	t.Parallel()
	a := frame.Box{X: 0, Y: 0, W: 10, H: 10}
	b := frame.Box{X: 5, Y: 0, W: 10, H: 10}
	// intersection 5x10=50, union 200-50=150
	require.InDelta(t, 50.0/150.0, IoU(a, b), 1e-9)
}

func TestNMSRemovesOverlaps(t *testing.T) {
	t.Parallel()
	boxes := []frame.Box{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 1, Y: 1, W: 10, H: 10}, // heavily overlaps box 0
		{X: 100, Y: 100, W: 10, H: 10},
	}
	scores := []float64{0.9, 0.8, 0.95}
	kept := NMS(boxes, scores, 0.5)
	require.Equal(t, []int{2, 0}, kept)
}

func TestCropBoxClampsToImageBounds(t *testing.T) {
	t.Parallel()
	img := gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
	defer img.Close()

	crop := CropBox(img, frame.Box{X: 80, Y: -10, W: 40, H: 40})
	defer crop.Close()

	require.Equal(t, 20, crop.Cols())
	require.Equal(t, 30, crop.Rows())
}

func TestCostMatrixShape(t *testing.T) {
	t.Parallel()
	tracks := []frame.Box{{X: 0, Y: 0, W: 10, H: 10}, {X: 20, Y: 20, W: 10, H: 10}}
	dets := []frame.Box{{X: 0, Y: 0, W: 10, H: 10}}
	m := CostMatrix(tracks, dets)
	require.Len(t, m, 2)
	require.Len(t, m[0], 1)
	require.InDelta(t, 0.0, m[0][0], 1e-9)
	require.InDelta(t, 1.0, m[1][0], 1e-9)
}
