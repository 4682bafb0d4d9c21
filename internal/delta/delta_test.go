package delta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apss-video/apss/internal/frame"
)

// TestMinAreaGate covers spec.md §8 scenario 4: of two cars with box areas
// 10,000 and 20,000 px^2 (MinArea = 15,625), only the larger has_deltas on
// first sighting.
func TestMinAreaGate(t *testing.T) {
	t.Parallel()
	p := New(30)
	preds := []frame.Prediction{
		{TrackerID: 1, Box: frame.Box{W: 100, H: 100}},  // area 10000
		{TrackerID: 2, Box: frame.Box{W: 200, H: 100}}, // area 20000
	}
	p.Apply(preds, 1)

	require.False(t, preds[0].HasDeltas)
	require.True(t, preds[1].HasDeltas)
}

func TestAspectRatioGate(t *testing.T) {
	t.Parallel()
	p := New(30)
	preds := []frame.Prediction{
		{TrackerID: 1, Box: frame.Box{W: 500, H: 100}}, // area 50000, aspect 5 > 2.5
	}
	p.Apply(preds, 1)
	require.False(t, preds[0].HasDeltas)
}

// TestGrowthRetriggersThenShrinkUntriggers exercises spec.md §8's universal
// property: a strictly increasing-by->=10%-between-triggers area sequence
// triggers every time the condition holds, and a subsequent <=20% shrink
// untriggers before any re-trigger.
func TestGrowthRetriggersThenShrinkUntriggers(t *testing.T) {
	t.Parallel()
	p := New(30)

	areas := []float64{20000, 22000, 24200} // each a 10% increase
	for i, area := range areas {
		side := sqrtArea(area)
		preds := []frame.Prediction{{TrackerID: 1, Box: frame.Box{W: side, H: side}}}
		p.Apply(preds, uint64(i+1))
		require.Truef(t, preds[0].HasDeltas, "expected trigger at area %v", area)
	}

	// Shrink by more than 20% relative to the last triggered area: untrigger.
	shrunk := areas[len(areas)-1] * 0.7
	side := sqrtArea(shrunk)
	preds := []frame.Prediction{{TrackerID: 1, Box: frame.Box{W: side, H: side}}}
	p.Apply(preds, 4)
	require.False(t, preds[0].HasDeltas)

	// Growing back up from the untriggered baseline retriggers.
	regrown := shrunk * 1.2
	side = sqrtArea(regrown)
	preds = []frame.Prediction{{TrackerID: 1, Box: frame.Box{W: side, H: side}}}
	p.Apply(preds, 5)
	require.True(t, preds[0].HasDeltas)
}

func TestGarbageCollectsStaleEntries(t *testing.T) {
	t.Parallel()
	p := New(5)
	preds := []frame.Prediction{{TrackerID: 1, Box: frame.Box{W: 200, H: 100}}}
	p.Apply(preds, 1)
	require.Equal(t, 1, p.Len())

	p.Apply(nil, 10) // 9 frames later, beyond track_buffer=5
	require.Equal(t, 0, p.Len())
}

func TestUntrackedPredictionsIgnored(t *testing.T) {
	t.Parallel()
	p := New(30)
	preds := []frame.Prediction{{TrackerID: -1, Box: frame.Box{W: 200, H: 200}}}
	p.Apply(preds, 1)
	require.False(t, preds[0].HasDeltas)
	require.Equal(t, 0, p.Len())
}

func sqrtArea(area float64) float64 {
	return math.Sqrt(area)
}
