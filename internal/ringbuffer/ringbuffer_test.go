package ringbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSumDurationBounded verifies spec.md §8: after any sequence of
// pushes, sum(duration) <= duration_limit + duration_of_last_pushed.
func TestSumDurationBounded(t *testing.T) {
	t.Parallel()
	const timeBase = time.Millisecond // 1 tick = 1ms
	r := New(2 * time.Second)         // limit = 2000 ticks

	var lastDur int64
	for i := int64(0); i < 500; i++ {
		pkt := Packet{PTS: i * 100, Duration: 100, Keyframe: i%30 == 0}
		lastDur = pkt.Duration
		r.Push(pkt, timeBase)
	}

	limitTicks := int64(2 * time.Second / timeBase)
	require.LessOrEqual(t, r.TotalDuration(), limitTicks+lastDur)
}

func TestExtractAllReturnsIndependentClones(t *testing.T) {
	t.Parallel()
	r := New(2 * time.Second)
	r.Push(Packet{Data: []byte{1, 2, 3}, PTS: 0, Duration: 100}, time.Millisecond)

	clones := r.ExtractAll()
	require.Len(t, clones, 1)
	clones[0].Data[0] = 99

	again := r.ExtractAll()
	require.Equal(t, byte(1), again[0].Data[0])
}

func TestPushEstimatesDurationFromPTSDelta(t *testing.T) {
	t.Parallel()
	r := New(2 * time.Second)
	r.Push(Packet{PTS: 0}, time.Millisecond)
	r.Push(Packet{PTS: 40}, time.Millisecond)

	all := r.ExtractAll()
	require.Len(t, all, 2)
	require.Equal(t, int64(40), all[1].Duration)
}

func TestOldestEvictedFirst(t *testing.T) {
	t.Parallel()
	r := New(100 * time.Millisecond) // limit = 100 ticks at 1ms/tick
	for i := 0; i < 5; i++ {
		r.Push(Packet{PTS: int64(i) * 60, Duration: 60}, time.Millisecond)
	}
	all := r.ExtractAll()
	require.LessOrEqual(t, len(all), 3)
	// oldest retained packet must be the most recently pushed ones.
	require.Equal(t, int64(4*60), all[len(all)-1].PTS)
}
