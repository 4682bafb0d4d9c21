package framemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenGetRoundTrips(t *testing.T) {
	t.Parallel()
	m := New(4)
	m.Write("front_door", 10, "image-10")

	img, ok := m.Get("front_door", 10)
	require.True(t, ok)
	require.Equal(t, "image-10", img)
}

func TestStaleReadAfterSlotReuse(t *testing.T) {
	t.Parallel()
	m := New(4)
	m.Write("front_door", 1, "image-1") // slot 1
	m.Write("front_door", 5, "image-5") // same slot (5 mod 4 == 1)

	_, ok := m.Get("front_door", 1)
	require.False(t, ok, "stale index must not be returned once its slot is reused")

	img, ok := m.Get("front_door", 5)
	require.True(t, ok)
	require.Equal(t, "image-5", img)
}

func TestRetireClearsSlot(t *testing.T) {
	t.Parallel()
	m := New(4)
	m.Write("front_door", 2, "image-2")
	m.Retire("front_door", 2)

	_, ok := m.Get("front_door", 2)
	require.False(t, ok)
}

func TestIndependentCamerasDoNotShareSlots(t *testing.T) {
	t.Parallel()
	m := New(2)
	m.Write("a", 0, "a0")
	m.Write("b", 0, "b0")

	imgA, okA := m.Get("a", 0)
	imgB, okB := m.Get("b", 0)
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, "a0", imgA)
	require.Equal(t, "b0", imgB)
}
