package mkv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteHeaderEmitsEBMLAndSegment(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 1280, Height: 720})

	require.NoError(t, w.WriteHeader())

	out := buf.Bytes()
	require.True(t, bytes.HasPrefix(out, encodeID(idEBML)))
	require.Contains(t, string(out), "matroska")
	require.Contains(t, string(out), "V_MPEG4/ISO/AVC")
}

func TestWriteHeaderIsIdempotent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 640, Height: 480})

	require.NoError(t, w.WriteHeader())
	firstLen := buf.Len()
	require.NoError(t, w.WriteHeader())
	require.Equal(t, firstLen, buf.Len(), "second WriteHeader call must not re-emit the header")
}

func TestWritePacketRequiresHeaderFirst(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 640, Height: 480})

	err := w.WritePacket([]byte{1, 2, 3}, 0, true)
	require.Error(t, err)
}

func TestWritePacketOpensClusterAndEmitsSimpleBlock(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 640, Height: 480})
	require.NoError(t, w.WriteHeader())

	before := buf.Len()
	require.NoError(t, w.WritePacket([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0, true))
	require.Greater(t, buf.Len(), before)

	out := buf.Bytes()
	require.Contains(t, string(out), string([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
}

func TestWritePacketReusesClusterWithinWindow(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 640, Height: 480})
	require.NoError(t, w.WriteHeader())

	require.NoError(t, w.WritePacket([]byte{1}, 0, true))
	require.True(t, w.clusterOpen)
	startLen := buf.Len()
	require.NoError(t, w.WritePacket([]byte{2}, 40, false))
	// Same cluster: only a SimpleBlock is appended, no new cluster header.
	require.Greater(t, buf.Len(), startLen)
}

func TestWritePacketOpensNewClusterAfterLargeGap(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf, VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: 640, Height: 480})
	require.NoError(t, w.WriteHeader())

	require.NoError(t, w.WritePacket([]byte{1}, 0, true))
	firstClusterStart := w.clusterStartMs
	require.NoError(t, w.WritePacket([]byte{2}, 100_000, true))
	require.NotEqual(t, firstClusterStart, w.clusterStartMs)
}
