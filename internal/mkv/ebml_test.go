package mkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeVINTSmallValue(t *testing.T) {
	t.Parallel()
	got := encodeVINT(5)
	require.Equal(t, []byte{0x85}, got)
}

func TestEncodeVINTTwoByte(t *testing.T) {
	t.Parallel()
	got := encodeVINT(300)
	require.Equal(t, []byte{0x41, 0x2C}, got)
}

func TestEncodeIDWidths(t *testing.T) {
	t.Parallel()
	require.Equal(t, []byte{0x86}, encodeID(idCodecID))
	require.Equal(t, []byte{0xAE}, encodeID(idTrackEntry))
	require.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, encodeID(idEBML))
}

func TestElementRoundTripsSize(t *testing.T) {
	t.Parallel()
	payload := []byte("matroska")
	el := element(idDocType, payload)

	// id (2 bytes) + size vint (1 byte, len < 127) + payload
	require.Equal(t, encodeID(idDocType), el[:2])
	require.Equal(t, byte(len(payload))|0x80, el[2])
	require.Equal(t, payload, el[3:])
}

func TestUintPayloadTrimsLeadingZeros(t *testing.T) {
	t.Parallel()
	require.Equal(t, []byte{0}, uintPayload(0))
	require.Equal(t, []byte{1}, uintPayload(1))
	require.Equal(t, []byte{0x01, 0x00}, uintPayload(256))
}
