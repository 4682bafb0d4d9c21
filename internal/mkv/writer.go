package mkv

import (
	"fmt"
	"io"
)

// timecodeScaleNs is the Matroska TimecodeScale: one tick = 1ms, matching
// the teacher domain's millisecond-granularity timestamps.
const timecodeScaleNs = 1_000_000

// VideoTrack describes the single video track this writer embeds.
type VideoTrack struct {
	CodecID string // e.g. "V_MPEG4/ISO/AVC" or "V_MPEGH/ISO/HEVC"
	Width   int
	Height  int
}

// Writer incrementally builds a single-video-track Matroska file, writing
// directly to the destination as packets arrive rather than buffering the
// whole file — matching PerObjectRemuxer's open/write-header/write-packet/
// close lifecycle (spec.md §4.12).
type Writer struct {
	w              io.Writer
	track          VideoTrack
	headerWritten  bool
	clusterOpen    bool
	clusterStartMs int64
}

// New creates a Writer for w. Nothing is written until WriteHeader.
func New(w io.Writer, track VideoTrack) *Writer {
	return &Writer{w: w, track: track}
}

// WriteHeader emits the EBML header, Segment, Info, and Tracks elements.
// Must be called exactly once before any WritePacket call.
func (mw *Writer) WriteHeader() error {
	if mw.headerWritten {
		return nil
	}

	ebmlHeader := element(idEBML,
		concat(
			element(idDocType, stringPayload("matroska")),
			element(idDocTypeVer, uintPayload(4)),
			element(idDocTypeReadVer, uintPayload(2)),
		))

	info := element(idInfo,
		concat(
			element(idTimecodeScale, uintPayload(timecodeScaleNs)),
			element(idMuxingApp, stringPayload("apss")),
			element(idWritingApp, stringPayload("apss")),
		))

	video := element(idVideo,
		concat(
			element(idPixelWidth, uintPayload(uint64(mw.track.Width))),
			element(idPixelHeight, uintPayload(uint64(mw.track.Height))),
		))

	trackEntry := element(idTrackEntry,
		concat(
			element(idTrackNumber, uintPayload(1)),
			element(idTrackUID, uintPayload(1)),
			element(idTrackType, uintPayload(TrackTypeVideo)),
			element(idCodecID, stringPayload(mw.track.CodecID)),
			video,
		))

	tracks := element(idTracks, trackEntry)

	if _, err := mw.w.Write(ebmlHeader); err != nil {
		return fmt.Errorf("mkv: write EBML header: %w", err)
	}

	// The Segment element's size is unknown up front (it grows as clusters
	// are appended), so it is written with the EBML "unknown size" VINT
	// (all payload-length bits set) rather than a fixed length.
	segmentHeader := append(encodeID(idSegment), unknownSizeVINT()...)
	if _, err := mw.w.Write(segmentHeader); err != nil {
		return fmt.Errorf("mkv: write segment header: %w", err)
	}
	if _, err := mw.w.Write(info); err != nil {
		return fmt.Errorf("mkv: write info: %w", err)
	}
	if _, err := mw.w.Write(tracks); err != nil {
		return fmt.Errorf("mkv: write tracks: %w", err)
	}

	mw.headerWritten = true
	return nil
}

// unknownSizeVINT returns the 8-byte EBML "size unknown" marker, used for
// the Segment element since this writer streams clusters without knowing
// the final file size ahead of time.
func unknownSizeVINT() []byte {
	return []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// WritePacket writes data as a SimpleBlock in the current (or a freshly
// opened) Cluster. It does no rescaling itself (spec.md §4.12's
// write_packet(packet, in_tb, out_tb, stream_index) — out_tb is fixed at
// 1ms by timecodeScaleNs, so callers pass the packet's presentation time
// already in milliseconds via ptsMs).
func (mw *Writer) WritePacket(data []byte, ptsMs int64, keyframe bool) error {
	if !mw.headerWritten {
		return fmt.Errorf("mkv: WriteHeader must be called before WritePacket")
	}

	if !mw.clusterOpen || ptsMs-mw.clusterStartMs > 0x7FFF {
		if err := mw.openCluster(ptsMs); err != nil {
			return err
		}
	}

	relative := ptsMs - mw.clusterStartMs
	block := simpleBlock(1, int16(relative), keyframe, data)
	if _, err := mw.w.Write(block); err != nil {
		return fmt.Errorf("mkv: write simple block: %w", err)
	}
	return nil
}

func (mw *Writer) openCluster(ptsMs int64) error {
	mw.clusterStartMs = ptsMs
	mw.clusterOpen = true

	clusterHeader := append(encodeID(idCluster), unknownSizeVINT()...)
	if _, err := mw.w.Write(clusterHeader); err != nil {
		return fmt.Errorf("mkv: write cluster header: %w", err)
	}
	timecode := element(idTimecode, uintPayload(uint64(ptsMs)))
	if _, err := mw.w.Write(timecode); err != nil {
		return fmt.Errorf("mkv: write cluster timecode: %w", err)
	}
	return nil
}

// simpleBlock encodes one Matroska SimpleBlock: track number VINT,
// 16-bit signed relative timecode, flags byte (bit 7 set for keyframes),
// then raw frame data.
func simpleBlock(trackNumber uint64, relativeTimecode int16, keyframe bool, data []byte) []byte {
	payload := make([]byte, 0, 3+len(data))
	payload = append(payload, encodeVINT(trackNumber)...)
	payload = append(payload, byte(relativeTimecode>>8), byte(relativeTimecode))
	var flags byte
	if keyframe {
		flags |= 0x80
	}
	payload = append(payload, flags)
	payload = append(payload, data...)
	return element(idSimpleBlock, payload)
}

// Close is a no-op: since the Segment and every Cluster were written with
// unknown sizes, nothing needs to be rewritten or appended at close time
// (unlike a finite-size container, there is no trailer to flush).
func (mw *Writer) Close() error { return nil }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
