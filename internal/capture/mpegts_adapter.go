package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apss-video/apss/internal/mpegts"
	"github.com/apss-video/apss/internal/ringbuffer"
)

// mpegTSTimeBase is one PTS tick under the 90kHz clock MPEG-TS presentation
// timestamps are expressed in.
const mpegTSTimeBase = time.Second / 90000

const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
)

// MPEGTSDecoder adapts internal/mpegts's transport-stream demuxer and a
// PixelDecoder into a capture.Decoder, for file/network MPEG-TS camera
// inputs (grounded on the teacher's internal/demux + internal/pipeline
// PES-to-VideoFrame flow). Access-unit framing (PES reassembly, NAL
// extraction) is real and in scope; pixel decode is delegated.
type MPEGTSDecoder struct {
	closer  io.Closer
	demuxer *mpegts.Demuxer
	decoder PixelDecoder

	videoPID  uint16
	pidKnown  bool
	nalBuffer []byte

	spsWidth, spsHeight int
	spsKnown            bool
}

// NewMPEGTSDecoder wraps r (typically an *os.File or net.Conn) as a
// capture.Decoder. closer is closed by Close; pass r itself if it
// implements io.Closer, or a no-op closer otherwise.
func NewMPEGTSDecoder(ctx context.Context, r io.Reader, closer io.Closer, pixelDecoder PixelDecoder) *MPEGTSDecoder {
	return &MPEGTSDecoder{
		closer:  closer,
		demuxer: mpegts.NewDemuxer(ctx, r),
		decoder: pixelDecoder,
	}
}

// Close releases the underlying reader.
func (d *MPEGTSDecoder) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Resolution reports the width/height parsed from the first SPS NAL unit
// this decoder has observed, satisfying capture.resolutionSource.
func (d *MPEGTSDecoder) Resolution() (width, height int, ok bool) {
	return d.spsWidth, d.spsHeight, d.spsKnown
}

// Next demuxes and decodes the next video access unit (spec.md §4.3 steps
// 1-3): it scans PAT/PMT to learn the video elementary stream's PID, then
// treats each reassembled PES payload on that PID as one access unit,
// skipping payloads that contain no Annex B NAL units.
func (d *MPEGTSDecoder) Next(ctx context.Context) (DecodedFrame, error) {
	for {
		select {
		case <-ctx.Done():
			return DecodedFrame{}, ctx.Err()
		default:
		}

		data, err := d.demuxer.NextData()
		if err != nil {
			return DecodedFrame{}, err
		}

		if data.PMT != nil && !d.pidKnown {
			for _, es := range data.PMT.ElementaryStreams {
				if es.StreamType == streamTypeH264 || es.StreamType == streamTypeH265 {
					d.videoPID = es.ElementaryPID
					d.pidKnown = true
					break
				}
			}
			continue
		}

		if data.PES == nil || !d.pidKnown || data.FirstPacket == nil || data.FirstPacket.Header.PID != d.videoPID {
			continue
		}

		df, ok, err := d.toDecodedFrame(data.PES)
		if err != nil {
			return DecodedFrame{}, err
		}
		if !ok {
			continue
		}
		return df, nil
	}
}

func (d *MPEGTSDecoder) toDecodedFrame(pes *mpegts.PESData) (DecodedFrame, bool, error) {
	nalUnits := ParseAnnexB(pes.Data)
	if len(nalUnits) == 0 {
		return DecodedFrame{}, false, nil
	}

	keyframe := false
	for _, nal := range nalUnits {
		if IsKeyframe(nal.Type) {
			keyframe = true
		}
		if !d.spsKnown && IsSPS(nal.Type) {
			if info, err := ParseSPS(nal.Data); err == nil {
				d.spsWidth, d.spsHeight, d.spsKnown = info.Width, info.Height, true
			}
		}
	}

	pts := ptsFromHeader(pes.Header)

	img, err := d.decoder.Decode(pes.Data, keyframe)
	if err != nil {
		return DecodedFrame{}, false, fmt.Errorf("capture: pixel decode: %w", err)
	}

	return DecodedFrame{
		Image:    img,
		TimeBase: mpegTSTimeBase,
		Packet: ringbuffer.Packet{
			Data:     pes.Data,
			PTS:      pts,
			Keyframe: keyframe,
		},
	}, true, nil
}

func ptsFromHeader(h *mpegts.PESHeader) int64 {
	if h == nil || h.OptionalHeader == nil || h.OptionalHeader.PTS == nil {
		return 0
	}
	return h.OptionalHeader.PTS.Base
}
