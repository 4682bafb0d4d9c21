// Package capture implements CameraCapture (spec.md §4.3): one decoder
// loop per camera that reads compressed packets from an input URL, paces
// them to wall-clock time using their presentation timestamps, publishes
// clones to a PacketRingBuffer and a "packet_published" bus topic, and
// pushes decoded Frames into the camera's input queue under either
// push-based or pull-based backpressure.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/apss-video/apss/internal/bus"
	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/metrics"
	"github.com/apss-video/apss/internal/queue"
	"github.com/apss-video/apss/internal/ringbuffer"
)

// PacketPublishedTopicPrefix is the bus topic prefix a packet_published
// signal is posted under (spec.md §4.3 step 6): full topic is
// "packet/published/<camera>".
const PacketPublishedTopicPrefix = "packet/published/"

// DecodedFrame is one decoder output: a BGR image paired with the
// compressed packet it originated from, used for pacing and ring-buffer
// publication.
type DecodedFrame struct {
	Image    gocv.Mat
	Packet   ringbuffer.Packet
	TimeBase time.Duration // duration of one PTS tick, e.g. 1/90000s for MPEG-TS
}

// Decoder is the external demux/decode collaborator CameraCapture drives:
// it opens an input URL, demultiplexes the first video stream, and decodes
// compressed packets to BGR images. Concrete adapters (MPEG-TS, SRT) wrap
// real network/file demuxing; actual H.264/H.265 pixel decode is further
// delegated to a PixelDecoder since codec SIMD internals are out of scope.
type Decoder interface {
	// Next reads and decodes the next frame, blocking until one is
	// available. Returns io.EOF-wrapping errors on stream end.
	Next(ctx context.Context) (DecodedFrame, error)
	// Close releases any resources the decoder holds open (file handles,
	// network sockets, decoder contexts).
	Close() error
}

// PixelDecoder converts a compressed access unit (e.g. one H.264 NAL
// access unit) into a decoded BGR image. Stubbed in tests since actual
// codec decode is out of scope; concrete Decoder adapters depend on one
// to turn demuxed packets into pixels.
type PixelDecoder interface {
	Decode(accessUnit []byte, keyframe bool) (gocv.Mat, error)
}

// resolutionSource is implemented by Decoder adapters that can recover the
// stream's native resolution from its own bitstream (e.g. MPEGTSDecoder
// parsing an SPS NAL unit), letting RecordingsManager size its Matroska
// output from the real stream instead of a configured approximation.
type resolutionSource interface {
	Resolution() (width, height int, ok bool)
}

// Config configures one camera's capture loop.
type Config struct {
	CameraID string
	Decoder  Decoder

	PushBased    bool
	InFrameQueue *queue.Bounded[*frame.Frame]
	PacketRing   *ringbuffer.Ring
	Bus          *bus.Bus
	Metrics      *metrics.CameraMetrics
	Log          *slog.Logger
}

// Capture runs one camera's decode-and-publish loop.
type Capture struct {
	cfg Config
	log *slog.Logger

	frameIndex uint64
	startPTS   int64
	startWall  time.Time
	havePacing bool

	subsMu   sync.Mutex
	subs     []chan ringbuffer.Packet
	timeBase time.Duration
}

// New creates a Capture from cfg.
func New(cfg Config) *Capture {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Capture{cfg: cfg, log: log.With("component", "camera-capture", "camera", cfg.CameraID)}
}

// SubscribePackets registers interest in every compressed packet this
// camera publishes from here on, matching spec.md §4.12's "subscribe this
// remuxer to the camera's packet_published signal." The channel is
// buffered and best-effort: a slow remuxer drops packets rather than
// stalling capture, mirroring bus.Bus's non-blocking Publish. The second
// return value is the unsubscribe function. The stream's time_base, needed
// by callers to rescale PTS values, comes from TimeBase instead.
func (c *Capture) SubscribePackets() (<-chan ringbuffer.Packet, func()) {
	ch := make(chan ringbuffer.Packet, 64)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()

	unsubscribe := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// TimeBase returns the most recently observed stream time_base, valid once
// decoding has begun.
func (c *Capture) TimeBase() time.Duration { return c.timeBase }

// Resolution returns the input stream's native decoded resolution, as
// recovered by the underlying Decoder from the bitstream itself (e.g. an
// H.264 SPS NAL unit), and whether it has been observed yet. Decoders that
// do not implement resolutionSource always report ok=false.
func (c *Capture) Resolution() (width, height int, ok bool) {
	r, implemented := c.cfg.Decoder.(resolutionSource)
	if !implemented {
		return 0, 0, false
	}
	return r.Resolution()
}

// ErrDecoderClosed is returned by Run when the Decoder is nil, which is a
// programmer error rather than a runtime condition.
var ErrDecoderClosed = errors.New("capture: decoder not configured")

// Run executes the capture loop until ctx is cancelled or the decoder
// reports a terminal error (spec.md §4.3 step 1). A decoder error is fatal
// to this camera's goroutine only — the caller's supervision tree (e.g.
// errgroup) decides whether to restart it; other cameras are unaffected.
func (c *Capture) Run(ctx context.Context) error {
	if c.cfg.Decoder == nil {
		return ErrDecoderClosed
	}
	defer c.cfg.Decoder.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		df, err := c.cfg.Decoder.Next(ctx)
		if err != nil {
			c.log.Info("decoder finished, releasing camera resources", "error", err)
			return err
		}

		c.pace(ctx, df)
		c.publishPacket(df)
		c.dispatch(df)
	}
}

// pace implements spec.md §4.3 step 4: sleep until the frame's target
// wall-clock time, derived from the first frame's (pts, wall-clock) pair
// and the stream's time_base. Never skips ahead for fast decoders.
func (c *Capture) pace(ctx context.Context, df DecodedFrame) {
	pts := df.Packet.PTS
	if !c.havePacing {
		c.startPTS = pts
		c.startWall = time.Now()
		c.havePacing = true
		return
	}
	target := c.startWall.Add(time.Duration(pts-c.startPTS) * df.TimeBase)
	if delay := time.Until(target); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// publishPacket implements spec.md §4.3 steps 3a and 6: clone the packet
// into the ring buffer and emit a packet_published signal for subscribing
// remuxers.
func (c *Capture) publishPacket(df DecodedFrame) {
	c.timeBase = df.TimeBase
	if c.cfg.PacketRing != nil {
		c.cfg.PacketRing.Push(df.Packet, df.TimeBase)
	}
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(PacketPublishedTopicPrefix+c.cfg.CameraID, fmt.Sprintf("pts=%d", df.Packet.PTS))
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- df.Packet:
		default:
		}
	}
}

// dispatch implements spec.md §4.3 steps 3b and 5: construct a Frame and
// enqueue it under the configured backpressure mode.
func (c *Capture) dispatch(df DecodedFrame) {
	f := frame.New(c.cfg.CameraID, c.frameIndex, df.Image, time.Now())
	c.frameIndex++

	if c.cfg.PushBased {
		if err := c.cfg.InFrameQueue.Push(f); err != nil {
			f.Close()
		}
		return
	}

	if !c.cfg.InFrameQueue.TryPush(f) {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncSkipped()
		}
		c.log.Warn("dropping frame: input queue full in pull-based mode", "frame", f.ID())
		f.Close()
	}
}
