package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize and srtLatencyNs match the teacher's SRT ingest tuning
// (ingest/srt/server.go).
const (
	srtReadBufferSize = 1316 * 10
	srtLatencyNs      = 120_000_000
	srtDialTimeout    = 10 * time.Second
)

// srtConn adapts *srtgo.Conn to io.Reader/io.Closer for NewMPEGTSDecoder.
type srtConn struct {
	conn *srtgo.Conn
}

func (s *srtConn) Read(p []byte) (int, error) { return s.conn.Read(p) }
func (s *srtConn) Close() error               { return s.conn.Close() }

// DialSRT connects to an srt:// camera input (spec.md §6's
// ffmpeg.inputs[].path schemes) and wraps the connection in an
// MPEGTSDecoder, since SRT carries an MPEG-TS payload (matching the
// teacher's ingest/srt.Caller.Pull dial pattern).
func DialSRT(ctx context.Context, address string, pixelDecoder PixelDecoder) (*MPEGTSDecoder, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	type dialResult = struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("capture: SRT dial failed: %w", res.err)
		}
		reader := &srtConn{conn: res.conn}
		return NewMPEGTSDecoder(ctx, io.Reader(reader), reader, pixelDecoder), nil
	case <-timer.C:
		go drainDial(ch)
		return nil, fmt.Errorf("capture: SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go drainDial(ch)
		return nil, ctx.Err()
	}
}

func drainDial(ch chan struct {
	conn *srtgo.Conn
	err  error
}) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
