// Command apss runs the multi-camera video analytics pipeline described by
// spec.md: one CameraCapture/CameraProcessor/TrackedObjectProcessor/
// RecordingsManager chain per configured camera, fed by shared
// ObjectDetectorSession/KeypointDetectorSession model sessions, all wired
// together and supervised by an errgroup the way cmd/prism/main.go
// supervises prism's ingest/distribution servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/apss-video/apss/internal/bus"
	"github.com/apss-video/apss/internal/camera"
	"github.com/apss-video/apss/internal/capture"
	"github.com/apss-video/apss/internal/config"
	"github.com/apss-video/apss/internal/delta"
	"github.com/apss-video/apss/internal/detect"
	"github.com/apss-video/apss/internal/events"
	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/framemanager"
	"github.com/apss-video/apss/internal/metrics"
	"github.com/apss-video/apss/internal/mkv"
	"github.com/apss-video/apss/internal/ocr"
	"github.com/apss-video/apss/internal/processor"
	"github.com/apss-video/apss/internal/queue"
	"github.com/apss-video/apss/internal/recording"
	"github.com/apss-video/apss/internal/ringbuffer"
	"github.com/apss-video/apss/internal/store"
	"github.com/apss-video/apss/internal/track"
)

// Numeric constants from spec.md §6, shared across every camera's Tracker
// and DeltaPolicy.
const (
	modelObjectsConfidenceThreshold = 0.7
	modelIOUThreshold               = 0.4
	trackerDeltaObjectLimit         = 960

	maxDecodedFramesInFlight = 64
	trackedFrameQueueCap     = 32
	detectorQueueCap         = 64
)

// licensePlateClasses names the object classes CameraProcessor crops and
// feeds to OCR (spec.md §4.8 step 6). Not exposed anywhere in the YAML
// schema (spec.md §6); fixed here as an Open Question decision, see
// DESIGN.md.
var licensePlateClasses = []string{"license_plate"}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	root := envOr("APSS_ROOT", ".")
	if err := config.Bootstrap(root, nil); err != nil {
		slog.Error("failed to bootstrap working directories", "error", err)
		os.Exit(1)
	}

	configPath := envOr("APSS_CONFIG", filepath.Join(root, "CONFIG_DIR", "config.yaml"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	b := bus.New()
	watcher, err := config.NewWatcher(configPath, b, nil)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(root, "CACHE_DIR", "apss.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	a := &app{
		cfg:            cfg,
		recordDir:      filepath.Join(root, "RECORD_DIR"),
		store:          st,
		bus:            b,
		registry:       prometheus.NewRegistry(),
		cameras:        camera.NewRegistry(nil),
		frames:         framemanager.New(maxDecodedFramesInFlight),
		objectRouter:   newNotifierRouter(),
		keypointRouter: newNotifierRouter(),
		log:            slog.Default(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return a.runEnabledCameraFollower(ctx, watcher) })

	if err := a.startDetectSessions(ctx, g); err != nil {
		slog.Error("failed to start detector sessions", "error", err)
		os.Exit(1)
	}

	for name, cam := range cfg.Cameras {
		if !cam.Enabled {
			continue
		}
		name, cam := name, cam
		g.Go(func() error {
			return a.startCamera(ctx, name, cam)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("apss exited with error", "error", err)
		os.Exit(1)
	}
}

// notifierRouter lets a process-wide, shared detect.Session dispatch its
// per-frame completion notification to whichever camera's CameraProcessor
// is currently waiting, without the Session needing to know cameras come
// and go (spec.md §4.5's "one session per configured model, shared across
// cameras").
type notifierRouter struct {
	mu      sync.RWMutex
	targets map[string]detect.Notifier
}

func newNotifierRouter() *notifierRouter {
	return &notifierRouter{targets: make(map[string]detect.Notifier)}
}

func (r *notifierRouter) register(cameraID string, n detect.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[cameraID] = n
}

func (r *notifierRouter) unregister(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, cameraID)
}

func (r *notifierRouter) Notify(cameraID string) {
	r.mu.RLock()
	n := r.targets[cameraID]
	r.mu.RUnlock()
	if n != nil {
		n.Notify(cameraID)
	}
}

// app holds every shared, process-wide collaborator: the components
// spec.md §4.5/§4.9 describe as "one session per configured model, shared
// across cameras", plus the registries and infrastructure each per-camera
// goroutine tree depends on.
type app struct {
	cfg       *config.Config
	recordDir string

	store    *store.Store
	bus      *bus.Bus
	registry *prometheus.Registry
	cameras  *camera.Registry
	frames   *framemanager.Manager
	log      *slog.Logger

	objectQueue    *queue.Bounded[*frame.Frame]
	keypointQueue  *queue.Bounded[*frame.Frame] // nil if no keypoint session started
	ocrPipeline    *ocr.Pipeline                // nil if LPR disabled or no engine backend wired
	objectRouter   *notifierRouter
	keypointRouter *notifierRouter
}

// startDetectSessions creates the shared ObjectDetectorSession and, if
// configured and LPR is enabled, the shared KeypointDetectorSession, each
// running for the app's lifetime regardless of which cameras come and go.
//
// The predictor map has no explicit role field (spec.md §6), so by
// convention the predictor whose kpt_shape is non-zero is the keypoint
// model and every other entry is treated as the (single) object model —
// an Open Question decision recorded in DESIGN.md.
func (a *app) startDetectSessions(ctx context.Context, g *errgroup.Group) error {
	var objectName, keypointName string
	var objectPredictor, keypointPredictor config.Predictor
	for name, p := range a.cfg.Predictors {
		if p.KptShape[0] > 0 || p.KptShape[1] > 0 {
			keypointName, keypointPredictor = name, p
			continue
		}
		objectName, objectPredictor = name, p
	}

	if objectName == "" {
		return errors.New("apss: no object-detection predictor configured")
	}

	a.objectQueue = queue.New[*frame.Frame](detectorQueueCap)
	objectModel, err := newModel(objectPredictor)
	if err != nil {
		a.log.Warn("object detector model unavailable, detection disabled", "predictor", objectName, "error", err)
	} else {
		objSession := detect.New(detect.Config{
			Kind:             detect.Objects,
			Model:            objectModel,
			Notifier:         a.objectRouter,
			InQueue:          a.objectQueue,
			MaxBatchSize:     objectPredictor.BatchSize,
			ConfidenceThresh: modelObjectsConfidenceThreshold,
			Log:              a.log,
		})
		g.Go(func() error { return objSession.Run(ctx) })
	}

	if keypointName == "" || !a.cfg.LPR.Enabled {
		return nil
	}
	keypointModel, err := newModel(keypointPredictor)
	if err != nil {
		a.log.Warn("keypoint detector model unavailable, LPR trigger disabled", "predictor", keypointName, "error", err)
		return nil
	}
	a.keypointQueue = queue.New[*frame.Frame](detectorQueueCap)
	keypointSession := detect.New(detect.Config{
		Kind:               detect.Keypoints,
		Model:              keypointModel,
		Notifier:           a.keypointRouter,
		InQueue:            a.keypointQueue,
		MaxBatchSize:       keypointPredictor.BatchSize,
		ConfidenceThresh:   a.cfg.LPR.RecognitionThreshold,
		VehiclesOfInterest: a.cfg.LPR.VehiclesOfInterest,
		Log:                a.log,
	})
	g.Go(func() error { return keypointSession.Run(ctx) })

	engine, err := newOCREngine()
	if err != nil {
		a.log.Warn("OCR engine unavailable, plate recognition disabled", "error", err)
		return nil
	}
	a.ocrPipeline = ocr.New(engine, a.cfg.LPR.RecognitionThreshold)
	return nil
}

// runEnabledCameraFollower reacts to config.Watcher's enabled-flag flips by
// starting or stopping a camera's goroutine tree without a process
// restart.
func (a *app) runEnabledCameraFollower(ctx context.Context, watcher *config.Watcher) error {
	ch, unsubscribe := a.bus.Subscribe(config.EnabledTopicPrefix)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			name := strings.TrimPrefix(msg.Topic, config.EnabledTopicPrefix)
			enabled := msg.Payload == "true"
			a.reconcileCamera(ctx, name, enabled, watcher.Current())
		}
	}
}

func (a *app) reconcileCamera(ctx context.Context, name string, enabled bool, cfg *config.Config) {
	_, running := a.cameras.Get(name)
	switch {
	case enabled && !running:
		cam, ok := cfg.Cameras[name]
		if !ok {
			return
		}
		go func() {
			if err := a.startCamera(ctx, name, cam); err != nil {
				a.log.Error("camera goroutine exited with error", "camera", name, "error", err)
			}
		}()
	case !enabled && running:
		a.cameras.Remove(name)
	}
}

// startCamera builds and runs one camera's full goroutine tree: capture,
// processing, tracked-object event finalization, and recording. It
// returns once the camera's context is cancelled (config disable, global
// shutdown) or its capture loop ends fatally.
func (a *app) startCamera(ctx context.Context, name string, cam config.Camera) error {
	ctx, cancel := context.WithCancel(ctx)
	if _, created := a.cameras.Create(name, cancel); !created {
		cancel()
		return nil
	}
	defer a.cameras.Remove(name)

	inputPath := selectInput(cam, config.RoleDetect)
	if inputPath == "" {
		return fmt.Errorf("apss: camera %s has no usable input", name)
	}

	pixelDecoder, err := newPixelDecoder("h264")
	if err != nil {
		return fmt.Errorf("apss: camera %s: %w", name, err)
	}

	dec, err := openDecoder(ctx, inputPath, pixelDecoder)
	if err != nil {
		return fmt.Errorf("apss: camera %s: open input: %w", name, err)
	}

	camMetrics := metrics.NewCameraMetrics(name, a.registry)
	var ring *ringbuffer.Ring
	if cam.Record.Enabled {
		ring = ringbuffer.New(ringbuffer.DefaultDuration)
	}
	inFrameQueue := queue.New[*frame.Frame](8)

	camCapture := capture.New(capture.Config{
		CameraID:     name,
		Decoder:      dec,
		PushBased:    !cam.PullBasedOrder,
		InFrameQueue: inFrameQueue,
		PacketRing:   ring,
		Bus:          a.bus,
		Metrics:      camMetrics,
		Log:          a.log,
	})

	trackedQueue := queue.New[*frame.Frame](trackedFrameQueueCap)

	var keypointQueue *queue.Bounded[*frame.Frame]
	var ocrPipeline *ocr.Pipeline
	if a.cfg.LPR.Enabled {
		keypointQueue = a.keypointQueue
		ocrPipeline = a.ocrPipeline
	}

	proc := processor.New(processor.Config{
		CameraID:              name,
		PushBased:             !cam.PullBasedOrder,
		PushBasedTimeout:      time.Duration(cam.PushBasedTimeout) * time.Millisecond,
		PullBasedTimeout:      time.Duration(cam.PullBasedTimeout) * time.Millisecond,
		ObjectDetectorQueue:   a.objectQueue,
		KeypointDetectorQueue: keypointQueue,
		TrackedFrameQueue:     trackedQueue,
		ObjectFilter:          buildObjectFilter(cam.Objects.Filters),
		LicensePlateClasses:   processor.NewClassSet(licensePlateClasses),
		Tracker: track.New(track.Config{
			TrackThresh:    modelObjectsConfidenceThreshold,
			MatchThresh:    modelIOUThreshold,
			TrackBuffer:    events.DefaultTrackerObjectLossLimit,
			TrackSet:       cam.Objects.Track,
			VideoFrameRate: float64(cam.Detect.FPS),
		}),
		Delta:   delta.New(trackerDeltaObjectLimit),
		OCR:     ocrPipeline,
		Metrics: camMetrics,
		Log:     a.log,
	})

	a.objectRouter.register(name, proc.ObjectNotifier())
	defer a.objectRouter.unregister(name)
	if keypointQueue != nil {
		a.keypointRouter.register(name, proc.KeypointNotifier())
		defer a.keypointRouter.unregister(name)
	}

	evProc := events.New(name, cam.Record.LossLimit, a.store, a.log)

	// Width/Height here are only the fallback used until the capture's
	// decoder has parsed the stream's first SPS NAL unit; Manager prefers
	// camCapture.Resolution() once it becomes available.
	videoTrack := mkv.VideoTrack{CodecID: "V_MPEG4/ISO/AVC", Width: cam.Detect.Width, Height: cam.Detect.Height}
	var recMgr *recording.Manager
	if cam.Record.Enabled {
		recMgr = recording.New(name, a.recordDir, videoTrack, camCapture, ring, a.store, a.log)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return camCapture.Run(ctx) })
	g.Go(func() error { return a.runProcessorLoop(ctx, inFrameQueue, trackedQueue, proc) })
	g.Go(func() error { return a.runTrackedObjectLoop(ctx, name, trackedQueue, evProc, recMgr) })
	g.Go(func() error {
		<-ctx.Done()
		inFrameQueue.Abort()
		trackedQueue.Abort()
		if recMgr != nil {
			recMgr.Close(time.Now())
		}
		evProc.Flush(context.Background())
		return nil
	})

	return g.Wait()
}

// runProcessorLoop drains inFrameQueue, running each frame through
// CameraProcessor, which itself forwards survivors into trackedQueue.
func (a *app) runProcessorLoop(ctx context.Context, in, tracked *queue.Bounded[*frame.Frame], proc *processor.Processor) error {
	for {
		f, err := in.Pop()
		if err != nil {
			return nil
		}
		if !proc.ProcessFrame(ctx, f) {
			f.Close()
		}
	}
}

// runTrackedObjectLoop drains tracked, running TrackedObjectProcessor and
// RecordingsManager's frameChangedWithEvents handler (spec.md §4.11/§4.12)
// for every frame.
func (a *app) runTrackedObjectLoop(ctx context.Context, camName string, tracked *queue.Bounded[*frame.Frame], evProc *events.Processor, recMgr *recording.Manager) error {
	for {
		f, err := tracked.Pop()
		if err != nil {
			return nil
		}
		active := evProc.Process(ctx, f)
		a.bus.Publish("detection/"+camName, fmt.Sprintf("active=%d", len(active)))
		if recMgr != nil {
			recMgr.FrameChangedWithEvents(ctx, f.Timestamp(), toRecordingTracks(active))
		}
		a.frames.Write(camName, f.Index(), f.Image())
		f.Close()
	}
}

// toRecordingTracks adapts events.Processor's active-track report into
// recording.Manager's own ActiveTrack type, so internal/recording need not
// import internal/events for one small struct.
func toRecordingTracks(active []events.ActiveTrack) []recording.ActiveTrack {
	out := make([]recording.ActiveTrack, len(active))
	for i, t := range active {
		out[i] = recording.ActiveTrack{TrackerID: t.TrackerID, EventID: t.EventID}
	}
	return out
}

func buildObjectFilter(filters map[string]config.Filter) processor.ObjectFilter {
	return func(p frame.Prediction) bool {
		f, ok := filters[p.ClassName]
		if !ok {
			return true
		}
		area := p.Box.Area()
		if f.MinArea > 0 && area < f.MinArea {
			return false
		}
		if f.MaxArea > 0 && area > f.MaxArea {
			return false
		}
		ratio := p.Box.AspectRatio()
		if f.MinRatio > 0 && ratio < f.MinRatio {
			return false
		}
		if f.MaxRatio > 0 && ratio > f.MaxRatio {
			return false
		}
		if f.Threshold > 0 && p.Confidence < f.Threshold {
			return false
		}
		if f.MinScore > 0 && p.Confidence < f.MinScore {
			return false
		}
		return true
	}
}

func selectInput(cam config.Camera, role config.Role) string {
	for _, in := range cam.FFmpeg.Inputs {
		for _, r := range in.Roles {
			if r == role {
				return in.Path
			}
		}
	}
	if len(cam.FFmpeg.Inputs) > 0 {
		return cam.FFmpeg.Inputs[0].Path
	}
	return ""
}

// openDecoder opens addr as either an SRT pull (spec.md §6's srt:// input
// scheme) or a local MPEG-TS file/pipe, matching internal/capture's two
// adapters.
func openDecoder(ctx context.Context, addr string, pixelDecoder capture.PixelDecoder) (capture.Decoder, error) {
	if strings.HasPrefix(addr, "srt://") {
		return capture.DialSRT(ctx, addr, pixelDecoder)
	}
	f, err := os.Open(addr)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}
	return capture.NewMPEGTSDecoder(ctx, f, f, pixelDecoder), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
