// Package track implements Tracker: association of per-frame detections
// to persistent tracker IDs. The original source wraps a ByteTrack-style
// associator backed by Eigen and a Kalman filter; no such stack exists in
// the Go ecosystem reference pack, so this port solves the same IoU cost
// matrix with a Hungarian/Munkres assignment
// (github.com/charles-haynes/munkres, grounded on
// viam-modules-pizza-tracking's tracker) and replaces Kalman motion
// prediction with exponential smoothing of each track's box — the
// testable contract only ever inspects ID continuity and track_buffer
// tolerance, never predicted-box accuracy.
package track

import (
	"sort"

	hg "github.com/charles-haynes/munkres"

	"github.com/apss-video/apss/internal/frame"
	"github.com/apss-video/apss/internal/geom"
)

// UnassignedID is emitted for a detection that could not be associated
// with any existing or new track (e.g. its class is not in the track-set).
const UnassignedID = -1

// smoothingAlpha weights the most recent observation when predicting a
// track's next box, in place of a Kalman filter's state-space prediction.
const smoothingAlpha = 0.7

type activeTrack struct {
	id            int
	box           frame.Box // exponentially-smoothed predicted box
	confirmed     bool
	lastSeenFrame uint64
	hitStreak     int
}

// Config holds the Tracker's tunable parameters, named after spec.md §4.6.
type Config struct {
	TrackThresh    float64  // initial confirmation confidence
	MatchThresh    float64  // association IoU threshold
	TrackBuffer    int      // frames of tolerance after temporary loss
	TrackSet       []string // class names eligible for tracking
	VideoFrameRate float64  // informational; no filter time-step needed here
}

// Tracker assigns stable integer IDs to detections across frames for one
// camera. Not safe for concurrent use by multiple goroutines; callers
// serialize access per camera, matching spec.md §5.
type Tracker struct {
	cfg        Config
	trackSet   map[string]struct{}
	nextID     int
	frameCount uint64
	tracks     []*activeTrack
}

// New creates a Tracker from cfg.
func New(cfg Config) *Tracker {
	set := make(map[string]struct{}, len(cfg.TrackSet))
	for _, c := range cfg.TrackSet {
		set[c] = struct{}{}
	}
	return &Tracker{cfg: cfg, trackSet: set}
}

// Track associates preds (one frame's detections) with persistent tracker
// IDs, returning a slice aligned by index with preds: UnassignedID for any
// prediction whose class is not in the track-set, or that could not be
// matched and did not meet confirmation threshold.
func (t *Tracker) Track(preds []frame.Prediction) []int {
	t.frameCount++
	ids := make([]int, len(preds))
	for i := range ids {
		ids[i] = UnassignedID
	}

	eligible := make([]int, 0, len(preds)) // indices into preds
	for i, p := range preds {
		if _, ok := t.trackSet[p.ClassName]; ok {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		t.gc()
		return ids
	}

	detBoxes := make([]frame.Box, len(eligible))
	for j, idx := range eligible {
		detBoxes[j] = preds[idx].Box
	}

	matchedDet := make(map[int]bool, len(eligible))
	if len(t.tracks) > 0 {
		trackBoxes := make([]frame.Box, len(t.tracks))
		for i, tr := range t.tracks {
			trackBoxes[i] = tr.box
		}
		cost := geom.CostMatrix(trackBoxes, detBoxes)
		assign := t.solve(cost)

		for ti, dj := range assign {
			if dj < 0 || dj >= len(eligible) {
				continue
			}
			iou := 1 - cost[ti][dj]
			if iou < t.cfg.MatchThresh {
				continue
			}
			predIdx := eligible[dj]
			tr := t.tracks[ti]
			tr.box = smooth(tr.box, preds[predIdx].Box)
			tr.lastSeenFrame = t.frameCount
			tr.hitStreak++
			tr.confirmed = true
			ids[predIdx] = tr.id
			matchedDet[dj] = true
		}
	}

	// Deterministic tie-breaking for unmatched detections: descending
	// confidence, then ascending area, before minting new track ids.
	unmatched := make([]int, 0)
	for j, idx := range eligible {
		if !matchedDet[j] {
			unmatched = append(unmatched, idx)
		}
	}
	sort.SliceStable(unmatched, func(a, b int) bool {
		pa, pb := preds[unmatched[a]], preds[unmatched[b]]
		if pa.Confidence != pb.Confidence {
			return pa.Confidence > pb.Confidence
		}
		return pa.Box.Area() < pb.Box.Area()
	})
	for _, idx := range unmatched {
		if preds[idx].Confidence < t.cfg.TrackThresh {
			continue
		}
		tr := &activeTrack{
			id:            t.nextID,
			box:           preds[idx].Box,
			confirmed:     true,
			lastSeenFrame: t.frameCount,
			hitStreak:     1,
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		ids[idx] = tr.id
	}

	t.gc()
	return ids
}

// solve runs Munkres assignment over cost, returning, per track row, the
// matched detection column index or -1.
func (t *Tracker) solve(cost [][]float64) []int {
	ha, err := hg.NewHungarianAlgorithm(cost)
	if err != nil {
		out := make([]int, len(cost))
		for i := range out {
			out[i] = -1
		}
		return out
	}
	return ha.Execute()
}

// gc drops tracks unseen for more than TrackBuffer frames.
func (t *Tracker) gc() {
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if t.frameCount-tr.lastSeenFrame <= uint64(t.cfg.TrackBuffer) {
			kept = append(kept, tr)
		}
	}
	t.tracks = kept
}

// Len returns the number of currently retained tracks, for tests.
func (t *Tracker) Len() int {
	return len(t.tracks)
}

func smooth(prev, cur frame.Box) frame.Box {
	return frame.Box{
		X: smoothingAlpha*cur.X + (1-smoothingAlpha)*prev.X,
		Y: smoothingAlpha*cur.Y + (1-smoothingAlpha)*prev.Y,
		W: smoothingAlpha*cur.W + (1-smoothingAlpha)*prev.W,
		H: smoothingAlpha*cur.H + (1-smoothingAlpha)*prev.H,
	}
}
