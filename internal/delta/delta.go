// Package delta implements DeltaPolicy: a per-camera, processor-local
// heuristic deciding whether a currently tracked object should trigger
// downstream secondary inference (keypoint detection, OCR) on the current
// frame. It avoids running expensive stages on every frame of a stationary
// or receding object while always capturing newly arriving or approaching
// ones.
package delta

import "github.com/apss-video/apss/internal/frame"

// MinArea is the minimum box area (px^2) for an object to be eligible for
// downstream inference at all.
const MinArea = 15625

// MaxAspectRatio is the maximum width/height ratio allowed before an object
// is considered too foreshortened to be worth re-examining.
const MaxAspectRatio = 2.5

// ReconsiderAreaIncrease is the "DET_RECONSIDER_AREA_INCREASE" tuning
// value (spec.md §6). Policy does not read it: re-triggering uses the fixed
// 1.1x growth and 0.8x shrink ratios below.
const ReconsiderAreaIncrease = 0.30

// The growth ratio is kept as an integer fraction and compared as
// area*10 >= 11*last, so an area of exactly 1.1x the last triggered area
// re-triggers (1.1 has no exact float64 representation).
const (
	triggerGrowthNum = 11
	triggerGrowthDen = 10
	untriggerFactor  = 0.8
)

// state is the retained per-tracker-id bookkeeping.
type state struct {
	lastSeenFrame     uint64
	lastTriggeredArea float64 // -1 means "never triggered"
	maxObservedArea   float64
}

// Policy holds per-tracker-id state for one camera. The zero value is not
// usable; construct with New.
type Policy struct {
	trackBuffer int
	states      map[int]*state
}

// New creates a Policy that garbage-collects entries unseen for more than
// trackBuffer frames.
func New(trackBuffer int) *Policy {
	return &Policy{trackBuffer: trackBuffer, states: make(map[int]*state)}
}

// Apply evaluates the policy for every tracked prediction (TrackerID >= 0)
// in preds, mutating each prediction's HasDeltas flag in place, then
// garbage-collects stale entries. frameCounter is the camera's monotonic
// frame counter.
func (p *Policy) Apply(preds []frame.Prediction, frameCounter uint64) {
	for i := range preds {
		pred := &preds[i]
		if pred.TrackerID < 0 {
			continue
		}
		p.applyOne(pred, frameCounter)
	}
	p.gc(frameCounter)
}

func (p *Policy) applyOne(pred *frame.Prediction, frameCounter uint64) {
	st, ok := p.states[pred.TrackerID]
	if !ok {
		st = &state{lastTriggeredArea: -1}
		p.states[pred.TrackerID] = st
	}

	area := pred.Box.Area()
	st.lastSeenFrame = frameCounter
	if area > st.maxObservedArea {
		st.maxObservedArea = area
	}

	aspect := 0.0
	if pred.Box.H > 0 {
		aspect = pred.Box.W / pred.Box.H
	}
	if area < MinArea || aspect > MaxAspectRatio {
		pred.HasDeltas = false
		return
	}

	switch {
	case st.lastTriggeredArea < 0 || area*triggerGrowthDen >= triggerGrowthNum*st.lastTriggeredArea || area > st.maxObservedArea:
		pred.HasDeltas = true
		st.lastTriggeredArea = area
		st.maxObservedArea = area
	case area <= untriggerFactor*st.lastTriggeredArea:
		pred.HasDeltas = false
		st.lastTriggeredArea = -1
	default:
		pred.HasDeltas = false
	}
}

func (p *Policy) gc(frameCounter uint64) {
	for id, st := range p.states {
		if frameCounter-st.lastSeenFrame > uint64(p.trackBuffer) {
			delete(p.states, id)
		}
	}
}

// Len reports the number of tracker ids currently retained, for tests.
func (p *Policy) Len() int {
	return len(p.states)
}
