package mot

import (
	"image"
)

// LowLevelTracker is the interface for single-object visual trackers.
// One handle follows exactly one bounding box across subsequent frames.
type LowLevelTracker interface {
	// Init prepares the tracker on box within frame. Returns false if
	// the tracker can't be initialized (e.g. box is outside of the frame).
	Init(frame image.Image, box BBox) bool

	// Update advances the tracker to frame and returns the new box.
	// On failure the returned box must be ignored.
	Update(frame image.Image) (bool, BBox)

	// Release frees every resource held by the handle.
	Release()
}

// Corrector is implemented by trackers which can be re-seeded from an
// external measurement (e.g. a matched detection) without full re-init.
type Corrector interface {
	Correct(frame image.Image, box BBox) bool
}

// TrackerFactory creates a fresh low-level tracker handle.
type TrackerFactory func() LowLevelTracker

// Detection is a single output of a detector: a box with its confidence in [0, 1]
type Detection struct {
	Box        BBox
	Confidence float64
}

// NewDetection creates detection from corner coordinates and confidence.
func NewDetection(x1, y1, x2, y2, confidence float64) Detection {
	return Detection{
		Box:        NewBBox(x1, y1, x2, y2),
		Confidence: confidence,
	}
}
