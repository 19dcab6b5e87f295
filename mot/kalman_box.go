package mot

import (
	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
)

// KalmanBox smooths and predicts motion of a bounding box using 8-D Kalman filter.
// State vector: [cx, cy, w, h, vx, vy, vw, vh] - center position, size, and velocities.
type KalmanBox struct {
	currentBBox   BBox
	predictedBBox BBox
	track         []Point
	maxTrackLen   int
	tracker       *kalman_filter.KalmanBBox
}

// NewKalmanBoxWithTime creates a new KalmanBox with specified time step.
func NewKalmanBoxWithTime(currentBbox BBox, dt float64) *KalmanBox {
	center := currentBbox.Center()

	// Kalman filter props
	uCx := 1.0
	uCy := 1.0
	uW := 0.0
	uH := 0.0
	stdDevA := 2.0
	stdDevMCx := 0.1
	stdDevMCy := 0.1
	stdDevMW := 0.1
	stdDevMH := 0.1
	kf := kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(center.X, center.Y, currentBbox.Width(), currentBbox.Height()),
	)

	kb := KalmanBox{
		currentBBox:   currentBbox,
		predictedBBox: currentBbox,
		track:         make([]Point, 0, 150),
		maxTrackLen:   150,
		tracker:       kf,
	}
	kb.track = append(kb.track, center)
	return &kb
}

// NewKalmanBox creates a new KalmanBox with default time step of 1.0.
func NewKalmanBox(currentBbox BBox) *KalmanBox {
	return NewKalmanBoxWithTime(currentBbox, 1.0)
}

// Current returns last corrected bounding box
func (kb *KalmanBox) Current() BBox {
	return kb.currentBBox
}

// Predicted returns predicted bounding box from Kalman filter
func (kb *KalmanBox) Predicted() BBox {
	return kb.predictedBBox
}

// Track returns history of box centers. Be careful: this is not copy of track, but reference to it
func (kb *KalmanBox) Track() []Point {
	return kb.track
}

// Predict executes Kalman filter prediction step and returns predicted box
func (kb *KalmanBox) Predict() BBox {
	kb.tracker.Predict()
	cx, cy, w, h := kb.tracker.GetState()
	kb.predictedBBox = NewBBoxFromCenter(cx, cy, w, h)
	return kb.predictedBBox
}

// Correct executes Kalman filter update step with measured box and returns smoothed box
func (kb *KalmanBox) Correct(measured BBox) (BBox, error) {
	center := measured.Center()
	err := kb.tracker.Update(center.X, center.Y, measured.Width(), measured.Height())
	if err != nil {
		return kb.currentBBox, errors.Wrap(err, "Can't update box filter")
	}

	cx, cy, w, h := kb.tracker.GetState()
	kb.currentBBox = NewBBoxFromCenter(cx, cy, w, h)

	kb.track = append(kb.track, Point{X: cx, Y: cy})
	if len(kb.track) > kb.maxTrackLen {
		kb.track = kb.track[1:]
	}
	return kb.currentBBox, nil
}

// Velocity returns current velocity estimates (vx, vy, vw, vh) from Kalman filter
func (kb *KalmanBox) Velocity() (float64, float64, float64, float64) {
	return kb.tracker.GetVelocity()
}
