package mot

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// TemplateTrackerConfig holds tuning of TemplateTracker.
type TemplateTrackerConfig struct {
	// Side of square patch every box is resampled to before comparison
	PatchSize int
	// Search radius around predicted box as a fraction of box size
	SearchRadius float64
	// Number of coarse search steps per direction (grid is (2*SearchSteps+1)^2)
	SearchSteps int
	// Minimal normalized cross-correlation to accept a match. In [-1, 1]
	MinScore float64
	// How fast template adapts to appearance changes. In [0, 1]
	LearningRate float64
	// Time step for the motion model
	Dt float64
}

// DefaultTemplateTrackerConfig returns default tuning
func DefaultTemplateTrackerConfig() TemplateTrackerConfig {
	return TemplateTrackerConfig{
		PatchSize:    24,
		SearchRadius: 0.5,
		SearchSteps:  4,
		MinScore:     0.6,
		LearningRate: 0.1,
		Dt:           1.0,
	}
}

// TemplateTracker is a single-object tracker which finds the box in the next frame by
// normalized cross-correlation of a grayscale template around Kalman-predicted position.
// It implements LowLevelTracker and Corrector interfaces.
type TemplateTracker struct {
	cfg      TemplateTrackerConfig
	template []float64
	motion   *KalmanBox
	box      BBox
	// Grayscale cache of the last seen frame
	lastFrame image.Image
	lastGray  *image.Gray
}

// NewTemplateTracker creates uninitialized tracker. Call Init before Update.
func NewTemplateTracker(cfg TemplateTrackerConfig) *TemplateTracker {
	if cfg.PatchSize <= 0 {
		cfg.PatchSize = 24
	}
	if cfg.SearchSteps <= 0 {
		cfg.SearchSteps = 1
	}
	if cfg.Dt <= 0 {
		cfg.Dt = 1.0
	}
	return &TemplateTracker{
		cfg: cfg,
	}
}

// NewTemplateTrackerFactory returns factory producing TemplateTracker handles.
func NewTemplateTrackerFactory(cfg TemplateTrackerConfig) TrackerFactory {
	return func() LowLevelTracker {
		return NewTemplateTracker(cfg)
	}
}

// Init samples the template at box. Fails for boxes outside of the frame
// and for textureless regions which can't be correlated.
func (tt *TemplateTracker) Init(frame image.Image, box BBox) bool {
	gray := tt.grayscale(frame)
	clamped := box.ClampTo(gray.Bounds())
	if clamped.IsDegenerate() {
		return false
	}
	template := tt.samplePatch(gray, clamped)
	if template == nil {
		return false
	}
	tt.template = template
	tt.box = clamped
	tt.motion = NewKalmanBoxWithTime(clamped, tt.cfg.Dt)
	return true
}

// Update searches for the template in frame around predicted position.
func (tt *TemplateTracker) Update(frame image.Image) (bool, BBox) {
	if tt.motion == nil {
		return false, tt.box
	}
	gray := tt.grayscale(frame)
	predicted := tt.motion.Predict()
	// Keep last known size, the filter only drives the position
	center := predicted.Center()
	candidate := NewBBoxFromCenter(center.X, center.Y, tt.box.Width(), tt.box.Height())

	best, score := tt.search(gray, candidate)
	if score < tt.cfg.MinScore {
		return false, tt.box
	}

	smoothed, err := tt.motion.Correct(best)
	if err != nil {
		smoothed = best
	}
	// Smoothed box could drift away from the frame
	smoothed = smoothed.ClampTo(gray.Bounds())
	if smoothed.IsDegenerate() {
		return false, tt.box
	}
	tt.box = smoothed
	tt.adapt(gray, best)
	return true, tt.box
}

// Correct re-seeds tracker with an externally measured box.
func (tt *TemplateTracker) Correct(frame image.Image, box BBox) bool {
	if tt.motion == nil {
		return tt.Init(frame, box)
	}
	gray := tt.grayscale(frame)
	clamped := box.ClampTo(gray.Bounds())
	if clamped.IsDegenerate() {
		return false
	}
	template := tt.samplePatch(gray, clamped)
	if template == nil {
		return false
	}
	if _, err := tt.motion.Correct(clamped); err != nil {
		return false
	}
	tt.template = template
	tt.box = clamped
	return true
}

// Release drops template and cached frames
func (tt *TemplateTracker) Release() {
	tt.template = nil
	tt.motion = nil
	tt.lastFrame = nil
	tt.lastGray = nil
}

// Box returns last known box
func (tt *TemplateTracker) Box() BBox {
	return tt.box
}

// search runs coarse grid search followed by two refinement passes with halved step.
func (tt *TemplateTracker) search(gray *image.Gray, around BBox) (BBox, float64) {
	stepX := tt.cfg.SearchRadius * around.Width() / float64(tt.cfg.SearchSteps)
	stepY := tt.cfg.SearchRadius * around.Height() / float64(tt.cfg.SearchSteps)

	best := around
	bestScore := math.Inf(-1)
	try := func(candidate BBox) {
		if !insideBounds(candidate, gray.Bounds()) {
			return
		}
		score := correlate(tt.template, tt.samplePatch(gray, candidate))
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}

	n := tt.cfg.SearchSteps
	for dy := -n; dy <= n; dy++ {
		for dx := -n; dx <= n; dx++ {
			try(around.Translate(float64(dx)*stepX, float64(dy)*stepY))
		}
	}
	for level := 0; level < 2; level++ {
		stepX /= 2.0
		stepY /= 2.0
		center := best
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				try(center.Translate(float64(dx)*stepX, float64(dy)*stepY))
			}
		}
	}
	return best, bestScore
}

// adapt blends template with appearance at box
func (tt *TemplateTracker) adapt(gray *image.Gray, box BBox) {
	if tt.cfg.LearningRate <= 0 {
		return
	}
	patch := tt.samplePatch(gray, box)
	if patch == nil {
		return
	}
	lr := tt.cfg.LearningRate
	for i := range tt.template {
		tt.template[i] = (1-lr)*tt.template[i] + lr*patch[i]
	}
	normalize(tt.template)
}

func (tt *TemplateTracker) grayscale(frame image.Image) *image.Gray {
	if frame == tt.lastFrame && tt.lastGray != nil {
		return tt.lastGray
	}
	if g, ok := frame.(*image.Gray); ok {
		tt.lastFrame, tt.lastGray = frame, g
		return g
	}
	bounds := frame.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, frame, bounds.Min, draw.Src)
	tt.lastFrame, tt.lastGray = frame, gray
	return gray
}

// samplePatch resamples box region into PatchSize x PatchSize vector with zero mean and unit norm.
// Returns nil for textureless regions.
func (tt *TemplateTracker) samplePatch(gray *image.Gray, box BBox) []float64 {
	src := box.Rect().Intersect(gray.Bounds())
	if src.Empty() {
		return nil
	}
	size := tt.cfg.PatchSize
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), gray, src, draw.Src, nil)
	patch := make([]float64, len(dst.Pix))
	for i, v := range dst.Pix {
		patch[i] = float64(v)
	}
	if !normalize(patch) {
		return nil
	}
	return patch
}

// normalize makes vector zero mean and unit norm in place. Returns false for constant vectors.
func normalize(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	mean := 0.0
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	norm := 0.0
	for i := range v {
		v[i] -= mean
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-9 {
		return false
	}
	for i := range v {
		v[i] /= norm
	}
	return true
}

// correlate returns normalized cross-correlation of two normalized patches.
func correlate(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(-1)
	}
	score := 0.0
	for i := range a {
		score += a[i] * b[i]
	}
	return score
}

func insideBounds(box BBox, bounds image.Rectangle) bool {
	return box.X1 >= float64(bounds.Min.X) && box.Y1 >= float64(bounds.Min.Y) &&
		box.X2 <= float64(bounds.Max.X) && box.Y2 <= float64(bounds.Max.Y)
}
