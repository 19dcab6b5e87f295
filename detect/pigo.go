// Package detect finds faces in frames with the pigo pixel-intensity-comparison cascade.
package detect

import (
	"context"
	"image"
	"os"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
)

// PigoConfig holds cascade parameters
type PigoConfig struct {
	// Path to the binary "facefinder" cascade
	CascadePath string `yaml:"cascade_path"`
	// Smallest and largest detection window side in pixels
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
	// Window step as a fraction of window size
	ShiftFactor float64 `yaml:"shift_factor"`
	// Window growth between scales
	ScaleFactor float64 `yaml:"scale_factor"`
	// In-plane rotation in [0, 1], where 1 is 2*Pi
	Angle float64 `yaml:"angle"`
	// Overlapping windows above this IoU are merged
	ClusterIoU float64 `yaml:"cluster_iou"`
	// Detections with cascade score below this are discarded
	MinScore float64 `yaml:"min_score"`
	// Cascade score mapped to confidence 1.0
	ScoreNorm float64 `yaml:"score_norm"`
}

// DefaultPigoConfig returns parameters used by pigo examples
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		MinSize:     20,
		MaxSize:     1000,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		Angle:       0.0,
		ClusterIoU:  0.2,
		MinScore:    5.0,
		ScoreNorm:   20.0,
	}
}

// PigoDetector implements face detection. Safe for concurrent use,
// classifier is never modified after unpacking.
type PigoDetector struct {
	cfg        PigoConfig
	classifier *pigo.Pigo
}

// NewPigoDetectorFromFile reads cascade from cfg.CascadePath
func NewPigoDetectorFromFile(cfg PigoConfig) (*PigoDetector, error) {
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, errors.Wrap(err, "can't read cascade file")
	}
	return NewPigoDetector(cfg, cascade)
}

// NewPigoDetector unpacks cascade
func NewPigoDetector(cfg PigoConfig, cascade []byte) (*PigoDetector, error) {
	if cfg.MinSize <= 0 || cfg.MaxSize < cfg.MinSize {
		return nil, errors.Errorf("bad window sizes: min %d, max %d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.ScaleFactor <= 1.0 {
		return nil, errors.Errorf("scale factor must be greater than 1, got %f", cfg.ScaleFactor)
	}
	if cfg.ScoreNorm <= 0 {
		cfg.ScoreNorm = DefaultPigoConfig().ScoreNorm
	}
	classifier, err := unpack(cascade)
	if err != nil {
		return nil, err
	}
	return &PigoDetector{
		cfg:        cfg,
		classifier: classifier,
	}, nil
}

// unpack guards against malformed cascades. pigo indexes the packet without bounds checks
func unpack(cascade []byte) (classifier *pigo.Pigo, err error) {
	if len(cascade) < 16 {
		return nil, errors.Errorf("cascade is too short: %d bytes", len(cascade))
	}
	defer func() {
		if r := recover(); r != nil {
			classifier = nil
			err = errors.Errorf("malformed cascade: %v", r)
		}
	}()
	classifier, err = pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, errors.Wrap(err, "can't unpack cascade")
	}
	return classifier, nil
}

// Detect returns face boxes in frame coordinates. Frame is not modified.
func (pd *PigoDetector) Detect(ctx context.Context, frame image.Image) ([]mot.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds := frame.Bounds()
	if bounds.Empty() {
		return nil, nil
	}
	src := frame
	// Grayscale conversion expects origin at (0, 0)
	if bounds.Min != (image.Point{}) {
		src = imaging.Clone(frame)
	}
	cols, rows := bounds.Dx(), bounds.Dy()
	maxSize := pd.cfg.MaxSize
	if side := minInt(cols, rows); maxSize > side {
		maxSize = side
	}
	if pd.cfg.MinSize > maxSize {
		return nil, nil
	}

	params := pigo.CascadeParams{
		MinSize:     pd.cfg.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: pd.cfg.ShiftFactor,
		ScaleFactor: pd.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	faces := pd.classifier.RunCascade(params, pd.cfg.Angle)
	faces = pd.classifier.ClusterDetections(faces, pd.cfg.ClusterIoU)

	frameBox := image.Rect(0, 0, cols, rows)
	detections := make([]mot.Detection, 0, len(faces))
	for _, face := range faces {
		if float64(face.Q) < pd.cfg.MinScore {
			continue
		}
		det, ok := pd.toDetection(face, frameBox)
		if !ok {
			continue
		}
		// Back to the frame's own coordinates
		det.Box = det.Box.Translate(float64(bounds.Min.X), float64(bounds.Min.Y))
		detections = append(detections, det)
	}
	return detections, nil
}

// toDetection converts square window centered at (Col, Row) into a clamped box
func (pd *PigoDetector) toDetection(face pigo.Detection, frameBox image.Rectangle) (mot.Detection, bool) {
	side := float64(face.Scale)
	box := mot.NewBBoxFromCenter(float64(face.Col), float64(face.Row), side, side).ClampTo(frameBox)
	if box.IsDegenerate() {
		return mot.Detection{}, false
	}
	confidence := float64(face.Q) / pd.cfg.ScoreNorm
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0 {
		confidence = 0
	}
	return mot.Detection{Box: box, Confidence: confidence}, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
