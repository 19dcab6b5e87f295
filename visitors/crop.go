package visitors

import (
	"image"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/disintegration/imaging"
)

// cropBox copies region of frame under box. Box is clamped to frame bounds first.
func cropBox(frame image.Image, box mot.BBox) (image.Image, error) {
	if frame == nil {
		return nil, ErrEmptyCrop
	}
	bounds := frame.Bounds()
	rect := box.ClampTo(bounds).Rect().Intersect(bounds)
	if rect.Empty() {
		return nil, ErrEmptyCrop
	}
	return imaging.Crop(frame, rect), nil
}
