// Package annotate renders visitor boxes and counters over frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor  = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	textColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Label returns short visitor label shown next to the box
func Label(identity string) string {
	if len(identity) > 8 {
		identity = identity[:8]
	}
	return "ID: " + identity
}

// Render draws active visitors and counters on a copy of frame.
func Render(frame image.Image, active []visitors.ActiveVisitor, totalVisitors int) *image.NRGBA {
	canvas := imaging.Clone(frame)
	for _, av := range active {
		// Clone moves origin to (0, 0)
		box := av.Box.Translate(-float64(frame.Bounds().Min.X), -float64(frame.Bounds().Min.Y))
		drawBox(canvas, box, 2)
		r := box.Rect()
		drawText(canvas, Label(av.Identity), r.Min.X, r.Min.Y-4, boxColor)
	}
	drawText(canvas, fmt.Sprintf("Total Visitors: %d", totalVisitors), 10, 30, textColor)
	drawText(canvas, fmt.Sprintf("Current: %d", len(active)), 10, 60, textColor)
	return canvas
}

func drawBox(canvas *image.NRGBA, box mot.BBox, thickness int) {
	r := box.Rect().Intersect(canvas.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			canvas.SetNRGBA(x, r.Min.Y+t, boxColor)
			canvas.SetNRGBA(x, r.Max.Y-1-t, boxColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			canvas.SetNRGBA(r.Min.X+t, y, boxColor)
			canvas.SetNRGBA(r.Max.X-1-t, y, boxColor)
		}
	}
}

// drawText writes text with baseline at (x, y). Text above the top edge is moved down.
func drawText(canvas *image.NRGBA, text string, x, y int, c color.Color) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// Writer saves annotated frames into a directory
type Writer struct {
	dir string
}

// NewWriter creates output directory if needed
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "can't create %s", dir)
	}
	return &Writer{dir: dir}, nil
}

// WriteFrame stores frame as frame_<index>.jpg and returns its path
func (w *Writer) WriteFrame(index int, frame image.Image) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("frame_%06d.jpg", index))
	if err := imaging.Save(frame, path, imaging.JPEGQuality(85)); err != nil {
		return "", errors.Wrapf(err, "can't save %s", path)
	}
	return path, nil
}

// Close is a no-op, every frame is a separate file
func (w *Writer) Close() error {
	return nil
}
