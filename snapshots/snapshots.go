// Package snapshots stores face crops on disk.
//
// Layout is <baseDir>/entries/<YYYY-MM-DD>/<identity>_<kind>_<YYYY-MM-DD_HH-MM-SS>.jpg
package snapshots

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const (
	dayLayout   = "2006-01-02"
	stampLayout = "2006-01-02_15-04-05"
)

// Saver writes JPEG crops under base directory
type Saver struct {
	baseDir string
	quality int
}

// NewSaver creates saver rooted at baseDir
func NewSaver(baseDir string, quality int) *Saver {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Saver{
		baseDir: baseDir,
		quality: quality,
	}
}

// Path returns where crop of identity taken at given time is stored
func (s *Saver) Path(identity, kind string, at time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.jpg", identity, kind, at.Format(stampLayout))
	return filepath.Join(s.baseDir, "entries", at.Format(dayLayout), name)
}

// SaveCrop writes crop and returns its path
func (s *Saver) SaveCrop(crop image.Image, identity, kind string, at time.Time) (string, error) {
	if crop == nil || crop.Bounds().Empty() {
		return "", errors.New("empty crop")
	}
	path := s.Path(identity, kind, at)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "can't create crops directory")
	}
	if err := imaging.Save(crop, path, imaging.JPEGQuality(s.quality)); err != nil {
		return "", errors.Wrapf(err, "can't save %s", path)
	}
	return path, nil
}
