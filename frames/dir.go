package frames

import (
	"context"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrNoFrames = errors.New("no frames found")

var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// DirSource replays still images of a directory in lexical file name order.
// Not safe for concurrent use.
type DirSource struct {
	dir   string
	files []string
	pos   int
}

// NewDirSource lists supported images in dir. Subdirectories are ignored
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "can't list frames directory '%s'", dir)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNoFrames, "directory '%s'", dir)
	}
	sort.Strings(files)
	return &DirSource{
		dir:   dir,
		files: files,
	}, nil
}

// Len returns total number of frames
func (ds *DirSource) Len() int {
	return len(ds.files)
}

// Next decodes the next frame. Returns io.EOF after the last one
func (ds *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if ds.pos >= len(ds.files) {
		return Frame{}, io.EOF
	}
	path := filepath.Join(ds.dir, ds.files[ds.pos])
	ds.pos++
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, errors.Wrapf(err, "can't decode frame '%s'", path)
	}
	return Frame{
		Index: ds.pos,
		Path:  path,
		Image: img,
	}, nil
}

// Close is a no-op, files are opened per frame
func (ds *DirSource) Close() error {
	return nil
}
