package snapshots

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/LdDl/mot-visitors/visitors"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaverPath(t *testing.T) {
	s := NewSaver("/data/logs", 0)
	at := time.Date(2024, 5, 17, 9, 4, 5, 0, time.UTC)
	expected := filepath.Join("/data/logs", "entries", "2024-05-17", "abc_entry_2024-05-17_09-04-05.jpg")
	assert.Equal(t, expected, s.Path("abc", "entry", at))
}

func TestSaverSaveCrop(t *testing.T) {
	dir := t.TempDir()
	s := NewSaver(dir, 85)
	crop := image.NewNRGBA(image.Rect(0, 0, 24, 16))
	for i := range crop.Pix {
		crop.Pix[i] = 200
	}
	crop.Set(3, 3, color.NRGBA{R: 10, A: 255})
	at := time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC)

	path, err := s.SaveCrop(crop, "v1", "exit", at)
	require.NoError(t, err)
	assert.Equal(t, s.Path("v1", "exit", at), path)

	saved, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 24, saved.Bounds().Dx())
	assert.Equal(t, 16, saved.Bounds().Dy())
}

func TestSaverRejectsEmpty(t *testing.T) {
	s := NewSaver(t.TempDir(), 90)
	_, err := s.SaveCrop(image.NewNRGBA(image.Rect(0, 0, 0, 0)), "v1", "entry", time.Now())
	assert.Error(t, err)
}

func TestSaverIsCropSaver(t *testing.T) {
	var _ visitors.CropSaver = NewSaver("", 0)
}
