package frames

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveFrame(t *testing.T, path string, width int) {
	t.Helper()
	img := imaging.New(width, 20, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

func TestDirSource_LexicalOrder(t *testing.T) {
	dir := t.TempDir()
	saveFrame(t, filepath.Join(dir, "frame_0002.png"), 20)
	saveFrame(t, filepath.Join(dir, "frame_0001.jpg"), 10)
	saveFrame(t, filepath.Join(dir, "frame_0003.bmp"), 30)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))

	src, err := NewDirSource(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	ctx := context.Background()
	for i, width := range []int{10, 20, 30} {
		frame, err := src.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, frame.Index)
		assert.Equal(t, image.Rect(0, 0, width, 20), frame.Image.Bounds())
	}
	_, err = src.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestDirSource_Empty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("#"), 0o644))

	_, err := NewDirSource(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFrames))

	_, err = NewDirSource(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestDirSource_CorruptFrame(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("not an image"), 0o644))
	saveFrame(t, filepath.Join(dir, "b.png"), 12)

	src, err := NewDirSource(dir)
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	assert.Error(t, err)

	// Broken frame is skipped, the stream continues
	frame, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Index)
}

func TestDirSource_Cancelled(t *testing.T) {
	dir := t.TempDir()
	saveFrame(t, filepath.Join(dir, "a.png"), 12)

	src, err := NewDirSource(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
