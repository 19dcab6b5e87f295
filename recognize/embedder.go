// Package recognize resolves face crops to stable visitor identities.
package recognize

import (
	"context"
	"image"
	"math"

	"github.com/LdDl/mot-visitors/visitors"
	"golang.org/x/image/draw"
)

// DefaultPatchSize is side of the square patch PatchEmbedder samples
const DefaultPatchSize = 16

// Embedder computes face descriptor of a crop
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// PatchEmbedder describes crop by its downscaled grayscale appearance.
// It needs no external service and is good enough for a single camera
// with stable lighting.
type PatchEmbedder struct {
	size int
}

// NewPatchEmbedder creates embedder producing size*size descriptors
func NewPatchEmbedder(size int) *PatchEmbedder {
	if size <= 0 {
		size = DefaultPatchSize
	}
	return &PatchEmbedder{size: size}
}

// Dim returns descriptor length
func (pe *PatchEmbedder) Dim() int {
	return pe.size * pe.size
}

// Embed returns zero-mean unit-norm descriptor. Flat crops give ErrNoEmbedding.
func (pe *PatchEmbedder) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if crop == nil || crop.Bounds().Empty() {
		return nil, visitors.ErrNoEmbedding
	}
	dst := image.NewGray(image.Rect(0, 0, pe.size, pe.size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), crop, crop.Bounds(), draw.Src, nil)

	mean := 0.0
	for _, v := range dst.Pix {
		mean += float64(v)
	}
	mean /= float64(len(dst.Pix))
	norm := 0.0
	centered := make([]float64, len(dst.Pix))
	for i, v := range dst.Pix {
		centered[i] = float64(v) - mean
		norm += centered[i] * centered[i]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-6 {
		return nil, visitors.ErrNoEmbedding
	}
	vector := make([]float32, len(centered))
	for i, v := range centered {
		vector[i] = float32(v / norm)
	}
	return vector, nil
}
