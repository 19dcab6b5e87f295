package recognize

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/LdDl/mot-visitors/visitors"
	"github.com/coder/hnsw"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faceLike renders gradient whose direction depends on angle
func faceLike(size int, angle float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	dx, dy := math.Cos(angle), math.Sin(angle)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 128 + 100*math.Sin((float64(x)*dx+float64(y)*dy)/6.0)
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

type recordingSink struct {
	mu    sync.Mutex
	saved map[string][]float32
}

func (rs *recordingSink) SaveEmbedding(ctx context.Context, identity string, vector []float32, at time.Time) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.saved == nil {
		rs.saved = make(map[string][]float32)
	}
	rs.saved[identity] = vector
	return nil
}

func TestPatchEmbedder(t *testing.T) {
	pe := NewPatchEmbedder(16)
	ctx := context.Background()

	a, err := pe.Embed(ctx, faceLike(64, 0))
	require.NoError(t, err)
	require.Len(t, a, pe.Dim())

	again, err := pe.Embed(ctx, faceLike(64, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0, hnsw.CosineDistance(a, again), 1e-5)

	// Orthogonal stripes have nothing in common
	other, err := pe.Embed(ctx, faceLike(64, math.Pi/2))
	require.NoError(t, err)
	assert.Greater(t, hnsw.CosineDistance(a, other), float32(0.5))

	flat := image.NewGray(image.Rect(0, 0, 32, 32))
	_, err = pe.Embed(ctx, flat)
	assert.True(t, errors.Is(err, visitors.ErrNoEmbedding))
	_, err = pe.Embed(ctx, image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.True(t, errors.Is(err, visitors.ErrNoEmbedding))
}

func TestIndexResolveAndMint(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	idx := NewIndex(NewPatchEmbedder(16), 0.2, sink)

	a, err := idx.Embed(ctx, faceLike(64, 0))
	require.NoError(t, err)
	_, ok := idx.Resolve(ctx, a)
	assert.False(t, ok, "empty index resolves nothing")

	first := idx.Mint(ctx, a)
	second := idx.Mint(ctx, a)
	assert.NotEqual(t, first, second, "minted identities are unique")
	assert.Equal(t, 2, idx.Len())
	assert.Contains(t, sink.saved, first)

	resolved, ok := idx.Resolve(ctx, a)
	require.True(t, ok)
	assert.Contains(t, []string{first, second}, resolved)

	b, err := idx.Embed(ctx, faceLike(64, math.Pi/2))
	require.NoError(t, err)
	_, ok = idx.Resolve(ctx, b)
	assert.False(t, ok, "different face must not resolve")

	_, ok = idx.Resolve(ctx, []float32{1, 0, 0})
	assert.False(t, ok, "foreign dimension must not resolve")
	foreign := idx.Mint(ctx, []float32{1, 0, 0})
	assert.NotEmpty(t, foreign)
	assert.Equal(t, 2, idx.Len(), "foreign dimension is not indexed")
}

func TestIndexSeed(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewPatchEmbedder(16), 0, nil)
	a, _ := idx.Embed(ctx, faceLike(64, 0))
	b, _ := idx.Embed(ctx, faceLike(64, math.Pi/2))
	added := idx.Seed([]string{"alice", "bob", "broken"}, [][]float32{a, b, {1, 2}})
	assert.Equal(t, 2, added)

	identity, ok := idx.Resolve(ctx, a)
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	identity, ok = idx.Resolve(ctx, b)
	require.True(t, ok)
	assert.Equal(t, "bob", identity)
}

func TestIndexIsRecognizer(t *testing.T) {
	var _ visitors.Recognizer = NewIndex(NewPatchEmbedder(8), 0, nil)
}

func TestHTTPEmbedder(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed/face", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file.Close()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dim":       3,
			"embedding": []float32{0.1, 0.2, 0.3},
			"model":     "test",
		})
	}))
	defer server.Close()

	he := NewHTTPEmbedder(server.URL+"/", "", time.Second)
	vector, err := he.Embed(context.Background(), faceLike(32, 0))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Contains(t, gotContentType, "multipart/form-data")
}

func TestHTTPEmbedderErrors(t *testing.T) {
	var status int
	var payload string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(payload))
	}))
	defer server.Close()
	he := NewHTTPEmbedder(server.URL, "/embed/face", time.Second)
	ctx := context.Background()

	status, payload = http.StatusInternalServerError, "boom"
	_, err := he.Embed(ctx, faceLike(32, 0))
	assert.Error(t, err)

	status, payload = http.StatusOK, `{"dim": 0, "embedding": []}`
	_, err = he.Embed(ctx, faceLike(32, 0))
	assert.True(t, errors.Is(err, visitors.ErrNoEmbedding))

	status, payload = http.StatusOK, `{"dim": 5, "embedding": [1, 2]}`
	_, err = he.Embed(ctx, faceLike(32, 0))
	assert.Error(t, err)

	_, err = he.Embed(ctx, image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.True(t, errors.Is(err, visitors.ErrNoEmbedding))
}
