package recognize

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// HNSWMaxNeighbors is M parameter of the graph
	HNSWMaxNeighbors = 16
	// DefaultMaxDistance is the largest cosine distance still treated as the same person
	DefaultMaxDistance = 0.35
)

// EmbeddingSink persists descriptors of minted identities
type EmbeddingSink interface {
	SaveEmbedding(ctx context.Context, identity string, vector []float32, at time.Time) error
}

// Index resolves embeddings to identities with approximate nearest neighbour search.
// It implements visitors.Recognizer and is safe for concurrent use, so several
// streams may share one index and therefore one visitor namespace.
type Index struct {
	embedder    Embedder
	maxDistance float32
	sink        EmbeddingSink

	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	dim   int
}

// NewIndex creates empty index. sink may be nil
func NewIndex(embedder Embedder, maxDistance float64, sink EmbeddingSink) *Index {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return &Index{
		embedder:    embedder,
		maxDistance: float32(maxDistance),
		sink:        sink,
		graph:       g,
	}
}

// Seed adds known identities, e.g. loaded from storage. Vectors of
// a dimension different from the first one are skipped. Returns number of added vectors.
func (idx *Index) Seed(identities []string, vectors [][]float32) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	added := 0
	for i := range identities {
		if i >= len(vectors) || !idx.acceptsDim(len(vectors[i])) {
			continue
		}
		idx.add(identities[i], vectors[i])
		added++
	}
	return added
}

// Len returns number of known identities
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Embed delegates to the embedder
func (idx *Index) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	return idx.embedder.Embed(ctx, crop)
}

// Resolve returns the closest known identity within max distance
func (idx *Index) Resolve(ctx context.Context, embedding []float32) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.graph.Len() == 0 || len(embedding) != idx.dim {
		return "", false
	}
	neighbors := idx.graph.Search(embedding, 1)
	if len(neighbors) == 0 {
		return "", false
	}
	best := neighbors[0]
	if hnsw.CosineDistance(embedding, best.Value) > idx.maxDistance {
		return "", false
	}
	return best.Key, true
}

// Mint registers embedding under a fresh identity and persists it when sink is set.
// Embeddings of foreign dimension get identity but are not indexed.
func (idx *Index) Mint(ctx context.Context, embedding []float32) string {
	identity := uuid.NewString()
	idx.mu.Lock()
	indexed := idx.acceptsDim(len(embedding))
	if indexed {
		idx.add(identity, embedding)
	}
	idx.mu.Unlock()

	if !indexed {
		log.Warn().Str("identity", identity).Int("dim", len(embedding)).Msg("Embedding dimension mismatch, identity is not indexed")
		return identity
	}
	if idx.sink != nil {
		if err := idx.sink.SaveEmbedding(ctx, identity, embedding, time.Now()); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("Can't persist embedding")
		}
	}
	return identity
}

func (idx *Index) acceptsDim(dim int) bool {
	if dim == 0 {
		return false
	}
	return idx.dim == 0 || idx.dim == dim
}

// add must be called with write lock held
func (idx *Index) add(identity string, vector []float32) {
	if idx.dim == 0 {
		idx.dim = len(vector)
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	idx.graph.Add(hnsw.MakeNode(identity, stored))
}
