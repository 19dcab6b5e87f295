package visitors

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type storeJob struct {
	ctx      context.Context
	identity string
	op       string
	apply    func(ctx context.Context) error
}

// AsyncStore wraps VisitorStore and applies writes on background workers.
// Writes are sharded by identity, so writes of one identity keep submission order.
// Reads go straight to the wrapped store and may not see queued writes yet.
type AsyncStore struct {
	backend VisitorStore
	shards  []chan storeJob
	group   errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewAsyncStore starts workers goroutines, each owning a queue of given capacity.
// Submitting to a full queue blocks until there is room or context is done.
func NewAsyncStore(backend VisitorStore, workers, capacity int) *AsyncStore {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	as := &AsyncStore{
		backend: backend,
		shards:  make([]chan storeJob, workers),
	}
	for i := range as.shards {
		shard := make(chan storeJob, capacity)
		as.shards[i] = shard
		as.group.Go(func() error {
			for job := range shard {
				if err := job.apply(job.ctx); err != nil {
					log.Warn().Err(err).Str("identity", job.identity).Str("op", job.op).Msg("Async store write failed")
				}
			}
			return nil
		})
	}
	return as
}

// Exists is applied synchronously
func (as *AsyncStore) Exists(ctx context.Context, identity string) (bool, error) {
	return as.backend.Exists(ctx, identity)
}

// Stats is applied synchronously
func (as *AsyncStore) Stats(ctx context.Context) (Stats, error) {
	return as.backend.Stats(ctx)
}

// AddVisitor queues visitor creation
func (as *AsyncStore) AddVisitor(ctx context.Context, identity string, at time.Time) error {
	return as.submit(ctx, identity, "add_visitor", func(ctx context.Context) error {
		return as.backend.AddVisitor(ctx, identity, at)
	})
}

// TouchLastSeen queues last seen update
func (as *AsyncStore) TouchLastSeen(ctx context.Context, identity string, at time.Time) error {
	return as.submit(ctx, identity, "touch_last_seen", func(ctx context.Context) error {
		return as.backend.TouchLastSeen(ctx, identity, at)
	})
}

// LogEvent queues event
func (as *AsyncStore) LogEvent(ctx context.Context, event Event) error {
	return as.submit(ctx, event.Identity, "log_event", func(ctx context.Context) error {
		return as.backend.LogEvent(ctx, event)
	})
}

// SaveEmbedding queues descriptor write on the shard of identity, so it keeps
// order with other writes of that identity. Fails with ErrNoEmbeddingStore
// when backend has no embeddings.
func (as *AsyncStore) SaveEmbedding(ctx context.Context, identity string, vector []float32, at time.Time) error {
	backend, ok := as.backend.(EmbeddingStore)
	if !ok {
		return ErrNoEmbeddingStore
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	return as.submit(ctx, identity, "save_embedding", func(ctx context.Context) error {
		return backend.SaveEmbedding(ctx, identity, stored, at)
	})
}

// Pending returns number of queued writes
func (as *AsyncStore) Pending() int {
	total := 0
	for _, shard := range as.shards {
		total += len(shard)
	}
	return total
}

// Close stops accepting writes and waits until every queued write is applied.
func (as *AsyncStore) Close() error {
	as.mu.Lock()
	if as.closed {
		as.mu.Unlock()
		return nil
	}
	as.closed = true
	for _, shard := range as.shards {
		close(shard)
	}
	as.mu.Unlock()
	return as.group.Wait()
}

func (as *AsyncStore) submit(ctx context.Context, identity, op string, apply func(ctx context.Context) error) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.closed {
		return ErrQueueClosed
	}
	job := storeJob{
		// Queued writes must outlive the frame which produced them
		ctx:      context.WithoutCancel(ctx),
		identity: identity,
		op:       op,
		apply:    apply,
	}
	select {
	case as.shards[as.shardFor(identity)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (as *AsyncStore) shardFor(identity string) int {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return int(h.Sum32() % uint32(len(as.shards)))
}
