// Package visitors turns per-frame detections and tracks into visitor entry and exit events.
package visitors

import (
	"context"
	"image"
	"time"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/pkg/errors"
)

var (
	// ErrEmptyCrop is returned when a box has no overlap with the frame
	ErrEmptyCrop = errors.New("empty crop")
	// ErrNoEmbedding is returned by recognizers which produced no embedding for a crop
	ErrNoEmbedding = errors.New("no embedding")
	// ErrQueueClosed is returned by AsyncStore after Close
	ErrQueueClosed = errors.New("persistence queue is closed")
	// ErrPipelineClosed is returned by Pipeline after Close
	ErrPipelineClosed = errors.New("pipeline is closed")
	// ErrNoEmbeddingStore is returned by AsyncStore when its backend can't keep embeddings
	ErrNoEmbeddingStore = errors.New("store does not keep embeddings")
)

// Detector finds faces in a frame. Implementations must not mutate frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]mot.Detection, error)
}

// Recognizer maps face crops to stable identities.
type Recognizer interface {
	// Embed computes descriptor of a face crop. Returns ErrNoEmbedding when crop is unusable.
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
	// Resolve returns known identity closest to embedding, if any is close enough.
	Resolve(ctx context.Context, embedding []float32) (string, bool)
	// Mint registers embedding under a fresh unique identity.
	Mint(ctx context.Context, embedding []float32) string
}

// VisitorStore persists visitors and their events.
type VisitorStore interface {
	Exists(ctx context.Context, identity string) (bool, error)
	AddVisitor(ctx context.Context, identity string, at time.Time) error
	TouchLastSeen(ctx context.Context, identity string, at time.Time) error
	LogEvent(ctx context.Context, event Event) error
	Stats(ctx context.Context) (Stats, error)
}

// EmbeddingStore is implemented by stores which also keep face descriptors of visitors.
type EmbeddingStore interface {
	SaveEmbedding(ctx context.Context, identity string, vector []float32, at time.Time) error
}

// CropSaver persists face crops and returns the stored path.
type CropSaver interface {
	SaveCrop(crop image.Image, identity, kind string, at time.Time) (string, error)
}

// EventType is either entry or exit
type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
)

// Event is a persisted visitor appearance or disappearance.
type Event struct {
	Identity  string    `json:"identity"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	// Empty when no crop could be saved
	ImagePath string `json:"image_path,omitempty"`
	// Detection confidence. Nil for exits
	Confidence *float64 `json:"confidence,omitempty"`
}

// Stats summarizes persisted history
type Stats struct {
	VisitorCount int `json:"unique_visitors"`
	EventCount   int `json:"total_events"`
	EntryCount   int `json:"entries"`
	ExitCount    int `json:"exits"`
}
