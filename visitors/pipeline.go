package visitors

import (
	"context"
	"image"
	"time"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/timeutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds per-stream pipeline tuning
type Config struct {
	// Detector runs on every N-th frame
	DetectionSkipFrames int
	// Identity is retired when not seen for longer than this
	ExitTimeout time.Duration
	// Consecutive low-level tracker failures tolerated before eviction
	TrackerFailureCeiling int
	// Detection matches track only when IoU is strictly greater
	MatchIoUThreshold float64
	MatchAlgorithm    mot.MatchingAlgorithm
	// Progress is logged every N frames. Zero disables it
	ProgressEvery int
}

// DefaultConfig returns default pipeline tuning
func DefaultConfig() Config {
	return Config{
		DetectionSkipFrames:   5,
		ExitTimeout:           2 * time.Second,
		TrackerFailureCeiling: 30,
		MatchIoUThreshold:     0.5,
		MatchAlgorithm:        mot.MatchingAlgorithmGreedy,
		ProgressEvery:         100,
	}
}

// FrameReport tells what happened while processing single frame.
type FrameReport struct {
	FrameIndex   int
	DetectionRan bool
	// Non-nil when detector failed. Frame is still tracked
	DetectorErr error
	Detections  int
	Entered     []Outcome
	Continued   []Outcome
	Dropped     []Drop
	Exited      []Exit
	Active      int
}

// PipelineStats combines persisted statistics with in-memory state
type PipelineStats struct {
	Stats
	CurrentVisitors int `json:"current_faces"`
	FrameCount      int `json:"frame_count"`
}

// Option configures Pipeline
type Option func(*Pipeline)

// WithClock replaces wall clock. Useful for tests
func WithClock(clock timeutil.Clock) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithCropSaver enables saving of entry and exit crops
func WithCropSaver(crops CropSaver) Option {
	return func(p *Pipeline) {
		p.crops = crops
	}
}

// Pipeline processes frames of single stream sequentially.
// It owns its track registry and liveness records. Not safe for concurrent use.
type Pipeline struct {
	name       string
	cfg        Config
	detector   Detector
	recognizer Recognizer
	store      VisitorStore
	crops      CropSaver
	clock      timeutil.Clock
	matcher    *mot.Matcher
	registry   *mot.Registry
	lifecycle  *lifecycle
	logger     zerolog.Logger

	frameIndex int
	lastFrame  image.Image
	started    time.Time
	closed     bool
}

// NewPipeline creates pipeline for a stream called name
func NewPipeline(name string, cfg Config, detector Detector, recognizer Recognizer, store VisitorStore, factory mot.TrackerFactory, options ...Option) (*Pipeline, error) {
	if detector == nil || recognizer == nil || store == nil || factory == nil {
		return nil, errors.New("detector, recognizer, store and tracker factory are required")
	}
	if cfg.DetectionSkipFrames < 1 {
		return nil, errors.Errorf("detection skip frames must be positive, got %d", cfg.DetectionSkipFrames)
	}
	if cfg.ExitTimeout <= 0 {
		return nil, errors.Errorf("exit timeout must be positive, got %s", cfg.ExitTimeout)
	}
	if cfg.TrackerFailureCeiling < 0 {
		return nil, errors.Errorf("tracker failure ceiling can't be negative, got %d", cfg.TrackerFailureCeiling)
	}
	p := &Pipeline{
		name:       name,
		cfg:        cfg,
		detector:   detector,
		recognizer: recognizer,
		store:      store,
		clock:      timeutil.RealClock{},
		logger:     log.With().Str("stream", name).Logger(),
	}
	for _, option := range options {
		option(p)
	}
	p.matcher = mot.NewMatcher(cfg.MatchIoUThreshold, cfg.MatchAlgorithm)
	p.registry = mot.NewRegistry(factory, cfg.TrackerFailureCeiling)
	p.lifecycle = newLifecycle(p.registry, recognizer, store, p.crops, p.clock, cfg.ExitTimeout, p.logger)
	return p, nil
}

// Name returns stream name
func (p *Pipeline) Name() string {
	return p.name
}

// ProcessFrame runs one atomic unit of work: cadence decision, tracker advance,
// matching, lifecycle update and staleness sweep.
// Per-detection failures are reported in FrameReport, never returned.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame image.Image) (FrameReport, error) {
	if p.closed {
		return FrameReport{}, ErrPipelineClosed
	}
	if frame == nil {
		return FrameReport{}, errors.New("nil frame")
	}
	if err := ctx.Err(); err != nil {
		return FrameReport{}, err
	}
	if p.frameIndex == 0 {
		p.started = p.clock.Now()
	}
	p.frameIndex++
	p.lastFrame = frame
	report := FrameReport{
		FrameIndex: p.frameIndex,
	}
	touched := make(map[string]struct{})

	updates := p.registry.AdvanceAll(frame)
	for _, u := range updates {
		if !u.Failed {
			continue
		}
		p.logger.Info().Int64("track_id", int64(u.TrackID)).Str("identity", u.Identity).Msg("Track lost")
		if u.Identity == "" {
			continue
		}
		if exit, ok := p.lifecycle.retire(ctx, frame, u.Identity, ExitTrackerLost); ok {
			report.Exited = append(report.Exited, exit)
		}
	}

	p.lifecycle.observe(ctx, updates, touched)

	if ShouldRunDetection(p.frameIndex, p.cfg.DetectionSkipFrames) {
		report.DetectionRan = true
		p.processDetections(ctx, frame, &report, touched)
	}

	report.Exited = append(report.Exited, p.lifecycle.sweep(ctx, frame)...)
	report.Active = len(p.lifecycle.active)

	if p.cfg.ProgressEvery > 0 && p.frameIndex%p.cfg.ProgressEvery == 0 {
		p.logProgress()
	}
	return report, nil
}

func (p *Pipeline) processDetections(ctx context.Context, frame image.Image, report *FrameReport, touched map[string]struct{}) {
	detections, err := p.detector.Detect(ctx, frame)
	if err != nil {
		report.DetectorErr = err
		p.logger.Warn().Err(err).Int("frame", p.frameIndex).Msg("Detection failed")
		return
	}
	report.Detections = len(detections)

	result := p.matcher.Match(detections, p.registry.Tracks())
	for _, det := range result.Rejected {
		report.Dropped = append(report.Dropped, Drop{Box: det.Box, Reason: mot.ErrDegenerateBox})
	}
	for _, a := range result.Assignments {
		outcome, err := p.lifecycle.continueTrack(ctx, frame, a.TrackID, a.Detection.Box, touched)
		if err != nil {
			report.Dropped = append(report.Dropped, Drop{Box: a.Detection.Box, Reason: err})
			p.logger.Warn().Err(err).Int64("track_id", int64(a.TrackID)).Msg("Can't refresh track")
			continue
		}
		report.Continued = append(report.Continued, outcome)
	}
	for _, det := range result.Unmatched {
		outcome, entered, err := p.lifecycle.processNewFace(ctx, frame, det, touched)
		if err != nil {
			report.Dropped = append(report.Dropped, Drop{Box: det.Box, Reason: err})
			p.logger.Debug().Err(err).Int("frame", p.frameIndex).Msg("Detection dropped")
			continue
		}
		if entered {
			report.Entered = append(report.Entered, outcome)
		} else {
			report.Continued = append(report.Continued, outcome)
		}
	}
}

// Active returns liveness records ordered by identity
func (p *Pipeline) Active() []ActiveVisitor {
	return p.lifecycle.snapshot()
}

// FrameCount returns number of processed frames
func (p *Pipeline) FrameCount() int {
	return p.frameIndex
}

// Stats returns persisted statistics extended with current state
func (p *Pipeline) Stats(ctx context.Context) (PipelineStats, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return PipelineStats{}, errors.Wrap(err, "store stats")
	}
	return PipelineStats{
		Stats:           stats,
		CurrentVisitors: len(p.lifecycle.active),
		FrameCount:      p.frameIndex,
	}, nil
}

// Close logs exit for every active identity against the last processed frame
// and releases every low-level tracker. Further calls are no-ops.
func (p *Pipeline) Close(ctx context.Context) []Exit {
	if p.closed {
		return nil
	}
	p.closed = true
	exits := p.lifecycle.flush(ctx, p.lastFrame)
	p.registry.Close()
	p.logProgress()
	p.lastFrame = nil
	return exits
}

func (p *Pipeline) logProgress() {
	elapsed := p.clock.Since(p.started).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(p.frameIndex) / elapsed
	}
	p.logger.Info().Int("frames", p.frameIndex).Float64("fps", fps).Int("active", len(p.lifecycle.active)).Int("tracks", p.registry.Len()).Msg("Progress")
}
