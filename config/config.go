// Package config loads visitor counter settings from YAML with environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LdDl/mot-visitors/detect"
	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/recognize"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "VISITORS_"

const (
	EmbedderPatch = "patch"
	EmbedderHTTP  = "http"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Tracker    TrackerConfig     `yaml:"tracker"`
	Detector   detect.PigoConfig `yaml:"detector"`
	Recognizer RecognizerConfig  `yaml:"recognizer"`
	Storage    StorageConfig     `yaml:"storage"`
	Queue      QueueConfig       `yaml:"queue"`
	Web        WebConfig         `yaml:"web"`
	Video      VideoConfig       `yaml:"video"`
	Streams    []StreamConfig    `yaml:"streams"`
}

type PipelineConfig struct {
	DetectionSkipFrames   int     `yaml:"detection_skip_frames"`
	ExitTimeoutSeconds    float64 `yaml:"exit_timeout_seconds"`
	TrackerFailureCeiling int     `yaml:"tracker_failure_ceiling"`
	MatchIoUThreshold     float64 `yaml:"match_iou_threshold"`
	MatchAlgorithm        string  `yaml:"match_algorithm"`
	ProgressEvery         int     `yaml:"progress_every"`
}

// TrackerConfig mirrors mot.TemplateTrackerConfig
type TrackerConfig struct {
	PatchSize    int     `yaml:"patch_size"`
	SearchRadius float64 `yaml:"search_radius"`
	SearchSteps  int     `yaml:"search_steps"`
	MinScore     float64 `yaml:"min_score"`
	LearningRate float64 `yaml:"learning_rate"`
}

type RecognizerConfig struct {
	// "patch" (local descriptor) or "http" (embedding service)
	Embedder    string  `yaml:"embedder"`
	PatchSize   int     `yaml:"patch_size"`
	URL         string  `yaml:"url"`
	Endpoint    string  `yaml:"endpoint"`
	Timeout     string  `yaml:"timeout"`
	MaxDistance float64 `yaml:"max_distance"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Root for entries/<day>/ crops
	EntriesDir  string `yaml:"entries_dir"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type QueueConfig struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// VideoConfig is shared by video sources and annotated video outputs
type VideoConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	// Frame rate of annotated videos
	FPS int `yaml:"fps"`
}

// StreamConfig describes single camera stream. Frames come either from
// a directory of still images or from a video source
type StreamConfig struct {
	Name      string `yaml:"name"`
	FramesDir string `yaml:"frames_dir"`
	// Video file, rtsp:// URL, /dev/videoN device or http(s) MJPEG URL
	Source string `yaml:"source"`
	// Annotated frames are written here when set
	OutputDir string `yaml:"output_dir"`
	// Annotated video is written here when set
	OutputVideo string `yaml:"output_video"`
}

// Default returns configuration with every default applied and no streams
func Default() *Config {
	tracker := mot.DefaultTemplateTrackerConfig()
	pipeline := visitors.DefaultConfig()
	return &Config{
		Pipeline: PipelineConfig{
			DetectionSkipFrames:   pipeline.DetectionSkipFrames,
			ExitTimeoutSeconds:    pipeline.ExitTimeout.Seconds(),
			TrackerFailureCeiling: pipeline.TrackerFailureCeiling,
			MatchIoUThreshold:     pipeline.MatchIoUThreshold,
			MatchAlgorithm:        pipeline.MatchAlgorithm.String(),
			ProgressEvery:         pipeline.ProgressEvery,
		},
		Tracker: TrackerConfig{
			PatchSize:    tracker.PatchSize,
			SearchRadius: tracker.SearchRadius,
			SearchSteps:  tracker.SearchSteps,
			MinScore:     tracker.MinScore,
			LearningRate: tracker.LearningRate,
		},
		Detector: detect.DefaultPigoConfig(),
		Recognizer: RecognizerConfig{
			Embedder:    EmbedderPatch,
			PatchSize:   recognize.DefaultPatchSize,
			Endpoint:    recognize.DefaultEmbedEndpoint,
			Timeout:     "10s",
			MaxDistance: recognize.DefaultMaxDistance,
		},
		Storage: StorageConfig{
			DatabasePath: "visitors.db",
			EntriesDir:   ".",
			JPEGQuality:  90,
		},
		Queue: QueueConfig{
			Workers:  4,
			Capacity: 256,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Video: VideoConfig{
			FFmpegPath: "ffmpeg",
			FPS:        25,
		},
	}
}

// Load reads YAML file at path on top of defaults, then applies VISITORS_* environment
// overrides and validates the result. Empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "can't read config file '%s'", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "can't parse config file '%s'", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	cfg.Pipeline.DetectionSkipFrames = envInt("DETECTION_SKIP_FRAMES", cfg.Pipeline.DetectionSkipFrames)
	cfg.Pipeline.ExitTimeoutSeconds = envFloat("EXIT_TIMEOUT_SECONDS", cfg.Pipeline.ExitTimeoutSeconds)
	cfg.Pipeline.TrackerFailureCeiling = envInt("TRACKER_FAILURE_CEILING", cfg.Pipeline.TrackerFailureCeiling)
	cfg.Pipeline.MatchIoUThreshold = envFloat("MATCH_IOU_THRESHOLD", cfg.Pipeline.MatchIoUThreshold)
	cfg.Pipeline.MatchAlgorithm = envString("MATCH_ALGORITHM", cfg.Pipeline.MatchAlgorithm)

	cfg.Detector.CascadePath = envString("CASCADE_PATH", cfg.Detector.CascadePath)

	cfg.Recognizer.Embedder = envString("EMBEDDER", cfg.Recognizer.Embedder)
	cfg.Recognizer.URL = envString("EMBEDDING_URL", cfg.Recognizer.URL)
	cfg.Recognizer.MaxDistance = envFloat("MAX_DISTANCE", cfg.Recognizer.MaxDistance)

	cfg.Storage.DatabasePath = envString("DATABASE_PATH", cfg.Storage.DatabasePath)
	cfg.Storage.EntriesDir = envString("ENTRIES_DIR", cfg.Storage.EntriesDir)

	cfg.Queue.Workers = envInt("QUEUE_WORKERS", cfg.Queue.Workers)
	cfg.Queue.Capacity = envInt("QUEUE_CAPACITY", cfg.Queue.Capacity)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)

	cfg.Video.FFmpegPath = envString("FFMPEG_PATH", cfg.Video.FFmpegPath)
}

// Validate checks ranges of every setting
func (cfg *Config) Validate() error {
	p := cfg.Pipeline
	if p.DetectionSkipFrames < 1 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.detection_skip_frames must be >= 1, got %d", p.DetectionSkipFrames)
	}
	if p.ExitTimeoutSeconds <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.exit_timeout_seconds must be > 0, got %v", p.ExitTimeoutSeconds)
	}
	if p.TrackerFailureCeiling < 0 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.tracker_failure_ceiling must be >= 0, got %d", p.TrackerFailureCeiling)
	}
	if p.MatchIoUThreshold < 0 || p.MatchIoUThreshold >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.match_iou_threshold must be in [0, 1), got %v", p.MatchIoUThreshold)
	}
	if _, ok := mot.ParseMatchingAlgorithm(p.MatchAlgorithm); !ok {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.match_algorithm '%s' is not supported", p.MatchAlgorithm)
	}
	if p.ProgressEvery < 0 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.progress_every must be >= 0, got %d", p.ProgressEvery)
	}

	switch cfg.Recognizer.Embedder {
	case EmbedderPatch:
		if cfg.Recognizer.PatchSize < 2 {
			return errors.Wrapf(ErrInvalidConfig, "recognizer.patch_size must be >= 2, got %d", cfg.Recognizer.PatchSize)
		}
	case EmbedderHTTP:
		if cfg.Recognizer.URL == "" {
			return errors.Wrap(ErrInvalidConfig, "recognizer.url is required for http embedder")
		}
		if _, err := cfg.Recognizer.TimeoutDuration(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "recognizer.timeout: %v", err)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "recognizer.embedder '%s' is not supported", cfg.Recognizer.Embedder)
	}
	if cfg.Recognizer.MaxDistance <= 0 || cfg.Recognizer.MaxDistance > 2 {
		return errors.Wrapf(ErrInvalidConfig, "recognizer.max_distance must be in (0, 2], got %v", cfg.Recognizer.MaxDistance)
	}

	if cfg.Storage.DatabasePath == "" {
		return errors.Wrap(ErrInvalidConfig, "storage.database_path is required")
	}
	if cfg.Storage.JPEGQuality < 1 || cfg.Storage.JPEGQuality > 100 {
		return errors.Wrapf(ErrInvalidConfig, "storage.jpeg_quality must be in [1, 100], got %d", cfg.Storage.JPEGQuality)
	}
	if cfg.Queue.Workers < 1 {
		return errors.Wrapf(ErrInvalidConfig, "queue.workers must be >= 1, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.Capacity < 1 {
		return errors.Wrapf(ErrInvalidConfig, "queue.capacity must be >= 1, got %d", cfg.Queue.Capacity)
	}
	if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "web.port must be in [1, 65535], got %d", cfg.Web.Port)
	}

	seen := make(map[string]struct{}, len(cfg.Streams))
	for i, s := range cfg.Streams {
		if s.Name == "" {
			return errors.Wrapf(ErrInvalidConfig, "streams[%d].name is required", i)
		}
		if _, ok := seen[s.Name]; ok {
			return errors.Wrapf(ErrInvalidConfig, "stream name '%s' is used twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if (s.FramesDir == "") == (s.Source == "") {
			return errors.Wrapf(ErrInvalidConfig, "streams[%d] needs exactly one of frames_dir and source", i)
		}
	}
	if cfg.Video.FFmpegPath == "" {
		return errors.Wrap(ErrInvalidConfig, "video.ffmpeg_path is required")
	}
	if cfg.Video.FPS < 1 {
		return errors.Wrapf(ErrInvalidConfig, "video.fps must be >= 1, got %d", cfg.Video.FPS)
	}
	return nil
}

// PipelineSettings converts settings to visitors.Config. Call after Validate
func (cfg *Config) PipelineSettings() visitors.Config {
	algo, _ := mot.ParseMatchingAlgorithm(cfg.Pipeline.MatchAlgorithm)
	return visitors.Config{
		DetectionSkipFrames:   cfg.Pipeline.DetectionSkipFrames,
		ExitTimeout:           time.Duration(cfg.Pipeline.ExitTimeoutSeconds * float64(time.Second)),
		TrackerFailureCeiling: cfg.Pipeline.TrackerFailureCeiling,
		MatchIoUThreshold:     cfg.Pipeline.MatchIoUThreshold,
		MatchAlgorithm:        algo,
		ProgressEvery:         cfg.Pipeline.ProgressEvery,
	}
}

// TrackerSettings converts settings to mot.TemplateTrackerConfig
func (cfg *Config) TrackerSettings() mot.TemplateTrackerConfig {
	tt := mot.DefaultTemplateTrackerConfig()
	tt.PatchSize = cfg.Tracker.PatchSize
	tt.SearchRadius = cfg.Tracker.SearchRadius
	tt.SearchSteps = cfg.Tracker.SearchSteps
	tt.MinScore = cfg.Tracker.MinScore
	tt.LearningRate = cfg.Tracker.LearningRate
	return tt
}

// TimeoutDuration parses HTTP embedder timeout
func (rc RecognizerConfig) TimeoutDuration() (time.Duration, error) {
	if rc.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(rc.Timeout)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %s", rc.Timeout)
	}
	return d, nil
}

// envString returns the trimmed environment value or the default if unset or blank.
func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(EnvPrefix + key)); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as an integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}
