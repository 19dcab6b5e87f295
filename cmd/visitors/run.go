package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/LdDl/mot-visitors/annotate"
	"github.com/LdDl/mot-visitors/config"
	"github.com/LdDl/mot-visitors/detect"
	"github.com/LdDl/mot-visitors/frames"
	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/recognize"
	"github.com/LdDl/mot-visitors/snapshots"
	"github.com/LdDl/mot-visitors/storage"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/LdDl/mot-visitors/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process configured streams",
	Long: `Feed every configured stream, a frames directory or a video source, through
its own tracking pipeline.
Streams run concurrently and share one visitor database and identity index,
so a person seen by two cameras is counted once.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSlice("stream", nil, "Process only streams with these names (default all)")
	runCmd.Flags().Bool("serve", false, "Serve dashboard API while streams are processed")
}

// streamGauges holds active visitor count of each running stream for the dashboard
type streamGauges struct {
	mu     sync.RWMutex
	gauges map[string]*atomic.Int64
}

func newStreamGauges(streams []config.StreamConfig) *streamGauges {
	sg := &streamGauges{gauges: make(map[string]*atomic.Int64, len(streams))}
	for _, s := range streams {
		sg.gauges[s.Name] = &atomic.Int64{}
	}
	return sg
}

func (sg *streamGauges) set(name string, n int) {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	if g, ok := sg.gauges[name]; ok {
		g.Store(int64(n))
	}
}

func (sg *streamGauges) snapshot() map[string]int {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	out := make(map[string]int, len(sg.gauges))
	for name, g := range sg.gauges {
		out[name] = int(g.Load())
	}
	return out
}

func selectStreams(all []config.StreamConfig, names []string) ([]config.StreamConfig, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]config.StreamConfig, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	selected := make([]config.StreamConfig, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("stream '%s' is not configured", name)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

func newEmbedder(cfg config.RecognizerConfig) (recognize.Embedder, error) {
	switch cfg.Embedder {
	case config.EmbedderHTTP:
		timeout, err := cfg.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		return recognize.NewHTTPEmbedder(cfg.URL, cfg.Endpoint, timeout), nil
	default:
		return recognize.NewPatchEmbedder(cfg.PatchSize), nil
	}
}

// seedIndex loads embeddings of known visitors so returning people keep their identity
func seedIndex(ctx context.Context, db *storage.DB, index *recognize.Index) error {
	stored, err := db.LoadEmbeddings(ctx)
	if err != nil {
		return err
	}
	identities := make([]string, 0, len(stored))
	vectors := make([][]float32, 0, len(stored))
	for _, e := range stored {
		identities = append(identities, e.Identity)
		vectors = append(vectors, e.Vector)
	}
	added := index.Seed(identities, vectors)
	log.Info().Int("stored", len(stored)).Int("indexed", added).Msg("Identity index seeded")
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	streams, err := selectStreams(cfg.Streams, mustGetStringSlice(cmd, "stream"))
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return fmt.Errorf("no streams configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	embedder, err := newEmbedder(cfg.Recognizer)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	// Identity and embedding writes share one bounded queue, sharded by identity
	store := visitors.NewAsyncStore(db, cfg.Queue.Workers, cfg.Queue.Capacity)
	defer store.Close()
	index := recognize.NewIndex(embedder, cfg.Recognizer.MaxDistance, store)
	if err := seedIndex(ctx, db, index); err != nil {
		return fmt.Errorf("seeding identity index: %w", err)
	}

	detector, err := detect.NewPigoDetectorFromFile(cfg.Detector)
	if err != nil {
		return fmt.Errorf("creating detector: %w", err)
	}

	saver := snapshots.NewSaver(cfg.Storage.EntriesDir, cfg.Storage.JPEGQuality)
	factory := mot.NewTemplateTrackerFactory(cfg.TrackerSettings())
	gauges := newStreamGauges(streams)

	pipelines := make([]*visitors.Pipeline, 0, len(streams))
	for _, s := range streams {
		p, err := visitors.NewPipeline(s.Name, cfg.PipelineSettings(), detector, index, store, factory, visitors.WithCropSaver(saver))
		if err != nil {
			return fmt.Errorf("creating pipeline '%s': %w", s.Name, err)
		}
		pipelines = append(pipelines, p)
	}

	var server *web.Server
	if mustGetBool(cmd, "serve") {
		server = web.NewServer(db, gauges.snapshot, cfg.Web.Host, cfg.Web.Port)
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("Web server failed")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range streams {
		p := pipelines[i]
		g.Go(func() error {
			return runStream(gctx, s, cfg.Video, p, db, gauges)
		})
	}
	runErr := g.Wait()

	// Pipelines are closed inside runStream, queued writes are drained here
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Persistence queue finished with errors")
	}

	if stats, err := db.Stats(context.Background()); err == nil {
		log.Info().
			Int("unique_visitors", stats.VisitorCount).
			Int("events", stats.EventCount).
			Int("entries", stats.EntryCount).
			Int("exits", stats.ExitCount).
			Msg("Final statistics")
	}

	if server != nil {
		if ctx.Err() == nil {
			log.Info().Msg("Streams finished, dashboard keeps serving until interrupted")
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Web server shutdown failed")
		}
	}
	return runErr
}

// frameWriter stores annotated frames
type frameWriter interface {
	WriteFrame(index int, frame image.Image) (string, error)
	Close() error
}

// openSource opens frames directory or video source of the stream
func openSource(ctx context.Context, sc config.StreamConfig, video config.VideoConfig) (frames.Source, string, error) {
	if sc.FramesDir != "" {
		src, err := frames.NewDirSource(sc.FramesDir)
		if err != nil {
			return nil, "", err
		}
		return src, sc.FramesDir, nil
	}
	src, err := frames.Open(ctx, sc.Source, video.FFmpegPath)
	if err != nil {
		return nil, "", err
	}
	return src, sc.Source, nil
}

// openWriters creates annotated outputs configured for the stream
func openWriters(sc config.StreamConfig, video config.VideoConfig) ([]frameWriter, error) {
	writers := make([]frameWriter, 0, 2)
	if sc.OutputDir != "" {
		w, err := annotate.NewWriter(sc.OutputDir)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if sc.OutputVideo != "" {
		w, err := annotate.NewVideoWriter(video.FFmpegPath, sc.OutputVideo, video.FPS)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return writers, nil
}

// runStream feeds frames of a single stream into its pipeline until the
// source is exhausted or ctx is cancelled. Exits of still visible identities
// are flushed on return.
func runStream(ctx context.Context, sc config.StreamConfig, video config.VideoConfig, p *visitors.Pipeline, totals *storage.DB, gauges *streamGauges) error {
	logger := log.With().Str("stream", sc.Name).Logger()
	defer func() {
		exits := p.Close(context.WithoutCancel(ctx))
		gauges.set(sc.Name, 0)
		logger.Info().Int("flushed_exits", len(exits)).Int("frames", p.FrameCount()).Msg("Stream stopped")
	}()

	source, origin, err := openSource(ctx, sc, video)
	if err != nil {
		return fmt.Errorf("stream '%s': %w", sc.Name, err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn().Err(err).Msg("Can't close source")
		}
	}()
	writers, err := openWriters(sc, video)
	if err != nil {
		return fmt.Errorf("stream '%s': %w", sc.Name, err)
	}
	defer func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				logger.Error().Err(err).Msg("Can't finish annotated output")
			}
		}
	}()
	logger.Info().Str("source", origin).Msg("Stream started")

	for {
		frame, err := source.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Skipping frame")
			continue
		}
		report, err := p.ProcessFrame(ctx, frame.Image)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream '%s' frame %d: %w", sc.Name, frame.Index, err)
		}
		gauges.set(sc.Name, report.Active)
		if len(writers) == 0 {
			continue
		}
		total, err := totals.UniqueVisitorCount(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Can't count visitors for overlay")
		}
		annotated := annotate.Render(frame.Image, p.Active(), total)
		for _, w := range writers {
			if _, err := w.WriteFrame(frame.Index, annotated); err != nil {
				logger.Warn().Err(err).Int("frame", frame.Index).Msg("Can't write annotated frame")
			}
		}
	}
}
