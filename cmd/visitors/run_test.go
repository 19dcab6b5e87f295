package main

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LdDl/mot-visitors/annotate"
	"github.com/LdDl/mot-visitors/config"
	"github.com/LdDl/mot-visitors/frames"
	"github.com/LdDl/mot-visitors/recognize"
	"github.com/LdDl/mot-visitors/storage"
	"github.com/LdDl/mot-visitors/visitors"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSelectStreams(t *testing.T) {
	all := []config.StreamConfig{
		{Name: "lobby", FramesDir: "/frames/lobby"},
		{Name: "gate", FramesDir: "/frames/gate"},
	}

	selected, err := selectStreams(all, nil)
	if err != nil || len(selected) != 2 {
		t.Fatalf("expected all streams, got %v (%v)", selected, err)
	}

	selected, err = selectStreams(all, []string{"gate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 || selected[0].Name != "gate" {
		t.Errorf("expected only gate, got %v", selected)
	}

	if _, err := selectStreams(all, []string{"parking"}); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestStreamGauges(t *testing.T) {
	sg := newStreamGauges([]config.StreamConfig{{Name: "lobby"}, {Name: "gate"}})
	sg.set("lobby", 3)
	sg.set("unknown", 7)

	snap := sg.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 gauges, got %d", len(snap))
	}
	if snap["lobby"] != 3 || snap["gate"] != 0 {
		t.Errorf("unexpected snapshot %v", snap)
	}
}

func TestNewEmbedder(t *testing.T) {
	e, err := newEmbedder(config.RecognizerConfig{Embedder: config.EmbedderPatch, PatchSize: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pe, ok := e.(*recognize.PatchEmbedder); !ok || pe.Dim() != 64 {
		t.Errorf("expected 8x8 patch embedder, got %T", e)
	}

	e, err = newEmbedder(config.RecognizerConfig{Embedder: config.EmbedderHTTP, URL: "http://embedder:8000", Timeout: "2s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.(*recognize.HTTPEmbedder); !ok {
		t.Errorf("expected http embedder, got %T", e)
	}

	if _, err := newEmbedder(config.RecognizerConfig{Embedder: config.EmbedderHTTP, Timeout: "never"}); err == nil {
		t.Error("expected error for bad timeout")
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := setupLogging("debug", "json", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", zerolog.GlobalLevel())
	}
	if err := setupLogging("loud", "json", ""); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := setupLogging("info", "xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetupLoggingFile(t *testing.T) {
	previous := log.Logger
	defer func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
	}()

	path := filepath.Join(t.TempDir(), "events.log")
	if err := setupLogging("info", "console", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info().Str("identity", "V1").Msg("Visitor entered")
	log.Debug().Msg("Below level")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, `"message":"Visitor entered"`) || !strings.Contains(content, `"identity":"V1"`) {
		t.Errorf("expected JSON record in log file, got %q", content)
	}
	if strings.Contains(content, "Below level") {
		t.Errorf("records below level should be dropped, got %q", content)
	}

	if err := setupLogging("info", "json", filepath.Join(t.TempDir(), "missing", "events.log")); err == nil {
		t.Error("expected error for unwritable log file")
	}
}

func TestMintedEmbeddingsGoThroughQueue(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "visitors.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	store := visitors.NewAsyncStore(db, 2, 4)
	index := recognize.NewIndex(recognize.NewPatchEmbedder(2), recognize.DefaultMaxDistance, store)
	ctx := context.Background()
	identity := index.Mint(ctx, []float32{0.5, 0.5, 0.5, 0.5})
	if err := store.AddVisitor(ctx, identity, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("closing queue: %v", err)
	}

	stored, err := db.LoadEmbeddings(ctx)
	if err != nil {
		t.Fatalf("loading embeddings: %v", err)
	}
	if len(stored) != 1 || stored[0].Identity != identity || len(stored[0].Vector) != 4 {
		t.Errorf("expected embedding of %s, got %+v", identity, stored)
	}
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	if err := imaging.Save(imaging.New(8, 8, image.White), filepath.Join(dir, "frame_0001.png")); err != nil {
		t.Fatalf("saving frame: %v", err)
	}
	video := config.Default().Video

	src, origin, err := openSource(context.Background(), config.StreamConfig{Name: "lobby", FramesDir: dir}, video)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()
	if _, ok := src.(*frames.DirSource); !ok || origin != dir {
		t.Errorf("expected directory source of %s, got %T (%s)", dir, src, origin)
	}

	if _, _, err := openSource(context.Background(), config.StreamConfig{Name: "gate", FramesDir: t.TempDir()}, video); err == nil {
		t.Error("expected error for empty frames directory")
	}
}

func TestOpenWriters(t *testing.T) {
	video := config.Default().Video

	writers, err := openWriters(config.StreamConfig{Name: "lobby"}, video)
	if err != nil || len(writers) != 0 {
		t.Fatalf("expected no writers, got %v (%v)", writers, err)
	}

	writers, err = openWriters(config.StreamConfig{Name: "lobby", OutputDir: filepath.Join(t.TempDir(), "annotated")}, video)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(writers) != 1 {
		t.Fatalf("expected one writer, got %d", len(writers))
	}
	if _, ok := writers[0].(*annotate.Writer); !ok {
		t.Errorf("expected frames writer, got %T", writers[0])
	}
}
