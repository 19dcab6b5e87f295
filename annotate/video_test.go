package annotate

import (
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestVideoWriter(t *testing.T) {
	// Last argument is the output path
	ffmpeg := fakeFFmpeg(t, `for last; do :; done; cat > "$last"`)
	out := filepath.Join(t.TempDir(), "lobby.mp4")

	vw, err := NewVideoWriter(ffmpeg, out, 25)
	if err != nil {
		t.Fatalf("NewVideoWriter failed: %v", err)
	}
	for i := 1; i <= 2; i++ {
		path, err := vw.WriteFrame(i, image.NewRGBA(image.Rect(0, 0, 20, 20)))
		if err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
		if path != out {
			t.Errorf("Expected %s, got %s", out, path)
		}
	}
	if err := vw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if vw.Written() != 2 {
		t.Errorf("Expected 2 written frames, got %d", vw.Written())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Video not written: %v", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("Expected JPEG frames piped to encoder, got %d bytes", len(data))
	}
	if _, err := vw.WriteFrame(3, image.NewRGBA(image.Rect(0, 0, 20, 20))); err == nil {
		t.Error("WriteFrame after Close should fail")
	}
}

func TestVideoWriterFailure(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, `cat > /dev/null; echo "Unknown encoder" >&2; exit 1`)
	vw, err := NewVideoWriter(ffmpeg, filepath.Join(t.TempDir(), "lobby.mp4"), 25)
	if err != nil {
		t.Fatalf("NewVideoWriter failed: %v", err)
	}
	err = vw.Close()
	if err == nil || !strings.Contains(err.Error(), "Unknown encoder") {
		t.Errorf("Expected encoder failure, got %v", err)
	}
}

func TestFFmpegOutputArgs(t *testing.T) {
	args := ffmpegOutputArgs("/out/lobby.mp4", 30)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-framerate 30") || !strings.Contains(joined, "-i pipe:0") {
		t.Errorf("Unexpected args %v", args)
	}
	if args[len(args)-1] != "/out/lobby.mp4" {
		t.Errorf("Output path should be last, got %v", args)
	}
	if _, err := NewVideoWriter("ffmpeg", "/out/lobby.mp4", 0); err == nil {
		t.Error("Zero fps should be rejected")
	}
}
