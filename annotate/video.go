package annotate

import (
	"bytes"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// VideoWriter encodes annotated frames into a video file by piping JPEG
// frames into an ffmpeg subprocess.
type VideoWriter struct {
	path    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	closed  bool
	written int
}

func ffmpegOutputArgs(path string, fps int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "pipe:0",
		// libx264 wants even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	}
}

// NewVideoWriter starts ffmpeg at ffmpegPath writing path at fps frames per second
func NewVideoWriter(ffmpegPath, path string, fps int) (*VideoWriter, error) {
	if fps < 1 {
		return nil, errors.Errorf("bad video fps %d", fps)
	}
	vw := &VideoWriter{path: path}
	vw.cmd = exec.Command(ffmpegPath, ffmpegOutputArgs(path, fps)...)
	vw.cmd.Stderr = &vw.stderr
	stdin, err := vw.cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "can't get ffmpeg stdin")
	}
	vw.stdin = stdin
	if err := vw.cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "can't start %s", ffmpegPath)
	}
	return vw, nil
}

// WriteFrame appends frame to the video and returns the video path
func (vw *VideoWriter) WriteFrame(index int, frame image.Image) (string, error) {
	if vw.closed {
		return "", errors.New("video writer is closed")
	}
	if err := imaging.Encode(vw.stdin, frame, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", errors.Wrapf(err, "can't encode frame %d into %s", index, vw.path)
	}
	vw.written++
	return vw.path, nil
}

// Written returns number of frames sent to the encoder
func (vw *VideoWriter) Written() int {
	return vw.written
}

// Close finishes the video and waits for ffmpeg
func (vw *VideoWriter) Close() error {
	if vw.closed {
		return nil
	}
	vw.closed = true
	vw.stdin.Close()
	if err := vw.cmd.Wait(); err != nil {
		return errors.Wrapf(err, "ffmpeg failed on %s: %s", vw.path, strings.TrimSpace(vw.stderr.String()))
	}
	return nil
}
