package frames

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultFFmpegPath is used when no ffmpeg binary is configured
const DefaultFFmpegPath = "ffmpeg"

// FFmpegSource decodes a video file, RTSP stream or capture device with an
// ffmpeg subprocess which writes MJPEG frames to its stdout.
// Not safe for concurrent use.
type FFmpegSource struct {
	location string
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	frames   *jpegStream
	pos      int
	stderr   sync.WaitGroup

	waitOnce sync.Once
	waitErr  error
}

// ffmpegInputArgs returns command line reading location and writing MJPEG to stdout
func ffmpegInputArgs(location string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case strings.HasPrefix(location, "rtsp://"), strings.HasPrefix(location, "rtsps://"):
		args = append(args, "-rtsp_transport", "tcp")
	case strings.HasPrefix(location, "/dev/video"):
		args = append(args, "-f", "v4l2")
	}
	return append(args,
		"-i", location,
		"-an",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
}

// NewFFmpegSource starts ffmpeg at ffmpegPath reading location. The process
// is killed when ctx is done or on Close.
func NewFFmpegSource(ctx context.Context, ffmpegPath, location string) (*FFmpegSource, error) {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, ffmpegInputArgs(location)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "can't get ffmpeg stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "can't get ffmpeg stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "can't start %s", ffmpegPath)
	}
	log.Debug().Str("source", location).Int("pid", cmd.Process.Pid).Msg("FFmpeg started")

	fs := &FFmpegSource{
		location: location,
		cmd:      cmd,
		stdout:   stdout,
		frames:   newJPEGStream(stdout),
	}
	fs.stderr.Add(1)
	go func() {
		defer fs.stderr.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn().Str("source", location).Str("ffmpeg", scanner.Text()).Msg("FFmpeg reported")
		}
	}()
	return fs, nil
}

// Next decodes the next frame. Returns io.EOF once ffmpeg finished the stream
func (fs *FFmpegSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	data, err := fs.frames.next()
	if err == io.EOF {
		if waitErr := fs.wait(); waitErr != nil && ctx.Err() == nil {
			return Frame{}, errors.Wrapf(waitErr, "ffmpeg failed on '%s'", fs.location)
		}
		return Frame{}, io.EOF
	}
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Stream is truncated, nothing more can follow
			fs.wait()
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrapf(err, "can't read frame from '%s'", fs.location)
	}
	fs.pos++
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, errors.Wrapf(err, "can't decode frame %d of '%s'", fs.pos, fs.location)
	}
	return Frame{
		Index: fs.pos,
		Path:  fs.location,
		Image: img,
	}, nil
}

// Close stops ffmpeg if it is still running
func (fs *FFmpegSource) Close() error {
	if fs.cmd.ProcessState == nil && fs.cmd.Process != nil {
		fs.cmd.Process.Kill()
	}
	err := fs.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on purpose
		return nil
	}
	return err
}

func (fs *FFmpegSource) wait() error {
	fs.waitOnce.Do(func() {
		// Wait closes the pipes, stderr must be drained first
		fs.stderr.Wait()
		fs.waitErr = fs.cmd.Wait()
	})
	return fs.waitErr
}
