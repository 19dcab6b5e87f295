// Package frames supplies camera frames to the visitor pipeline.
package frames

import (
	"context"
	"image"
	"strings"
)

// Frame is a decoded image together with its origin
type Frame struct {
	// 1-based position in the stream
	Index int
	Path  string
	Image image.Image
}

// Source yields frames until io.EOF. Next may return a non-nil error for
// a single broken frame and still deliver the following ones.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Open picks a source for location: http(s) URLs are read as MJPEG streams,
// anything else (video file, rtsp:// URL, /dev/videoN) goes through ffmpeg.
func Open(ctx context.Context, location, ffmpegPath string) (Source, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		src, err := NewMJPEGSource(ctx, location, nil)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	src, err := NewFFmpegSource(ctx, ffmpegPath, location)
	if err != nil {
		return nil, err
	}
	return src, nil
}

var (
	_ Source = (*DirSource)(nil)
	_ Source = (*FFmpegSource)(nil)
	_ Source = (*MJPEGSource)(nil)
)
