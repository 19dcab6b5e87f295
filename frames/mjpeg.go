package frames

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNotMJPEG = errors.New("response is not a multipart MJPEG stream")

// MJPEGSource reads frames of an IP camera serving multipart/x-mixed-replace JPEG parts over HTTP.
// Not safe for concurrent use.
type MJPEGSource struct {
	url   string
	body  io.ReadCloser
	parts *multipart.Reader
	pos   int
}

// NewMJPEGSource connects to url. Request lives as long as ctx. client may be nil
func NewMJPEGSource(ctx context.Context, url string, client *http.Client) (*MJPEGSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "bad stream url '%s'", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to '%s'", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("stream '%s' answered %s", url, resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, errors.Wrapf(ErrNotMJPEG, "'%s' has content type '%s'", url, resp.Header.Get("Content-Type"))
	}
	// Some cameras repeat the leading dashes in the header
	boundary := strings.TrimPrefix(params["boundary"], "--")
	return &MJPEGSource{
		url:   url,
		body:  resp.Body,
		parts: multipart.NewReader(resp.Body, boundary),
	}, nil
}

// Next decodes the next part. Returns io.EOF when the server closes the stream
func (ms *MJPEGSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	part, err := ms.parts.NextPart()
	if err == io.EOF {
		return Frame{}, io.EOF
	}
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		log.Warn().Err(err).Str("source", ms.url).Msg("MJPEG stream interrupted")
		return Frame{}, io.EOF
	}
	defer part.Close()
	ms.pos++
	img, err := imaging.Decode(part, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, errors.Wrapf(err, "can't decode frame %d of '%s'", ms.pos, ms.url)
	}
	return Frame{
		Index: ms.pos,
		Path:  ms.url,
		Image: img,
	}, nil
}

// Close drops the connection
func (ms *MJPEGSource) Close() error {
	return ms.body.Close()
}
