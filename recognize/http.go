package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/LdDl/mot-visitors/visitors"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const defaultEmbeddingURL = "http://localhost:8000"

// DefaultEmbedEndpoint is the face embedding route of the embedding server
const DefaultEmbedEndpoint = "/embed/face"

// HTTPEmbedder asks an embedding server for face descriptors.
// Crop is posted as multipart "file" JPEG, server answers with {"dim", "embedding"}.
type HTTPEmbedder struct {
	baseURL  string
	endpoint string
	client   *http.Client
}

// NewHTTPEmbedder creates client for server at baseURL
func NewHTTPEmbedder(baseURL, endpoint string, timeout time.Duration) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	if endpoint == "" {
		endpoint = DefaultEmbedEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type embeddingResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// Embed posts crop and returns server descriptor
func (he *HTTPEmbedder) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if crop == nil || crop.Bounds().Empty() {
		return nil, visitors.ErrNoEmbedding
	}
	var imageData bytes.Buffer
	if err := imaging.Encode(&imageData, crop, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, errors.Wrap(err, "encode crop")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "face.jpg")
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(imageData.Bytes()); err != nil {
		return nil, errors.Wrap(err, "write image data")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, he.baseURL+he.endpoint, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := he.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("embedding server error (status %d): %s", resp.StatusCode, string(body))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, errors.Wrap(err, "parse response")
	}
	if len(embResp.Embedding) == 0 {
		return nil, visitors.ErrNoEmbedding
	}
	if embResp.Dim != 0 && embResp.Dim != len(embResp.Embedding) {
		return nil, errors.Errorf("declared dim %d, got %d values", embResp.Dim, len(embResp.Embedding))
	}
	return embResp.Embedding, nil
}
