package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

// Embedder maps images and text into a shared semantic space. Vectors are
// returned L2-normalised.
type Embedder interface {
	EncodeImage(ctx context.Context, imageBytes []byte) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dim() int
}

// Detector runs object detection.
type Detector interface {
	DetectObjects(ctx context.Context, imageBytes []byte) ([]domain.Detection, error)
}

// FaceEngine detects faces and returns a 512-d embedding per face.
type FaceEngine interface {
	DetectFaces(ctx context.Context, imageBytes []byte) ([]domain.FaceDetection, error)
}

// Masker returns the union mask of prompted segmentation over the given
// label texts.
type Masker interface {
	SegmentMask(ctx context.Context, imageBytes []byte, labels []string) (*Mask, error)
}

// FaceEmbeddingDim is fixed by the face model family.
const FaceEmbeddingDim = 512

type Options struct {
	BaseURL string
	APIKey  string

	EmbedModel string
	EmbedDim   int
	FaceModel  string

	Timeout    time.Duration
	MaxRetries int

	HTTPClient *http.Client
}

// Client talks to the model-serving sidecar over its JSON HTTP API. It
// satisfies Embedder, Detector, FaceEngine, and Masker.
type Client struct {
	baseURL string
	apiKey  string

	embedModel string
	embedDim   int
	faceModel  string

	timeout    time.Duration
	maxRetries int

	httpClient *http.Client
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("baseURL required")
	}
	if opts.EmbedDim <= 0 {
		return nil, errors.New("embedDim required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		embedModel: strings.TrimSpace(opts.EmbedModel),
		embedDim:   opts.EmbedDim,
		faceModel:  strings.TrimSpace(opts.FaceModel),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: hc,
	}, nil
}

func NewFromEnv() (*Client, error) {
	timeoutSeconds := intFromEnv("VISION_TIMEOUT_SECONDS", 60)
	maxRetries := intFromEnv("VISION_MAX_RETRIES", 2)

	return New(Options{
		BaseURL:    getEnv("VISION_BASE_URL", "http://localhost:8090"),
		APIKey:     strings.TrimSpace(os.Getenv("VISION_API_KEY")),
		EmbedModel: getEnv("VISION_EMBED_MODEL", "clip-vit-b32"),
		EmbedDim:   intFromEnv("VISION_EMBED_DIM", 768),
		FaceModel:  getEnv("VISION_FACE_MODEL", "facenet512"),
		Timeout:    time.Duration(timeoutSeconds) * time.Second,
		MaxRetries: maxRetries,
	})
}

func (c *Client) Model() string { return c.embedModel }
func (c *Client) Dim() int      { return c.embedDim }

func (c *Client) EncodeImage(ctx context.Context, imageBytes []byte) ([]float32, error) {
	req := embedImageRequest{
		Model:    c.embedModel,
		ImageB64: base64.StdEncoding.EncodeToString(imageBytes),
	}
	var resp embedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/embed/image", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", domain.ErrModelFailure, err)
	}
	return c.checkVector(resp.Embedding)
}

func (c *Client) EncodeText(ctx context.Context, text string) ([]float32, error) {
	req := embedTextRequest{
		Model: c.embedModel,
		Text:  text,
	}
	var resp embedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/embed/text", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: encode text: %v", domain.ErrModelFailure, err)
	}
	return c.checkVector(resp.Embedding)
}

func (c *Client) checkVector(v []float32) ([]float32, error) {
	if len(v) != c.embedDim {
		return nil, fmt.Errorf("%w: embedding dim mismatch: want=%d got=%d", domain.ErrModelFailure, c.embedDim, len(v))
	}
	norm := vector.Normalize(v)
	if norm == nil {
		return nil, fmt.Errorf("%w: degenerate embedding", domain.ErrModelFailure)
	}
	return norm, nil
}

func (c *Client) DetectObjects(ctx context.Context, imageBytes []byte) ([]domain.Detection, error) {
	req := detectRequest{ImageB64: base64.StdEncoding.EncodeToString(imageBytes)}
	var resp detectResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/detect", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: detect: %v", domain.ErrModelFailure, err)
	}
	return resp.Detections, nil
}

func (c *Client) DetectFaces(ctx context.Context, imageBytes []byte) ([]domain.FaceDetection, error) {
	req := faceRequest{ImageB64: base64.StdEncoding.EncodeToString(imageBytes)}
	var resp faceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/faces", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: faces: %v", domain.ErrModelFailure, err)
	}
	out := make([]domain.FaceDetection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.Embedding) != FaceEmbeddingDim {
			return nil, fmt.Errorf("%w: face embedding dim mismatch: want=%d got=%d", domain.ErrModelFailure, FaceEmbeddingDim, len(f.Embedding))
		}
		out = append(out, domain.FaceDetection{
			Detection: domain.Detection{
				Label:      "face",
				Confidence: f.Confidence,
				BBox:       f.BBox,
			},
			Embedding: f.Embedding,
		})
	}
	return out, nil
}

func (c *Client) SegmentMask(ctx context.Context, imageBytes []byte, labels []string) (*Mask, error) {
	req := maskRequest{
		ImageB64: base64.StdEncoding.EncodeToString(imageBytes),
		Labels:   labels,
	}
	var resp maskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/segment", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: segment: %v", domain.ErrModelFailure, err)
	}
	if strings.TrimSpace(resp.MaskPNGB64) == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(resp.MaskPNGB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode mask: %v", domain.ErrModelFailure, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode mask image: %v", domain.ErrModelFailure, err)
	}
	return maskFromImage(img), nil
}

func maskFromImage(img image.Image) *Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r|g|bl != 0 {
				m.Set(x-b.Min.X, y-b.Min.Y, true)
			}
		}
	}
	return m
}

func (c *Client) doJSON(ctx context.Context, method string, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return ctx2.Err()
		}

		req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = parseHTTPError(resp.StatusCode, raw)
				// Client errors are stable; do not burn retries on them.
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return lastErr
				}
			} else {
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return err
				}
				return nil
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx2.Done():
				return ctx2.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
	}
	return lastErr
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
