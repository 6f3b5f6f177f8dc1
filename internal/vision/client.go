package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const defaultInferenceURL = "http://localhost:8000"

// Client talks to the face inference server over HTTP. It implements
// Detector, Preprocessor and Encoder, so one client can back the whole
// pipeline.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an inference client. An empty baseURL falls back to the
// local default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultInferenceURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

type detectResponse struct {
	Faces []Detection `json:"faces"`
}

type preprocessRequest struct {
	Image     []byte           `json:"image"`
	Box       Rect             `json:"box"`
	Landmarks map[string]Point `json:"landmarks,omitempty"`
}

type encodeResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

type encodeBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Detect posts the image to /detect and returns found faces.
func (c *Client) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	body, err := c.postMultipartImage(ctx, "/detect", image)
	if err != nil {
		return nil, err
	}
	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parsing detect response: %v", ErrInference, err)
	}
	return resp.Faces, nil
}

// Preprocess posts the image plus face geometry to /preprocess and returns
// the aligned tensor.
func (c *Client) Preprocess(ctx context.Context, image []byte, box Rect, landmarks map[string]Point) (*Tensor, error) {
	body, err := c.postJSON(ctx, "/preprocess", preprocessRequest{
		Image:     image,
		Box:       box,
		Landmarks: landmarks,
	})
	if err != nil {
		return nil, err
	}
	var t Tensor
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("%w: parsing preprocess response: %v", ErrInference, err)
	}
	if len(t.Data) == 0 {
		return nil, fmt.Errorf("%w: empty tensor returned", ErrInference)
	}
	return &t, nil
}

// Encode posts one tensor to /encode and returns its embedding.
func (c *Client) Encode(ctx context.Context, t *Tensor) ([]float32, error) {
	body, err := c.postJSON(ctx, "/encode", t)
	if err != nil {
		return nil, err
	}
	var resp encodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parsing encode response: %v", ErrInference, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrInference)
	}
	return resp.Embedding, nil
}

// EncodeBatch posts tensors to /encode/batch. HTTP 507 from the server maps
// to ErrResourceExhausted so callers can retry sequentially.
func (c *Client) EncodeBatch(ctx context.Context, ts []*Tensor) ([][]float32, error) {
	body, err := c.postJSON(ctx, "/encode/batch", ts)
	if err != nil {
		return nil, err
	}
	var resp encodeBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parsing batch response: %v", ErrInference, err)
	}
	if len(resp.Embeddings) != len(ts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d tensors",
			ErrInference, len(resp.Embeddings), len(ts))
	}
	return resp.Embeddings, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// postMultipartImage constructs a multipart form with the image data and
// posts it to the given endpoint. The part carries an explicit Content-Type
// based on magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusInsufficientStorage:
		return nil, ErrResourceExhausted
	default:
		return nil, fmt.Errorf("%w: API error (status %d): %s",
			ErrInference, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// detectMIMEType detects the image MIME type from magic bytes.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	return "application/octet-stream"
}

// StatusFromError maps a transport error to the closest taxonomy bucket for
// logging. Exposed for callers that report but do not branch on failures.
func StatusFromError(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	default:
		return "inference_error"
	}
}
