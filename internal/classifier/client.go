package classifier

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
	"os"
	"strings"
	"time"
)

// ErrFailed wraps every classification failure. No verdict is implied by it.
var ErrFailed = errors.New("classification failed")

const maxResponseBytes = 1 << 20

// Client submits staged call audio to the remote verdict endpoint
// (POST multipart, JSON response carrying a boolean "real").
type Client struct {
	endpoint string
	field    string
	http     *http.Client
}

func NewClient(endpoint, field string, httpClient *http.Client) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("classifier: endpoint is required")
	}
	if field == "" {
		field = "audio"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, field: field, http: httpClient}, nil
}

type predictResponse struct {
	Real *bool `json:"real"`
}

// Classify uploads the file at path and reports whether the voice is real.
func (c *Client) Classify(ctx context.Context, path, contentType, filename string) (bool, error) {
	body, formType, err := c.encode(path, contentType, filename)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: request: %v", ErrFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("%w: read response: %v", ErrFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: status %d", ErrFailed, resp.StatusCode)
	}

	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrFailed, err)
	}
	if out.Real == nil {
		return false, fmt.Errorf("%w: response missing \"real\"", ErrFailed)
	}
	return *out.Real, nil
}

func (c *Client) encode(path, contentType, filename string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	if contentType == "" {
		contentType = "audio/mpeg"
	}
	if filename == "" {
		filename = "call_audio.mp3"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.field, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
