package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tsawler/go-retrain/vision/preprocessing"
)

// RemoteExtractor talks to a sidecar process serving a pretrained network
type RemoteExtractor struct {
	config     RemoteConfig
	httpClient *http.Client
}

// RemoteConfig contains configuration for the extraction sidecar
type RemoteConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	Dim           int           `json:"dim"`
	InputWidth    int           `json:"input_width"`
	InputHeight   int           `json:"input_height"`
	Version       string        `json:"version"`
}

// BottleneckResponse is the sidecar's reply
type BottleneckResponse struct {
	Bottleneck []float32 `json:"bottleneck"`
	Version    string    `json:"version,omitempty"`
	Message    string    `json:"message,omitempty"`
}

const maxErrorBody = 256

// StatusError reports a non-200 reply from the sidecar
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP request failed with status %d: %s", e.Code, e.Message)
}

// pixelRequest carries a decoded tensor to the sidecar
type pixelRequest struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Channels int       `json:"channels"`
	Pixels   []float32 `json:"pixels"`
}

// DefaultRemoteConfig returns defaults for a sidecar on localhost
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:       "http://localhost:8501",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		Dim:           BottleneckSize,
		InputWidth:    ModelInputWidth,
		InputHeight:   ModelInputHeight,
		Version:       "remote",
	}
}

// NewRemoteExtractor creates a new sidecar client
func NewRemoteExtractor(config RemoteConfig) *RemoteExtractor {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &RemoteExtractor{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (re *RemoteExtractor) Dim() int {
	return re.config.Dim
}

func (re *RemoteExtractor) InputSize() (int, int) {
	return re.config.InputWidth, re.config.InputHeight
}

func (re *RemoteExtractor) Version() string {
	return re.config.Version
}

// ExtractEncoded posts raw JPEG bytes
func (re *RemoteExtractor) ExtractEncoded(ctx context.Context, data []byte) ([]float32, error) {
	return re.postWithRetry(ctx, "/v1/bottleneck", "image/jpeg", data)
}

// ExtractPixels posts a decoded tensor as JSON
func (re *RemoteExtractor) ExtractPixels(ctx context.Context, t *preprocessing.PixelTensor) ([]float32, error) {
	body, err := json.Marshal(pixelRequest{
		Width:    t.Width,
		Height:   t.Height,
		Channels: t.Channels,
		Pixels:   t.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pixel tensor: %w", err)
	}
	return re.postWithRetry(ctx, "/v1/bottleneck/pixels", "application/json", body)
}

func (re *RemoteExtractor) postWithRetry(ctx context.Context, path, contentType string, body []byte) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < re.config.RetryAttempts; attempt++ {
		values, err := re.post(ctx, path, contentType, body)
		if err == nil {
			return values, nil
		}
		lastErr = err

		if attempt < re.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(re.config.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("bottleneck request failed after %d attempts: %w", re.config.RetryAttempts, lastErr)
}

func (re *RemoteExtractor) post(ctx context.Context, path, contentType string, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, re.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "go-retrain")

	resp, err := re.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var out BottleneckResponse
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if json.Unmarshal(respBody, &out) == nil && out.Message != "" {
			msg = out.Message
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if re.config.Version != "" && out.Version != "" && out.Version != re.config.Version {
		return nil, fmt.Errorf("sidecar serves extractor %q, expected %q", out.Version, re.config.Version)
	}
	if len(out.Bottleneck) != re.config.Dim {
		return nil, &DimensionError{Want: re.config.Dim, Got: len(out.Bottleneck)}
	}
	return out.Bottleneck, nil
}

// CheckHealth checks if the sidecar is available
func (re *RemoteExtractor) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, re.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := re.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extraction sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
