package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/generation"
)

var (
	// ErrMalformedResponse is returned for a 2xx reply whose body lacks the
	// generated object keys
	ErrMalformedResponse = errors.New("malformed worker response")

	// ErrEndpointNotConfigured is returned when no URL is set for an endpoint
	ErrEndpointNotConfigured = errors.New("worker endpoint not configured")
)

// DispatchError is a non-2xx reply from the worker
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("generation worker error (status %d): %s", e.StatusCode, e.Body)
}

// Generator defines the interface for song generation calls
type Generator interface {
	Generate(ctx context.Context, req *generation.Request) (*GenerateResult, error)
}

// GenerateResult is the worker's success body
type GenerateResult struct {
	S3Key           string   `json:"s3_key"`
	CoverImageS3Key string   `json:"cover_image_s3_key"`
	Categories      []string `json:"categories"`
}

// GenerationClient implements Generator for the compute worker
type GenerationClient struct {
	httpClient *http.Client
	endpoints  map[generation.Endpoint]string
	key        string
	secret     string
	log        zerolog.Logger
}

// NewGenerationClient creates a new worker client. The HTTP timeout is the
// dispatch timeout since a generation can run for minutes.
func NewGenerationClient(cfg *config.WorkerConfig, log zerolog.Logger) *GenerationClient {
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &GenerationClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoints: map[generation.Endpoint]string{
			generation.EndpointDescribeFullSong:            cfg.DescribeFullSongURL,
			generation.EndpointGenerateWithLyrics:          cfg.GenerateWithLyricsURL,
			generation.EndpointGenerateFromDescribedLyrics: cfg.GenerateFromDescribedLyricsURL,
		},
		key:    cfg.Key,
		secret: cfg.Secret,
		log:    log.With().Str("component", "generation_client").Logger(),
	}
}

// Generate posts the payload to the endpoint's URL and parses the result
func (c *GenerationClient) Generate(ctx context.Context, req *generation.Request) (*GenerateResult, error) {
	url := c.endpoints[req.Endpoint]
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotConfigured, req.Endpoint)
	}

	bodyBytes, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Modal-Key", c.key)
	httpReq.Header.Set("Modal-Secret", c.secret)

	start := time.Now()
	c.log.Info().Str("endpoint", string(req.Endpoint)).Msg("→ POST")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Warn().Err(err).Str("endpoint", string(req.Endpoint)).Msg("✗ request failed")
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Info().
		Str("endpoint", string(req.Endpoint)).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("←")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DispatchError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var result GenerateResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if result.S3Key == "" || result.CoverImageS3Key == "" {
		return nil, fmt.Errorf("%w: missing object keys", ErrMalformedResponse)
	}

	return &result, nil
}

// IsConfigured returns true if every endpoint has a URL
func (c *GenerationClient) IsConfigured() bool {
	for _, url := range c.endpoints {
		if url == "" {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
