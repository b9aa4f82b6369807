// Package fetch retrieves real-time feed payloads over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conversation-realtime/pkg/realtime"

	"github.com/codeGROOVE-dev/retry"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	readPath     = "/conversation/realtime/read"
	maxBodyBytes = 8 << 20
)

// HTTPStatusError indicates a non-200 response from the feed.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsHTTPStatusError checks if an error is an HTTP status error and returns its code.
func IsHTTPStatusError(err error) (int, bool) {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	return 0, false
}

// Config holds transport settings.
type Config struct {
	BaseURL  string        // Feed host, e.g. https://api.example.com
	Attempts uint          // Attempts per fetch, including the first
	Delay    time.Duration // Initial delay between attempts
	Token    string        // Optional bearer token
}

// Client fetches raw feed payloads.
type Client struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a new feed client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Fetch returns the raw body of one feed read for the conversation.
// Retries inside one fetch are short; the poller owns the longer backoff.
func (c *Client) Fetch(ctx context.Context, conv realtime.Conversation) ([]byte, error) {
	readURL := c.readURL(conv)

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("Accept", "application/json")
			req.Header.Set("Accept-Encoding", "zstd, gzip")
			req.Header.Set("X-Spot-Id", conv.SpotID)
			req.Header.Set("X-Post-Id", conv.PostID)
			if c.cfg.Token != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Debug("Feed request failed",
					"conversation_id", conv.ID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Feed request completed",
				"conversation_id", conv.ID,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_encoding", resp.Header.Get("Content-Encoding"))

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: readURL, StatusCode: resp.StatusCode}
			}

			data, err := readBody(resp)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = data
			return nil
		},
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(c.cfg.Delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Retrying feed fetch after error", "conversation_id", conv.ID, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Client errors will not fix themselves within one fetch
			code, ok := IsHTTPStatusError(err)
			return !ok || code >= 500 || code == http.StatusTooManyRequests
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", conv.ID, err)
	}

	return body, nil
}

func (c *Client) readURL(conv realtime.Conversation) string {
	q := url.Values{}
	q.Set("conversation_id", conv.ID)
	return c.cfg.BaseURL + readPath + "?" + q.Encode()
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return data, nil
}
