package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// WebhookProvider POSTs events to an HTTP endpoint.
type WebhookProvider struct {
	url      string
	client   *http.Client
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NewWebhookProvider creates a webhook provider for url.
func NewWebhookProvider(url string, logger *slog.Logger) *WebhookProvider {
	return &WebhookProvider{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}
}

func (*WebhookProvider) Name() string { return "webhook" }

// Publish posts payload, retrying transport failures and non-2xx answers.
// 4xx answers other than 429 are not retried.
func (w *WebhookProvider) Publish(ctx context.Context, subject string, payload []byte) error {
	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Event-Subject", subject)

			resp, err := w.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				w.logger.Warn("Webhook request failed, will retry",
					"subject", subject,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					w.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(err)
				}
				w.logger.Warn("Webhook returned non-2xx status, will retry",
					"status_code", resp.StatusCode,
					"subject", subject)
				return err
			}

			w.logger.Debug("Webhook request completed",
				"subject", subject,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(w.attempts),
		retry.Delay(w.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(w.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Info("Retrying webhook after error", "attempt", n, "error", err)
		}),
	)
}
