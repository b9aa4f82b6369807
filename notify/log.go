package notify

import (
	"context"
	"log/slog"
)

// LogProvider logs events instead of delivering them. Used for local development.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a log-only provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (*LogProvider) Name() string { return "log" }

// Publish logs the event.
func (l *LogProvider) Publish(_ context.Context, subject string, payload []byte) error {
	l.logger.Info("EVENT",
		"subject", subject,
		"payload_length", len(payload))
	return nil
}
