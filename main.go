// Command rtsync polls conversation feeds, merges new comments and serves
// live counters over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversation-realtime/config"
	"conversation-realtime/fetch"
	"conversation-realtime/metrics"
	"conversation-realtime/notify"
	"conversation-realtime/poll"
	"conversation-realtime/server"
	"conversation-realtime/snapshot"
	"conversation-realtime/storage"
	"conversation-realtime/thread"
	"conversation-realtime/watch"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", os.Getenv("RTSYNC_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: conf.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New(conf.Metrics.Enabled)

	store, closeStore, err := newStore(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, closeProvider, err := newProvider(conf, logger)
	if err != nil {
		return err
	}
	defer closeProvider()
	sender := notify.New(provider, conf.Notify.SubjectPrefix, rec, logger)

	fetcher := fetch.New(&http.Client{Timeout: conf.Source.Timeout}, conf.FetchConfig(), logger)
	engine, err := poll.New(fetcher, snapshot.New(logger), conf.PollConfig(), rec, logger)
	if err != nil {
		return fmt.Errorf("create poll engine: %w", err)
	}
	defer engine.StopAll()

	// Notifications outlive the signal context until polling has stopped.
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	defer cancelNotify()

	lists := thread.NewRegistry(conf.Order(), conf.Thread.Capacity)
	svc := watch.New(notifyCtx, engine, lists, store, sender, logger)
	if _, err := svc.Restore(ctx); err != nil {
		logger.Warn("Failed to restore watches", "error", err)
	}

	var metricsHandler http.Handler
	if conf.Metrics.Enabled {
		metricsHandler = rec.Handler()
	}
	srv := server.New(&server.Config{
		Watcher:        svc,
		Cache:          server.NewCache(conf.Cache.Enabled, conf.Cache.SizeMB, conf.Cache.TTL),
		Recorder:       rec,
		MetricsHandler: metricsHandler,
		RateLimit:      conf.Server.RateLimit,
		Logger:         logger,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe(conf.Addr())
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, srv, engine, cancelNotify, logger)
	logger.Info("Stopped", "uptime", time.Since(startedAt).Round(time.Second))
	return nil
}

var startedAt = time.Now()

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

type pollStopper interface {
	StopAll()
}

// shutdown closes the API first so no new watch starts, then stops polling,
// and only then cancels in-flight notifications.
func shutdown(ctx context.Context, srv httpShutdowner, engine pollStopper, cancelNotify context.CancelFunc, logger *slog.Logger) {
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
	engine.StopAll()
	cancelNotify()
}

// newStore returns local directory storage when configured, Cloud Storage otherwise.
func newStore(ctx context.Context, conf *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if conf.Storage.LocalPath != "" {
		if err := os.MkdirAll(conf.Storage.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local storage", "path", conf.Storage.LocalPath)
		return storage.New(nil, "", conf.Storage.LocalPath, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if conf.Storage.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(conf.Storage.CredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", conf.Storage.Bucket)

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, conf.Storage.Bucket, "", logger), closeFn, nil
}

func newProvider(conf *config.Config, logger *slog.Logger) (notify.Provider, func(), error) {
	switch conf.Notify.Provider {
	case "nats":
		p, err := notify.NewNATSProvider(conf.Notify.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Publishing events to NATS", "url", conf.Notify.NATSURL, "prefix", conf.Notify.SubjectPrefix)
		return p, p.Close, nil
	case "webhook":
		logger.Info("Publishing events to webhook", "url", conf.Notify.WebhookURL)
		return notify.NewWebhookProvider(conf.Notify.WebhookURL, logger), func() {}, nil
	default:
		logger.Info("Mock event mode enabled, events are logged only")
		return notify.NewLogProvider(logger), func() {}, nil
	}
}
