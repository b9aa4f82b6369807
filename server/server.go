// Package server exposes the watch list, counters and merged comments over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"conversation-realtime/pkg/realtime"
	"conversation-realtime/poll"
	"conversation-realtime/storage"

	json "github.com/goccy/go-json"
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,128}$`)

// Watcher manages watched conversations.
type Watcher interface {
	Watch(ctx context.Context, conv realtime.Conversation) error
	Unwatch(ctx context.Context, id string) error
	Counters(id string) realtime.Counters
	Comments(id string, limit int) []*realtime.Comment
	Active() []string
}

// Recorder counts requests and cache lookups.
type Recorder interface {
	IncRequests(endpoint string, status int)
	IncCacheHits()
	IncCacheMisses()
}

// IsAlreadyWatched reports whether a Watch error means the conversation is already polled.
type IsAlreadyWatched func(error) bool

// Config holds server dependencies.
type Config struct {
	Watcher          Watcher
	Cache            Cache
	Recorder         Recorder
	MetricsHandler   http.Handler // nil disables /metrics
	IsAlreadyWatched IsAlreadyWatched
	IsNotWatched     func(error) bool // matches Unwatch errors for unknown conversations
	RateLimit        int              // mutating requests per IP per minute
	Logger           *slog.Logger
}

// Server handles HTTP requests.
type Server struct {
	watcher          Watcher
	cache            Cache
	recorder         Recorder
	metricsHandler   http.Handler
	isAlreadyWatched IsAlreadyWatched
	isNotWatched     func(error) bool
	limiter          *rateLimiter
	logger           *slog.Logger

	mu   sync.Mutex
	http *http.Server
}

// New creates a server.
func New(cfg *Config) *Server {
	s := &Server{
		watcher:          cfg.Watcher,
		cache:            cfg.Cache,
		recorder:         cfg.Recorder,
		metricsHandler:   cfg.MetricsHandler,
		isAlreadyWatched: cfg.IsAlreadyWatched,
		isNotWatched:     cfg.IsNotWatched,
		limiter:          newRateLimiter(cfg.RateLimit, time.Minute),
		logger:           cfg.Logger,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.isAlreadyWatched == nil {
		s.isAlreadyWatched = func(err error) bool { return errors.Is(err, poll.ErrAlreadyPolling) }
	}
	if s.isNotWatched == nil {
		s.isNotWatched = storage.IsNotFound
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/watch", s.instrument("/watch", s.handleWatch))
	mux.HandleFunc("/unwatch", s.instrument("/unwatch", s.handleUnwatch))
	mux.HandleFunc("/watches", s.instrument("/watches", s.handleWatches))
	mux.HandleFunc("/counters", s.instrument("/counters", s.handleCounters))
	mux.HandleFunc("/comments", s.instrument("/comments", s.handleComments))
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	return mux
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"active": len(s.watcher.Active()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data, s.logger)
}

func writeRaw(w http.ResponseWriter, status int, data []byte, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.recorder.IncRequests(endpoint, sw.status)
	}
}

// allowMutation applies the per-IP rate limit.
func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// rateLimiter allows limit events per key within a sliding window.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 10
	}
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, ts := range rl.clients[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.clients[key] = recent
		return false
	}

	rl.clients[key] = append(recent, now)
	return true
}

type nopRecorder struct{}

func (nopRecorder) IncRequests(string, int) {}
func (nopRecorder) IncCacheHits()           {}
func (nopRecorder) IncCacheMisses()         {}
