// Package storage persists the list of watched conversations.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conversation-realtime/pkg/realtime"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	json "github.com/goccy/go-json"
	"google.golang.org/api/iterator"
)

const keyPrefix = "watch-"

// ErrNotFound is returned when a watch does not exist.
var ErrNotFound = errors.New("storage: watch doesn't exist")

// Watch is a persisted polling request.
type Watch struct {
	Conversation realtime.Conversation `json:"conversation"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Store persists watches to a local directory or a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a store. A non-empty localPath takes precedence over the bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Key returns the object name for a conversation id. Hashing keeps
// caller-built ids out of file paths.
func Key(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(conversationID))
	return keyPrefix + hex.EncodeToString(sum[:]) + ".json"
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(5 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save writes a watch, replacing any previous one for the same conversation.
func (s *Store) Save(ctx context.Context, w *Watch) error {
	key := Key(w.Conversation.ID)
	if key == "" {
		return errors.New("watch has no conversation id")
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}

	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Watch saved to local storage", "path", path, "conversation_id", w.Conversation.ID)
		return nil
	}

	err = retry.Do(
		func() error {
			wr := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			wr.ContentType = "application/json"
			if _, writeErr := wr.Write(data); writeErr != nil {
				if closeErr := wr.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := wr.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Watch saved", "key", key, "conversation_id", w.Conversation.ID)
	return nil
}

// Load reads the watch of a conversation.
func (s *Store) Load(ctx context.Context, conversationID string) (*Watch, error) {
	key := Key(conversationID)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.loadKey(ctx, key)
}

func (s *Store) loadKey(ctx context.Context, key string) (*Watch, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOpts(ctx, s.logger, "load", key)...,
		)
		if notFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var w Watch
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal watch: %w", err)
	}
	return &w, nil
}

// Delete removes the watch of a conversation. Deleting a missing watch is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	key := Key(conversationID)
	if key == "" {
		return errors.New("empty conversation id")
	}

	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Watch deleted from local storage", "path", path, "conversation_id", conversationID)
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Watch deleted", "key", key, "conversation_id", conversationID)
	return nil
}

// List returns every stored watch. Unreadable entries are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*Watch, error) {
	var watches []*Watch

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			w, err := s.loadKey(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load watch", "file", entry.Name(), "error", err)
				continue
			}
			watches = append(watches, w)
		}
		return watches, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		w, err := s.loadKey(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load watch", "key", attrs.Name, "error", err)
			continue
		}
		watches = append(watches, w)
	}

	return watches, nil
}

// IsNotFound reports whether err means the watch does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
