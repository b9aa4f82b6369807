// Package watch ties the poll engine to per-conversation lists, persistence and notifications.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"conversation-realtime/fetch"
	"conversation-realtime/pkg/realtime"
	"conversation-realtime/poll"
	"conversation-realtime/snapshot"
	"conversation-realtime/storage"
	"conversation-realtime/thread"
)

// Engine is the part of the poll engine the service drives.
type Engine interface {
	StartPolling(conv realtime.Conversation, opts poll.Options) error
	StopPolling(id string)
	CurrentCounters(id string) realtime.Counters
	Active() []string
}

// Store persists watches.
type Store interface {
	Save(ctx context.Context, w *storage.Watch) error
	Load(ctx context.Context, conversationID string) (*storage.Watch, error)
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context) ([]*storage.Watch, error)
}

// Notifier publishes poll results.
type Notifier interface {
	Delta(ctx context.Context, conversationID string, comments []*realtime.Comment) error
	Counters(ctx context.Context, conversationID string, c realtime.Counters) error
	Forget(conversationID string)
}

// Service manages the set of watched conversations.
type Service struct {
	ctx      context.Context
	engine   Engine
	lists    *thread.Registry
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a service. ctx bounds notifications issued from poll callbacks.
func New(ctx context.Context, engine Engine, lists *thread.Registry, store Store, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		ctx:      ctx,
		engine:   engine,
		lists:    lists,
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Watch starts polling a conversation and persists it. Errors from the
// engine are wrapped, so poll.ErrAlreadyPolling stays detectable.
func (s *Service) Watch(ctx context.Context, conv realtime.Conversation) error {
	if err := s.start(conv); err != nil {
		return err
	}

	if err := s.store.Save(ctx, &storage.Watch{Conversation: conv, CreatedAt: s.now().UTC()}); err != nil {
		s.engine.StopPolling(conv.ID)
		s.lists.Drop(conv.ID)
		return fmt.Errorf("persist watch: %w", err)
	}

	s.logger.Info("Watching conversation", "conversation_id", conv.ID, "spot_id", conv.SpotID, "post_id", conv.PostID)
	return nil
}

// Unwatch stops polling a conversation and forgets it. A conversation that is
// neither polled nor stored yields an error matching storage.ErrNotFound.
func (s *Service) Unwatch(ctx context.Context, id string) error {
	if !slices.Contains(s.engine.Active(), id) {
		if _, err := s.store.Load(ctx, id); storage.IsNotFound(err) {
			return fmt.Errorf("unwatch %s: %w", id, err)
		}
	}

	s.engine.StopPolling(id)
	s.lists.Drop(id)
	s.notifier.Forget(id)

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}

	s.logger.Info("Stopped watching conversation", "conversation_id", id)
	return nil
}

// Restore resumes every persisted watch and returns how many were started.
func (s *Service) Restore(ctx context.Context) (int, error) {
	watches, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list watches: %w", err)
	}

	started := 0
	for _, w := range watches {
		if err := s.start(w.Conversation); err != nil {
			s.logger.Warn("Failed to resume watch", "conversation_id", w.Conversation.ID, "error", err)
			continue
		}
		started++
	}

	s.logger.Info("Restored watches", "stored", len(watches), "started", started)
	return started, nil
}

// Counters returns the counters of the latest successful poll.
func (s *Service) Counters(id string) realtime.Counters {
	return s.engine.CurrentCounters(id)
}

// Comments returns up to limit merged comments in display order.
func (s *Service) Comments(id string, limit int) []*realtime.Comment {
	l, ok := s.lists.Lookup(id)
	if !ok {
		return []*realtime.Comment{}
	}
	return l.Recent(limit)
}

// Active returns the ids of polled conversations.
func (s *Service) Active() []string {
	return s.engine.Active()
}

func (s *Service) start(conv realtime.Conversation) error {
	_, existed := s.lists.Lookup(conv.ID)
	list := s.lists.List(conv.ID)
	opts := poll.Options{
		List:  list,
		Order: list.Order(),
		Handlers: poll.Handlers{
			OnDelta: func(comments []*realtime.Comment) {
				s.logger.Info("New comments", "conversation_id", conv.ID, "count", len(comments))
				if err := s.notifier.Delta(s.ctx, conv.ID, comments); err != nil {
					s.logger.Warn("Failed to publish comments", "conversation_id", conv.ID, "error", err)
				}
			},
			OnCounters: func(c realtime.Counters) {
				if err := s.notifier.Counters(s.ctx, conv.ID, c); err != nil {
					s.logger.Warn("Failed to publish counters", "conversation_id", conv.ID, "error", err)
				}
			},
			OnError: func(err error) {
				s.logPollError(conv.ID, err)
			},
		},
	}

	if err := s.engine.StartPolling(conv, opts); err != nil {
		if !existed {
			s.lists.Drop(conv.ID)
		}
		return fmt.Errorf("start polling %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Service) logPollError(id string, err error) {
	switch {
	case snapshot.IsEnvelopeError(err):
		s.logger.Warn("Feed returned an unusable payload", "conversation_id", id, "error", err)
	case poll.IsTransportError(err):
		if code, ok := fetch.IsHTTPStatusError(err); ok {
			s.logger.Warn("Feed request rejected", "conversation_id", id, "status_code", code, "error", err)
			return
		}
		s.logger.Warn("Feed request failed", "conversation_id", id, "error", err)
	default:
		s.logger.Error("Poll failed", "conversation_id", id, "error", err)
	}
}
