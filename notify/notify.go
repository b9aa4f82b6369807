// Package notify fans merged comments and counter changes out to a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conversation-realtime/pkg/realtime"

	json "github.com/goccy/go-json"
)

// Provider delivers one encoded event.
type Provider interface {
	Name() string
	Publish(ctx context.Context, subject string, payload []byte) error
}

// FailureRecorder counts failed deliveries.
type FailureRecorder interface {
	IncNotifyFailures(provider string)
}

// Event kinds, appended to the subject prefix.
const (
	KindDelta    = "delta"
	KindCounters = "counters"
)

// CommentEvent is the published view of a comment.
type CommentEvent struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	UserID    string    `json:"user_id"`
	Depth     int       `json:"depth"`
	Text      string    `json:"text"`
	WrittenAt time.Time `json:"written_at"`
}

// Event is the payload of every published message.
type Event struct {
	Kind           string             `json:"kind"`
	ConversationID string             `json:"conversation_id"`
	Comments       []CommentEvent     `json:"comments,omitempty"`
	Counters       *realtime.Counters `json:"counters,omitempty"`
	SentAt         time.Time          `json:"sent_at"`
}

// Sender encodes events and hands them to the provider. Counters are only
// published when they differ from the last published value.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	failures FailureRecorder
	prefix   string
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]realtime.Counters
}

// New creates a sender publishing under subjects "<prefix>.<kind>".
func New(provider Provider, prefix string, failures FailureRecorder, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		failures: failures,
		prefix:   prefix,
		timeout:  10 * time.Second,
		now:      time.Now,
		last:     make(map[string]realtime.Counters),
	}
}

// Delta publishes newly merged comments. Empty deltas are skipped.
func (s *Sender) Delta(ctx context.Context, conversationID string, comments []*realtime.Comment) error {
	if len(comments) == 0 {
		return nil
	}

	events := make([]CommentEvent, 0, len(comments))
	for _, c := range comments {
		events = append(events, CommentEvent{
			ID:        c.ID,
			ParentID:  c.ParentID,
			UserID:    c.UserID,
			Depth:     c.Depth,
			Text:      c.PlainText(),
			WrittenAt: c.CreatedAt(),
		})
	}

	return s.publish(ctx, Event{
		Kind:           KindDelta,
		ConversationID: conversationID,
		Comments:       events,
	})
}

// Counters publishes counters when they changed since the last call.
func (s *Sender) Counters(ctx context.Context, conversationID string, c realtime.Counters) error {
	s.mu.Lock()
	prev, seen := s.last[conversationID]
	if seen && prev == c {
		s.mu.Unlock()
		return nil
	}
	s.last[conversationID] = c
	s.mu.Unlock()

	if err := s.publish(ctx, Event{
		Kind:           KindCounters,
		ConversationID: conversationID,
		Counters:       &c,
	}); err != nil {
		// Forget the value so the next cycle tries again.
		s.mu.Lock()
		if cur, ok := s.last[conversationID]; ok && cur == c {
			if seen {
				s.last[conversationID] = prev
			} else {
				delete(s.last, conversationID)
			}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Forget drops the remembered counters of a conversation.
func (s *Sender) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, conversationID)
}

func (s *Sender) publish(ctx context.Context, ev Event) error {
	ev.SentAt = s.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}

	subject := s.prefix + "." + ev.Kind
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.provider.Publish(ctx, subject, payload); err != nil {
		if s.failures != nil {
			s.failures.IncNotifyFailures(s.provider.Name())
		}
		s.logger.Warn("Failed to publish event",
			"provider", s.provider.Name(),
			"subject", subject,
			"conversation_id", ev.ConversationID,
			"error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	s.logger.Debug("Published event",
		"provider", s.provider.Name(),
		"subject", subject,
		"conversation_id", ev.ConversationID,
		"comments", len(ev.Comments))
	return nil
}
