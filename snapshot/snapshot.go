// Package snapshot decodes real-time feed responses into realtime.Snapshot values.
//
// The wire contract is version 1: the six sections are flat top-level keys of
// the response object next to the required "nextFetch" and "timestamp" fields.
// A "data" wrapper object is not unwrapped.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"

	"conversation-realtime/pkg/realtime"

	json "github.com/goccy/go-json"
)

// WireVersion is the feed contract this decoder implements.
const WireVersion = 1

// Section names as they appear on the wire.
const (
	SectionCounts        = "conversation/count-messages"
	SectionTypingCounts  = "conversation/typing-v2-count"
	SectionTypingUsers   = "conversation/typing-v2-users"
	SectionNewComments   = "conversation/new-messages"
	SectionOnlineViewers = "online/users-count"
	SectionOnlineUsers   = "online/users"
)

// EnvelopeError reports a response that is not a usable feed envelope:
// not a JSON object, or missing one of the required fields.
type EnvelopeError struct {
	Err error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// IsEnvelopeError checks if an error is an envelope decode error.
func IsEnvelopeError(err error) bool {
	var envErr *EnvelopeError
	return errors.As(err, &envErr)
}

// SectionError describes a single section that could not be decoded.
// It never leaves this package; the section is replaced by an empty one.
type SectionError struct {
	Section string
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("decode section %s: %v", e.Section, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Counts        json.RawMessage `json:"conversation/count-messages"`
	TypingCounts  json.RawMessage `json:"conversation/typing-v2-count"`
	TypingUsers   json.RawMessage `json:"conversation/typing-v2-users"`
	NewComments   json.RawMessage `json:"conversation/new-messages"`
	OnlineViewers json.RawMessage `json:"online/users-count"`
	OnlineUsers   json.RawMessage `json:"online/users"`
	Data          json.RawMessage `json:"data"`
	NextFetch     *int64          `json:"nextFetch"`
	Timestamp     *int64          `json:"timestamp"`
}

var (
	errMissingNextFetch = errors.New("missing required field nextFetch")
	errMissingTimestamp = errors.New("missing required field timestamp")
)

// Decoder turns raw response bodies into snapshots.
type Decoder struct {
	logger *slog.Logger
}

// New creates a new decoder.
func New(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode parses a response body. Only a malformed envelope is an error;
// each malformed or missing section decodes to an empty map.
func (d *Decoder) Decode(data []byte) (*realtime.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &EnvelopeError{Err: err}
	}
	if env.NextFetch == nil {
		return nil, &EnvelopeError{Err: errMissingNextFetch}
	}
	if env.Timestamp == nil {
		return nil, &EnvelopeError{Err: errMissingTimestamp}
	}

	if len(env.Data) > 0 {
		d.logger.Debug("Ignoring nested data object, feed contract is flat", "wire_version", WireVersion)
	}

	snap := &realtime.Snapshot{
		Counts:        decodeSection[realtime.MessageCount](d, SectionCounts, env.Counts),
		TypingCounts:  decodeSection[map[string]int](d, SectionTypingCounts, env.TypingCounts),
		Typing:        decodeSection[realtime.TypingRecord](d, SectionTypingUsers, env.TypingUsers),
		NewComments:   decodeSection[*realtime.Comment](d, SectionNewComments, env.NewComments),
		OnlineViewers: decodeSection[realtime.ViewerCount](d, SectionOnlineViewers, env.OnlineViewers),
		OnlineUsers:   decodeSection[realtime.OnlineUser](d, SectionOnlineUsers, env.OnlineUsers),
		NextFetch:     *env.NextFetch,
		Timestamp:     *env.Timestamp,
	}

	for id, comments := range snap.NewComments {
		snap.NewComments[id] = d.dropInvalidComments(id, comments)
	}

	return snap, nil
}

func decodeSection[T any](d *Decoder, name string, raw json.RawMessage) map[string][]T {
	if len(raw) == 0 {
		return make(map[string][]T)
	}

	var out map[string][]T
	if err := json.Unmarshal(raw, &out); err != nil {
		d.logger.Debug("Section could not be decoded, using empty section",
			"error", &SectionError{Section: name, Err: err})
		return make(map[string][]T)
	}
	if out == nil {
		// explicit null
		return make(map[string][]T)
	}
	return out
}

func (d *Decoder) dropInvalidComments(conversationID string, comments []*realtime.Comment) []*realtime.Comment {
	valid := comments[:0]
	for _, c := range comments {
		if c == nil || c.ID == "" {
			d.logger.Debug("Dropping comment without id", "conversation_id", conversationID)
			continue
		}
		valid = append(valid, c)
	}
	return valid
}
