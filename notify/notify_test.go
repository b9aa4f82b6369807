package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conversation-realtime/pkg/realtime"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	subject string
	event   Event
}

type recordingProvider struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (*recordingProvider) Name() string { return "recording" }

func (r *recordingProvider) Publish(_ context.Context, subject string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	r.got = append(r.got, published{subject: subject, event: ev})
	return nil
}

type countingFailures struct {
	n atomic.Int32
}

func (c *countingFailures) IncNotifyFailures(string) { c.n.Add(1) }

func TestDeltaEvent(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, "rtsync", nil, discardLogger())

	err := s.Delta(context.Background(), "sp_1_post_2", []*realtime.Comment{
		{
			ID:        "c1",
			UserID:    "u1",
			WrittenAt: 1700000000,
			Content:   []realtime.ContentItem{{Type: "text", Text: "<p>hello <b>world</b></p>"}},
		},
		{ID: "c2", ParentID: "c1", UserID: "u2", Depth: 1},
	})
	require.NoError(t, err)

	require.Len(t, p.got, 1)
	got := p.got[0]
	assert.Equal(t, "rtsync.delta", got.subject)
	assert.Equal(t, KindDelta, got.event.Kind)
	assert.Equal(t, "sp_1_post_2", got.event.ConversationID)
	require.Len(t, got.event.Comments, 2)
	assert.Equal(t, "hello world", got.event.Comments[0].Text)
	assert.Equal(t, int64(1700000000), got.event.Comments[0].WrittenAt.Unix())
	assert.Equal(t, "c1", got.event.Comments[1].ParentID)
	assert.Nil(t, got.event.Counters)
}

func TestEmptyDeltaIsSkipped(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, "rtsync", nil, discardLogger())

	require.NoError(t, s.Delta(context.Background(), "a", nil))
	assert.Empty(t, p.got)
}

func TestCountersPublishedOnChangeOnly(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, "rtsync", nil, discardLogger())
	ctx := context.Background()

	c := realtime.Counters{RootComments: 1, Total: 1, OnlineViewers: 3}
	require.NoError(t, s.Counters(ctx, "a", c))
	require.NoError(t, s.Counters(ctx, "a", c))
	require.NoError(t, s.Counters(ctx, "b", c))

	c.Typing = 2
	require.NoError(t, s.Counters(ctx, "a", c))

	require.Len(t, p.got, 3)
	assert.Equal(t, "rtsync.counters", p.got[0].subject)
	assert.Equal(t, 2, p.got[2].event.Counters.Typing)

	s.Forget("a")
	require.NoError(t, s.Counters(ctx, "a", c))
	assert.Len(t, p.got, 4)
}

func TestFailedCountersAreRetriedNextCycle(t *testing.T) {
	p := &recordingProvider{fail: errors.New("down")}
	failures := &countingFailures{}
	s := New(p, "rtsync", failures, discardLogger())
	ctx := context.Background()

	c := realtime.Counters{Total: 4, OnlineViewers: 1}
	assert.Error(t, s.Counters(ctx, "a", c))
	assert.Equal(t, int32(1), failures.n.Load())

	p.mu.Lock()
	p.fail = nil
	p.mu.Unlock()

	require.NoError(t, s.Counters(ctx, "a", c))
	assert.Len(t, p.got, 1)
}

func TestWebhookProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "rtsync.delta", r.Header.Get("X-Event-Subject"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookProvider(srv.URL, discardLogger())
	w.delay = time.Millisecond

	require.NoError(t, w.Publish(context.Background(), "rtsync.delta", []byte(`{"ok":true}`)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhookProvider(srv.URL, discardLogger())
	w.delay = time.Millisecond

	assert.Error(t, w.Publish(context.Background(), "rtsync.delta", []byte(`{}`)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogProvider(t *testing.T) {
	p := NewLogProvider(discardLogger())
	assert.Equal(t, "log", p.Name())
	assert.NoError(t, p.Publish(context.Background(), "rtsync.counters", []byte(`{}`)))
}

func TestNATSProviderConnectFailure(t *testing.T) {
	_, err := NewNATSProvider("nats://127.0.0.1:1", discardLogger())
	assert.Error(t, err)
}
